// Package fixtures 提供测试用的工作流 YAML 文档。
package fixtures

// FeatureWorkflowYAML 覆盖顺序阶段、并行组、命名条件、质量门与升级规则。
// Agent: planner, coder, reviewer。
const FeatureWorkflowYAML = `
name: feature_build
version: "1.0"
description: Plan, implement and review a feature.

agents:
  planner:
    role: planning
    capabilities: [plan]
  coder:
    role: implementation
    capabilities: [code]
  reviewer:
    role: review

phases:
  - name: plan
    agent: planner
    task_type: planning
    timeout: 120
    inputs:
      - name: request
        source: user_input.request
    outputs:
      - name: plan
        destination: workflow_state.plan
    validation:
      min_content_length: 10

  - name: implement
    agent: coder
    task_type: implementation
    timeout: 5m
    inputs:
      - name: plan
        source: workflow_state.plan
      - name: language
        value: go
    outputs:
      - name: code
    retry_config:
      max_attempts: 2
      backoff: fixed
      base_delay: 1s

  - name: security_review
    agent: reviewer
    task_type: review
    parallel: true
    parallel_group: review
    inputs:
      - name: code
        source: workflow_state
    outputs:
      - name: security
        destination: workflow_state.review.security

  - name: performance_review
    agent: reviewer
    task_type: review
    parallel: true
    parallel_group: review
    required: false
    inputs:
      - name: code
        source: workflow_state.code
    outputs:
      - name: performance
        destination: workflow_state.review.performance

  - name: deploy
    agent: coder
    task_type: deploy
    condition: reviews_done
    depends_on: [security_review, performance_review]

conditions:
  reviews_done:
    path: workflow_state.review
    not_empty: true

quality_gates:
  implement:
    required_sections: [Code]

error_handling:
  retry:
    max_attempts: 3
    backoff: exponential
    base_delay: 500ms
    max_delay: 10s
  escalations:
    - on: validation_failed
      phase: implement
      action: consult_and_retry
      consult_phase: clarify
  consultations:
    - name: clarify
      agent: planner
      task_type: clarification
      inputs:
        - name: failure
          source: workflow_state.escalation.implement
`

// ModuleLoopWorkflowYAML 覆盖动态循环：decompose 产出模块列表，
// 每个模块依次经过 code_module 与 test_module。
// Agent: architect, coder, tester。
const ModuleLoopWorkflowYAML = `
name: module_build
version: "1.0"

agents:
  architect: {}
  coder: {}
  tester: {}

phases:
  - name: decompose
    agent: architect
    outputs:
      - name: modules
        destination: workflow_state.modules

  - name: build_modules
    loop_source: workflow_state.modules
    loop_item_key: name
    body:
      - name: code_module
        agent: coder
        inputs:
          - name: module
            source: loop_item
        outputs:
          - name: source
            destination: workflow_state.sources[{id}]
      - name: test_module
        agent: tester
        inputs:
          - name: source
            source: workflow_state.sources[{id}]
        outputs:
          - name: report
            destination: workflow_state.reports[{id}]

  - name: integrate
    agent: coder
    inputs:
      - name: reports
        source: workflow_state.reports
`

// InvalidWorkflowYAML 解析成功但无法编译：依赖悬空且存在环。
const InvalidWorkflowYAML = `
name: broken
version: "1.0"
agents:
  worker: {}
phases:
  - name: a
    agent: worker
    depends_on: [c]
  - name: b
    agent: worker
    depends_on: [a, ghost]
  - name: c
    agent: worker
    depends_on: [b]
`
