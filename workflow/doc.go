/*
Package workflow 提供多 Agent 阶段工作流的解释执行引擎。

# 概述

一个工作流定义（Definition）由若干阶段（PhaseSpec）组成。每个阶段把任务
交给一个 Agent，从会话状态读取输入、向会话状态写入输出。引擎根据依赖关系
调度阶段：顺序执行、并行组并发执行、动态循环按列表逐项展开。

# 核心类型

  - Definition / PhaseSpec — 不可变的工作流定义与阶段
  - Path                   — 加载时解析的路径表达式（user_input / workflow_state / loop_item）
  - Plan / Compile         — 校验定义并生成依赖图、执行顺序与阶段策略
  - Resolver / Graph       — 依赖图构建、环检测、拓扑排序、动态循环展开
  - WorkflowState          — 会话唯一可变状态，并行写冲突检测，原子提交
  - PhaseExecutor          — 单次阶段尝试：绑定、前置校验、调用、后置校验、提交
  - Engine                 — 调度循环、重试退避、升级处理、取消与归档
  - CircuitBreakerRegistry — 按 Agent 的熔断器
  - Observer / Archiver    — 指标、链路追踪与终态持久化扩展点

# 主要能力

  - 错误分类：Success / Retryable / Fatal，重试策略 exponential / linear / fixed
  - 升级规则：consult_and_retry / skip / pause / fail，每阶段最多升级一次
  - 条件执行：enabled 开关与条件表达式（比较、逻辑运算、len()）
  - 校验准则：长度、必需元素/章节/文件/关键字、最大输出 Token
*/
package workflow
