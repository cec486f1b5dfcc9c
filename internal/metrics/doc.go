// 版权所有 2024 PhaseFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的工作流指标采集。

# 概述

Collector 实现 workflow.Observer 与 workflow.CircuitBreakerEventHandler，
通过 workflow.WithObserver / WithCircuitBreakerEvents 接入引擎。
指标注册在 Collector 自有的 Registry 上，经 Handler 暴露给
/metrics 端点。

# 指标

  - 阶段：phase_attempts_total、phase_duration_seconds、
    phase_errors_total、phases_in_flight，按 workflow/phase 分组，
    phase 取声明名而非循环实例键。
  - 会话：workflow_runs_total、workflow_duration_seconds、
    workflow_attempts，按 workflow/status 分组。
  - 熔断器：circuit_breaker_transitions_total、circuit_breaker_state。
  - 数据库：db_connections_open/in_use/idle，由 RecordDBStats 写入。
*/
package metrics
