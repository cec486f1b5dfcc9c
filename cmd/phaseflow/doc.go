/*
Package main 提供 phaseflow 命令行程序。

# 子命令

  - run：解析 YAML 工作流定义并执行，最终会话状态以 JSON 输出；
    会话失败退出码为 2，被升级规则暂停为 3。--dry-run 为配置中
    缺失的 Agent 引用注册 echo Agent。
  - validate / plan：只编译定义，输出校验结果或执行顺序。
  - sessions list|show|delete：查询归档存储中的会话。
  - migrate：管理 workflow_sessions 表结构（golang-migrate）。
  - version：构建信息，Version、BuildTime、GitCommit 通过 ldflags 注入。

# 运行时

run 按配置创建会话存储（memory、redis、postgres、mysql、sqlite）作为
引擎归档器；metrics.enabled 时启动 /metrics 与 /healthz 服务器并注册
Prometheus 收集器；telemetry.enabled 时注册 OpenTelemetry 观察者。
SIGINT/SIGTERM 取消会话，已提交的阶段结果仍会归档。
*/
package main
