// 版权所有 2024 PhaseFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供指标 HTTP 服务器的生命周期管理。

# 概述

Manager 封装 net/http.Server，负责监听、后台服务、优雅关闭与
异步错误传播。NewMux 注册两条路由：

  - GET /metrics：Prometheus 指标（metrics.Collector.Handler）
  - GET /healthz：依次 Ping 注册的依赖（如会话存储），任一失败返回 503

# 用法

命令行 run 子命令在开启指标时以 ConfigFromMetrics 构造配置，
在后台调用 Run；工作流结束或收到信号后 ctx 取消，服务器在
ShutdownTimeout 内排空连接并退出。
*/
package server
