/*
Package types 提供 phaseflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、agent、store
等上层模块提供统一的类型契约，以避免循环依赖。

# 核心类型

  - Agent / Task / Response — 引擎与 Agent 之间唯一的调用契约
  - Capable / Named         — 可选的 Agent 能力声明与显示名称接口
  - Error / ErrorCode       — 结构化错误体系，含阶段名、Retryable 标记
*/
package types
