// Package dsl 提供 YAML/JSON 声明式工作流定义语言，
// 支持并行组、动态循环、命名条件、质量门与升级规则，
// 将文档解析为 workflow.Definition，由 workflow.Compile 完成语义校验。
package dsl
