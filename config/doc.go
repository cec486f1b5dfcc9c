// Package config 提供 phaseflow 的配置加载。
//
// 配置来源依次为默认值、YAML 文件与 PHASEFLOW_ 前缀的环境变量，
// EngineConfig.Policy 将引擎部分转换为 workflow.EnginePolicy。
package config
