// Package tlsutil 提供 HTTP Agent 与 Redis 连接共用的 TLS 配置。
// 安全加固：TLS 1.2+，仅 AEAD 密码套件。
package tlsutil
