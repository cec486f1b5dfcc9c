// 版权所有 2024 PhaseFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理会话归档表 workflow_sessions 的 Schema 版本，
支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在 migrations/<dialect>/
目录下。SQLite 经纯 Go 驱动 glebarez/go-sqlite 打开，与
store.GormStore 使用同一驱动。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/Steps/Force/Version/Status/Info。
  - Config：数据库类型、连接 URL 与版本表名。
  - CLI：phaseflow migrate 子命令的格式化输出层。

# 工厂函数

NewMigratorFromConfig 从应用配置创建迁移器，store.New 在
store.auto_migrate 开启时调用它。
*/
package migration
