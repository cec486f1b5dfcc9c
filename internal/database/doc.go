// 版权所有 2024 PhaseFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责打开会话归档所用的 GORM 连接并管理连接池。

# 核心类型

  - Open：按驱动（postgres/mysql/sqlite）选择 GORM 方言并建立连接。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 Ping、Stats、
    Close 与后台健康检查。
  - PoolConfig：连接池配置，可由 config.DatabaseConfig 转换得到。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 在死锁、
序列化失败、连接中断等错误上按指数退避重试，store.GormStore
的写入走这条路径。
*/
package database
