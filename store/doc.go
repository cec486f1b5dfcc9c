/*
包 store 持久化工作流会话状态，并实现 workflow.Archiver，
引擎在会话进入终态时把状态快照交给它归档。

# 后端

  - MemoryStore：进程内，保存编码后的副本。
  - RedisStore：{prefix}state:{id} 字符串键 + {prefix}index 有序集合，
    支持 TTL，List 时清理过期索引项。
  - GormStore：workflow_sessions 表，经 internal/database 连接池访问，
    支持 postgres、mysql 与 sqlite；Save 为 upsert 并对死锁类错误重试。

New 按 store.driver 选择后端；store.auto_migrate 开启时对关系型
后端执行 internal/migration 的内嵌迁移。
*/
package store
