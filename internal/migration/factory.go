package migration

import (
	"fmt"

	"github.com/BaSui01/phaseflow/config"
)

// NewMigratorFromConfig 由应用配置创建迁移器，驱动取 database.driver，缺省时取 store.driver
func NewMigratorFromConfig(cfg *config.Config) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	dbCfg := cfg.Database
	dbCfg.Driver = cfg.DatabaseDriver()
	return NewMigratorFromDatabaseConfig(dbCfg)
}

// NewMigratorFromDatabaseConfig 由数据库配置创建迁移器
func NewMigratorFromDatabaseConfig(dbCfg config.DatabaseConfig) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	return NewMigrator(Config{
		DatabaseType: dbType,
		DatabaseURL:  URLFromConfig(dbType, dbCfg),
		TableName:    DefaultTable,
	})
}

// NewMigratorFromURL 由类型字符串与连接 URL 创建迁移器
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(Config{DatabaseType: dt, DatabaseURL: dbURL, TableName: DefaultTable})
}

// URLFromConfig 由数据库配置拼接迁移连接 URL；SQLite 的 Name 即文件路径
func URLFromConfig(dbType DatabaseType, dbCfg config.DatabaseConfig) string {
	switch dbType {
	case DatabaseTypeSQLite:
		return BuildDatabaseURL(dbType, "", 0, dbCfg.Name, "", "", "")
	case DatabaseTypeMySQL:
		return BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, "")
	default:
		return BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	}
}
