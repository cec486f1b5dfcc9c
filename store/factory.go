package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/config"
	"github.com/BaSui01/phaseflow/internal/database"
	"github.com/BaSui01/phaseflow/internal/migration"
	"github.com/BaSui01/phaseflow/internal/tlsutil"
)

// connectTimeout Redis 与数据库建连时的探活超时
const connectTimeout = 5 * time.Second

// New 按 store.driver 创建存储
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Store.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return newRedis(ctx, cfg, logger)
	case "postgres", "mysql", "sqlite":
		return newGorm(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func newRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}
	if cfg.Redis.TLS {
		opts.TLSConfig = tlsutil.ForAddr(cfg.Redis.Addr)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis store initialized",
		zap.String("addr", cfg.Redis.Addr),
		zap.Int("pool_size", cfg.Redis.PoolSize),
	)
	return NewRedisStore(client, RedisOptions{KeyPrefix: cfg.Store.KeyPrefix, TTL: cfg.Store.TTL}, logger), nil
}

func newGorm(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*GormStore, error) {
	dbCfg := cfg.Database
	dbCfg.Driver = cfg.Store.Driver

	db, err := database.Open(dbCfg, logger)
	if err != nil {
		return nil, err
	}
	pool, err := database.NewPoolManager(db, database.PoolConfigFrom(dbCfg), logger)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	s := NewGormStore(pool, logger)

	if cfg.Store.AutoMigrate {
		if err := migrate(ctx, s, dbCfg); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// migrate 执行内嵌迁移；SQLite 内存库没有可供第二个连接打开的文件，改用 GORM 建表
func migrate(ctx context.Context, s *GormStore, dbCfg config.DatabaseConfig) error {
	if dbCfg.Driver == "sqlite" && isMemoryDSN(dbCfg.Name) {
		return s.AutoMigrate(ctx)
	}
	m, err := migration.NewMigratorFromDatabaseConfig(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()
	return m.Up(ctx)
}

func isMemoryDSN(name string) bool {
	return name == "" || name == ":memory:" || name == "file::memory:"
}
