// =============================================================================
// 📦 phaseflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:    DefaultEngineConfig(),
		Log:       DefaultLogConfig(),
		Store:     DefaultStoreConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Metrics:   DefaultMetricsConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置，与 workflow.DefaultEnginePolicy 一致
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Retry: RetrySection{
			MaxAttempts: 3,
			Backoff:     "exponential",
			BaseDelay:   1 * time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      true,
		},
		DefaultTimeout:      5 * time.Minute,
		SessionTimeout:      time.Hour,
		MaxConcurrentAgents: 3,
		EscalationEnabled:   true,
		CircuitBreaker: CircuitBreakerSection{
			FailureThreshold:  0,
			RecoveryTimeout:   30 * time.Second,
			HalfOpenMaxProbes: 1,
			SuccessThreshold:  1,
		},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Driver:      "memory",
		KeyPrefix:   "phaseflow:",
		TTL:         0,
		AutoMigrate: true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "phaseflow",
		Password:        "",
		Name:            "phaseflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:         false,
		Addr:            ":9091",
		Namespace:       "phaseflow",
		ShutdownTimeout: 5 * time.Second,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "phaseflow",
		SampleRate:   0.1,
	}
}
