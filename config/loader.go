// =============================================================================
// 📦 phaseflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("phaseflow.yaml").
//	    WithEnvPrefix("PHASEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/phaseflow/workflow"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 phaseflow 的完整配置结构
type Config struct {
	// Engine 引擎策略
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Store 会话归档存储
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis 配置（store.driver = redis 时使用）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（store.driver = postgres/mysql/sqlite 时使用）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Metrics Prometheus 指标
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Agents HTTP Agent 端点，仅从 YAML 加载
	Agents []AgentConfig `yaml:"agents" env:"-"`
}

// EngineConfig 引擎策略配置
type EngineConfig struct {
	// 全局重试策略
	Retry RetrySection `yaml:"retry" env:"RETRY"`
	// 单次 Agent 调用默认超时
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// 整个会话超时，0 表示不限
	SessionTimeout time.Duration `yaml:"session_timeout" env:"SESSION_TIMEOUT"`
	// 并行组内最大并发 Agent 数
	MaxConcurrentAgents int `yaml:"max_concurrent_agents" env:"MAX_CONCURRENT_AGENTS"`
	// 是否启用升级规则
	EscalationEnabled bool `yaml:"escalation_enabled" env:"ESCALATION_ENABLED"`
	// 熔断器
	CircuitBreaker CircuitBreakerSection `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`
}

// RetrySection 重试配置
type RetrySection struct {
	// 最大尝试次数（含首次）
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 退避策略: exponential, linear, fixed
	Backoff string `yaml:"backoff" env:"BACKOFF"`
	// 基础延迟
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	// 延迟上限
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 是否添加抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
}

// CircuitBreakerSection 熔断器配置，failure_threshold 为 0 时关闭
type CircuitBreakerSection struct {
	FailureThreshold  int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes" env:"HALF_OPEN_MAX_PROBES"`
	SuccessThreshold  int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// StoreConfig 会话归档存储配置
type StoreConfig struct {
	// 驱动: memory, redis, postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 归档保留时间，0 表示永久（仅 redis 生效）
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 启动时执行数据库迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite（为空时取 store.driver）
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否暴露 /metrics
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// AgentConfig 远程 Agent 端点
type AgentConfig struct {
	// ID 与工作流定义中的 agent 引用一致
	ID string `yaml:"id"`
	// 类型: http, echo
	Type string `yaml:"type"`
	// HTTP 端点
	Endpoint string `yaml:"endpoint"`
	// 附加请求头
	Headers map[string]string `yaml:"headers"`
	// 单次请求超时
	Timeout time.Duration `yaml:"timeout"`
	// 每分钟请求上限，0 表示不限
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// 声明的能力
	Capabilities []string `yaml:"capabilities"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "PHASEFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，键为 PREFIX_SECTION_FIELD
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.Retry.MaxAttempts < 1 {
		errs = append(errs, "engine.retry.max_attempts must be at least 1")
	}
	if !workflow.BackoffKind(c.Engine.Retry.Backoff).Valid() {
		errs = append(errs, fmt.Sprintf("engine.retry.backoff %q is not supported", c.Engine.Retry.Backoff))
	}
	if c.Engine.MaxConcurrentAgents <= 0 {
		errs = append(errs, "engine.max_concurrent_agents must be positive")
	}
	if c.Engine.CircuitBreaker.FailureThreshold < 0 {
		errs = append(errs, "engine.circuit_breaker.failure_threshold must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not supported", c.Log.Level))
	}

	switch c.Store.Driver {
	case "memory", "redis", "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("agents[%d]: id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
		switch a.Type {
		case "", "http":
			if a.Endpoint == "" {
				errs = append(errs, fmt.Sprintf("agent %q: endpoint is required", a.ID))
			}
		case "echo":
		default:
			errs = append(errs, fmt.Sprintf("agent %q: unknown type %q", a.ID, a.Type))
		}
		if a.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Sprintf("agent %q: requests_per_minute must not be negative", a.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Policy 转换为引擎策略
func (e EngineConfig) Policy() workflow.EnginePolicy {
	return workflow.EnginePolicy{
		Retry: workflow.RetryConfig{
			MaxAttempts: e.Retry.MaxAttempts,
			Backoff:     workflow.BackoffKind(e.Retry.Backoff),
			BaseDelay:   e.Retry.BaseDelay,
			MaxDelay:    e.Retry.MaxDelay,
			Jitter:      e.Retry.Jitter,
		},
		DefaultTimeout:      e.DefaultTimeout,
		SessionTimeout:      e.SessionTimeout,
		MaxConcurrentAgents: e.MaxConcurrentAgents,
		CircuitBreaker: workflow.CircuitBreakerConfig{
			FailureThreshold:           e.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:            e.CircuitBreaker.RecoveryTimeout,
			HalfOpenMaxProbes:          e.CircuitBreaker.HalfOpenMaxProbes,
			SuccessThresholdInHalfOpen: e.CircuitBreaker.SuccessThreshold,
		},
		EscalationEnabled: e.EscalationEnabled,
	}
}

// DatabaseDriver 返回实际使用的数据库驱动
func (c *Config) DatabaseDriver() string {
	if c.Database.Driver != "" {
		return c.Database.Driver
	}
	return c.Store.Driver
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
