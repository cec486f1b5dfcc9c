// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/phaseflow/workflow"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Engine.Retry.Backoff)
	assert.Equal(t, 5*time.Minute, cfg.Engine.DefaultTimeout)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrentAgents)
	assert.True(t, cfg.Engine.EscalationEnabled)
	assert.Zero(t, cfg.Engine.CircuitBreaker.FailureThreshold)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, ":9091", cfg.Metrics.Addr)
	assert.Equal(t, "phaseflow", cfg.Telemetry.ServiceName)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultEngineConfig_MatchesEnginePolicy(t *testing.T) {
	assert.Equal(t, workflow.DefaultEnginePolicy(), DefaultEngineConfig().Policy())
}

// --- Loader 测试 ---

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "phaseflow.yaml")

	yamlContent := `
engine:
  retry:
    max_attempts: 5
    backoff: linear
    base_delay: 250ms
  default_timeout: 90s
  max_concurrent_agents: 8
  circuit_breaker:
    failure_threshold: 4
store:
  driver: redis
  ttl: 24h
redis:
  addr: "redis.example.com:6379"
  db: 2
log:
  level: debug
  format: console
agents:
  - id: planner
    endpoint: http://planner:8080/execute
    requests_per_minute: 30
    headers:
      Authorization: Bearer abc
  - id: echo
    type: echo
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, "linear", cfg.Engine.Retry.Backoff)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.Retry.BaseDelay)
	// 未出现在 YAML 中的字段保留默认值
	assert.Equal(t, 30*time.Second, cfg.Engine.Retry.MaxDelay)
	assert.Equal(t, 90*time.Second, cfg.Engine.DefaultTimeout)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrentAgents)
	assert.Equal(t, 4, cfg.Engine.CircuitBreaker.FailureThreshold)

	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Store.TTL)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "planner", cfg.Agents[0].ID)
	assert.Equal(t, 30, cfg.Agents[0].RequestsPerMinute)
	assert.Equal(t, "Bearer abc", cfg.Agents[0].Headers["Authorization"])
	assert.Equal(t, "echo", cfg.Agents[1].Type)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("PHASEFLOW_ENGINE_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("PHASEFLOW_ENGINE_DEFAULT_TIMEOUT", "45s")
	t.Setenv("PHASEFLOW_ENGINE_CIRCUIT_BREAKER_FAILURE_THRESHOLD", "2")
	t.Setenv("PHASEFLOW_ENGINE_ESCALATION_ENABLED", "false")
	t.Setenv("PHASEFLOW_STORE_DRIVER", "sqlite")
	t.Setenv("PHASEFLOW_TELEMETRY_SAMPLE_RATE", "0.5")
	t.Setenv("PHASEFLOW_LOG_OUTPUT_PATHS", "stdout, /tmp/phaseflow.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Engine.DefaultTimeout)
	assert.Equal(t, 2, cfg.Engine.CircuitBreaker.FailureThreshold)
	assert.False(t, cfg.Engine.EscalationEnabled)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
	assert.Equal(t, []string{"stdout", "/tmp/phaseflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "phaseflow.yaml")
	yamlContent := `
store:
  driver: postgres
database:
  host: yaml-host
  name: yaml-db
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	t.Setenv("PHASEFLOW_DATABASE_HOST", "env-host")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, "env-host", cfg.Database.Host)
	assert.Equal(t, "yaml-db", cfg.Database.Name)
	assert.Equal(t, "postgres", cfg.DatabaseDriver())
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_STORE_DRIVER", "redis")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Driver)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("PHASEFLOW_ENGINE_DEFAULT_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PHASEFLOW_ENGINE_DEFAULT_TIMEOUT")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("PHASEFLOW_STORE_DRIVER", "mongodb")

	_, err := NewLoader().WithValidator((*Config).Validate).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mongodb"`)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/path/phaseflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := `
engine:
  retry: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{
			name:    "zero max attempts",
			modify:  func(c *Config) { c.Engine.Retry.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "unknown backoff",
			modify:  func(c *Config) { c.Engine.Retry.Backoff = "random" },
			wantErr: `backoff "random"`,
		},
		{
			name:    "no concurrency",
			modify:  func(c *Config) { c.Engine.MaxConcurrentAgents = 0 },
			wantErr: "max_concurrent_agents",
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: `log.level "trace"`,
		},
		{
			name:    "sample rate out of range",
			modify:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
		{
			name:    "agent without id",
			modify:  func(c *Config) { c.Agents = []AgentConfig{{Endpoint: "http://x"}} },
			wantErr: "agents[0]: id is required",
		},
		{
			name: "duplicate agent",
			modify: func(c *Config) {
				c.Agents = []AgentConfig{{ID: "a", Type: "echo"}, {ID: "a", Type: "echo"}}
			},
			wantErr: `duplicate id "a"`,
		},
		{
			name:    "http agent without endpoint",
			modify:  func(c *Config) { c.Agents = []AgentConfig{{ID: "a"}} },
			wantErr: "endpoint is required",
		},
		{
			name:    "unknown agent type",
			modify:  func(c *Config) { c.Agents = []AgentConfig{{ID: "a", Type: "grpc"}} },
			wantErr: `unknown type "grpc"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEngineConfig_Policy(t *testing.T) {
	t.Parallel()

	e := DefaultEngineConfig()
	e.Retry.Backoff = "fixed"
	e.CircuitBreaker.FailureThreshold = 3
	e.CircuitBreaker.SuccessThreshold = 2

	p := e.Policy()
	assert.Equal(t, workflow.BackoffFixed, p.Retry.Backoff)
	assert.True(t, p.CircuitBreaker.Enabled())
	assert.Equal(t, 2, p.CircuitBreaker.SuccessThresholdInHalfOpen)
	assert.Equal(t, time.Hour, p.SessionTimeout)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "dbname", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "user", Password: "pass", Name: "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name:     "sqlite DSN",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/path/to/db.sqlite"},
			expected: "/path/to/db.sqlite",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- MustLoad 测试 ---

func TestMustLoad_Success(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "phaseflow.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("store:\n  driver: sqlite\n"), 0o644))

	cfg := MustLoad(configPath)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "phaseflow.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log:\n  level: loud\n"), 0o644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
