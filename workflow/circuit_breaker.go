package workflow

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/types"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许调用 Agent
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝调用
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许有限探测
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig 熔断器配置，FailureThreshold <= 0 表示关闭熔断
type CircuitBreakerConfig struct {
	// FailureThreshold 同一 Agent 连续失败次数阈值
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout 熔断后等待进入半开的时间
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的探测调用数
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThresholdInHalfOpen 半开状态下连续成功多少次后恢复
	SuccessThresholdInHalfOpen int `json:"success_threshold_in_half_open" yaml:"success_threshold_in_half_open"`
}

// DefaultCircuitBreakerConfig 默认熔断器配置（默认关闭）
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:           0,
		RecoveryTimeout:            30 * time.Second,
		HalfOpenMaxProbes:          1,
		SuccessThresholdInHalfOpen: 1,
	}
}

// Enabled 是否启用熔断
func (c CircuitBreakerConfig) Enabled() bool {
	return c.FailureThreshold > 0
}

// CircuitBreakerEvent 熔断器状态变更事件
type CircuitBreakerEvent struct {
	Agent     string       `json:"agent"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// CircuitBreakerEventHandler 事件处理器接口（metrics.Collector 实现）
type CircuitBreakerEventHandler interface {
	OnStateChange(event CircuitBreakerEvent)
}

// CircuitBreaker 单个 Agent 的熔断器
type CircuitBreaker struct {
	agent           string
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	probeCount      int
	eventHandler    CircuitBreakerEventHandler
	now             func() time.Time
	logger          *zap.Logger
	mu              sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(
	agent string,
	config CircuitBreakerConfig,
	eventHandler CircuitBreakerEventHandler,
	logger *zap.Logger,
) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		agent:        agent,
		config:       config,
		state:        CircuitClosed,
		eventHandler: eventHandler,
		now:          time.Now,
		logger:       logger.With(zap.String("agent", agent)),
	}
}

// Allow 检查是否允许调用，拒绝时返回 CIRCUIT_OPEN（可重试）
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		wait := cb.config.RecoveryTimeout - cb.now().Sub(cb.lastFailureTime)
		if wait <= 0 {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("agent %s: %d consecutive failures, retry after %v", cb.agent, cb.failures, wait)).
			WithRetryable(true)

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("agent %s: half-open probe limit (%d) reached", cb.agent, cb.config.HalfOpenMaxProbes)).
			WithRetryable(true)
	}
	return nil
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThresholdInHalfOpen {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transitionTo 状态转换（必须在锁内调用）
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	if cb.eventHandler != nil {
		event := CircuitBreakerEvent{
			Agent:     cb.agent,
			OldState:  oldState,
			NewState:  newState,
			Timestamp: cb.now(),
			Reason:    reason,
			Failures:  cb.failures,
		}
		// 异步发送避免在锁内回调
		go cb.eventHandler.OnStateChange(event)
	}
}

// =============================================================================
// 注册表
// =============================================================================

// CircuitBreakerRegistry 按 Agent 管理熔断器，引擎实例内共享
type CircuitBreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       CircuitBreakerConfig
	eventHandler CircuitBreakerEventHandler
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewCircuitBreakerRegistry 创建熔断器注册表
func NewCircuitBreakerRegistry(
	config CircuitBreakerConfig,
	eventHandler CircuitBreakerEventHandler,
	logger *zap.Logger,
) *CircuitBreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreakerRegistry{
		breakers:     make(map[string]*CircuitBreaker),
		config:       config,
		eventHandler: eventHandler,
		logger:       logger.With(zap.String("component", "circuit_breaker")),
	}
}

// Get 获取或创建 Agent 的熔断器；熔断关闭时返回 nil
func (r *CircuitBreakerRegistry) Get(agent string) *CircuitBreaker {
	if r == nil || !r.config.Enabled() {
		return nil
	}
	r.mu.RLock()
	if cb, ok := r.breakers[agent]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if cb, ok := r.breakers[agent]; ok {
		return cb
	}
	cb := NewCircuitBreaker(agent, r.config, r.eventHandler, r.logger)
	r.breakers[agent] = cb
	return cb
}

// States 获取所有熔断器状态
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for id, cb := range r.breakers {
		states[id] = cb.State()
	}
	return states
}
