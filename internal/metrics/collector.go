package metrics

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 工作流指标收集器，实现 workflow.Observer 与
// workflow.CircuitBreakerEventHandler
type Collector struct {
	registry *prometheus.Registry

	// 阶段指标
	phaseAttempts  *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
	phaseErrors    *prometheus.CounterVec
	phasesInFlight *prometheus.GaugeVec

	// 会话指标
	workflowRuns     *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	workflowAttempts *prometheus.HistogramVec

	// 熔断器指标
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	// 数据库连接池指标
	dbConnectionsOpen  *prometheus.GaugeVec
	dbConnectionsInUse *prometheus.GaugeVec
	dbConnectionsIdle  *prometheus.GaugeVec

	logger *zap.Logger
}

var (
	_ workflow.Observer                   = (*Collector)(nil)
	_ workflow.CircuitBreakerEventHandler = (*Collector)(nil)
)

// NewCollector 创建收集器。指标注册到独立 Registry，多个实例互不冲突。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.phaseAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_attempts_total",
			Help:      "Total number of phase attempts by outcome",
		},
		[]string{"workflow", "phase", "agent", "outcome"},
	)

	c.phaseDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Phase attempt duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"workflow", "phase"},
	)

	c.phaseErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_errors_total",
			Help:      "Total number of failed phase attempts by error code",
		},
		[]string{"workflow", "phase", "code"},
	)

	c.phasesInFlight = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phases_in_flight",
			Help:      "Number of phase attempts currently running",
		},
		[]string{"workflow"},
	)

	c.workflowRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of finished workflow sessions by status",
		},
		[]string{"workflow", "status"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow session duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"workflow", "status"},
	)

	c.workflowAttempts = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_attempts",
			Help:      "Phase attempts per workflow session",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		},
		[]string{"workflow"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"agent", "from_state", "to_state"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per agent (0 closed, 1 open, 2 half-open)",
		},
		[]string{"agent"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsInUse = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_in_use",
			Help:      "Number of database connections in use",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry 返回底层 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// =============================================================================
// 🎯 workflow.Observer
// =============================================================================

// PhaseStarted 记录进行中的阶段
func (c *Collector) PhaseStarted(ctx context.Context, ev workflow.PhaseEvent) context.Context {
	c.phasesInFlight.WithLabelValues(ev.Workflow).Inc()
	return ctx
}

// PhaseFinished 记录阶段尝试结果。阶段标签取声明名，避免循环实例撑爆基数。
func (c *Collector) PhaseFinished(_ context.Context, ev workflow.PhaseEvent) {
	c.phasesInFlight.WithLabelValues(ev.Workflow).Dec()
	c.phaseAttempts.WithLabelValues(ev.Workflow, ev.Phase, ev.Agent, ev.Outcome.String()).Inc()
	c.phaseDuration.WithLabelValues(ev.Workflow, ev.Phase).Observe(ev.Duration.Seconds())
	if ev.Err != nil {
		c.phaseErrors.WithLabelValues(ev.Workflow, ev.Phase, string(ev.Code)).Inc()
	}
}

// WorkflowFinished 记录会话终态
func (c *Collector) WorkflowFinished(_ context.Context, state *workflow.WorkflowState) {
	status := string(state.Status)
	c.workflowRuns.WithLabelValues(state.Workflow, status).Inc()
	if state.Summary != nil {
		c.workflowDuration.WithLabelValues(state.Workflow, status).Observe(state.Summary.TotalTime.Seconds())
		c.workflowAttempts.WithLabelValues(state.Workflow).Observe(float64(state.Summary.Attempts))
	}
}

// =============================================================================
// 🔌 熔断器事件
// =============================================================================

// OnStateChange 记录熔断器状态变更
func (c *Collector) OnStateChange(event workflow.CircuitBreakerEvent) {
	c.breakerTransitions.WithLabelValues(event.Agent, event.OldState.String(), event.NewState.String()).Inc()
	c.breakerState.WithLabelValues(event.Agent).Set(float64(event.NewState))
	c.logger.Info("circuit breaker state changed",
		zap.String("agent", event.Agent),
		zap.String("from", event.OldState.String()),
		zap.String("to", event.NewState.String()),
		zap.String("reason", event.Reason),
	)
}

// =============================================================================
// 🗄️ 数据库指标
// =============================================================================

// RecordDBStats 记录连接池状态
func (c *Collector) RecordDBStats(database string, stats sql.DBStats) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(stats.OpenConnections))
	c.dbConnectionsInUse.WithLabelValues(database).Set(float64(stats.InUse))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(stats.Idle))
}
