package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/config"
	"github.com/BaSui01/phaseflow/internal/metrics"
	"github.com/BaSui01/phaseflow/internal/server"
	"github.com/BaSui01/phaseflow/internal/telemetry"
	"github.com/BaSui01/phaseflow/store"
	"github.com/BaSui01/phaseflow/workflow"
)

// =============================================================================
// 🧩 运行时依赖
// =============================================================================

// closeTimeout 关闭存储、指标服务器与遥测的总超时
const closeTimeout = 10 * time.Second

// statsSource 关系型存储暴露连接池统计
type statsSource interface {
	Stats() sql.DBStats
}

// runtime 一次命令执行期间的共享依赖
type runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     store.Store
	collector *metrics.Collector
	telemetry *telemetry.Providers
	observers []workflow.Observer

	stopServer context.CancelFunc
	serverDone chan error
}

// newRuntime 按配置创建存储、指标与遥测。任一步失败时已创建的部分被关闭。
func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	rt.store, err = store.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rt.telemetry, err = telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}
	if rt.telemetry.Enabled() {
		obs, err := rt.telemetry.Observer()
		if err != nil {
			return nil, err
		}
		rt.observers = append(rt.observers, obs)
	}

	if cfg.Metrics.Enabled {
		rt.collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
		rt.observers = append(rt.observers, rt.collector)
		rt.startServer()
	}
	return rt, nil
}

// startServer 在后台运行 /metrics 与 /healthz
func (rt *runtime) startServer() {
	checks := map[string]server.Pinger{}
	if p, ok := rt.store.(server.Pinger); ok {
		checks["store"] = p
	}
	mux := server.NewMux(rt.collector.Handler(), checks, rt.logger)
	mgr := server.NewManager(mux, server.ConfigFromMetrics(rt.cfg.Metrics), rt.logger)

	ctx, cancel := context.WithCancel(context.Background())
	rt.stopServer = cancel
	rt.serverDone = make(chan error, 1)
	go func() { rt.serverDone <- mgr.Run(ctx) }()
}

// engineOptions 引擎选项：策略、日志、归档与观察者
func (rt *runtime) engineOptions() []workflow.Option {
	opts := []workflow.Option{
		workflow.WithPolicy(rt.cfg.Engine.Policy()),
		workflow.WithLogger(rt.logger),
		workflow.WithArchiver(rt.store),
	}
	if len(rt.observers) > 0 {
		opts = append(opts, workflow.WithObserver(rt.observers...))
	}
	if rt.collector != nil {
		opts = append(opts, workflow.WithCircuitBreakerEvents(rt.collector))
	}
	return opts
}

// recordDBStats 关系型存储时上报连接池状态
func (rt *runtime) recordDBStats() {
	if rt.collector == nil {
		return
	}
	if s, ok := rt.store.(statsSource); ok {
		rt.collector.RecordDBStats(rt.cfg.DatabaseDriver(), s.Stats())
	}
}

// Close 依次关闭指标服务器、遥测与存储
func (rt *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if rt.stopServer != nil {
		rt.stopServer()
		select {
		case err := <-rt.serverDone:
			errs = append(errs, err)
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if rt.telemetry != nil {
		errs = append(errs, rt.telemetry.Shutdown(ctx))
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}

	err := errors.Join(errs...)
	if err != nil {
		rt.logger.Warn("runtime shutdown incomplete", zap.Error(err))
	}
	return err
}
