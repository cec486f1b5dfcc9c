package workflow

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffKind 退避策略
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
	BackoffFixed       BackoffKind = "fixed"
)

// Valid 检查退避策略是否合法
func (k BackoffKind) Valid() bool {
	switch k {
	case BackoffExponential, BackoffLinear, BackoffFixed:
		return true
	}
	return false
}

// RetryConfig 单个阶段生效的重试策略（合并后）
type RetryConfig struct {
	MaxAttempts int           // 最大尝试次数（含首次），至少 1
	Backoff     BackoffKind   // 退避策略
	BaseDelay   time.Duration // 基础延迟
	MaxDelay    time.Duration // 延迟上限
	Jitter      bool          // 是否添加随机抖动
}

// DefaultRetryConfig 返回默认重试策略
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// RetryOverride 定义级或阶段级的重试覆盖，零值字段不覆盖
type RetryOverride struct {
	MaxAttempts int
	Backoff     BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      *bool
}

// Merge 将覆盖项合并到当前策略，返回新策略
func (c RetryConfig) Merge(o *RetryOverride) RetryConfig {
	if o == nil {
		return c
	}
	if o.MaxAttempts > 0 {
		c.MaxAttempts = o.MaxAttempts
	}
	if o.Backoff != "" {
		c.Backoff = o.Backoff
	}
	if o.BaseDelay > 0 {
		c.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay > 0 {
		c.MaxDelay = o.MaxDelay
	}
	if o.Jitter != nil {
		c.Jitter = *o.Jitter
	}
	return c
}

// normalize 参数校验
func (c RetryConfig) normalize() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if !c.Backoff.Valid() {
		c.Backoff = BackoffExponential
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// Delay 计算第 retry 次重试（从 0 开始）前的基础延迟，不含抖动
//
//	exponential: base * 2^retry
//	linear:      base * (retry+1)
//	fixed:       base
func (c RetryConfig) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	var delay float64
	switch c.Backoff {
	case BackoffLinear:
		delay = float64(c.BaseDelay) * float64(retry+1)
	case BackoffFixed:
		delay = float64(c.BaseDelay)
	default:
		delay = float64(c.BaseDelay) * math.Pow(2, float64(retry))
	}
	// 限制最大延迟
	if delay > float64(c.MaxDelay) || math.IsInf(delay, 1) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// backoff 为一个阶段生成单调不减的重试延迟序列
type backoff struct {
	cfg   RetryConfig
	retry int
	prev  time.Duration
	rnd   func() float64
}

func newBackoff(cfg RetryConfig) *backoff {
	return &backoff{cfg: cfg, rnd: rand.Float64}
}

// next 返回下一次重试前的延迟
// 抖动只向上加（最多 +25%），且结果不小于上一次延迟
func (b *backoff) next() time.Duration {
	delay := b.cfg.Delay(b.retry)
	b.retry++
	if b.cfg.Jitter && delay > 0 {
		delay += time.Duration(float64(delay) * 0.25 * b.rnd())
	}
	if delay < b.prev {
		delay = b.prev
	}
	b.prev = delay
	return delay
}

// Sleeper 可注入的等待实现，测试中用于记录延迟而不真正等待
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc 函数适配器
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep 实现 Sleeper
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// timerSleeper 默认实现：等待延迟，同时监听 context 取消
type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
