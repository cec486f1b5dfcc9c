package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRetryConfig_Delay(t *testing.T) {
	t.Parallel()

	base := RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		backoff BackoffKind
		want    []time.Duration
	}{
		{BackoffExponential, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}},
		{BackoffLinear, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}},
		{BackoffFixed, []time.Duration{time.Second, time.Second, time.Second, time.Second, time.Second}},
	}
	for _, tt := range tests {
		t.Run(string(tt.backoff), func(t *testing.T) {
			cfg := base
			cfg.Backoff = tt.backoff
			for i, want := range tt.want {
				assert.Equal(t, want, cfg.Delay(i), "retry %d", i)
			}
		})
	}
}

func TestRetryConfig_Merge(t *testing.T) {
	t.Parallel()

	off := false
	cfg := DefaultRetryConfig().Merge(&RetryOverride{MaxAttempts: 5, Backoff: BackoffLinear, Jitter: &off})
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, BackoffLinear, cfg.Backoff)
	assert.False(t, cfg.Jitter)
	assert.Equal(t, time.Second, cfg.BaseDelay)

	assert.Equal(t, DefaultRetryConfig(), DefaultRetryConfig().Merge(nil))

	n := RetryConfig{MaxAttempts: 0, Backoff: "bogus", BaseDelay: 5 * time.Second, MaxDelay: time.Second}.normalize()
	assert.Equal(t, 1, n.MaxAttempts)
	assert.Equal(t, BackoffExponential, n.Backoff)
	assert.Equal(t, 5*time.Second, n.MaxDelay)
}

func TestBackoff_JitterBounds(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{MaxAttempts: 4, Backoff: BackoffFixed, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: true}
	b := newBackoff(cfg)
	b.rnd = func() float64 { return 1 }
	assert.Equal(t, 1250*time.Millisecond, b.next())

	// A smaller draw never drops below the previous delay.
	b.rnd = func() float64 { return 0 }
	assert.Equal(t, 1250*time.Millisecond, b.next())
}

func TestBackoff_NonDecreasing(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		cfg := RetryConfig{
			MaxAttempts: rapid.IntRange(1, 10).Draw(t, "attempts"),
			Backoff:     rapid.SampledFrom([]BackoffKind{BackoffExponential, BackoffLinear, BackoffFixed}).Draw(t, "backoff"),
			BaseDelay:   time.Duration(rapid.Int64Range(0, int64(5*time.Second)).Draw(t, "base")),
			MaxDelay:    time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(t, "max")),
			Jitter:      rapid.Bool().Draw(t, "jitter"),
		}.normalize()

		b := newBackoff(cfg)
		var prev time.Duration
		for i := 0; i < 12; i++ {
			d := b.next()
			if d < prev {
				t.Fatalf("delay %d decreased: %v < %v", i, d, prev)
			}
			if d > cfg.MaxDelay+cfg.MaxDelay/4 {
				t.Fatalf("delay %d above jittered cap: %v", i, d)
			}
			prev = d
		}
	})
}

func TestTimerSleeper(t *testing.T) {
	t.Parallel()

	var s timerSleeper
	assert.NoError(t, s.Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, s.Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Sleep(ctx, time.Hour), context.Canceled)
}

func TestSleeperFunc(t *testing.T) {
	t.Parallel()

	var got time.Duration
	s := SleeperFunc(func(_ context.Context, d time.Duration) error {
		got = d
		return nil
	})
	assert.NoError(t, s.Sleep(context.Background(), 3*time.Second))
	assert.Equal(t, 3*time.Second, got)
}
