package agent

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/time/rate"

	"github.com/BaSui01/phaseflow/types"
)

// RateLimited wraps an agent with a requests-per-minute limiter.
// Execute blocks until a token is available or ctx is done.
type RateLimited struct {
	inner   types.Agent
	limiter *rate.Limiter
}

// capableRateLimited keeps the inner agent's capabilities visible.
type capableRateLimited struct {
	*RateLimited
	caps types.Capable
}

func (c capableRateLimited) Capabilities() []string { return c.caps.Capabilities() }

// WithRateLimit returns a wrapped agent. A non-positive limit returns a unchanged.
func WithRateLimit(a types.Agent, requestsPerMinute int) types.Agent {
	if requestsPerMinute <= 0 {
		return a
	}
	perSecond := float64(requestsPerMinute) / 60.0
	burst := int(math.Ceil(perSecond))
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimited{
		inner:   a,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
	if c, ok := a.(types.Capable); ok {
		return capableRateLimited{RateLimited: rl, caps: c}
	}
	return rl
}

// ID implements types.Agent.
func (r *RateLimited) ID() string { return r.inner.ID() }

// Execute waits for the limiter then delegates.
func (r *RateLimited) Execute(ctx context.Context, task types.Task) (*types.Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rate limit wait for agent %s: %w", r.inner.ID(), err)
	}
	return r.inner.Execute(ctx, task)
}

// Unwrap returns the wrapped agent.
func (r *RateLimited) Unwrap() types.Agent { return r.inner }
