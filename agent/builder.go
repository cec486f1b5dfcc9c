package agent

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/config"
	"github.com/BaSui01/phaseflow/types"
)

// NewRegistryFromConfig builds a registry from the agents section of the
// config file. Each agent is wrapped with its requests_per_minute limit.
func NewRegistryFromConfig(cfgs []config.AgentConfig, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, c := range cfgs {
		a, err := build(c, logger)
		if err != nil {
			return nil, err
		}
		if err := r.Register(WithRateLimit(a, c.RequestsPerMinute)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func build(c config.AgentConfig, logger *zap.Logger) (types.Agent, error) {
	switch c.Type {
	case "", "http":
		if c.Endpoint == "" {
			return nil, fmt.Errorf("agent %q: endpoint is required", c.ID)
		}
		return NewHTTP(HTTPConfig{
			ID:           c.ID,
			Endpoint:     c.Endpoint,
			Headers:      c.Headers,
			Timeout:      c.Timeout,
			Capabilities: c.Capabilities,
		}, logger), nil
	case "echo":
		return NewEcho(c.ID).WithCapabilities(c.Capabilities...), nil
	default:
		return nil, fmt.Errorf("agent %q: unknown type %q", c.ID, c.Type)
	}
}
