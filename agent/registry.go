package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/types"
)

// ErrDuplicateAgent is returned when registering an id twice.
var ErrDuplicateAgent = errors.New("agent already registered")

// Registry holds the agents a workflow can reference by id.
// It implements workflow.AgentProvider.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]types.Agent
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]types.Agent),
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// Register adds an agent under its ID.
func (r *Registry) Register(a types.Agent) error {
	if a == nil {
		return errors.New("agent is nil")
	}
	id := a.ID()
	if id == "" {
		return errors.New("agent id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}
	r.agents[id] = a

	r.logger.Debug("agent registered", zap.String("agent_id", id))
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(agents ...types.Agent) *Registry {
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Unregister removes an agent. It reports whether the id was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	r.logger.Debug("agent unregistered", zap.String("agent_id", id))
	return true
}

// Agent resolves an agent_ref.
func (r *Registry) Agent(ref string) (types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[ref]
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound, fmt.Sprintf("no agent registered for %q", ref))
	}
	return a, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
