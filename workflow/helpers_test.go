package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/testutil"
	"github.com/BaSui01/phaseflow/testutil/mocks"
	"github.com/BaSui01/phaseflow/types"
)

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// wordCounter counts whitespace separated words instead of BPE tokens.
type wordCounter struct{}

func (wordCounter) CountTokens(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func agentMap(agents ...*mocks.MockAgent) AgentMap {
	m := make(AgentMap, len(agents))
	for _, a := range agents {
		m[a.ID()] = a
	}
	return m
}

// newDefinition declares every agent_ref used by phases, loop bodies and
// consultations.
func newDefinition(name string, phases ...*PhaseSpec) *Definition {
	def := &Definition{
		Name:    name,
		Version: "1.0",
		Agents:  make(map[string]AgentSpec),
		Phases:  phases,
	}
	declareAgents(def)
	return def
}

func declareAgents(def *Definition) {
	if def.Agents == nil {
		def.Agents = make(map[string]AgentSpec)
	}
	forEachPhase(def, func(p *PhaseSpec) {
		if p.AgentRef == "" {
			return
		}
		if _, ok := def.Agents[p.AgentRef]; !ok {
			def.Agents[p.AgentRef] = AgentSpec{ID: p.AgentRef}
		}
	})
}

func phase(name, agent string) *PhaseSpec {
	return NewPhase(name, agent, name)
}

func member(name, agent, group string) *PhaseSpec {
	p := NewPhase(name, agent, name)
	p.Kind = PhaseParallelMember
	p.ParallelGroup = group
	return p
}

func loopPhase(name, source string, body ...*PhaseSpec) *PhaseSpec {
	return &PhaseSpec{
		Name:       name,
		Kind:       PhaseDynamicLoop,
		LoopSource: MustParsePath(source),
		Body:       body,
		Required:   true,
		Enabled:    true,
	}
}

func input(name, source string) InputBinding {
	return InputBinding{Name: name, Source: MustParsePath(source)}
}

func output(name, dest, field string) OutputBinding {
	d, err := ParseDestination(dest)
	if err != nil {
		panic(err)
	}
	return OutputBinding{Name: name, Destination: d, Field: field}
}

func attempts(n int) *RetryOverride {
	return &RetryOverride{MaxAttempts: n}
}

func newTestEngine(agents AgentProvider, opts ...Option) (*Engine, *testutil.RecordingSleeper) {
	sleeper := &testutil.RecordingSleeper{}
	base := []Option{
		WithLogger(zap.NewNop()),
		WithSleeper(sleeper),
		WithTokenCounter(wordCounter{}),
	}
	return NewEngine(agents, append(base, opts...)...), sleeper
}

func historyFor(state *WorkflowState, key string) []HistoryEntry {
	var out []HistoryEntry
	for _, h := range state.History {
		if h.Phase == key {
			out = append(out, h)
		}
	}
	return out
}

// callOrder records the order agents were invoked in.
type callOrder struct {
	mu    sync.Mutex
	names []string
}

func (c *callOrder) agent(id string, content any) *mocks.MockAgent {
	return mocks.NewMockAgent(id).WithFunc(func(_ context.Context, task types.Task) (*types.Response, error) {
		c.mu.Lock()
		c.names = append(c.names, task.Phase)
		c.mu.Unlock()
		return &types.Response{Success: true, Content: content}, nil
	})
}

func (c *callOrder) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

func mustCompile(t *testing.T, def *Definition) *Plan {
	t.Helper()
	plan, err := Compile(def, DefaultEnginePolicy(), zap.NewNop())
	if err != nil {
		t.Fatalf("compile %s: %v", def.Name, err)
	}
	return plan
}
