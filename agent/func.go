package agent

import (
	"context"

	"github.com/BaSui01/phaseflow/types"
)

// ExecuteFunc is the body of a FuncAgent.
type ExecuteFunc func(ctx context.Context, task types.Task) (*types.Response, error)

// FuncAgent adapts a function to types.Agent.
type FuncAgent struct {
	id           string
	capabilities []string
	fn           ExecuteFunc
}

// NewFunc creates a FuncAgent.
func NewFunc(id string, fn ExecuteFunc, capabilities ...string) *FuncAgent {
	return &FuncAgent{id: id, fn: fn, capabilities: capabilities}
}

// NewStatic returns an agent that always succeeds with content.
func NewStatic(id string, content any) *FuncAgent {
	return NewFunc(id, func(ctx context.Context, _ types.Task) (*types.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &types.Response{Success: true, Content: content}, nil
	})
}

// NewEcho returns an agent whose content is the task's resolved inputs,
// plus task_type and phase. Useful for dry runs of a workflow definition.
func NewEcho(id string) *FuncAgent {
	return NewFunc(id, func(ctx context.Context, task types.Task) (*types.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content := make(map[string]any, len(task.Inputs)+2)
		for k, v := range task.Inputs {
			content[k] = v
		}
		content["task_type"] = task.TaskType
		content["phase"] = task.Phase
		return &types.Response{Success: true, Content: content}, nil
	})
}

// WithCapabilities sets the declared capabilities and returns a.
func (a *FuncAgent) WithCapabilities(capabilities ...string) *FuncAgent {
	a.capabilities = capabilities
	return a
}

// ID implements types.Agent.
func (a *FuncAgent) ID() string { return a.id }

// Execute implements types.Agent.
func (a *FuncAgent) Execute(ctx context.Context, task types.Task) (*types.Response, error) {
	return a.fn(ctx, task)
}

// Capabilities implements types.Capable.
func (a *FuncAgent) Capabilities() []string { return a.capabilities }
