package types

import "context"

// =============================================================================
// Agent Contract
// =============================================================================
// The engine only ever talks to agents through this contract. Agent
// implementations live outside the engine (agent package, tests, callers).
// =============================================================================

// Task is the unit of work handed to an agent for one phase attempt.
type Task struct {
	// TaskType is the agent-specific operation name (e.g. "design_architecture").
	TaskType string `json:"task_type"`
	// Inputs holds the resolved input bindings keyed by binding name.
	Inputs map[string]any `json:"inputs"`
	// SessionID identifies the workflow session issuing the task.
	SessionID string `json:"session_id"`
	// Phase is the phase_results key of the issuing phase.
	Phase string `json:"phase,omitempty"`
	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt,omitempty"`
	// Context carries loop item and workflow metadata.
	Context map[string]any `json:"context,omitempty"`
}

// Response is what an agent returns for a task.
type Response struct {
	Success bool   `json:"success"`
	Content any    `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Agent is the minimal agent execution interface.
type Agent interface {
	// ID returns the agent's unique identifier.
	ID() string
	// Execute runs one task. It must honour ctx cancellation cooperatively.
	Execute(ctx context.Context, task Task) (*Response, error)
}

// Capable is an optional interface for agents that advertise capabilities.
//
//	if c, ok := agent.(types.Capable); ok {
//	    caps := c.Capabilities()
//	}
type Capable interface {
	Capabilities() []string
}

// Named is an optional interface for agents that have a display name.
type Named interface {
	Name() string
}
