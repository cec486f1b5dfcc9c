package workflow

import (
	"context"
	"time"

	"github.com/BaSui01/phaseflow/types"
)

// PhaseEvent describes one phase attempt.
type PhaseEvent struct {
	SessionID string
	Workflow  string
	// Phase is the declared phase name; Key adds the loop item suffix.
	Phase    string
	Key      string
	Agent    string
	Attempt  int
	Outcome  OutcomeKind
	Code     types.ErrorCode
	Duration time.Duration
	Err      error
}

// Observer receives engine events. PhaseStarted may return a derived
// context (for example carrying a span) that is passed to the agent call
// and to PhaseFinished.
type Observer interface {
	PhaseStarted(ctx context.Context, ev PhaseEvent) context.Context
	PhaseFinished(ctx context.Context, ev PhaseEvent)
	WorkflowFinished(ctx context.Context, state *WorkflowState)
}

// NopObserver implements Observer with no-ops; embed it to override a subset.
type NopObserver struct{}

func (NopObserver) PhaseStarted(ctx context.Context, _ PhaseEvent) context.Context { return ctx }
func (NopObserver) PhaseFinished(context.Context, PhaseEvent) {}
func (NopObserver) WorkflowFinished(context.Context, *WorkflowState) {}

type observers []Observer

func (o observers) phaseStarted(ctx context.Context, ev PhaseEvent) context.Context {
	for _, obs := range o {
		ctx = obs.PhaseStarted(ctx, ev)
	}
	return ctx
}

func (o observers) phaseFinished(ctx context.Context, ev PhaseEvent) {
	for _, obs := range o {
		obs.PhaseFinished(ctx, ev)
	}
}

func (o observers) workflowFinished(ctx context.Context, state *WorkflowState) {
	for _, obs := range o {
		obs.WorkflowFinished(ctx, state)
	}
}

// Archiver persists terminal session states. store.Store implements it.
type Archiver interface {
	Archive(ctx context.Context, state *WorkflowState) error
}
