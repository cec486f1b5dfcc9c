package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/internal/ctxkeys"
	"github.com/BaSui01/phaseflow/types"
)

// AgentProvider resolves an agent_ref to an agent. agent.Registry
// implements it; AgentMap is the minimal in-memory form.
type AgentProvider interface {
	Agent(ref string) (types.Agent, error)
}

// AgentMap is an AgentProvider backed by a map keyed by agent_ref.
type AgentMap map[string]types.Agent

// Agent implements AgentProvider.
func (m AgentMap) Agent(ref string) (types.Agent, error) {
	a, ok := m[ref]
	if !ok {
		return nil, types.NewError(types.ErrAgentNotFound, fmt.Sprintf("no agent registered for %q", ref))
	}
	return a, nil
}

// OutcomeKind classifies a phase attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

// String returns the outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// PhaseOutcome is the result of one attempt.
type PhaseOutcome struct {
	Kind    OutcomeKind
	Outputs map[string]any
	Err     error
}

func success(outputs map[string]any) PhaseOutcome {
	return PhaseOutcome{Kind: OutcomeSuccess, Outputs: outputs}
}

func retryable(err *types.Error) PhaseOutcome {
	return PhaseOutcome{Kind: OutcomeRetryable, Err: err.WithRetryable(true)}
}

func fatal(err error) PhaseOutcome {
	return PhaseOutcome{Kind: OutcomeFatal, Err: err}
}

func cancelled(phase string, cause error) PhaseOutcome {
	return fatal(phaseError(types.ErrCancelled, phase, "cancelled", cause))
}

// PhaseExecutor runs single phase attempts for one session.
type PhaseExecutor struct {
	plan           *Plan
	agents         AgentProvider
	breakers       *CircuitBreakerRegistry
	counter        TokenCounter
	observers      observers
	defaultTimeout time.Duration
	sessionID      string
	logger         *zap.Logger
}

func (e *Engine) newPhaseExecutor(plan *Plan, sessionID string) *PhaseExecutor {
	return &PhaseExecutor{
		plan:           plan,
		agents:         e.agents,
		breakers:       e.breakers,
		counter:        e.counter,
		observers:      e.observers,
		defaultTimeout: e.policy.DefaultTimeout,
		sessionID:      sessionID,
		logger:         e.logger.With(zap.String("session_id", sessionID)),
	}
}

// Execute runs one attempt of inst and records it in the history,
// whatever the outcome. When final is set no retry remains, so a retryable
// outcome is reported as fatal.
func (x *PhaseExecutor) Execute(ctx context.Context, inst *PhaseInstance, state *WorkflowState, attempt int, final bool) PhaseOutcome {
	start := time.Now()
	state.setCurrentPhase(inst.Key)

	ev := PhaseEvent{
		SessionID: x.sessionID,
		Workflow:  x.plan.Definition.Name,
		Phase:     inst.Spec.Name,
		Key:       inst.Key,
		Agent:     inst.Spec.AgentRef,
		Attempt:   attempt,
	}
	ctx = ctxkeys.WithPhase(ctx, inst.Key)
	ctx = x.observers.phaseStarted(ctx, ev)

	x.logger.Debug("phase attempt started",
		zap.String("phase", inst.Key),
		zap.String("agent", inst.Spec.AgentRef),
		zap.Int("attempt", attempt),
	)

	out := x.attempt(ctx, inst, state, attempt)
	if out.Kind == OutcomeRetryable && final {
		out.Kind = OutcomeFatal
	}
	elapsed := time.Since(start)

	entry := HistoryEntry{
		Phase:     inst.Key,
		Attempt:   attempt,
		Timestamp: start,
		Duration:  elapsed,
	}
	switch out.Kind {
	case OutcomeSuccess:
		entry.Status = AttemptSucceeded
	case OutcomeRetryable:
		entry.Status = AttemptRetryable
	default:
		entry.Status = AttemptFatal
	}
	if out.Err != nil {
		entry.Error = out.Err.Error()
		entry.ErrorCode = types.GetErrorCode(out.Err)
	}
	state.appendHistory(entry)

	ev.Outcome = out.Kind
	ev.Duration = elapsed
	ev.Err = out.Err
	ev.Code = entry.ErrorCode
	x.observers.phaseFinished(ctx, ev)

	if out.Err != nil {
		x.logger.Warn("phase attempt failed",
			zap.String("phase", inst.Key),
			zap.Int("attempt", attempt),
			zap.String("outcome", out.Kind.String()),
			zap.Duration("duration", elapsed),
			zap.Error(out.Err),
		)
	} else {
		x.logger.Debug("phase attempt succeeded",
			zap.String("phase", inst.Key),
			zap.Int("attempt", attempt),
			zap.Duration("duration", elapsed),
		)
	}
	return out
}

func (x *PhaseExecutor) attempt(ctx context.Context, inst *PhaseInstance, state *WorkflowState, attempt int) PhaseOutcome {
	spec := inst.Spec

	inputs, err := x.bindInputs(inst, state)
	if err != nil {
		return fatal(err)
	}
	if err := x.checkPreconditions(inst, inputs); err != nil {
		return fatal(err)
	}

	agent, err := x.agents.Agent(spec.AgentRef)
	if err != nil {
		return fatal(phaseError(types.ErrAgentNotFound, inst.Key, "resolve agent "+spec.AgentRef, err))
	}

	breaker := x.breakers.Get(spec.AgentRef)
	if breaker != nil {
		if err := breaker.Allow(); err != nil {
			var te *types.Error
			if errors.As(err, &te) {
				return retryable(te.WithPhase(inst.Key))
			}
			return retryable(phaseError(types.ErrCircuitOpen, inst.Key, "circuit open", err))
		}
	}

	task := types.Task{
		TaskType:  spec.TaskType,
		Inputs:    inputs,
		SessionID: x.sessionID,
		Phase:     inst.Key,
		Attempt:   attempt,
		Context: map[string]any{
			"workflow": x.plan.Definition.Name,
			"phase":    spec.Name,
		},
	}
	if inst.HasItem {
		task.Context["loop"] = inst.Loop
		task.Context["loop_item"] = inst.Item
		task.Context["loop_item_id"] = inst.ItemID
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}
	resp, callErr := x.invoke(ctx, agent, task, timeout)
	if callErr != nil {
		if callErr.Code == types.ErrCancelled {
			return fatal(callErr.WithPhase(inst.Key))
		}
		if breaker != nil {
			breaker.RecordFailure()
		}
		return retryable(callErr.WithPhase(inst.Key))
	}
	if breaker != nil {
		breaker.RecordSuccess()
	}

	if criteria := x.plan.postconditions[spec.Name]; criteria != nil {
		if failures := criteria.Check(contentText(resp.Content), x.counter); len(failures) > 0 {
			return retryable(phaseError(types.ErrPostconditionFailure, inst.Key, strings.Join(failures, "; "), nil))
		}
	}

	writes := make([]stateWrite, 0, len(inst.Outputs))
	for _, out := range inst.Outputs {
		value := resp.Content
		if out.Field != "" {
			m, ok := resp.Content.(map[string]any)
			if !ok {
				return retryable(phaseError(types.ErrPostconditionFailure, inst.Key,
					fmt.Sprintf("output %q: response content is %T, want an object with field %q", out.Name, resp.Content, out.Field), nil))
			}
			v, ok := m[out.Field]
			if !ok {
				return retryable(phaseError(types.ErrPostconditionFailure, inst.Key,
					fmt.Sprintf("output %q: response has no field %q", out.Name, out.Field), nil))
			}
			value = v
		}
		writes = append(writes, stateWrite{name: out.Name, dest: out.Destination, value: value})
	}
	if err := state.commit(inst.Key, writes, resp.Content); err != nil {
		var te *types.Error
		if errors.As(err, &te) {
			return fatal(te.WithPhase(inst.Key))
		}
		return fatal(err)
	}

	outputs := make(map[string]any, len(writes))
	for _, w := range writes {
		outputs[w.name] = w.value
	}
	return success(outputs)
}

func (x *PhaseExecutor) bindInputs(inst *PhaseInstance, state *WorkflowState) (map[string]any, error) {
	inputs := make(map[string]any, len(inst.Inputs))
	for _, in := range inst.Inputs {
		if in.HasValue {
			inputs[in.Name] = in.Value
			continue
		}
		v, ok := state.Lookup(in.Source, inst.Item, inst.HasItem)
		if !ok {
			if in.Optional {
				inputs[in.Name] = nil
				continue
			}
			return nil, phaseError(types.ErrUnresolvedInput, inst.Key,
				fmt.Sprintf("input %q: nothing at %s", in.Name, in.Source), nil)
		}
		inputs[in.Name] = v
	}
	return inputs, nil
}

// checkPreconditions validates every workflow_state input against the
// phase's preconditions and blames the phase that produced it.
func (x *PhaseExecutor) checkPreconditions(inst *PhaseInstance, inputs map[string]any) error {
	criteria := inst.Spec.Preconditions
	if criteria.IsZero() {
		return nil
	}
	for _, in := range inst.Inputs {
		if in.HasValue || in.Source.Root != RootState {
			continue
		}
		v := inputs[in.Name]
		if v == nil && in.Optional {
			continue
		}
		failures := criteria.Check(contentText(v), x.counter)
		if len(failures) == 0 {
			continue
		}
		producer := x.plan.producerOf(in.Source)
		if producer == "" {
			producer = "unknown"
		}
		return phaseError(types.ErrUpstreamValidation, inst.Key,
			fmt.Sprintf("input %q produced by %q: %s", in.Name, producer, strings.Join(failures, "; ")), nil)
	}
	return nil
}

type agentResult struct {
	resp *types.Response
	err  error
}

// invoke calls the agent under a timeout. A non-cooperative agent is
// abandoned when the deadline passes.
func (x *PhaseExecutor) invoke(ctx context.Context, agent types.Agent, task types.Task, timeout time.Duration) (*types.Response, *types.Error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan agentResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- agentResult{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		resp, err := agent.Execute(callCtx, task)
		done <- agentResult{resp: resp, err: err}
	}()

	var res agentResult
	select {
	case res = <-done:
		// A response that already arrived is kept even if ctx ends now.
		if res.err == nil && res.resp != nil && res.resp.Success {
			return res.resp, nil
		}
	case <-callCtx.Done():
	}

	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "cancelled during agent call").WithCause(err)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && (res.resp == nil || res.err != nil) {
		return nil, types.NewError(types.ErrTimeout, fmt.Sprintf("agent %s exceeded %v", agent.ID(), timeout))
	}
	if res.err != nil {
		return nil, types.NewError(types.ErrAgentExecution, fmt.Sprintf("agent %s failed", agent.ID())).WithCause(res.err)
	}
	if res.resp == nil {
		return nil, types.NewError(types.ErrAgentExecution, fmt.Sprintf("agent %s returned no response", agent.ID()))
	}
	if !res.resp.Success {
		msg := res.resp.Error
		if msg == "" {
			msg = "unsuccessful response"
		}
		return nil, types.NewError(types.ErrAgentExecution, fmt.Sprintf("agent %s: %s", agent.ID(), msg))
	}
	return res.resp, nil
}
