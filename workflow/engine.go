package workflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/phaseflow/internal/ctxkeys"
	"github.com/BaSui01/phaseflow/types"
)

// Engine interprets workflow definitions against a set of agents. One
// Engine may run many sessions concurrently; circuit breakers are shared.
type Engine struct {
	agents        AgentProvider
	policy        EnginePolicy
	logger        *zap.Logger
	observers     observers
	archiver      Archiver
	sleeper       Sleeper
	counter       TokenCounter
	breakers      *CircuitBreakerRegistry
	breakerEvents CircuitBreakerEventHandler
	newSessionID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the engine policy.
func WithPolicy(p EnginePolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver adds observers notified of phase and workflow events.
func WithObserver(obs ...Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, obs...) }
}

// WithArchiver persists every terminal state.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleeper = s }
}

// WithTokenCounter replaces the tiktoken counter used by max_output_tokens.
func WithTokenCounter(c TokenCounter) Option {
	return func(e *Engine) { e.counter = c }
}

// WithCircuitBreakerEvents receives breaker state changes.
func WithCircuitBreakerEvents(h CircuitBreakerEventHandler) Option {
	return func(e *Engine) { e.breakerEvents = h }
}

// WithSessionIDGenerator replaces uuid session ids.
func WithSessionIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newSessionID = fn }
}

// NewEngine creates an engine.
func NewEngine(agents AgentProvider, opts ...Option) *Engine {
	e := &Engine{
		agents:       agents,
		policy:       DefaultEnginePolicy(),
		logger:       zap.NewNop(),
		sleeper:      timerSleeper{},
		newSessionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.agents == nil {
		e.agents = AgentMap{}
	}
	if e.counter == nil {
		e.counter = NewTiktokenCounter("")
	}
	e.policy = e.policy.normalize()
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	e.breakers = NewCircuitBreakerRegistry(e.policy.CircuitBreaker, e.breakerEvents, e.logger)
	return e
}

// Policy returns the effective policy.
func (e *Engine) Policy() EnginePolicy { return e.policy }

// Compile validates a definition under this engine's policy.
func (e *Engine) Compile(def *Definition) (*Plan, error) {
	return Compile(def, e.policy, e.logger)
}

// RunOption configures a single Run.
type RunOption func(*runConfig)

type runConfig struct {
	sessionID string
}

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) RunOption {
	return func(c *runConfig) { c.sessionID = id }
}

// Run validates def and executes it. Definition problems return a nil state
// and a *DefinitionError. Otherwise the terminal state is always returned;
// the error is non-nil only when the session failed.
func (e *Engine) Run(ctx context.Context, def *Definition, input any, opts ...RunOption) (*WorkflowState, error) {
	plan, err := e.Compile(def)
	if err != nil {
		return nil, err
	}
	return e.RunPlan(ctx, plan, input, opts...)
}

// RunPlan executes an already compiled plan.
func (e *Engine) RunPlan(ctx context.Context, plan *Plan, input any, opts ...RunOption) (*WorkflowState, error) {
	if err := e.checkAgents(plan.Definition); err != nil {
		return nil, err
	}

	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sessionID == "" {
		cfg.sessionID = e.newSessionID()
	}

	if e.policy.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.policy.SessionTimeout)
		defer cancel()
	}
	ctx = ctxkeys.WithSessionID(ctx, cfg.sessionID)

	state := NewWorkflowState(cfg.sessionID, plan.Definition.Name, input)
	r := &run{
		engine:    e,
		plan:      plan,
		state:     state,
		exec:      e.newPhaseExecutor(plan, cfg.sessionID),
		done:      make(map[string]bool),
		escalated: make(map[string]bool),
		logger: e.logger.With(
			zap.String("session_id", cfg.sessionID),
			zap.String("workflow", plan.Definition.Name),
		),
	}

	r.logger.Info("workflow started", zap.Int("phases", len(plan.Definition.Phases)))
	r.execute(ctx)

	snapshot := state.Snapshot()
	r.logger.Info("workflow finished",
		zap.String("status", string(snapshot.Status)),
		zap.String("failed_phase", snapshot.FailedPhase),
		zap.Int("completed", len(snapshot.CompletedPhases)),
		zap.Duration("total_time", snapshot.Summary.TotalTime),
	)

	finishCtx := context.WithoutCancel(ctx)
	e.observers.workflowFinished(finishCtx, snapshot)
	if e.archiver != nil {
		if err := e.archiver.Archive(finishCtx, snapshot); err != nil {
			r.logger.Error("archive workflow state", zap.Error(err))
		}
	}

	if snapshot.Status == StatusFailed {
		return snapshot, r.failure
	}
	return snapshot, nil
}

// checkAgents fails fast when an agent_ref cannot be resolved or the
// resolved agent lacks a declared capability.
func (e *Engine) checkAgents(def *Definition) error {
	var errs problems
	checked := make(map[string]bool)
	forEachPhase(def, func(p *PhaseSpec) {
		if p.Kind == PhaseDynamicLoop || checked[p.AgentRef] {
			return
		}
		checked[p.AgentRef] = true
		agent, err := e.agents.Agent(p.AgentRef)
		if err != nil {
			errs.add(types.ErrAgentNotFound, p.Name, "agent %q: %v", p.AgentRef, err)
			return
		}
		c, ok := agent.(types.Capable)
		if !ok {
			return
		}
		have := c.Capabilities()
		for _, want := range def.Agents[p.AgentRef].Capabilities {
			if !slices.Contains(have, want) {
				errs.add(types.ErrDefinition, p.Name, "agent %q lacks capability %q", p.AgentRef, want)
			}
		}
	})
	return errs.err()
}

// =============================================================================
// Session run
// =============================================================================

type escalationResult int

const (
	escalationResolved escalationResult = iota
	escalationSkipped
	escalationPaused
	escalationFailed
)

type run struct {
	engine    *Engine
	plan      *Plan
	state     *WorkflowState
	exec      *PhaseExecutor
	done      map[string]bool
	escalated map[string]bool
	logger    *zap.Logger

	stopped     bool
	paused      bool
	failedPhase string
	failure     error
}

func (r *run) execute(ctx context.Context) {
	for !r.stopped {
		if err := ctx.Err(); err != nil {
			r.stop("", phaseError(types.ErrCancelled, "", "session cancelled", err))
			break
		}
		unit, ok := r.plan.resolver.NextReady(r.plan.Graph, r.done)
		if !ok {
			break
		}
		r.dispatch(ctx, unit)
	}

	switch {
	case r.paused:
		r.state.finish(StatusPaused, r.failedPhase, r.failure)
	case r.failure != nil:
		r.state.finish(StatusFailed, r.failedPhase, r.failure)
	default:
		r.state.finish(StatusCompleted, "", nil)
	}
}

func (r *run) dispatch(ctx context.Context, unit ExecutionUnit) {
	switch unit.Kind {
	case UnitDynamicLoop:
		r.runLoop(ctx, unit.Phases[0])
	case UnitParallelGroup:
		r.runGroup(ctx, unit)
	default:
		r.runSingle(ctx, unit.Phases[0])
	}
	for _, p := range unit.Phases {
		r.done[p.Spec.Name] = true
	}
}

func (r *run) stop(phase string, err error) {
	r.stopped = true
	r.failedPhase = phase
	r.failure = err
}

// skipIfInactive records disabled phases and phases whose condition is
// false as skipped. Skipped phases satisfy their dependents.
func (r *run) skipIfInactive(inst *PhaseInstance) bool {
	reason := ""
	switch {
	case !inst.Spec.Enabled:
		reason = "disabled"
	default:
		if c := r.plan.conditions[inst.Spec.Name]; c != nil && !c.Eval(r.state, inst) {
			reason = "condition not met: " + c.String()
		}
	}
	if reason == "" {
		return false
	}
	r.state.markSkipped(inst.Key)
	r.state.appendHistory(HistoryEntry{
		Phase:     inst.Key,
		Status:    AttemptSkipped,
		Timestamp: time.Now(),
		Error:     reason,
	})
	r.logger.Info("phase skipped", zap.String("phase", inst.Key), zap.String("reason", reason))
	return true
}

func (r *run) runSingle(ctx context.Context, inst *PhaseInstance) {
	if r.skipIfInactive(inst) {
		return
	}
	out, last := r.runWithRetry(ctx, inst, 1, r.plan.RetryFor(inst.Spec.Name).MaxAttempts)
	r.settle(ctx, inst, out, last)
}

// runWithRetry runs up to budget attempts numbered from first. Only
// retryable outcomes are retried; exhaustion turns the outcome fatal.
func (r *run) runWithRetry(ctx context.Context, inst *PhaseInstance, first, budget int) (PhaseOutcome, int) {
	bo := newBackoff(r.plan.RetryFor(inst.Spec.Name))
	attempt := first
	for {
		final := attempt-first+1 >= budget
		out := r.exec.Execute(ctx, inst, r.state, attempt, final)
		if out.Kind != OutcomeRetryable {
			if final && types.IsRetryable(out.Err) {
				r.logger.Warn("retries exhausted",
					zap.String("phase", inst.Key),
					zap.Int("attempts", attempt),
					zap.Error(out.Err),
				)
			}
			return out, attempt
		}
		delay := bo.next()
		r.logger.Debug("retrying phase",
			zap.String("phase", inst.Key),
			zap.Int("next_attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		if err := r.engine.sleeper.Sleep(ctx, delay); err != nil {
			return cancelled(inst.Key, err), attempt
		}
		attempt++
	}
}

// settle applies escalation and the required flag to a finished phase.
func (r *run) settle(ctx context.Context, inst *PhaseInstance, out PhaseOutcome, lastAttempt int) {
	if out.Kind == OutcomeSuccess {
		return
	}
	code := types.GetErrorCode(out.Err)
	if code == types.ErrCancelled {
		r.state.markFailed(inst.Key)
		r.stop(inst.Key, out.Err)
		return
	}

	if r.engine.policy.EscalationEnabled && !r.escalated[inst.Key] {
		rules := r.plan.Definition.ErrorHandling.Escalations
		if rule, ok := matchEscalation(rules, inst.Spec.Name, code); ok {
			r.escalated[inst.Key] = true
			var res escalationResult
			res, out = r.escalate(ctx, inst, rule, out, lastAttempt)
			switch res {
			case escalationResolved:
				return
			case escalationSkipped:
				r.state.markSkipped(inst.Key)
				return
			case escalationPaused:
				r.paused = true
				r.stop(inst.Key, out.Err)
				return
			}
			if types.GetErrorCode(out.Err) == types.ErrCancelled {
				r.state.markFailed(inst.Key)
				r.stop(inst.Key, out.Err)
				return
			}
		}
	}

	r.state.markFailed(inst.Key)
	if inst.Spec.Required {
		r.logger.Error("required phase failed", zap.String("phase", inst.Key), zap.Error(out.Err))
		r.stop(inst.Key, out.Err)
		return
	}
	r.logger.Warn("optional phase failed, continuing", zap.String("phase", inst.Key), zap.Error(out.Err))
}

func (r *run) escalate(ctx context.Context, inst *PhaseInstance, rule EscalationRule, out PhaseOutcome, lastAttempt int) (escalationResult, PhaseOutcome) {
	code := types.GetErrorCode(out.Err)
	r.state.appendHistory(HistoryEntry{
		Phase:     inst.Key,
		Attempt:   lastAttempt,
		Status:    AttemptEscalated,
		Timestamp: time.Now(),
		Error:     string(rule.Action),
		ErrorCode: code,
	})
	r.logger.Info("phase escalated",
		zap.String("phase", inst.Key),
		zap.String("action", string(rule.Action)),
		zap.String("code", string(code)),
	)

	switch rule.Action {
	case EscalateSkip:
		return escalationSkipped, out
	case EscalatePause:
		return escalationPaused, out
	case EscalateFail:
		return escalationFailed, out
	}

	consult, _ := r.plan.Definition.Consultation(rule.ConsultPhase)
	r.state.setEscalationContext(inst.Spec.Name, map[string]any{
		"phase":    inst.Key,
		"error":    out.Err.Error(),
		"code":     string(code),
		"attempts": lastAttempt,
	})

	cinst := newInstance(consult)
	cinst.Key = fmt.Sprintf("%s[%s]", consult.Name, inst.Key)
	cout, _ := r.runWithRetry(ctx, cinst, 1, r.plan.RetryFor(consult.Name).MaxAttempts)
	if cout.Kind != OutcomeSuccess {
		r.state.markFailed(cinst.Key)
		if types.GetErrorCode(cout.Err) == types.ErrCancelled {
			return escalationFailed, cout
		}
		return escalationFailed, fatal(phaseError(types.ErrEscalationFailed, inst.Key,
			"consultation "+consult.Name+" failed", cout.Err))
	}

	rout, _ := r.runWithRetry(ctx, inst, lastAttempt+1, rule.retries())
	if rout.Kind == OutcomeSuccess {
		return escalationResolved, rout
	}
	if types.GetErrorCode(rout.Err) == types.ErrCancelled {
		return escalationFailed, rout
	}
	return escalationFailed, fatal(phaseError(types.ErrEscalationFailed, inst.Key,
		"retry after consultation failed", rout.Err))
}

// runGroup runs ready members of a parallel group concurrently, waits for
// all of them, then settles each in declaration order.
func (r *run) runGroup(ctx context.Context, unit ExecutionUnit) {
	var members []*PhaseInstance
	for _, inst := range unit.Phases {
		if !r.skipIfInactive(inst) {
			members = append(members, inst)
		}
	}
	if len(members) == 0 {
		return
	}

	outs := make([]PhaseOutcome, len(members))
	lasts := make([]int, len(members))
	sem := semaphore.NewWeighted(int64(r.engine.policy.MaxConcurrentAgents))
	g, gctx := errgroup.WithContext(ctx)

	r.logger.Debug("parallel group started",
		zap.String("group", unit.Group),
		zap.Strings("members", unit.Names()),
	)
	r.state.BeginWriteScope()
	for i, inst := range members {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				outs[i], lasts[i] = cancelled(inst.Key, err), 0
				return nil
			}
			defer sem.Release(1)
			outs[i], lasts[i] = r.runWithRetry(gctx, inst, 1, r.plan.RetryFor(inst.Spec.Name).MaxAttempts)
			return nil
		})
	}
	_ = g.Wait()
	r.state.EndWriteScope()

	// Once a member stops the session, later failed members are still
	// recorded as failed but get no escalation.
	for i, inst := range members {
		if r.stopped {
			if outs[i].Kind != OutcomeSuccess {
				r.state.markFailed(inst.Key)
			}
			continue
		}
		r.settle(ctx, inst, outs[i], lasts[i])
	}
}

// runLoop expands a dynamic loop from state and runs every item's body in
// order. The loop phase completes once all items are processed.
func (r *run) runLoop(ctx context.Context, inst *PhaseInstance) {
	if r.skipIfInactive(inst) {
		return
	}
	spec := inst.Spec
	loopFailure := func(err *types.Error) {
		r.state.appendHistory(HistoryEntry{
			Phase:     inst.Key,
			Attempt:   1,
			Status:    AttemptFatal,
			Timestamp: time.Now(),
			Error:     err.Error(),
			ErrorCode: err.Code,
		})
		r.settle(ctx, inst, fatal(err), 1)
	}

	raw, ok := r.state.Lookup(spec.LoopSource, nil, false)
	if !ok {
		loopFailure(phaseError(types.ErrUnresolvedInput, inst.Key,
			fmt.Sprintf("loop_source %s is not set", spec.LoopSource), nil))
		return
	}
	items, ok := asItems(raw)
	if !ok {
		loopFailure(phaseError(types.ErrUnresolvedInput, inst.Key,
			fmt.Sprintf("loop_source %s is %T, want a list", spec.LoopSource, raw), nil))
		return
	}
	units, err := r.plan.resolver.ExpandDynamicLoop(spec, items)
	if err != nil {
		te, _ := err.(*types.Error)
		if te == nil {
			te = phaseError(types.ErrDefinition, inst.Key, "expand loop", err)
		}
		loopFailure(te)
		return
	}

	r.logger.Info("dynamic loop started", zap.String("phase", spec.Name), zap.Int("items", len(items)))
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			r.stop(u.Phases[0].Key, phaseError(types.ErrCancelled, u.Phases[0].Key, "session cancelled", err))
			return
		}
		r.runSingle(ctx, u.Phases[0])
		if r.stopped {
			return
		}
	}

	ids := make([]any, len(items))
	for i, item := range items {
		ids[i] = LoopItemID(item, spec.LoopItemKey, i)
	}
	r.state.markCompleted(inst.Key, map[string]any{"items": len(items), "item_ids": ids})
}

func asItems(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(val))
		for i, m := range val {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}
