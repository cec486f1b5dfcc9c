package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/phaseflow/internal/ctxkeys"
	"github.com/BaSui01/phaseflow/testutil"
	"github.com/BaSui01/phaseflow/testutil/mocks"
	"github.com/BaSui01/phaseflow/types"
)

// ---------------------------------------------------------------------------
// Sequential execution
// ---------------------------------------------------------------------------

func TestEngine_LinearWorkflow(t *testing.T) {
	t.Parallel()

	refiner := mocks.NewMockAgent("refiner").WithResponse("refined requirements")
	planner := mocks.NewMockAgent("planner").WithResponse("plan v1")
	coder := mocks.NewMockAgent("coder").WithResponse("package main")

	refine := phase("refine", "refiner")
	refine.Inputs = []InputBinding{input("request", "user_input.request")}
	def := newDefinition("linear", refine, phase("plan", "planner"), phase("implement", "coder"))

	engine, _ := newTestEngine(agentMap(refiner, planner, coder))
	state, err := engine.Run(testutil.TestContext(t), def, map[string]any{"request": "build a cli"})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Len(t, state.History, 3)
	assert.Equal(t, []string{"refine", "plan", "implement"}, state.CompletedPhases)
	for _, key := range []string{"refine", "plan", "implement"} {
		assert.Contains(t, state.PhaseResults, key)
	}
	assert.Equal(t, "plan v1", state.PhaseResults["plan"]["content"])

	call, ok := refiner.LastCall()
	require.True(t, ok)
	assert.Equal(t, "build a cli", call.Inputs["request"])
	assert.Equal(t, "refine", call.TaskType)
	assert.Equal(t, 1, call.Attempt)

	require.NotNil(t, state.Summary)
	assert.Equal(t, 3, state.Summary.CompletedPhases)
	assert.Equal(t, 3, state.Summary.Attempts)
	assert.Empty(t, state.FailedPhase)
}

func TestEngine_RetryableThenSuccess(t *testing.T) {
	t.Parallel()

	planner := mocks.NewMockAgent("planner").WithScript(
		mocks.Step{Fail: "rate limited"},
		mocks.Step{Fail: "rate limited"},
		mocks.Step{Content: "plan v2"},
	)
	plan := phase("plan", "planner")
	plan.Retry = attempts(3)
	def := newDefinition("retry", phase("refine", "refiner"), plan)

	engine, sleeper := newTestEngine(agentMap(mocks.NewMockAgent("refiner"), planner))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	entries := historyFor(state, "plan")
	require.Len(t, entries, 3)
	assert.Equal(t, AttemptRetryable, entries[0].Status)
	assert.Equal(t, AttemptRetryable, entries[1].Status)
	assert.Equal(t, AttemptSucceeded, entries[2].Status)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Attempt)
	}
	assert.Equal(t, types.ErrAgentExecution, entries[0].ErrorCode)
	assert.Equal(t, "plan v2", state.PhaseResults["plan"]["content"])

	delays := sleeper.Delays()
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[1], delays[0])
}

func TestEngine_RetryBound(t *testing.T) {
	t.Parallel()

	flaky := mocks.NewMockAgent("flaky").WithScript(mocks.Step{Fail: "overloaded"})
	gen := phase("generate", "flaky")
	gen.Retry = &RetryOverride{
		MaxAttempts: 4,
		Backoff:     BackoffExponential,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
	}
	def := newDefinition("bound", gen)

	engine, sleeper := newTestEngine(agentMap(flaky))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAgentExecution))

	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "generate", state.FailedPhase)
	assert.Equal(t, 4, flaky.CallCount())

	entries := historyFor(state, "generate")
	require.Len(t, entries, 4)
	for _, e := range entries[:3] {
		assert.Equal(t, AttemptRetryable, e.Status)
	}
	assert.Equal(t, AttemptFatal, entries[3].Status)

	delays := sleeper.Delays()
	require.Len(t, delays, 3)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.LessOrEqual(t, delays[0], 125*time.Millisecond)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "delay %d decreased", i)
	}
}

func TestEngine_InputBindingOrder(t *testing.T) {
	t.Parallel()

	order := &callOrder{}
	analyst := order.agent("analyst", map[string]any{"x": "value-x"})
	builder := order.agent("builder", "built")
	tester := order.agent("tester", "tested")

	// Declared in reverse; depends_on decides the order.
	c := phase("C", "tester")
	c.DependsOn = []string{"B"}
	b := phase("B", "builder")
	b.DependsOn = []string{"A"}
	b.Inputs = []InputBinding{input("x", "workflow_state.A.x")}
	b.Outputs = []OutputBinding{output("artifact", "workflow_state.B.artifact", "")}
	a := phase("A", "analyst")
	a.Outputs = []OutputBinding{output("x", "workflow_state.A.x", "x")}
	def := newDefinition("chain", c, b, a)

	engine, _ := newTestEngine(agentMap(analyst, builder, tester))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, order.list())
	call, ok := builder.LastCall()
	require.True(t, ok)
	assert.Equal(t, "value-x", call.Inputs["x"])
	assert.Equal(t, map[string]any{"x": "value-x"}, state.Data["A"])
	assert.Equal(t, map[string]any{"x": "value-x"}, state.PhaseResults["A"])
}

func TestEngine_Determinism(t *testing.T) {
	t.Parallel()

	run := func() *WorkflowState {
		refine := phase("refine", "refiner")
		refine.Outputs = []OutputBinding{output("spec", "workflow_state.spec", "")}
		plan := phase("plan", "planner")
		plan.Inputs = []InputBinding{input("spec", "workflow_state.spec")}
		def := newDefinition("deterministic", refine, plan)

		agents := agentMap(
			mocks.NewMockAgent("refiner").WithResponse("spec text"),
			mocks.NewMockAgent("planner").WithResponse(map[string]any{"steps": []any{"a", "b"}}),
		)
		engine, _ := newTestEngine(agents)
		state, err := engine.Run(testutil.TestContext(t), def, map[string]any{"goal": "x"})
		require.NoError(t, err)
		return state
	}

	first, second := run(), run()
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.PhaseResults, second.PhaseResults)
	assert.Equal(t, first.CompletedPhases, second.CompletedPhases)
	assert.Equal(t, first.Data, second.Data)
}

func TestEngine_ReplayWithSharedAgentsIsIdentical(t *testing.T) {
	t.Parallel()

	canned := map[string]any{"x": 1, "tags": []any{"auth"}}
	designer := mocks.NewMockAgent("designer").WithResponse(canned)
	annotator := mocks.NewMockAgent("annotator").WithResponse("reviewed")

	design := phase("design", "designer")
	design.Outputs = []OutputBinding{output("design", "workflow_state.design", "")}
	annotate := phase("annotate", "annotator")
	annotate.Inputs = []InputBinding{input("design", "workflow_state.design")}
	annotate.Outputs = []OutputBinding{output("note", "workflow_state.design.note", "")}
	def := newDefinition("replay", design, annotate)

	engine, _ := newTestEngine(agentMap(designer, annotator))
	run := func() *WorkflowState {
		state, err := engine.Run(testutil.TestContext(t), def, nil)
		require.NoError(t, err)
		return state
	}
	first, second := run(), run()

	want := map[string]any{"x": 1, "tags": []any{"auth"}}
	assert.Equal(t, want, canned)
	assert.Equal(t, want, first.PhaseResults["design"]["design"])

	firstJSON, err := json.Marshal(first.PhaseResults)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second.PhaseResults)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))
	assert.Equal(t, first.Data, second.Data)

	calls := annotator.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, want, calls[0].Inputs["design"])
	assert.Equal(t, calls[0].Inputs, calls[1].Inputs)
}

// ---------------------------------------------------------------------------
// Parallel groups
// ---------------------------------------------------------------------------

func TestEngine_ParallelGroupRequiredMemberFails(t *testing.T) {
	t.Parallel()

	security := mocks.NewMockAgent("security").WithResponse("no findings")
	perf := mocks.NewMockAgent("perf").WithScript(mocks.Step{Fail: "profiler crashed"})
	publisher := mocks.NewMockAgent("publisher")

	a := member("review_a", "security", "review")
	a.Outputs = []OutputBinding{output("findings", "workflow_state.review.security", "")}
	b := member("review_b", "perf", "review")
	b.Outputs = []OutputBinding{output("findings", "workflow_state.review.perf", "")}
	b.Retry = attempts(1)
	def := newDefinition("group", a, b, phase("publish", "publisher"))

	engine, _ := newTestEngine(agentMap(security, perf, publisher))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.Error(t, err)

	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "review_b", state.FailedPhase)
	assert.Contains(t, err.Error(), "review_b")
	assert.True(t, errors.Is(err, ErrAgentExecution))
	assert.Contains(t, state.CompletedPhases, "review_a")
	assert.Equal(t, []string{"review_b"}, state.FailedPhases)
	assert.Equal(t, 0, publisher.CallCount())
	assert.Equal(t, types.ErrAgentExecution, state.FailureCode)
}

func TestEngine_ParallelGroupRecordsEveryFailedMember(t *testing.T) {
	t.Parallel()

	linter := mocks.NewMockAgent("linter").WithScript(mocks.Step{Fail: "lint failed"})
	vetter := mocks.NewMockAgent("vetter").WithScript(mocks.Step{Fail: "vet failed"})
	publisher := mocks.NewMockAgent("publisher")

	a := member("lint", "linter", "checks")
	a.Outputs = []OutputBinding{output("report", "workflow_state.checks.lint", "")}
	a.Retry = attempts(1)
	b := member("vet", "vetter", "checks")
	b.Outputs = []OutputBinding{output("report", "workflow_state.checks.vet", "")}
	b.Retry = attempts(1)
	def := newDefinition("checks", a, b, phase("publish", "publisher"))

	engine, _ := newTestEngine(agentMap(linter, vetter, publisher))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.Error(t, err)

	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "lint", state.FailedPhase)
	assert.Equal(t, []string{"lint", "vet"}, state.FailedPhases)
	require.NotNil(t, state.Summary)
	assert.Equal(t, 2, state.Summary.FailedPhases)
	assert.Len(t, state.History, 2)
	assert.Equal(t, 0, publisher.CallCount())
}

func TestEngine_ParallelMembersReadIsolatedCopies(t *testing.T) {
	t.Parallel()

	canned := map[string]any{"x": 1}
	producer := mocks.NewMockAgent("producer").WithResponse(canned)
	writer := mocks.NewMockAgent("writer").WithResponse("extra")

	seen := make(chan map[string]any, 1)
	reader := mocks.NewMockAgent("reader").WithFunc(func(_ context.Context, task types.Task) (*types.Response, error) {
		design, ok := task.Inputs["design"].(map[string]any)
		if !ok {
			return &types.Response{Success: false, Error: "design is not an object"}, nil
		}
		keys := 0
		for i := 0; i < 200; i++ {
			for range design {
				keys++
			}
			time.Sleep(50 * time.Microsecond)
		}
		seen <- design
		return &types.Response{Success: true, Content: keys}, nil
	})

	p := phase("produce", "producer")
	p.Outputs = []OutputBinding{output("design", "workflow_state.design", "")}
	read := member("read", "reader", "fanout")
	read.Inputs = []InputBinding{input("design", "workflow_state.design")}
	read.Outputs = []OutputBinding{output("count", "workflow_state.count", "")}
	extend := member("extend", "writer", "fanout")
	extend.Outputs = []OutputBinding{output("extra", "workflow_state.design.extra", "")}
	def := newDefinition("isolation", p, read, extend)

	engine, _ := newTestEngine(agentMap(producer, reader, writer))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"x": 1}, <-seen)
	assert.Equal(t, map[string]any{"x": 1}, canned)
	assert.Equal(t, map[string]any{"x": 1}, state.PhaseResults["produce"]["design"])
	assert.Equal(t, map[string]any{"x": 1, "extra": "extra"}, state.Data["design"])
}

func TestEngine_ParallelBarrier(t *testing.T) {
	t.Parallel()

	var finished atomic.Int32
	staggered := func(id string, d time.Duration) *mocks.MockAgent {
		return mocks.NewMockAgent(id).WithFunc(func(ctx context.Context, _ types.Task) (*types.Response, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
			finished.Add(1)
			return &types.Response{Success: true, Content: id}, nil
		})
	}

	var observed atomic.Int32
	merger := mocks.NewMockAgent("merger").WithFunc(func(context.Context, types.Task) (*types.Response, error) {
		observed.Store(finished.Load())
		return &types.Response{Success: true, Content: "merged"}, nil
	})

	def := newDefinition("barrier",
		member("m1", "slow", "fanout"),
		member("m2", "fast", "fanout"),
		member("m3", "medium", "fanout"),
		phase("merge", "merger"),
	)
	engine, _ := newTestEngine(agentMap(
		staggered("slow", 40*time.Millisecond),
		staggered("fast", 5*time.Millisecond),
		staggered("medium", 20*time.Millisecond),
		merger,
	))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(3), observed.Load())
	assert.Equal(t, "merge", state.CompletedPhases[len(state.CompletedPhases)-1])
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, state.CompletedPhases[:3])
}

func TestEngine_ParallelConcurrencyLimit(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	worker := func(id string) *mocks.MockAgent {
		return mocks.NewMockAgent(id).WithFunc(func(context.Context, types.Task) (*types.Response, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			running.Add(-1)
			return &types.Response{Success: true, Content: id}, nil
		})
	}

	def := newDefinition("limited",
		member("w1", "a1", "pool"),
		member("w2", "a2", "pool"),
		member("w3", "a3", "pool"),
		member("w4", "a4", "pool"),
	)
	policy := DefaultEnginePolicy()
	policy.MaxConcurrentAgents = 2

	engine, _ := newTestEngine(agentMap(worker("a1"), worker("a2"), worker("a3"), worker("a4")), WithPolicy(policy))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)
	assert.Len(t, state.CompletedPhases, 4)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

// ---------------------------------------------------------------------------
// Dynamic loops
// ---------------------------------------------------------------------------

func TestEngine_DynamicLoop(t *testing.T) {
	t.Parallel()

	order := &callOrder{}
	planner := mocks.NewMockAgent("planner").WithResponse([]any{"item1", "item2"})
	coder := order.agent("coder", "code")
	reviewer := order.agent("reviewer", "lgtm")

	decompose := phase("decompose", "planner")
	decompose.Outputs = []OutputBinding{output("modules", "workflow_state.modules", "")}

	body := phase("body_phase", "coder")
	body.Inputs = []InputBinding{input("module", "loop_item")}
	body.Outputs = []OutputBinding{output("code", "workflow_state.code[{id}]", "")}
	review := phase("review_phase", "reviewer")
	review.Inputs = []InputBinding{input("code", "workflow_state.code[{id}]")}

	def := newDefinition("loop", decompose, loopPhase("per_module", "workflow_state.modules", body, review))

	engine, _ := newTestEngine(agentMap(planner, coder, reviewer))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, []string{
		"body_phase[item1]", "review_phase[item1]",
		"body_phase[item2]", "review_phase[item2]",
	}, order.list())
	assert.Equal(t, []string{
		"decompose",
		"body_phase[item1]", "review_phase[item1]",
		"body_phase[item2]", "review_phase[item2]",
		"per_module",
	}, state.CompletedPhases)
	assert.Contains(t, state.PhaseResults, "body_phase[item1]")
	assert.Contains(t, state.PhaseResults, "body_phase[item2]")
	assert.Equal(t, []any{"item1", "item2"}, state.PhaseResults["per_module"]["item_ids"])

	calls := coder.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "item1", calls[0].Inputs["module"])
	assert.Equal(t, "item2", calls[1].Inputs["module"])
	assert.Equal(t, "item1", calls[0].Context["loop_item_id"])
	assert.Equal(t, map[string]any{"item1": "code", "item2": "code"}, state.Data["code"])
}

func TestEngine_DynamicLoopMapItems(t *testing.T) {
	t.Parallel()

	planner := mocks.NewMockAgent("planner").WithResponse([]any{
		map[string]any{"name": "auth", "files": 3},
		map[string]any{"name": "billing", "files": 5},
	})
	coder := mocks.NewMockAgent("coder").WithResponse("ok")

	decompose := phase("decompose", "planner")
	decompose.Outputs = []OutputBinding{output("modules", "workflow_state.modules", "")}
	impl := phase("implement", "coder")
	impl.Inputs = []InputBinding{input("name", "loop_item.name")}
	loop := loopPhase("modules", "workflow_state.modules", impl)
	loop.LoopItemKey = "name"
	def := newDefinition("loop-map", decompose, loop)

	engine, _ := newTestEngine(agentMap(planner, coder))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)

	assert.Contains(t, state.PhaseResults, "implement[auth]")
	assert.Contains(t, state.PhaseResults, "implement[billing]")
	calls := coder.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "billing", calls[1].Inputs["name"])
}

func TestEngine_DynamicLoopSourceNotList(t *testing.T) {
	t.Parallel()

	planner := mocks.NewMockAgent("planner").WithResponse("not a list")
	decompose := phase("decompose", "planner")
	decompose.Outputs = []OutputBinding{output("modules", "workflow_state.modules", "")}
	def := newDefinition("loop-bad", decompose,
		loopPhase("per_module", "workflow_state.modules", phase("implement", "coder")))

	engine, _ := newTestEngine(agentMap(planner, mocks.NewMockAgent("coder")))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedInput))
	assert.Equal(t, "per_module", state.FailedPhase)
}

func TestEngine_DynamicLoopEmpty(t *testing.T) {
	t.Parallel()

	planner := mocks.NewMockAgent("planner").WithResponse([]any{})
	coder := mocks.NewMockAgent("coder")
	decompose := phase("decompose", "planner")
	decompose.Outputs = []OutputBinding{output("modules", "workflow_state.modules", "")}
	def := newDefinition("loop-empty", decompose,
		loopPhase("per_module", "workflow_state.modules", phase("implement", "coder")))

	engine, _ := newTestEngine(agentMap(planner, coder))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, coder.CallCount())
	assert.Equal(t, 0, state.PhaseResults["per_module"]["items"])
}

// ---------------------------------------------------------------------------
// Cancellation and timeouts
// ---------------------------------------------------------------------------

func TestEngine_CancellationPreservesResults(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()

	blocker := mocks.NewMockAgent("slow").WithFunc(func(ctx context.Context, _ types.Task) (*types.Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	after := mocks.NewMockAgent("after")
	def := newDefinition("cancel",
		phase("draft", "writer"),
		phase("polish", "slow"),
		phase("ship", "after"),
	)

	engine, _ := newTestEngine(agentMap(mocks.NewMockAgent("writer"), blocker, after))
	state, err := engine.Run(ctx, def, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))

	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "cancelled", state.FailureReason)
	assert.Equal(t, types.ErrCancelled, state.FailureCode)
	assert.Equal(t, "polish", state.FailedPhase)
	assert.Contains(t, state.PhaseResults, "draft")
	assert.Equal(t, 0, after.CallCount())
	assert.Equal(t, 1, blocker.CallCount())
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	t.Parallel()

	writer := mocks.NewMockAgent("writer")
	engine, _ := newTestEngine(agentMap(writer))
	state, err := engine.Run(testutil.CancelledContext(), newDefinition("cancel", phase("draft", "writer")), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, 0, writer.CallCount())
}

func TestEngine_PhaseTimeout(t *testing.T) {
	t.Parallel()

	stuck := mocks.NewMockAgent("stuck").WithDelay(2 * time.Second).IgnoreCancel()
	gen := phase("generate", "stuck")
	gen.Timeout = 20 * time.Millisecond
	gen.Retry = attempts(1)

	engine, _ := newTestEngine(agentMap(stuck))
	start := time.Now()
	state, err := engine.Run(testutil.TestContext(t), newDefinition("timeout", gen), nil)
	require.Error(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, errors.Is(err, ErrPhaseTimeout))
	assert.Equal(t, types.ErrTimeout, state.FailureCode)
}

func TestEngine_AgentPanicIsAgentError(t *testing.T) {
	t.Parallel()

	broken := mocks.NewMockAgent("broken").WithFunc(func(context.Context, types.Task) (*types.Response, error) {
		panic("nil map write")
	})
	gen := phase("generate", "broken")
	gen.Retry = attempts(1)

	engine, _ := newTestEngine(agentMap(broken))
	_, err := engine.Run(testutil.TestContext(t), newDefinition("panic", gen), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAgentExecution))
	assert.Contains(t, err.Error(), "panicked")
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestEngine_PostconditionRetried(t *testing.T) {
	t.Parallel()

	writer := mocks.NewMockAgent("writer").WithScript(
		mocks.Step{Content: "just some text"},
		mocks.Step{Content: "## Summary\nall good"},
	)
	doc := phase("document", "writer")
	doc.Validation = &Criteria{RequiredSections: []string{"summary"}}
	doc.Retry = attempts(2)

	engine, _ := newTestEngine(agentMap(writer))
	state, err := engine.Run(testutil.TestContext(t), newDefinition("post", doc), nil)
	require.NoError(t, err)

	entries := historyFor(state, "document")
	require.Len(t, entries, 2)
	assert.Equal(t, types.ErrPostconditionFailure, entries[0].ErrorCode)
	assert.Contains(t, entries[0].Error, "missing sections: summary")
	assert.Equal(t, AttemptSucceeded, entries[1].Status)
}

func TestEngine_QualityGateTokenLimit(t *testing.T) {
	t.Parallel()

	writer := mocks.NewMockAgent("writer").WithResponse("one two three four five")
	doc := phase("document", "writer")
	doc.Retry = attempts(1)
	def := newDefinition("gate", doc)
	def.QualityGates = map[string]*Criteria{"document": {MaxOutputTokens: 3}}

	engine, _ := newTestEngine(agentMap(writer))
	_, err := engine.Run(testutil.TestContext(t), def, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPostcondition))
	assert.Contains(t, err.Error(), "output has 5 tokens, limit 3")
}

func TestEngine_MissingOutputField(t *testing.T) {
	t.Parallel()

	writer := mocks.NewMockAgent("writer").WithResponse(map[string]any{"other": 1})
	doc := phase("document", "writer")
	doc.Outputs = []OutputBinding{output("title", "workflow_state.doc.title", "title")}
	doc.Retry = attempts(1)

	engine, _ := newTestEngine(agentMap(writer))
	state, err := engine.Run(testutil.TestContext(t), newDefinition("field", doc), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPostcondition))
	assert.NotContains(t, state.Data, "doc")
}

func TestEngine_UpstreamValidationNamesProducer(t *testing.T) {
	t.Parallel()

	writer := mocks.NewMockAgent("writer").WithResponse("too short")
	reviewer := mocks.NewMockAgent("reviewer")

	draft := phase("draft", "writer")
	draft.Outputs = []OutputBinding{output("text", "workflow_state.draft", "")}
	review := phase("review", "reviewer")
	review.Inputs = []InputBinding{input("text", "workflow_state.draft")}
	review.Preconditions = &Criteria{MinContentLength: 50}

	engine, _ := newTestEngine(agentMap(writer, reviewer))
	state, err := engine.Run(testutil.TestContext(t), newDefinition("upstream", draft, review), nil)
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrUpstreamValidation))
	assert.Contains(t, err.Error(), `produced by "draft"`)
	assert.Equal(t, "review", state.FailedPhase)
	assert.Equal(t, 0, reviewer.CallCount())
	assert.Len(t, historyFor(state, "review"), 1)
}

func TestEngine_UnresolvedUserInputIsFatal(t *testing.T) {
	t.Parallel()

	planner := mocks.NewMockAgent("planner")
	plan := phase("plan", "planner")
	plan.Inputs = []InputBinding{input("topic", "user_input.topic")}

	engine, _ := newTestEngine(agentMap(planner))
	state, err := engine.Run(testutil.TestContext(t), newDefinition("unresolved", plan), map[string]any{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedInput))
	assert.Equal(t, 0, planner.CallCount())
	assert.Len(t, state.History, 1)
}

func TestEngine_OptionalInputMissing(t *testing.T) {
	t.Parallel()

	planner := mocks.NewMockAgent("planner")
	plan := phase("plan", "planner")
	plan.Inputs = []InputBinding{
		{Name: "hint", Source: MustParsePath("user_input.hint"), Optional: true},
		{Name: "mode", Value: "fast", HasValue: true},
	}

	engine, _ := newTestEngine(agentMap(planner))
	_, err := engine.Run(testutil.TestContext(t), newDefinition("optional", plan), map[string]any{})
	require.NoError(t, err)

	call, ok := planner.LastCall()
	require.True(t, ok)
	assert.Nil(t, call.Inputs["hint"])
	assert.Equal(t, "fast", call.Inputs["mode"])
}

// ---------------------------------------------------------------------------
// Skips, optional phases and escalation
// ---------------------------------------------------------------------------

func TestEngine_DisabledAndConditionalPhases(t *testing.T) {
	t.Parallel()

	reviewer := mocks.NewMockAgent("reviewer").WithResponse(map[string]any{"approved": false, "notes": "needs work"})
	deployer := mocks.NewMockAgent("deployer")
	writer := mocks.NewMockAgent("writer")
	notifier := mocks.NewMockAgent("notifier")

	review := phase("review", "reviewer")
	review.Outputs = []OutputBinding{output("approved", "workflow_state.review.approved", "approved")}
	deploy := phase("deploy", "deployer")
	deploy.Condition = "approved"
	docs := phase("docs", "writer")
	docs.Enabled = false
	notify := phase("notify", "notifier")
	notify.Condition = "len(workflow_state.skipped_phases) == 2"

	def := newDefinition("conditional", review, deploy, docs, notify)
	def.Conditions = map[string]string{"approved": "workflow_state.review.approved == true"}

	engine, _ := newTestEngine(agentMap(reviewer, deployer, writer, notifier))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, []string{"deploy", "docs"}, state.SkippedPhases)
	assert.Equal(t, 0, deployer.CallCount())
	assert.Equal(t, 0, writer.CallCount())
	assert.Equal(t, 1, notifier.CallCount())
	skipped := historyFor(state, "deploy")
	require.Len(t, skipped, 1)
	assert.Equal(t, AttemptSkipped, skipped[0].Status)
	assert.Equal(t, 2, state.Summary.Attempts)
}

func TestEngine_OptionalPhaseFailureContinues(t *testing.T) {
	t.Parallel()

	linter := mocks.NewMockAgent("linter").WithScript(mocks.Step{Err: errors.New("linter crashed")})
	shipper := mocks.NewMockAgent("shipper")
	lint := phase("lint", "linter")
	lint.Required = false
	lint.Retry = attempts(1)

	engine, _ := newTestEngine(agentMap(linter, shipper))
	state, err := engine.Run(testutil.TestContext(t), newDefinition("optional", lint, phase("ship", "shipper")), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, []string{"lint"}, state.FailedPhases)
	assert.Equal(t, 1, shipper.CallCount())
	assert.Empty(t, state.FailedPhase)
}

func escalationDefinition(rule EscalationRule, phases ...*PhaseSpec) *Definition {
	def := newDefinition("escalation", phases...)
	clarify := phase("clarify", "clarifier")
	clarify.Inputs = []InputBinding{input("failure", "workflow_state.escalation.implement")}
	def.ErrorHandling.Consultations = []*PhaseSpec{clarify}
	def.ErrorHandling.Escalations = []EscalationRule{rule}
	declareAgents(def)
	return def
}

func TestEngine_ConsultAndRetryResolves(t *testing.T) {
	t.Parallel()

	coder := mocks.NewMockAgent("coder").WithScript(
		mocks.Step{Fail: "unclear requirements"},
		mocks.Step{Fail: "unclear requirements"},
		mocks.Step{Content: "done"},
	)
	clarifier := mocks.NewMockAgent("clarifier").WithResponse("use postgres")
	impl := phase("implement", "coder")
	impl.Retry = attempts(2)

	def := escalationDefinition(EscalationRule{
		On:           types.ErrAgentExecution,
		Phase:        "implement",
		Action:       EscalateConsultAndRetry,
		ConsultPhase: "clarify",
	}, impl)

	engine, _ := newTestEngine(agentMap(coder, clarifier))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 3, coder.CallCount())
	assert.Equal(t, 1, clarifier.CallCount())
	assert.Equal(t, "done", state.PhaseResults["implement"]["content"])
	assert.Contains(t, state.PhaseResults, "clarify[implement]")

	call, ok := clarifier.LastCall()
	require.True(t, ok)
	failure, ok := call.Inputs["failure"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "AGENT_EXECUTION", failure["code"])
	assert.Equal(t, 2, failure["attempts"])

	entries := historyFor(state, "implement")
	require.Len(t, entries, 4)
	assert.Equal(t, []AttemptStatus{AttemptRetryable, AttemptFatal, AttemptEscalated, AttemptSucceeded},
		[]AttemptStatus{entries[0].Status, entries[1].Status, entries[2].Status, entries[3].Status})
	assert.Equal(t, 3, entries[3].Attempt)
}

func TestEngine_EscalationIsBounded(t *testing.T) {
	t.Parallel()

	coder := mocks.NewMockAgent("coder").WithScript(mocks.Step{Fail: "still broken"})
	clarifier := mocks.NewMockAgent("clarifier")
	impl := phase("implement", "coder")
	impl.Retry = attempts(2)

	def := escalationDefinition(EscalationRule{
		On:           MatchAny,
		Action:       EscalateConsultAndRetry,
		ConsultPhase: "clarify",
	}, impl)

	engine, _ := newTestEngine(agentMap(coder, clarifier))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrEscalationFailed))
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "implement", state.FailedPhase)
	assert.Equal(t, 3, coder.CallCount())
	assert.Equal(t, 1, clarifier.CallCount())

	escalated := 0
	for _, h := range state.History {
		if h.Status == AttemptEscalated {
			escalated++
		}
	}
	assert.Equal(t, 1, escalated)

	code, ok := state.Lookup(MustParsePath("workflow_state.escalation.implement.code"), nil, false)
	require.True(t, ok)
	assert.Equal(t, "AGENT_EXECUTION", code)
}

func TestEngine_EscalationSkip(t *testing.T) {
	t.Parallel()

	linter := mocks.NewMockAgent("linter").WithScript(mocks.Step{Fail: "lint failed"})
	shipper := mocks.NewMockAgent("shipper")
	lint := phase("lint", "linter")
	lint.Retry = attempts(1)

	def := newDefinition("skip", lint, phase("ship", "shipper"))
	def.ErrorHandling.Escalations = []EscalationRule{{On: MatchAny, Phase: "lint", Action: EscalateSkip}}

	engine, _ := newTestEngine(agentMap(linter, shipper))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, []string{"lint"}, state.SkippedPhases)
	assert.Empty(t, state.FailedPhases)
	assert.Equal(t, 1, shipper.CallCount())
}

func TestEngine_EscalationPause(t *testing.T) {
	t.Parallel()

	deployer := mocks.NewMockAgent("deployer").WithScript(mocks.Step{Fail: "approval required"})
	after := mocks.NewMockAgent("after")
	deploy := phase("deploy", "deployer")
	deploy.Retry = attempts(1)

	def := newDefinition("pause", deploy, phase("verify", "after"))
	def.ErrorHandling.Escalations = []EscalationRule{{On: types.ErrAgentExecution, Action: EscalatePause}}

	engine, _ := newTestEngine(agentMap(deployer, after))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusPaused, state.Status)
	assert.Equal(t, "deploy", state.FailedPhase)
	assert.Equal(t, types.ErrAgentExecution, state.FailureCode)
	assert.Equal(t, 0, after.CallCount())
}

func TestEngine_EscalationDisabledByPolicy(t *testing.T) {
	t.Parallel()

	linter := mocks.NewMockAgent("linter").WithScript(mocks.Step{Fail: "lint failed"})
	lint := phase("lint", "linter")
	lint.Retry = attempts(1)
	def := newDefinition("no-escalation", lint)
	def.ErrorHandling.Escalations = []EscalationRule{{On: MatchAny, Action: EscalateSkip}}

	policy := DefaultEnginePolicy()
	policy.EscalationEnabled = false
	engine, _ := newTestEngine(agentMap(linter), WithPolicy(policy))
	state, err := engine.Run(testutil.TestContext(t), def, nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Empty(t, state.SkippedPhases)
}

func TestEngine_CircuitBreakerStopsCalls(t *testing.T) {
	t.Parallel()

	flaky := mocks.NewMockAgent("flaky").WithScript(mocks.Step{Fail: "503"})
	gen := phase("generate", "flaky")
	gen.Retry = attempts(3)

	policy := DefaultEnginePolicy()
	policy.CircuitBreaker = CircuitBreakerConfig{
		FailureThreshold:           1,
		RecoveryTimeout:            time.Hour,
		HalfOpenMaxProbes:          1,
		SuccessThresholdInHalfOpen: 1,
	}
	engine, _ := newTestEngine(agentMap(flaky), WithPolicy(policy))
	state, err := engine.Run(testutil.TestContext(t), newDefinition("breaker", gen), nil)
	require.Error(t, err)

	assert.Equal(t, 1, flaky.CallCount())
	entries := historyFor(state, "generate")
	require.Len(t, entries, 3)
	assert.Equal(t, types.ErrCircuitOpen, entries[2].ErrorCode)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, CircuitOpen, engine.breakers.States()["flaky"])
}

// ---------------------------------------------------------------------------
// Definition and agent checks
// ---------------------------------------------------------------------------

func TestEngine_DefinitionErrorsReturnNoState(t *testing.T) {
	t.Parallel()

	a := phase("a", "worker")
	a.DependsOn = []string{"b"}
	b := phase("b", "worker")
	b.DependsOn = []string{"a"}

	worker := mocks.NewMockAgent("worker")
	engine, _ := newTestEngine(agentMap(worker))
	state, err := engine.Run(testutil.TestContext(t), newDefinition("cyclic", a, b), nil)
	require.Error(t, err)
	assert.Nil(t, state)
	assert.True(t, errors.Is(err, ErrDefinitionInvalid))
	assert.True(t, errors.Is(err, ErrCyclicDependency))
	assert.True(t, IsDefinitionError(err))
	assert.Equal(t, 0, worker.CallCount())
}

func TestEngine_UnknownAgent(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(AgentMap{})
	state, err := engine.Run(testutil.TestContext(t), newDefinition("missing", phase("plan", "planner")), nil)
	require.Error(t, err)
	assert.Nil(t, state)
	assert.True(t, errors.Is(err, ErrAgentNotFound))
	assert.True(t, errors.Is(err, ErrDefinitionInvalid))
}

func TestEngine_CapabilityMismatch(t *testing.T) {
	t.Parallel()

	coder := mocks.NewMockAgent("coder").WithCapabilities("review")
	def := newDefinition("caps", phase("implement", "coder"))
	def.Agents["coder"] = AgentSpec{ID: "coder", Capabilities: []string{"code"}}

	engine, _ := newTestEngine(agentMap(coder))
	_, err := engine.Run(testutil.TestContext(t), def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `lacks capability "code"`)

	coder.WithCapabilities("code", "review")
	_, err = engine.Run(testutil.TestContext(t), def, nil)
	require.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Observers, archiver and context
// ---------------------------------------------------------------------------

type observerKey struct{}

type recordingObserver struct {
	NopObserver

	mu       sync.Mutex
	started  []PhaseEvent
	finished []PhaseEvent
	final    *WorkflowState
}

func (o *recordingObserver) PhaseStarted(ctx context.Context, ev PhaseEvent) context.Context {
	o.mu.Lock()
	o.started = append(o.started, ev)
	o.mu.Unlock()
	return context.WithValue(ctx, observerKey{}, ev.Key)
}

func (o *recordingObserver) PhaseFinished(_ context.Context, ev PhaseEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, ev)
}

func (o *recordingObserver) WorkflowFinished(_ context.Context, state *WorkflowState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.final = state
}

type recordingArchiver struct {
	mu     sync.Mutex
	states []*WorkflowState
}

func (a *recordingArchiver) Archive(ctx context.Context, state *WorkflowState) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states = append(a.states, state)
	return nil
}

func TestEngine_ObserversAndArchiver(t *testing.T) {
	t.Parallel()

	var sawKey, sawSession atomic.Bool
	planner := mocks.NewMockAgent("planner").WithFunc(func(ctx context.Context, task types.Task) (*types.Response, error) {
		sawKey.Store(ctx.Value(observerKey{}) == task.Phase)
		id, _ := ctxkeys.SessionID(ctx)
		sawSession.Store(id == "sess-1" && task.SessionID == "sess-1")
		return &types.Response{Success: true, Content: "plan"}, nil
	})
	flaky := mocks.NewMockAgent("flaky").WithScript(mocks.Step{Fail: "once"}, mocks.Step{Content: "ok"})

	obs := &recordingObserver{}
	archiver := &recordingArchiver{}
	engine, _ := newTestEngine(agentMap(planner, flaky), WithObserver(obs), WithArchiver(archiver))

	state, err := engine.Run(testutil.TestContext(t),
		newDefinition("observed", phase("plan", "planner"), phase("build", "flaky")), nil,
		WithSessionID("sess-1"))
	require.NoError(t, err)

	assert.True(t, sawKey.Load())
	assert.True(t, sawSession.Load())
	assert.Equal(t, "sess-1", state.SessionID)

	obs.mu.Lock()
	require.Len(t, obs.started, 3)
	require.Len(t, obs.finished, 3)
	assert.Equal(t, OutcomeRetryable, obs.finished[1].Outcome)
	assert.Equal(t, types.ErrAgentExecution, obs.finished[1].Code)
	assert.Equal(t, OutcomeSuccess, obs.finished[2].Outcome)
	assert.Equal(t, 2, obs.finished[2].Attempt)
	assert.Equal(t, "observed", obs.finished[0].Workflow)
	require.NotNil(t, obs.final)
	assert.Equal(t, StatusCompleted, obs.final.Status)
	obs.mu.Unlock()

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	require.Len(t, archiver.states, 1)
	assert.Equal(t, "sess-1", archiver.states[0].SessionID)
}

func TestEngine_ArchiverRunsAfterCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	defer cancel()
	canceller := mocks.NewMockAgent("canceller").WithFunc(func(ctx context.Context, _ types.Task) (*types.Response, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	archiver := &recordingArchiver{}
	engine, _ := newTestEngine(agentMap(canceller), WithArchiver(archiver))

	_, err := engine.Run(ctx, newDefinition("archive", phase("work", "canceller")), nil)
	require.Error(t, err)

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	require.Len(t, archiver.states, 1)
	assert.Equal(t, StatusFailed, archiver.states[0].Status)
}

func TestEngine_SessionIDGenerator(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(agentMap(mocks.NewMockAgent("planner")),
		WithSessionIDGenerator(func() string { return "generated" }))
	state, err := engine.Run(testutil.TestContext(t), newDefinition("ids", phase("plan", "planner")), nil)
	require.NoError(t, err)
	assert.Equal(t, "generated", state.SessionID)
}

func TestEngine_RunPlanReusesCompiledPlan(t *testing.T) {
	t.Parallel()

	planner := mocks.NewMockAgent("planner")
	engine, _ := newTestEngine(agentMap(planner))
	plan, err := engine.Compile(newDefinition("reuse", phase("plan", "planner")))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		state, err := engine.RunPlan(testutil.TestContext(t), plan, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, state.Status)
	}
	assert.Equal(t, 3, planner.CallCount())
}
