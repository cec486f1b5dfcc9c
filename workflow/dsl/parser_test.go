package dsl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/testutil/fixtures"
	"github.com/BaSui01/phaseflow/testutil/mocks"
	"github.com/BaSui01/phaseflow/types"
	"github.com/BaSui01/phaseflow/workflow"
)

// ----------------------------------------------------------------------------
// 解析与默认值
// ----------------------------------------------------------------------------

func TestParser_FeatureWorkflow(t *testing.T) {
	t.Parallel()

	def, err := NewParser().Parse([]byte(fixtures.FeatureWorkflowYAML))
	require.NoError(t, err)

	assert.Equal(t, "feature_build", def.Name)
	assert.Equal(t, "1.0", def.Version)
	require.Len(t, def.Agents, 3)
	assert.Equal(t, "planner", def.Agents["planner"].ID)
	assert.Equal(t, []string{"plan"}, def.Agents["planner"].Capabilities)
	require.Len(t, def.Phases, 5)

	plan, ok := def.Phase("plan")
	require.True(t, ok)
	assert.Equal(t, 120*time.Second, plan.Timeout)
	assert.Equal(t, workflow.PhaseSequential, plan.Kind)
	assert.True(t, plan.Required)
	assert.True(t, plan.Enabled)
	assert.Equal(t, "user_input.request", plan.Inputs[0].Source.String())
	require.NotNil(t, plan.Validation)
	assert.Equal(t, 10, plan.Validation.MinContentLength)

	impl, _ := def.Phase("implement")
	assert.Equal(t, 5*time.Minute, impl.Timeout)
	assert.True(t, impl.Inputs[1].HasValue)
	assert.Equal(t, "go", impl.Inputs[1].Value)
	assert.Equal(t, "workflow_state.code", impl.Outputs[0].Destination.String())
	require.NotNil(t, impl.Retry)
	assert.Equal(t, 2, impl.Retry.MaxAttempts)
	assert.Equal(t, workflow.BackoffFixed, impl.Retry.Backoff)
	assert.Equal(t, time.Second, impl.Retry.BaseDelay)

	sec, _ := def.Phase("security_review")
	assert.Equal(t, workflow.PhaseParallelMember, sec.Kind)
	assert.Equal(t, "review", sec.ParallelGroup)
	assert.Equal(t, "workflow_state.code", sec.Inputs[0].Source.String())

	perf, _ := def.Phase("performance_review")
	assert.False(t, perf.Required)

	deploy, _ := def.Phase("deploy")
	assert.Equal(t, "reviews_done", deploy.Condition)
	assert.Equal(t, []string{"security_review", "performance_review"}, deploy.DependsOn)
	assert.Equal(t, "len(workflow_state.review) > 0", def.Conditions["reviews_done"])

	assert.Equal(t, []string{"Code"}, def.QualityGates["implement"].RequiredSections)

	eh := def.ErrorHandling
	require.NotNil(t, eh.Retry)
	assert.Equal(t, 500*time.Millisecond, eh.Retry.BaseDelay)
	assert.Equal(t, 10*time.Second, eh.Retry.MaxDelay)
	require.Len(t, eh.Escalations, 1)
	assert.Equal(t, types.ErrPostconditionFailure, eh.Escalations[0].On)
	assert.Equal(t, workflow.EscalateConsultAndRetry, eh.Escalations[0].Action)
	clarify, ok := def.Consultation("clarify")
	require.True(t, ok)
	assert.Equal(t, "workflow_state.escalation.implement", clarify.Inputs[0].Source.String())

	compiled, err := workflow.Compile(def, workflow.DefaultEnginePolicy(), zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, compiled.Units, 4)
}

func TestParser_ModuleLoopWorkflow(t *testing.T) {
	t.Parallel()

	def, err := NewParser().Parse([]byte(fixtures.ModuleLoopWorkflowYAML))
	require.NoError(t, err)

	loop, ok := def.Phase("build_modules")
	require.True(t, ok)
	assert.Equal(t, workflow.PhaseDynamicLoop, loop.Kind)
	assert.Equal(t, "workflow_state.modules", loop.LoopSource.String())
	assert.Equal(t, "name", loop.LoopItemKey)
	require.Len(t, loop.Body, 2)

	code := loop.Body[0]
	assert.Equal(t, "code_module", code.TaskType)
	assert.Equal(t, workflow.RootLoopItem, code.Inputs[0].Source.Root)
	assert.True(t, code.Outputs[0].Destination.Templated())

	_, err = workflow.Compile(def, workflow.DefaultEnginePolicy(), zap.NewNop())
	require.NoError(t, err)
}

func TestParser_JSONDocument(t *testing.T) {
	t.Parallel()

	doc := `{"name": "tiny", "version": "1", "agents": {"w": {}}, "phases": [{"name": "only", "agent": "w", "timeout": "30s", "enabled": false}]}`
	def, err := NewParser().Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, def.Phases, 1)
	assert.Equal(t, 30*time.Second, def.Phases[0].Timeout)
	assert.False(t, def.Phases[0].Enabled)
	assert.True(t, def.Phases[0].Required)
}

func TestParser_ParseFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtures.ModuleLoopWorkflowYAML), 0o600))

	def, err := NewParser().ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "module_build", def.Name)

	_, err = NewParser().ParseFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// 错误
// ----------------------------------------------------------------------------

func TestParser_SchemaErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty document", "", "empty document"},
		{"unknown field", "name: x\nversion: '1'\nphases: []\nsettings: {}\n", "settings"},
		{"missing version", "name: x\nphases: [{name: a, agent: w}]\n", "version is required"},
		{"no phases", "name: x\nversion: '1'\n", "at least one phase"},
		{"bad kind", "name: x\nversion: '1'\nphases: [{name: a, agent: w, kind: fork}]\n", `invalid kind "fork"`},
		{"parallel without group", "name: x\nversion: '1'\nphases: [{name: a, agent: w, parallel: true}]\n", "requires parallel_group"},
		{"source and value", "name: x\nversion: '1'\nphases: [{name: a, agent: w, inputs: [{name: i, source: user_input, value: 1}]}]\n", "both source and value"},
		{"bad trigger", "name: x\nversion: '1'\nphases: [{name: a, agent: w}]\nerror_handling: {escalations: [{on: cancelled, action: skip}]}\n", `unknown trigger "cancelled"`},
		{"bad duration", "name: x\nversion: '1'\nphases: [{name: a, agent: w, timeout: soon}]\n", "invalid duration"},
		{"structured condition without path", "name: x\nversion: '1'\nphases: [{name: a, agent: w}]\nconditions: {c: {not_empty: true}}\n", "requires path"},
		{"bad input path", "name: x\nversion: '1'\nphases: [{name: a, agent: w, inputs: [{name: i, source: env.home}]}]\n", "unknown root"},
		{"reserved destination", "name: x\nversion: '1'\nphases: [{name: a, agent: w, outputs: [{name: o, destination: workflow_state.completed_phases}]}]\n", "maintained by the engine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewParser().Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, workflow.ErrDefinitionInvalid))
			assert.True(t, errors.Is(err, workflow.ErrSchemaViolation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParser_CompileErrorsSurfaceAfterParse(t *testing.T) {
	t.Parallel()

	def, err := NewParser().Parse([]byte(fixtures.InvalidWorkflowYAML))
	require.NoError(t, err)

	_, err = workflow.Compile(def, workflow.DefaultEnginePolicy(), zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrDefinitionInvalid))
	assert.True(t, errors.Is(err, workflow.ErrDanglingReference))
}

// ----------------------------------------------------------------------------
// 条件
// ----------------------------------------------------------------------------

func TestParser_Conditions(t *testing.T) {
	t.Parallel()

	doc := `
name: conds
version: "1"
agents: {w: {}}
phases:
  - {name: a, agent: w, condition: approved}
  - {name: b, agent: w, condition: has_plan}
  - {name: c, agent: w, condition: registered}
  - {name: d, agent: w, condition: "user_input.force == true"}
conditions:
  approved:
    path: user_input.verdict
    equals: "say \"yes\""
  has_plan:
    path: workflow_state.plan
    min_length: 3
    not_empty: true
  plain: user_input.ready
`
	p := NewParser()
	p.RegisterCondition("registered", "user_input.enabled == true")
	p.RegisterCondition("unused", "user_input.never")

	def, err := p.Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, `user_input.verdict == "say \"yes\""`, def.Conditions["approved"])
	assert.Equal(t, "len(workflow_state.plan) > 0 && len(workflow_state.plan) >= 3", def.Conditions["has_plan"])
	assert.Equal(t, "user_input.ready", def.Conditions["plain"])
	assert.Equal(t, "user_input.enabled == true", def.Conditions["registered"])
	assert.NotContains(t, def.Conditions, "unused")

	for name, expr := range def.Conditions {
		_, err := workflow.CompileCondition(expr)
		assert.NoError(t, err, name)
	}
}

func TestConditionDef_Literals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		equals any
		want   string
	}{
		{true, "user_input.x == true"},
		{3, "user_input.x == 3"},
		{2.5, "user_input.x == 2.5"},
		{"ok", `user_input.x == "ok"`},
	}
	for _, tt := range tests {
		c := ConditionDef{Path: "user_input.x", Equals: tt.equals, hasEquals: true}
		got, err := c.Expression()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ConditionDef{Path: "user_input.x", Equals: []any{1}, hasEquals: true}.Expression()
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// 端到端
// ----------------------------------------------------------------------------

func TestParser_FeatureWorkflowRuns(t *testing.T) {
	t.Parallel()

	def, err := NewParser().Parse([]byte(fixtures.FeatureWorkflowYAML))
	require.NoError(t, err)

	planner := mocks.NewMockAgent("planner").WithCapabilities("plan").
		WithResponse("1. parse flags 2. print output")
	coder := mocks.NewMockAgent("coder").WithCapabilities("code").
		WithFunc(func(_ context.Context, task types.Task) (*types.Response, error) {
			if task.TaskType == "deploy" {
				return &types.Response{Success: true, Content: "deployed"}, nil
			}
			return &types.Response{Success: true, Content: "## Code\nfunc main() {}"}, nil
		})
	reviewer := mocks.NewMockAgent("reviewer").WithResponse("looks good")

	engine := workflow.NewEngine(workflow.AgentMap{
		"planner":  planner,
		"coder":    coder,
		"reviewer": reviewer,
	}, workflow.WithLogger(zap.NewNop()))

	state, err := engine.Run(context.Background(), def, map[string]any{"request": "build a CLI"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, state.Status)
	assert.Contains(t, state.CompletedPhases, "deploy")
	assert.Equal(t, 2, reviewer.CallCount())

	task, ok := coder.LastCall()
	require.True(t, ok)
	assert.Equal(t, "deploy", task.TaskType)

	calls := coder.Calls()
	assert.Equal(t, "implementation", calls[0].TaskType)
	assert.Equal(t, "go", calls[0].Inputs["language"])
	assert.Equal(t, "1. parse flags 2. print output", calls[0].Inputs["plan"])
}
