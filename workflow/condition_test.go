package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionState() *WorkflowState {
	s := NewWorkflowState("s", "wf", map[string]any{"mode": "strict", "budget": 3})
	s.Data["review"] = map[string]any{"approved": true, "score": 8.5}
	s.Data["modules"] = []any{"auth", "billing"}
	s.Data["code"] = map[string]any{"item-1": "package a"}
	s.Data["empty"] = []any{}
	s.CompletedPhases = []string{"plan", "review"}
	return s
}

func TestCondition_Eval(t *testing.T) {
	t.Parallel()

	state := conditionState()
	tests := []struct {
		expr string
		want bool
	}{
		{`workflow_state.review.approved == true`, true},
		{`workflow_state.review.approved`, true},
		{`!workflow_state.review.approved`, false},
		{`workflow_state.review.score >= 8`, true},
		{`workflow_state.review.score < 8`, false},
		{`len(workflow_state.modules) > 1`, true},
		{`len(workflow_state.modules) == 2 && user_input.mode == "strict"`, true},
		{`user_input.mode != "strict" || user_input.budget > 2`, true},
		{`(user_input.budget > 5 || false) && true`, false},
		{`workflow_state.missing == true`, false},
		{`workflow_state.missing != true`, true},
		{`workflow_state.missing`, false},
		{`workflow_state.empty`, false},
		{`len(workflow_state.completed_phases) == 2`, true},
		{`workflow_state.code[item-1] == "package a"`, true},
		{`user_input.budget > -1`, true},
		{`"b" > "a"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := CompileCondition(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Eval(state, nil))
		})
	}
}

func TestCondition_LoopItem(t *testing.T) {
	t.Parallel()

	c, err := CompileCondition(`loop_item.kind == "service"`)
	require.NoError(t, err)

	state := conditionState()
	assert.True(t, c.Eval(state, &PhaseInstance{Item: map[string]any{"kind": "service"}, HasItem: true}))
	assert.False(t, c.Eval(state, &PhaseInstance{Item: map[string]any{"kind": "lib"}, HasItem: true}))
	assert.False(t, c.Eval(state, nil))
}

func TestCondition_CompileErrors(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		"",
		"workflow_state.a ==",
		"(workflow_state.a",
		`"unterminated`,
		"state.a == 1",
		"workflow_state.a == 1 )",
		"len workflow_state.a",
		"workflow_state.a # 1",
		"workflow_state.code[a",
	} {
		_, err := CompileCondition(expr)
		assert.Error(t, err, expr)
	}
}

func TestCondition_Paths(t *testing.T) {
	t.Parallel()

	c, err := CompileCondition(`len(workflow_state.modules) > 0 && !user_input.skip`)
	require.NoError(t, err)
	paths := c.Paths()
	require.Len(t, paths, 2)
	assert.Equal(t, "workflow_state.modules", paths[0].String())
	assert.Equal(t, "user_input.skip", paths[1].String())
	assert.Equal(t, `len(workflow_state.modules) > 0 && !user_input.skip`, c.String())
}

func TestTruthy(t *testing.T) {
	t.Parallel()

	assert.False(t, truthy(nil))
	assert.False(t, truthy(""))
	assert.False(t, truthy("false"))
	assert.False(t, truthy(0.0))
	assert.False(t, truthy(map[string]any{}))
	assert.True(t, truthy("yes"))
	assert.True(t, truthy([]string{"a"}))
	assert.True(t, truthy(struct{}{}))
}
