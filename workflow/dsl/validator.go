package dsl

import (
	"fmt"

	"github.com/BaSui01/phaseflow/types"
	"github.com/BaSui01/phaseflow/workflow"
)

// Validator DSL 文档级验证器。
// 只检查转换前就能发现的问题（必填字段、枚举、source/value 互斥、触发条件）；
// 依赖、绑定与环路检查由 workflow.Compile 完成。
type Validator struct{}

// NewValidator 创建验证器
func NewValidator() *Validator {
	return &Validator{}
}

// Validate 验证 DSL 文档，返回全部问题
func (v *Validator) Validate(doc *WorkflowDSL) []*types.Error {
	var errs issues

	if doc.Version == "" {
		errs.add(types.ErrSchemaViolation, "", "version is required")
	}
	if doc.Name == "" {
		errs.add(types.ErrSchemaViolation, "", "name is required")
	}
	if len(doc.Phases) == 0 {
		errs.add(types.ErrSchemaViolation, "", "phases must have at least one phase")
	}

	for id := range doc.Agents {
		if id == "" {
			errs.add(types.ErrSchemaViolation, "", "agent id must not be empty")
		}
	}

	for i := range doc.Phases {
		v.validatePhase(&doc.Phases[i], &errs)
	}
	for i := range doc.ErrorHandling.Consultations {
		v.validatePhase(&doc.ErrorHandling.Consultations[i], &errs)
	}

	for i, esc := range doc.ErrorHandling.Escalations {
		if _, ok := workflow.ParseTrigger(esc.On); !ok {
			errs.add(types.ErrSchemaViolation, "", "escalation rule %d: unknown trigger %q", i, esc.On)
		}
		if esc.Action == "" {
			errs.add(types.ErrSchemaViolation, "", "escalation rule %d: action is required", i)
		}
		if esc.MaxRetries < 0 {
			errs.add(types.ErrSchemaViolation, "", "escalation rule %d: max_retries must not be negative", i)
		}
	}

	for name, c := range doc.Conditions {
		if _, err := c.Expression(); err != nil {
			errs.add(types.ErrSchemaViolation, "", "condition %q: %v", name, err)
		}
	}

	return errs
}

// validatePhase 验证单个阶段（递归检查循环体）
func (v *Validator) validatePhase(p *PhaseDef, errs *issues) {
	if p.Name == "" {
		errs.add(types.ErrSchemaViolation, "", "phase name is required")
	}

	if p.Kind != "" && !workflow.PhaseKind(p.Kind).Valid() {
		errs.add(types.ErrSchemaViolation, p.Name, "invalid kind %q", p.Kind)
	}
	if p.Parallel {
		if p.Kind != "" && workflow.PhaseKind(p.Kind) != workflow.PhaseParallelMember {
			errs.add(types.ErrSchemaViolation, p.Name, "parallel: true conflicts with kind %q", p.Kind)
		}
		if p.ParallelGroup == "" {
			errs.add(types.ErrSchemaViolation, p.Name, "parallel: true requires parallel_group")
		}
	}

	for _, in := range p.Inputs {
		if in.Source != "" && in.Value != nil {
			errs.add(types.ErrSchemaViolation, p.Name, "input %q sets both source and value", in.Name)
		}
	}
	if p.RetryConfig != nil && p.RetryConfig.MaxAttempts < 0 {
		errs.add(types.ErrSchemaViolation, p.Name, "retry_config.max_attempts must not be negative")
	}
	if len(p.Body) > 0 && p.LoopSource == "" && p.Kind == "" {
		errs.add(types.ErrSchemaViolation, p.Name, "body requires kind: dynamic_loop and loop_source")
	}

	for i := range p.Body {
		v.validatePhase(&p.Body[i], errs)
	}
}

// issues 收集验证问题
type issues []*types.Error

func (s *issues) add(code types.ErrorCode, phase, format string, args ...any) {
	*s = append(*s, types.NewError(code, fmt.Sprintf(format, args...)).WithPhase(phase))
}
