package dsl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/phaseflow/types"
	"github.com/BaSui01/phaseflow/workflow"
)

// Parser DSL 解析器，将 YAML/JSON 文档转换为 workflow.Definition
type Parser struct {
	// conditions 预注册的命名条件，文档内同名条件优先
	conditions map[string]string
}

// NewParser 创建 DSL 解析器
func NewParser() *Parser {
	return &Parser{conditions: make(map[string]string)}
}

// RegisterCondition 注册命名条件表达式
func (p *Parser) RegisterCondition(name, expr string) {
	p.conditions[name] = expr
}

// ParseFile 从文件解析 DSL
func (p *Parser) ParseFile(filename string) (*workflow.Definition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read DSL file: %w", err)
	}
	return p.Parse(data)
}

// Parse 从 YAML 字节解析 DSL。文档错误以 *workflow.DefinitionError 返回。
func (p *Parser) Parse(data []byte) (*workflow.Definition, error) {
	var doc WorkflowDSL
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty document")
		}
		return nil, definitionError(issues{
			types.NewError(types.ErrSchemaViolation, "parse YAML").WithCause(err),
		})
	}

	// 1. 文档级验证
	if errs := NewValidator().Validate(&doc); len(errs) > 0 {
		return nil, definitionError(errs)
	}

	// 2. 转换
	c := &converter{}
	def := c.definition(&doc, p.conditions)
	if len(c.errs) > 0 {
		return nil, definitionError(c.errs)
	}
	return def, nil
}

func definitionError(errs issues) error {
	return &workflow.DefinitionError{Problems: errs}
}

// =============================================================================
// 转换
// =============================================================================

type converter struct {
	errs issues
}

func (c *converter) definition(doc *WorkflowDSL, registered map[string]string) *workflow.Definition {
	def := &workflow.Definition{
		Name:         doc.Name,
		Version:      doc.Version,
		Description:  doc.Description,
		Agents:       make(map[string]workflow.AgentSpec, len(doc.Agents)),
		QualityGates: doc.QualityGates,
	}

	for id, a := range doc.Agents {
		def.Agents[id] = workflow.AgentSpec{
			ID:           id,
			Role:         a.Role,
			Capabilities: a.Capabilities,
			Config:       a.Config,
		}
	}

	conds := make(map[string]string)
	for name, cd := range doc.Conditions {
		expr, _ := cd.Expression()
		conds[name] = expr
	}

	for i := range doc.Phases {
		def.Phases = append(def.Phases, c.phase(&doc.Phases[i]))
	}

	eh := doc.ErrorHandling
	for i := range eh.Consultations {
		def.ErrorHandling.Consultations = append(def.ErrorHandling.Consultations, c.phase(&eh.Consultations[i]))
	}

	// 预注册条件只合并被阶段引用的部分
	var referenced func(phases []*workflow.PhaseSpec)
	referenced = func(phases []*workflow.PhaseSpec) {
		for _, ph := range phases {
			if expr, ok := registered[ph.Condition]; ok {
				if _, own := conds[ph.Condition]; !own {
					conds[ph.Condition] = expr
				}
			}
			referenced(ph.Body)
		}
	}
	referenced(def.Phases)
	referenced(def.ErrorHandling.Consultations)
	if len(conds) > 0 {
		def.Conditions = conds
	}

	def.ErrorHandling.Retry = retryOverride(eh.Retry)
	for _, esc := range eh.Escalations {
		on, _ := workflow.ParseTrigger(esc.On)
		def.ErrorHandling.Escalations = append(def.ErrorHandling.Escalations, workflow.EscalationRule{
			On:           on,
			Phase:        esc.Phase,
			Action:       workflow.EscalationAction(esc.Action),
			ConsultPhase: esc.ConsultPhase,
			MaxRetries:   esc.MaxRetries,
		})
	}

	return def
}

// phase 转换单个阶段，应用默认值：required/enabled 为 true，
// parallel: true 视为 parallel_member，带 loop_source 的阶段视为 dynamic_loop
func (c *converter) phase(d *PhaseDef) *workflow.PhaseSpec {
	ps := &workflow.PhaseSpec{
		Name:          d.Name,
		Description:   d.Description,
		Kind:          workflow.PhaseKind(d.Kind),
		AgentRef:      d.Agent,
		TaskType:      d.TaskType,
		DependsOn:     d.DependsOn,
		NextPhase:     d.NextPhase,
		ParallelGroup: d.ParallelGroup,
		Timeout:       d.Timeout.Std(),
		Required:      boolOr(d.Required, true),
		Enabled:       boolOr(d.Enabled, true),
		Condition:     d.Condition,
		Retry:         retryOverride(d.RetryConfig),
		Preconditions: d.Preconditions,
		Validation:    d.Validation,
		QualityGate:   d.QualityGate,
		LoopItemKey:   d.LoopItemKey,
	}

	if ps.Kind == "" {
		switch {
		case d.Parallel:
			ps.Kind = workflow.PhaseParallelMember
		case d.LoopSource != "":
			ps.Kind = workflow.PhaseDynamicLoop
		default:
			ps.Kind = workflow.PhaseSequential
		}
	}
	if ps.TaskType == "" {
		ps.TaskType = d.Name
	}

	if d.LoopSource != "" {
		src, err := workflow.ParsePath(d.LoopSource)
		if err != nil {
			c.errs.add(types.ErrSchemaViolation, d.Name, "loop_source: %v", err)
		}
		ps.LoopSource = src
	}

	for _, in := range d.Inputs {
		ps.Inputs = append(ps.Inputs, c.input(d.Name, in))
	}
	for _, out := range d.Outputs {
		ps.Outputs = append(ps.Outputs, c.output(d.Name, out))
	}
	for i := range d.Body {
		ps.Body = append(ps.Body, c.phase(&d.Body[i]))
	}
	return ps
}

// input 转换输入绑定。source: workflow_state 读取 workflow_state.<name>
func (c *converter) input(phase string, d InputDef) workflow.InputBinding {
	b := workflow.InputBinding{Name: d.Name, Optional: d.Optional}
	if d.Value != nil || d.Source == "" {
		b.Value, b.HasValue = d.Value, d.Value != nil
		return b
	}
	raw := strings.TrimSpace(d.Source)
	if raw == string(workflow.RootState) {
		raw += "." + d.Name
	}
	src, err := workflow.ParsePath(raw)
	if err != nil {
		c.errs.add(types.ErrSchemaViolation, phase, "input %q: %v", d.Name, err)
	}
	b.Source = src
	return b
}

// output 转换输出绑定。缺省或仅写 workflow_state 时写入 workflow_state.<name>
func (c *converter) output(phase string, d OutputDef) workflow.OutputBinding {
	b := workflow.OutputBinding{Name: d.Name, Field: d.Field}
	raw := strings.TrimSpace(d.Destination)
	if raw == "" || raw == string(workflow.RootState) {
		raw = string(workflow.RootState) + "." + d.Name
	}
	dst, err := workflow.ParseDestination(raw)
	if err != nil {
		c.errs.add(types.ErrSchemaViolation, phase, "output %q: %v", d.Name, err)
	}
	b.Destination = dst
	return b
}

func retryOverride(d *RetryDef) *workflow.RetryOverride {
	if d == nil {
		return nil
	}
	return &workflow.RetryOverride{
		MaxAttempts: d.MaxAttempts,
		Backoff:     workflow.BackoffKind(d.Backoff),
		BaseDelay:   d.BaseDelay.Std(),
		MaxDelay:    d.MaxDelay.Std(),
		Jitter:      d.Jitter,
	}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
