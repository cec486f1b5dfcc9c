package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/phaseflow/workflow"
)

// WorkflowDSL 工作流 DSL 顶层结构
type WorkflowDSL struct {
	// Version DSL 版本
	Version string `yaml:"version" json:"version"`
	// Name 工作流名称
	Name string `yaml:"name" json:"name"`
	// Description 工作流描述
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Agents Agent 声明（id -> 定义）
	Agents map[string]AgentDef `yaml:"agents,omitempty" json:"agents,omitempty"`

	// Phases 阶段定义，声明顺序即位置顺序
	Phases []PhaseDef `yaml:"phases" json:"phases"`

	// Conditions 命名条件（表达式字符串或结构化条件）
	Conditions map[string]ConditionDef `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	// QualityGates 质量门（名称或阶段名 -> 校验条件）
	QualityGates map[string]*workflow.Criteria `yaml:"quality_gates,omitempty" json:"quality_gates,omitempty"`

	// ErrorHandling 错误处理
	ErrorHandling ErrorHandlingDef `yaml:"error_handling,omitempty" json:"error_handling,omitempty"`

	// Metadata 元数据，不参与执行
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// AgentDef Agent 定义
type AgentDef struct {
	Role         string         `yaml:"role,omitempty" json:"role,omitempty"`
	Capabilities []string       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Config       map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// PhaseDef 阶段定义
type PhaseDef struct {
	Name          string             `yaml:"name" json:"name"`
	Description   string             `yaml:"description,omitempty" json:"description,omitempty"`
	Kind          string             `yaml:"kind,omitempty" json:"kind,omitempty"` // sequential, parallel_member, dynamic_loop
	Agent         string             `yaml:"agent,omitempty" json:"agent,omitempty"`
	TaskType      string             `yaml:"task_type,omitempty" json:"task_type,omitempty"`
	Parallel      bool               `yaml:"parallel,omitempty" json:"parallel,omitempty"` // 等价于 kind: parallel_member
	ParallelGroup string             `yaml:"parallel_group,omitempty" json:"parallel_group,omitempty"`
	DependsOn     []string           `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	NextPhase     string             `yaml:"next_phase,omitempty" json:"next_phase,omitempty"`
	Required      *bool              `yaml:"required,omitempty" json:"required,omitempty"` // 默认 true
	Enabled       *bool              `yaml:"enabled,omitempty" json:"enabled,omitempty"`   // 默认 true
	Condition     string             `yaml:"condition,omitempty" json:"condition,omitempty"`
	Timeout       Duration           `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Inputs        []InputDef         `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs       []OutputDef        `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	RetryConfig   *RetryDef          `yaml:"retry_config,omitempty" json:"retry_config,omitempty"`
	Preconditions *workflow.Criteria `yaml:"preconditions,omitempty" json:"preconditions,omitempty"`
	Validation    *workflow.Criteria `yaml:"validation,omitempty" json:"validation,omitempty"`
	QualityGate   string             `yaml:"quality_gate,omitempty" json:"quality_gate,omitempty"`

	// 仅 dynamic_loop
	LoopSource  string     `yaml:"loop_source,omitempty" json:"loop_source,omitempty"`
	LoopItemKey string     `yaml:"loop_item_key,omitempty" json:"loop_item_key,omitempty"`
	Body        []PhaseDef `yaml:"body,omitempty" json:"body,omitempty"`
}

// InputDef 输入绑定：source 与 value 二选一
type InputDef struct {
	Name     string `yaml:"name" json:"name"`
	Source   string `yaml:"source,omitempty" json:"source,omitempty"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// OutputDef 输出绑定，destination 缺省为 workflow_state.<name>
type OutputDef struct {
	Name        string `yaml:"name" json:"name"`
	Destination string `yaml:"destination,omitempty" json:"destination,omitempty"`
	Field       string `yaml:"field,omitempty" json:"field,omitempty"`
}

// RetryDef 重试配置覆盖
type RetryDef struct {
	MaxAttempts int      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	Backoff     string   `yaml:"backoff,omitempty" json:"backoff,omitempty"` // exponential, linear, fixed
	BaseDelay   Duration `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay    Duration `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	Jitter      *bool    `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// ErrorHandlingDef 错误处理定义
type ErrorHandlingDef struct {
	Retry         *RetryDef       `yaml:"retry,omitempty" json:"retry,omitempty"`
	Escalations   []EscalationDef `yaml:"escalations,omitempty" json:"escalations,omitempty"`
	Consultations []PhaseDef      `yaml:"consultations,omitempty" json:"consultations,omitempty"`
}

// EscalationDef 升级规则
type EscalationDef struct {
	On           string `yaml:"on,omitempty" json:"on,omitempty"` // 错误码或别名，缺省匹配全部
	Phase        string `yaml:"phase,omitempty" json:"phase,omitempty"`
	Action       string `yaml:"action" json:"action"` // consult_and_retry, skip, pause, fail
	ConsultPhase string `yaml:"consult_phase,omitempty" json:"consult_phase,omitempty"`
	MaxRetries   int    `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// =============================================================================
// 条件
// =============================================================================

// ConditionDef 命名条件。标量形式直接作为表达式；映射形式为结构化条件。
type ConditionDef struct {
	Expr      string `yaml:"-" json:"expr,omitempty"`
	Path      string `yaml:"path,omitempty" json:"path,omitempty"`
	Equals    any    `yaml:"equals,omitempty" json:"equals,omitempty"`
	NotEmpty  bool   `yaml:"not_empty,omitempty" json:"not_empty,omitempty"`
	MinLength int    `yaml:"min_length,omitempty" json:"min_length,omitempty"`

	hasEquals bool
}

// UnmarshalYAML 接受字符串表达式或结构化条件
func (c *ConditionDef) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		c.Expr = n.Value
		return nil
	}
	type plain ConditionDef
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*c = ConditionDef(p)
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "equals" {
			c.hasEquals = true
		}
	}
	return nil
}

// Expression 将条件转换为表达式字符串
func (c ConditionDef) Expression() (string, error) {
	if c.Expr != "" {
		return c.Expr, nil
	}
	if c.Path == "" {
		return "", fmt.Errorf("structured condition requires path")
	}
	var parts []string
	if c.hasEquals {
		lit, err := literal(c.Equals)
		if err != nil {
			return "", err
		}
		parts = append(parts, c.Path+" == "+lit)
	}
	if c.NotEmpty {
		parts = append(parts, "len("+c.Path+") > 0")
	}
	if c.MinLength > 0 {
		parts = append(parts, "len("+c.Path+") >= "+strconv.Itoa(c.MinLength))
	}
	if len(parts) == 0 {
		return c.Path, nil
	}
	return strings.Join(parts, " && "), nil
}

func literal(v any) (string, error) {
	switch x := v.(type) {
	case string:
		r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
		return `"` + r.Replace(x) + `"`, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("equals: unsupported literal %T", v)
	}
}

// =============================================================================
// Duration
// =============================================================================

// Duration 接受整数秒（timeout: 300）或 Go 时长字符串（timeout: 5m）
type Duration time.Duration

// UnmarshalYAML 解析时长
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", n.Line)
	}
	switch n.Tag {
	case "!!int":
		secs, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	case "!!float":
		secs, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", n.Line, n.Value)
	}
	*d = Duration(v)
	return nil
}

// Std 返回 time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }
