package workflow

import (
	"time"
)

// PhaseKind classifies how a phase is scheduled.
type PhaseKind string

const (
	PhaseSequential     PhaseKind = "sequential"
	PhaseParallelMember PhaseKind = "parallel_member"
	PhaseDynamicLoop    PhaseKind = "dynamic_loop"
)

// Valid reports whether k is a known phase kind.
func (k PhaseKind) Valid() bool {
	switch k {
	case PhaseSequential, PhaseParallelMember, PhaseDynamicLoop:
		return true
	}
	return false
}

// AgentSpec declares an agent a definition relies on.
type AgentSpec struct {
	ID           string         `json:"id" yaml:"id"`
	Role         string         `json:"role,omitempty" yaml:"role,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// InputBinding feeds one named input of a phase, either from a path or from
// a literal Value.
type InputBinding struct {
	Name     string
	Source   Path
	Value    any
	HasValue bool
	Optional bool
}

// OutputBinding writes one value produced by a phase into workflow_state.
// An empty Field takes the whole response content; otherwise content must
// be a map and Field selects a key from it.
type OutputBinding struct {
	Name        string
	Destination Path
	Field       string
}

// PhaseSpec is one node of the workflow graph.
type PhaseSpec struct {
	Name          string
	Description   string
	Kind          PhaseKind
	AgentRef      string
	TaskType      string
	Inputs        []InputBinding
	Outputs       []OutputBinding
	DependsOn     []string
	NextPhase     string
	ParallelGroup string
	Timeout       time.Duration
	Required      bool
	Enabled       bool
	Condition     string
	Retry         *RetryOverride
	Preconditions *Criteria
	Validation    *Criteria
	QualityGate   string

	// Dynamic loop only.
	LoopSource  Path
	LoopItemKey string
	Body        []*PhaseSpec
}

// NewPhase returns a phase with the engine defaults applied: sequential,
// required and enabled.
func NewPhase(name, agentRef, taskType string) *PhaseSpec {
	return &PhaseSpec{
		Name:     name,
		Kind:     PhaseSequential,
		AgentRef: agentRef,
		TaskType: taskType,
		Required: true,
		Enabled:  true,
	}
}

// ErrorHandling holds the definition-wide retry override, escalation rules
// and the consult phases escalations may run.
type ErrorHandling struct {
	Retry         *RetryOverride
	Escalations   []EscalationRule
	Consultations []*PhaseSpec
}

// Definition is the validated, immutable description of a workflow.
type Definition struct {
	Name          string
	Version       string
	Description   string
	Agents        map[string]AgentSpec
	Phases        []*PhaseSpec
	Conditions    map[string]string
	QualityGates  map[string]*Criteria
	ErrorHandling ErrorHandling
}

// Phase returns the top-level or loop body phase with the given name.
func (d *Definition) Phase(name string) (*PhaseSpec, bool) {
	for _, p := range d.Phases {
		if p.Name == name {
			return p, true
		}
		for _, b := range p.Body {
			if b.Name == name {
				return b, true
			}
		}
	}
	return nil, false
}

// Consultation returns the consult phase with the given name.
func (d *Definition) Consultation(name string) (*PhaseSpec, bool) {
	for _, p := range d.ErrorHandling.Consultations {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// PhaseInstance is a phase ready to run. Loop bodies are materialized into
// one instance per item with their own phase_results key.
type PhaseInstance struct {
	Spec    *PhaseSpec
	Key     string
	Inputs  []InputBinding
	Outputs []OutputBinding
	Loop    string
	Item    any
	ItemID  string
	HasItem bool
}

func newInstance(spec *PhaseSpec) *PhaseInstance {
	return &PhaseInstance{
		Spec:    spec,
		Key:     spec.Name,
		Inputs:  spec.Inputs,
		Outputs: spec.Outputs,
	}
}

func newItemInstance(loop string, spec *PhaseSpec, item any, itemID string) *PhaseInstance {
	inst := &PhaseInstance{
		Spec:    spec,
		Key:     spec.Name + "[" + itemID + "]",
		Loop:    loop,
		Item:    item,
		ItemID:  itemID,
		HasItem: true,
		Inputs:  make([]InputBinding, len(spec.Inputs)),
		Outputs: make([]OutputBinding, len(spec.Outputs)),
	}
	for i, in := range spec.Inputs {
		if !in.HasValue {
			in.Source = in.Source.Materialize(itemID)
		}
		inst.Inputs[i] = in
	}
	for i, out := range spec.Outputs {
		out.Destination = out.Destination.Materialize(itemID)
		inst.Outputs[i] = out
	}
	return inst
}
