package workflow

import (
	"errors"

	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/types"
)

// Plan is a compiled definition: validated, with its dependency graph,
// static execution order and per-phase policies resolved.
type Plan struct {
	Definition *Definition
	Graph      *Graph
	Units      []ExecutionUnit

	resolver       *Resolver
	retry          map[string]RetryConfig
	postconditions map[string]*Criteria
	conditions     map[string]*Condition
	producers      []producer
}

type producer struct {
	dest  Path
	phase string
}

// Compile validates def and resolves everything the engine needs to run it.
// All problems found are returned together in a *DefinitionError.
func Compile(def *Definition, policy EnginePolicy, logger *zap.Logger) (*Plan, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if def == nil {
		return nil, &DefinitionError{Problems: []*types.Error{types.NewError(types.ErrDefinition, "definition is nil")}}
	}
	policy = policy.normalize()

	var errs problems
	checkStructure(def, &errs)
	if err := errs.err(); err != nil {
		return nil, err
	}

	resolver := NewResolver(logger)
	graph, err := resolver.BuildGraph(def.Phases)
	if err != nil {
		return nil, err
	}
	units, err := resolver.TopologicalOrder(graph)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Definition:     def,
		Graph:          graph,
		Units:          units,
		resolver:       resolver,
		retry:          make(map[string]RetryConfig),
		postconditions: make(map[string]*Criteria),
		conditions:     make(map[string]*Condition),
	}

	plan.collectProducers()
	checkBindings(plan, &errs)
	checkGroups(plan, &errs)
	plan.compileConditions(&errs)
	if err := errs.err(); err != nil {
		return nil, err
	}

	base := policy.Retry.Merge(def.ErrorHandling.Retry)
	forEachPhase(def, func(p *PhaseSpec) {
		plan.retry[p.Name] = base.Merge(p.Retry).normalize()
		gate := def.QualityGates[p.Name]
		if p.QualityGate != "" {
			gate = def.QualityGates[p.QualityGate]
		}
		if c := p.Validation.Merge(gate); !c.IsZero() {
			plan.postconditions[p.Name] = c
		}
	})

	logger.Debug("workflow compiled",
		zap.String("workflow", def.Name),
		zap.Int("phases", len(def.Phases)),
		zap.Int("units", len(units)),
	)
	return plan, nil
}

// RetryFor returns the merged retry policy of a phase.
func (p *Plan) RetryFor(phase string) RetryConfig {
	if cfg, ok := p.retry[phase]; ok {
		return cfg
	}
	return DefaultRetryConfig()
}

// producerOf names the phase whose output feeds path, or "".
func (p *Plan) producerOf(path Path) string {
	for _, pr := range p.producers {
		if path.Covers(pr.dest) {
			return pr.phase
		}
	}
	return ""
}

func (p *Plan) collectProducers() {
	for _, ph := range p.Definition.Phases {
		for _, out := range ph.Outputs {
			p.producers = append(p.producers, producer{dest: out.Destination, phase: ph.Name})
		}
		for _, b := range ph.Body {
			for _, out := range b.Outputs {
				p.producers = append(p.producers, producer{dest: out.Destination, phase: b.Name})
			}
		}
	}
}

// forEachPhase visits top-level phases, loop bodies and consultations.
func forEachPhase(def *Definition, fn func(*PhaseSpec)) {
	for _, p := range def.Phases {
		fn(p)
		for _, b := range p.Body {
			fn(b)
		}
	}
	for _, c := range def.ErrorHandling.Consultations {
		fn(c)
	}
}

// =============================================================================
// Structural checks
// =============================================================================

func checkStructure(def *Definition, errs *problems) {
	if def.Name == "" {
		errs.add(types.ErrSchemaViolation, "", "workflow name is required")
	}
	if len(def.Phases) == 0 {
		errs.add(types.ErrSchemaViolation, "", "workflow declares no phases")
	}

	names := make(map[string]string)
	claim := func(name, where string) {
		if prev, dup := names[name]; dup {
			errs.add(types.ErrDefinition, name, "phase name already used by %s", prev)
			return
		}
		names[name] = where
	}

	for _, p := range def.Phases {
		claim(p.Name, "a top-level phase")
		checkPhase(def, p, false, errs)
		if p.Kind == PhaseDynamicLoop {
			for _, b := range p.Body {
				claim(b.Name, "a loop body phase of "+p.Name)
				checkPhase(def, b, true, errs)
			}
		}
	}
	for _, c := range def.ErrorHandling.Consultations {
		claim(c.Name, "a consultation phase")
		checkPhase(def, c, false, errs)
		if c.Kind == PhaseDynamicLoop {
			errs.add(types.ErrDefinition, c.Name, "consultation phases cannot be dynamic loops")
		}
	}

	for i, rule := range def.ErrorHandling.Escalations {
		if !rule.Action.Valid() {
			errs.add(types.ErrSchemaViolation, "", "escalation rule %d: unknown action %q", i, rule.Action)
		}
		if rule.Phase != "" && rule.Phase != MatchAny {
			if _, ok := def.Phase(rule.Phase); !ok {
				errs.add(types.ErrDanglingReference, rule.Phase, "escalation rule %d references unknown phase", i)
			}
		}
		if rule.Action == EscalateConsultAndRetry {
			if rule.ConsultPhase == "" {
				errs.add(types.ErrSchemaViolation, "", "escalation rule %d: consult_and_retry needs consult_phase", i)
			} else if _, ok := def.Consultation(rule.ConsultPhase); !ok {
				errs.add(types.ErrDanglingReference, rule.ConsultPhase,
					"escalation rule %d references unknown consultation phase", i)
			}
		}
	}
	for name := range def.QualityGates {
		if _, ok := def.Phase(name); ok {
			continue
		}
		used := false
		forEachPhase(def, func(p *PhaseSpec) { used = used || p.QualityGate == name })
		if !used {
			errs.add(types.ErrDanglingReference, name, "quality gate matches no phase")
		}
	}
}

func checkPhase(def *Definition, p *PhaseSpec, inBody bool, errs *problems) {
	if p.Name == "" {
		errs.add(types.ErrSchemaViolation, "", "phase name is required")
		return
	}
	if !p.Kind.Valid() {
		errs.add(types.ErrSchemaViolation, p.Name, "unknown phase kind %q", p.Kind)
	}
	if p.Kind == PhaseDynamicLoop {
		if inBody {
			errs.add(types.ErrDefinition, p.Name, "dynamic loops cannot be nested")
		}
		if p.LoopSource.IsZero() {
			errs.add(types.ErrSchemaViolation, p.Name, "dynamic_loop requires loop_source")
		}
		if len(p.Body) == 0 {
			errs.add(types.ErrSchemaViolation, p.Name, "dynamic_loop requires a non-empty body")
		}
		if p.ParallelGroup != "" {
			errs.add(types.ErrDefinition, p.Name, "dynamic_loop cannot join parallel group %q", p.ParallelGroup)
		}
		return
	}

	if len(p.Body) > 0 {
		errs.add(types.ErrSchemaViolation, p.Name, "only dynamic_loop phases may declare a body")
	}
	if p.Kind == PhaseParallelMember && p.ParallelGroup == "" {
		errs.add(types.ErrSchemaViolation, p.Name, "parallel_member requires parallel_group")
	}
	if inBody && (p.ParallelGroup != "" || len(p.DependsOn) > 0 || p.NextPhase != "") {
		errs.add(types.ErrDefinition, p.Name, "loop body phases run in declaration order and cannot declare dependencies or groups")
	}
	if p.AgentRef == "" {
		errs.add(types.ErrSchemaViolation, p.Name, "agent_ref is required")
	} else if _, ok := def.Agents[p.AgentRef]; !ok {
		errs.add(types.ErrDanglingReference, p.Name, "agent_ref %q is not declared in agents", p.AgentRef)
	}
	if p.TaskType == "" {
		errs.add(types.ErrSchemaViolation, p.Name, "task_type is required")
	}
	if p.Timeout < 0 {
		errs.add(types.ErrSchemaViolation, p.Name, "timeout must not be negative")
	}
	if p.Retry != nil && p.Retry.Backoff != "" && !p.Retry.Backoff.Valid() {
		errs.add(types.ErrSchemaViolation, p.Name, "unknown backoff %q", p.Retry.Backoff)
	}

	seen := make(map[string]bool)
	for _, in := range p.Inputs {
		if in.Name == "" {
			errs.add(types.ErrSchemaViolation, p.Name, "input without name")
			continue
		}
		if seen[in.Name] {
			errs.add(types.ErrSchemaViolation, p.Name, "duplicate input %q", in.Name)
		}
		seen[in.Name] = true
		if !in.HasValue && in.Source.IsZero() {
			errs.add(types.ErrSchemaViolation, p.Name, "input %q needs a source or a value", in.Name)
		}
		if !in.HasValue && in.Source.Root == RootLoopItem && !inBody {
			errs.add(types.ErrDefinition, p.Name, "input %q reads loop_item outside a loop body", in.Name)
		}
	}
	seen = make(map[string]bool)
	for _, out := range p.Outputs {
		if out.Name == "" {
			errs.add(types.ErrSchemaViolation, p.Name, "output without name")
			continue
		}
		if seen[out.Name] {
			errs.add(types.ErrSchemaViolation, p.Name, "duplicate output %q", out.Name)
		}
		seen[out.Name] = true
		if out.Destination.Root != RootState || len(out.Destination.Segments) == 0 {
			errs.add(types.ErrSchemaViolation, p.Name, "output %q needs a workflow_state destination", out.Name)
		} else if out.Destination.Templated() && !inBody {
			errs.add(types.ErrDefinition, p.Name, "output %q uses %s outside a loop body", out.Name, ItemPlaceholder)
		}
	}
}

// =============================================================================
// Binding and group checks
// =============================================================================

// checkBindings verifies every required workflow_state read is written by a
// phase guaranteed to run first.
func checkBindings(plan *Plan, errs *problems) {
	g := plan.Graph
	outputsOf := func(name string) []Path {
		p := g.phases[name]
		var out []Path
		for _, o := range p.Outputs {
			out = append(out, o.Destination)
		}
		for _, b := range p.Body {
			for _, o := range b.Outputs {
				out = append(out, o.Destination)
			}
		}
		return out
	}

	for _, name := range g.order {
		p := g.phases[name]
		var available []Path
		for anc := range g.Ancestors(name) {
			available = append(available, outputsOf(anc)...)
		}

		if p.Kind == PhaseDynamicLoop {
			if p.LoopSource.Root == RootState && !bindable(p.LoopSource, available) {
				errs.add(types.ErrUnresolvedInput, p.Name, "loop_source %s is not written by any upstream phase", p.LoopSource)
			}
			if p.LoopSource.Root == RootLoopItem {
				errs.add(types.ErrDefinition, p.Name, "loop_source cannot read loop_item")
			}
			bodyAvail := append([]Path(nil), available...)
			for _, b := range p.Body {
				checkInputs(b, bodyAvail, errs)
				for _, o := range b.Outputs {
					bodyAvail = append(bodyAvail, o.Destination)
				}
			}
			continue
		}
		checkInputs(p, available, errs)
	}
}

func checkInputs(p *PhaseSpec, available []Path, errs *problems) {
	for _, in := range p.Inputs {
		if in.HasValue || in.Optional || in.Source.Root != RootState {
			continue
		}
		if !bindable(in.Source, available) {
			errs.add(types.ErrUnresolvedInput, p.Name,
				"input %q reads %s which no upstream phase writes", in.Name, in.Source)
		}
	}
}

func bindable(src Path, available []Path) bool {
	if len(src.Segments) == 0 {
		return true
	}
	switch src.Segments[0].Name {
	case stateKeyCompleted, stateKeyFailed, stateKeySkipped, stateKeyPhaseResults:
		return true
	}
	for _, dest := range available {
		if src.Covers(dest) {
			return true
		}
	}
	return false
}

// checkGroups rejects dependencies between members of one parallel group
// and overlapping output destinations among them.
func checkGroups(plan *Plan, errs *problems) {
	g := plan.Graph
	groups := make(map[string][]*PhaseSpec)
	var order []string
	for _, name := range g.order {
		p := g.phases[name]
		if p.ParallelGroup == "" {
			continue
		}
		if _, ok := groups[p.ParallelGroup]; !ok {
			order = append(order, p.ParallelGroup)
		}
		groups[p.ParallelGroup] = append(groups[p.ParallelGroup], p)
	}

	for _, group := range order {
		members := groups[group]
		for i, a := range members {
			ancA := g.Ancestors(a.Name)
			for _, b := range members[i+1:] {
				if ancA[b.Name] || g.Ancestors(b.Name)[a.Name] {
					errs.add(types.ErrDefinition, a.Name,
						"parallel group %q members %q and %q depend on each other", group, a.Name, b.Name)
					continue
				}
				for _, oa := range a.Outputs {
					for _, ob := range b.Outputs {
						if oa.Destination.Overlaps(ob.Destination) {
							errs.add(types.ErrConcurrentWriteConflict, a.Name,
								"parallel group %q: %s overlaps %s written by %q", group, oa.Destination, ob.Destination, b.Name)
						}
					}
				}
			}
		}
	}
}

func (p *Plan) compileConditions(errs *problems) {
	named := make(map[string]*Condition, len(p.Definition.Conditions))
	for name, src := range p.Definition.Conditions {
		c, err := CompileCondition(src)
		if err != nil {
			errs.add(types.ErrSchemaViolation, "", "condition %q: %v", name, err)
			continue
		}
		named[name] = c
	}
	forEachPhase(p.Definition, func(ph *PhaseSpec) {
		if ph.Condition == "" {
			return
		}
		if c, ok := named[ph.Condition]; ok {
			p.conditions[ph.Name] = c
			return
		}
		if _, ok := p.Definition.Conditions[ph.Condition]; ok {
			return
		}
		c, err := CompileCondition(ph.Condition)
		if err != nil {
			errs.add(types.ErrSchemaViolation, ph.Name, "condition: %v", err)
			return
		}
		p.conditions[ph.Name] = c
	})
}

// IsDefinitionError reports whether err came from Compile.
func IsDefinitionError(err error) bool {
	var de *DefinitionError
	return errors.As(err, &de)
}
