package workflow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/phaseflow/types"
)

// UnitKind classifies an execution unit.
type UnitKind int

const (
	UnitPhase UnitKind = iota
	UnitParallelGroup
	UnitDynamicLoop
)

// String returns the unit kind name.
func (k UnitKind) String() string {
	switch k {
	case UnitPhase:
		return "phase"
	case UnitParallelGroup:
		return "parallel_group"
	case UnitDynamicLoop:
		return "dynamic_loop"
	}
	return "unknown"
}

// ExecutionUnit is what the engine dispatches in one step.
type ExecutionUnit struct {
	Kind   UnitKind
	Group  string
	Phases []*PhaseInstance
}

// Names returns the phase_results keys of the unit's phases.
func (u ExecutionUnit) Names() []string {
	names := make([]string, len(u.Phases))
	for i, p := range u.Phases {
		names[i] = p.Key
	}
	return names
}

// Graph is the dependency graph over top-level phases. Node order is the
// declaration order and is used for every tie-break.
type Graph struct {
	order  []string
	index  map[string]int
	phases map[string]*PhaseSpec
	deps   map[string][]string
	edges  map[string][]string
}

// Phases returns the phases in declaration order.
func (g *Graph) Phases() []*PhaseSpec {
	out := make([]*PhaseSpec, len(g.order))
	for i, name := range g.order {
		out[i] = g.phases[name]
	}
	return out
}

// Dependencies returns the direct predecessors of a phase.
func (g *Graph) Dependencies(name string) []string {
	return g.deps[name]
}

// Ancestors returns every phase that must finish before name can start.
func (g *Graph) Ancestors(name string) map[string]bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.deps[name]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.deps[n]...)
	}
	return seen
}

// Resolver builds dependency graphs and orders phases into execution units.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger.With(zap.String("component", "resolver"))}
}

// BuildGraph derives edges from depends_on and next_phase. A phase with no
// explicit predecessor follows the unit declared before it, unless that unit
// already depends on it; consecutive members of one parallel group share
// that predecessor instead of chaining.
func (r *Resolver) BuildGraph(phases []*PhaseSpec) (*Graph, error) {
	g := &Graph{
		index:  make(map[string]int, len(phases)),
		phases: make(map[string]*PhaseSpec, len(phases)),
		deps:   make(map[string][]string, len(phases)),
		edges:  make(map[string][]string, len(phases)),
	}
	var errs problems
	for i, p := range phases {
		if _, dup := g.phases[p.Name]; dup {
			errs.add(types.ErrDefinition, p.Name, "duplicate phase name")
			continue
		}
		g.order = append(g.order, p.Name)
		g.index[p.Name] = i
		g.phases[p.Name] = p
	}

	explicit := make(map[string]map[string]bool, len(phases))
	addDep := func(to, from string) {
		if explicit[to] == nil {
			explicit[to] = make(map[string]bool)
		}
		explicit[to][from] = true
	}
	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if _, ok := g.phases[dep]; !ok {
				errs.add(types.ErrDanglingReference, p.Name, "depends_on references unknown phase %q", dep)
				continue
			}
			addDep(p.Name, dep)
		}
		if p.NextPhase != "" {
			if _, ok := g.phases[p.NextPhase]; !ok {
				errs.add(types.ErrDanglingReference, p.Name, "next_phase references unknown phase %q", p.NextPhase)
				continue
			}
			addDep(p.NextPhase, p.Name)
		}
	}
	if err := errs.err(); err != nil {
		return nil, err
	}

	var prevUnit, groupPred []string
	curGroup := ""
	for _, name := range g.order {
		p := g.phases[name]
		var implicit []string
		if p.ParallelGroup != "" && p.ParallelGroup == curGroup {
			implicit = groupPred
			prevUnit = append(prevUnit, name)
		} else {
			implicit = prevUnit
			groupPred = prevUnit
			curGroup = p.ParallelGroup
			prevUnit = []string{name}
		}
		if len(explicit[name]) == 0 {
			for _, dep := range implicit {
				if !reaches(explicit, dep, name) {
					addDep(name, dep)
				}
			}
		}
	}

	for _, name := range g.order {
		deps := make([]string, 0, len(explicit[name]))
		for dep := range explicit[name] {
			deps = append(deps, dep)
		}
		sort.Slice(deps, func(i, j int) bool { return g.index[deps[i]] < g.index[deps[j]] })
		g.deps[name] = deps
		for _, dep := range deps {
			g.edges[dep] = append(g.edges[dep], name)
		}
	}
	for name := range g.edges {
		succ := g.edges[name]
		sort.Slice(succ, func(i, j int) bool { return g.index[succ[i]] < g.index[succ[j]] })
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &DefinitionError{Problems: []*types.Error{
			types.NewError(types.ErrCyclicDependency, "cycle: "+strings.Join(cycle, " -> ")).WithPhase(cycle[0]),
		}}
	}

	r.logger.Debug("dependency graph built",
		zap.Int("phases", len(g.order)),
	)
	return g, nil
}

// reaches reports whether from transitively depends on target.
func reaches(deps map[string]map[string]bool, from, target string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		for d := range deps[n] {
			stack = append(stack, d)
		}
	}
	return false
}

// findCycle runs a DFS with a recursion stack and returns the first cycle
// found as a closed path, or nil.
func (g *Graph) findCycle() []string {
	visited := make(map[string]bool, len(g.order))
	onStack := make(map[string]bool, len(g.order))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		visited[n] = true
		onStack[n] = true
		stack = append(stack, n)
		for _, next := range g.edges[n] {
			if !visited[next] {
				if visit(next) {
					return true
				}
			} else if onStack[next] {
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						break
					}
				}
				return true
			}
		}
		stack = stack[:len(stack)-1]
		onStack[n] = false
		return false
	}

	for _, n := range g.order {
		if !visited[n] && visit(n) {
			return cycle
		}
	}
	return nil
}

// NextReady returns the next unit whose dependencies are all in done. The
// earliest declared ready phase decides the unit; when it belongs to a
// parallel group, every ready member of that group joins it.
func (r *Resolver) NextReady(g *Graph, done map[string]bool) (ExecutionUnit, bool) {
	var ready []*PhaseSpec
	for _, name := range g.order {
		if done[name] {
			continue
		}
		ok := true
		for _, dep := range g.deps[name] {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, g.phases[name])
		}
	}
	if len(ready) == 0 {
		return ExecutionUnit{}, false
	}

	first := ready[0]
	switch {
	case first.Kind == PhaseDynamicLoop:
		return ExecutionUnit{Kind: UnitDynamicLoop, Phases: []*PhaseInstance{newInstance(first)}}, true
	case first.ParallelGroup != "":
		unit := ExecutionUnit{Kind: UnitParallelGroup, Group: first.ParallelGroup}
		for _, p := range ready {
			if p.ParallelGroup == first.ParallelGroup && p.Kind != PhaseDynamicLoop {
				unit.Phases = append(unit.Phases, newInstance(p))
			}
		}
		if len(unit.Phases) == 1 {
			unit.Kind = UnitPhase
		}
		return unit, true
	}
	return ExecutionUnit{Kind: UnitPhase, Phases: []*PhaseInstance{newInstance(first)}}, true
}

// TopologicalOrder lists the execution units in the order the engine would
// dispatch them if every phase succeeded.
func (r *Resolver) TopologicalOrder(g *Graph) ([]ExecutionUnit, error) {
	done := make(map[string]bool, len(g.order))
	var units []ExecutionUnit
	for len(done) < len(g.order) {
		unit, ok := r.NextReady(g, done)
		if !ok {
			var stuck []string
			for _, name := range g.order {
				if !done[name] {
					stuck = append(stuck, name)
				}
			}
			return nil, types.NewError(types.ErrCyclicDependency,
				"no phase is ready: "+strings.Join(stuck, ", "))
		}
		for _, p := range unit.Phases {
			done[p.Spec.Name] = true
		}
		units = append(units, unit)
	}
	return units, nil
}

// ExpandDynamicLoop materializes the loop body once per item. Units are
// ordered by item, then by body declaration order.
func (r *Resolver) ExpandDynamicLoop(loop *PhaseSpec, items []any) ([]ExecutionUnit, error) {
	seen := make(map[string]int, len(items))
	units := make([]ExecutionUnit, 0, len(items)*len(loop.Body))
	for i, item := range items {
		id := LoopItemID(item, loop.LoopItemKey, i)
		if prev, dup := seen[id]; dup {
			return nil, types.NewError(types.ErrDefinition,
				fmt.Sprintf("loop items %d and %d share id %q", prev, i, id)).WithPhase(loop.Name)
		}
		seen[id] = i
		for _, body := range loop.Body {
			units = append(units, ExecutionUnit{
				Kind:   UnitPhase,
				Phases: []*PhaseInstance{newItemInstance(loop.Name, body, item, id)},
			})
		}
	}
	r.logger.Debug("dynamic loop expanded",
		zap.String("phase", loop.Name),
		zap.Int("items", len(items)),
		zap.Int("units", len(units)),
	)
	return units, nil
}

// LoopItemID derives the identifier used to materialize a loop item:
// the value under key for map items, the item itself for scalars, or
// item-N by position.
func LoopItemID(item any, key string, index int) string {
	if m, ok := item.(map[string]any); ok && key != "" {
		if v, ok := m[key]; ok {
			if id := scalarID(v); id != "" {
				return id
			}
		}
	}
	if id := scalarID(item); id != "" {
		return id
	}
	return "item-" + strconv.Itoa(index)
}

func scalarID(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return ""
}
