package workflow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BaSui01/agentgrid/types"
	"github.com/BaSui01/agentgrid/workflow/dsl"
)

// CyclicDependencyError carries one offending cycle, first id repeated at
// the end ("a -> b -> a").
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "cycle " + strings.Join(e.Cycle, " -> ")
}

// UnknownStepError names an id referenced but never declared.
type UnknownStepError struct {
	StepID string
	// Ref describes where the id was referenced, e.g. "edge a -> x".
	Ref string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown step %q referenced by %s", e.StepID, e.Ref)
}

// Condition is a compiled gate over condition variables.
type Condition struct {
	Expr      *dsl.Expression
	Predicate ConditionFunc
}

// Eval evaluates the expression and predicate; both must hold. The zero
// Condition is true.
func (c Condition) Eval(vars map[string]any) (bool, error) {
	if c.Expr != nil && !c.Expr.Eval(vars) {
		return false, nil
	}
	if c.Predicate != nil {
		return c.Predicate(vars)
	}
	return true, nil
}

// IsZero reports whether the condition always holds.
func (c Condition) IsZero() bool { return c.Expr == nil && c.Predicate == nil }

// GatedEdge is an incoming edge that carries a condition.
type GatedEdge struct {
	From      string
	Condition Condition
}

// Node is one step of a built graph.
type Node struct {
	Step         StepSpec
	Retry        RetryPolicy
	Predecessors []string
	Successors   []string
	// Condition is the step's own condition.
	Condition Condition
	// Gates are the conditional incoming edges, ordered by source id.
	Gates []GatedEdge
	// CompensationFor is set on compensation-only steps.
	CompensationFor string
}

// IsCompensation reports whether the node runs only as a compensation.
func (n *Node) IsCompensation() bool { return n.CompensationFor != "" }

// Graph is the immutable task graph derived from a Definition.
type Graph struct {
	def   *Definition
	nodes map[string]*Node
	order []string
	ids   []string
}

// Definition returns the source definition.
func (g *Graph) Definition() *Definition { return g.def }

// Name returns the workflow name.
func (g *Graph) Name() string { return g.def.Name }

// Node returns the node for id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Order returns the dependency steps in topological order, ties broken by
// ascending id. Compensation-only steps are excluded.
func (g *Graph) Order() []string { return slices.Clone(g.order) }

// StepIDs returns every step id, compensation steps included, ascending.
func (g *Graph) StepIDs() []string { return slices.Clone(g.ids) }

// Roots returns the dependency steps without predecessors, ascending.
func (g *Graph) Roots() []string {
	var out []string
	for _, id := range g.ids {
		n := g.nodes[id]
		if !n.IsCompensation() && len(n.Predecessors) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.ids) }

// Build validates a definition and derives its task graph. It is pure and
// deterministic: the same steps and edges produce the same graph in any
// input order.
func Build(def *Definition, defaults ...RetryPolicy) (*Graph, error) {
	if def == nil {
		return nil, types.NewError(types.ErrInvalidDefinition, "definition is nil")
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, types.NewError(types.ErrInvalidDefinition, "workflow name is required")
	}
	if len(def.Steps) == 0 {
		return nil, types.Errorf(types.ErrInvalidDefinition, "workflow %q has no steps", def.Name)
	}
	if def.MaxParallel < 0 {
		return nil, types.Errorf(types.ErrInvalidDefinition, "workflow %q: max_parallel is negative", def.Name)
	}

	fallback := DefaultRetryPolicy()
	if len(defaults) > 0 {
		fallback = defaults[0]
	}

	def = def.Clone()
	g := &Graph{def: def, nodes: make(map[string]*Node, len(def.Steps))}

	for _, s := range def.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return nil, types.Errorf(types.ErrInvalidDefinition, "workflow %q: step id is required", def.Name)
		}
		if _, dup := g.nodes[s.ID]; dup {
			return nil, types.Errorf(types.ErrInvalidDefinition, "workflow %q: duplicate step id %q", def.Name, s.ID)
		}
		if strings.TrimSpace(s.AgentID) == "" {
			return nil, types.Errorf(types.ErrInvalidDefinition, "step %q: agent_id is required", s.ID)
		}
		if s.Timeout < 0 {
			return nil, types.Errorf(types.ErrInvalidDefinition, "step %q: timeout is negative", s.ID)
		}

		retry, err := resolveRetry(s, fallback)
		if err != nil {
			return nil, err
		}
		cond, err := compileCondition(s.Condition, s.Predicate, "step "+s.ID)
		if err != nil {
			return nil, err
		}
		g.nodes[s.ID] = &Node{Step: s, Retry: retry, Condition: cond}
		g.ids = append(g.ids, s.ID)
	}
	slices.Sort(g.ids)

	if err := g.linkCompensations(); err != nil {
		return nil, err
	}
	if err := g.linkEdges(); err != nil {
		return nil, err
	}
	if err := g.sort(); err != nil {
		return nil, err
	}
	return g, nil
}

func resolveRetry(s StepSpec, fallback RetryPolicy) (RetryPolicy, error) {
	if s.Retry == nil {
		return fallback, nil
	}
	r := *s.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 1
	}
	if r.MaxAttempts < 0 {
		return RetryPolicy{}, types.Errorf(types.ErrInvalidDefinition, "step %q: max_attempts is negative", s.ID)
	}
	b := &r.Backoff
	if b.Initial < 0 || b.Max < 0 || b.Multiplier < 0 || b.JitterFactor() < 0 || b.JitterFactor() > 1 {
		return RetryPolicy{}, types.Errorf(types.ErrInvalidDefinition, "step %q: invalid backoff", s.ID)
	}
	if b.Initial == 0 {
		b.Initial = fallback.Backoff.Initial
	}
	if b.Max == 0 {
		b.Max = fallback.Backoff.Max
	}
	if b.Multiplier == 0 {
		b.Multiplier = fallback.Backoff.Multiplier
	}
	if b.Jitter == nil && fallback.Backoff.Jitter != nil {
		b.Jitter = JitterOf(*fallback.Backoff.Jitter)
	}
	return r, nil
}

func compileCondition(expr string, pred ConditionFunc, where string) (Condition, error) {
	c := Condition{Predicate: pred}
	if strings.TrimSpace(expr) == "" {
		return c, nil
	}
	e, err := dsl.Compile(expr)
	if err != nil {
		return Condition{}, types.Errorf(types.ErrInvalidDefinition, "%s: invalid condition %q", where, expr).WithCause(err)
	}
	c.Expr = e
	return c, nil
}

func (g *Graph) linkCompensations() error {
	for _, id := range g.ids {
		n := g.nodes[id]
		c := n.Step.Compensation
		if c == "" {
			continue
		}
		target, ok := g.nodes[c]
		if !ok {
			return types.Errorf(types.ErrUnknownStep, "step %q: unknown compensation step %q", id, c).
				WithCause(&UnknownStepError{StepID: c, Ref: "compensation of " + id})
		}
		if c == id {
			return types.Errorf(types.ErrInvalidDefinition, "step %q compensates itself", id)
		}
		if target.CompensationFor != "" {
			return types.Errorf(types.ErrInvalidDefinition,
				"step %q already compensates %q; it cannot also compensate %q", c, target.CompensationFor, id)
		}
		target.CompensationFor = id
	}
	for _, id := range g.ids {
		n := g.nodes[id]
		if n.IsCompensation() && n.Step.Compensation != "" {
			return types.Errorf(types.ErrInvalidDefinition, "compensation step %q cannot declare its own compensation", id)
		}
	}
	return nil
}

func (g *Graph) linkEdges() error {
	// Validate in (from, to) order so the reported error does not depend
	// on declaration order. Stable sort keeps duplicate edges, and so
	// their gates, in declaration order.
	edges := slices.Clone(g.def.Edges)
	slices.SortStableFunc(edges, func(a, b Edge) int {
		if c := strings.Compare(a.From, b.From); c != 0 {
			return c
		}
		return strings.Compare(a.To, b.To)
	})

	for _, e := range edges {
		ref := fmt.Sprintf("edge %s -> %s", e.From, e.To)
		for _, end := range []string{e.From, e.To} {
			if _, ok := g.nodes[end]; !ok {
				return types.Errorf(types.ErrUnknownStep, "%s: step %q is not declared", ref, end).
					WithCause(&UnknownStepError{StepID: end, Ref: ref})
			}
		}
	}
	for _, e := range edges {
		for _, end := range []string{e.From, e.To} {
			if g.nodes[end].IsCompensation() {
				return types.Errorf(types.ErrInvalidDefinition,
					"edge %s -> %s: compensation step %q cannot take part in dependencies", e.From, e.To, end)
			}
		}
	}
	for _, e := range edges {
		if e.From == e.To {
			return cycleError([]string{e.From, e.From})
		}
	}

	preds := make(map[string]map[string]struct{}, len(g.nodes))
	succs := make(map[string]map[string]struct{}, len(g.nodes))
	for _, e := range edges {
		if preds[e.To] == nil {
			preds[e.To] = map[string]struct{}{}
		}
		preds[e.To][e.From] = struct{}{}
		if succs[e.From] == nil {
			succs[e.From] = map[string]struct{}{}
		}
		succs[e.From][e.To] = struct{}{}

		cond, err := compileCondition(e.Condition, e.Predicate, fmt.Sprintf("edge %s -> %s", e.From, e.To))
		if err != nil {
			return err
		}
		if !cond.IsZero() {
			n := g.nodes[e.To]
			n.Gates = append(n.Gates, GatedEdge{From: e.From, Condition: cond})
		}
	}

	for id, n := range g.nodes {
		n.Predecessors = sortedKeys(preds[id])
		n.Successors = sortedKeys(succs[id])
	}
	return nil
}

// sort runs Kahn's algorithm over dependency steps, always taking the
// smallest ready id.
func (g *Graph) sort() error {
	indegree := make(map[string]int)
	var ready []string
	for _, id := range g.ids {
		n := g.nodes[id]
		if n.IsCompensation() {
			continue
		}
		indegree[id] = len(n.Predecessors)
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, s := range g.nodes[id].Successors {
			indegree[s]--
			if indegree[s] == 0 {
				i, _ := slices.BinarySearch(ready, s)
				ready = slices.Insert(ready, i, s)
			}
		}
	}

	if len(order) < len(indegree) {
		return cycleError(g.findCycle(indegree))
	}
	g.order = order
	return nil
}

// findCycle walks predecessors among the steps Kahn could not place. Each
// of them has a predecessor in the same set, so the walk must revisit a
// step; the revisited segment is a cycle.
func (g *Graph) findCycle(indegree map[string]int) []string {
	var start string
	for _, id := range g.ids {
		if indegree[id] > 0 {
			start = id
			break
		}
	}

	pos := map[string]int{}
	var path []string
	cur := start
	for {
		if i, seen := pos[cur]; seen {
			path = path[i:]
			break
		}
		pos[cur] = len(path)
		path = append(path, cur)
		for _, p := range g.nodes[cur].Predecessors {
			if indegree[p] > 0 {
				cur = p
				break
			}
		}
	}

	// path follows predecessor links; reverse it into dependency order and
	// rotate so the smallest id leads.
	slices.Reverse(path)
	minAt := 0
	for i, id := range path {
		if id < path[minAt] {
			minAt = i
		}
	}
	cycle := append(slices.Clone(path[minAt:]), path[:minAt]...)
	return append(cycle, cycle[0])
}

func cycleError(cycle []string) error {
	cause := &CyclicDependencyError{Cycle: cycle}
	return types.NewError(types.ErrCyclicDependency, "workflow contains a cycle").WithCause(cause)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
