package workflow

import (
	"time"
)

// Builder assembles a Definition with a fluent API.
//
//	g, err := workflow.NewBuilder("release").
//		AddStep("build", "ci").WithCommand("make").Done().
//		AddStep("deploy", "ops").WithRetry(3, time.Second).Done().
//		AddEdge("build", "deploy").
//		Build()
type Builder struct {
	def Definition
}

// NewBuilder starts a definition with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{def: Definition{Name: name}}
}

// WithDescription sets the description.
func (b *Builder) WithDescription(desc string) *Builder {
	b.def.Description = desc
	return b
}

// WithMaxParallel sets the default run parallelism.
func (b *Builder) WithMaxParallel(n int) *Builder {
	b.def.MaxParallel = n
	return b
}

// AddStep adds a step and returns a StepBuilder for it.
func (b *Builder) AddStep(id, agentID string) *StepBuilder {
	b.def.Steps = append(b.def.Steps, StepSpec{ID: id, AgentID: agentID})
	return &StepBuilder{parent: b, index: len(b.def.Steps) - 1}
}

// AddEdge makes to depend on from.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.def.Edges = append(b.def.Edges, Edge{From: from, To: to})
	return b
}

// AddConditionalEdge makes to depend on from and gates it with expr.
func (b *Builder) AddConditionalEdge(from, to, expr string) *Builder {
	b.def.Edges = append(b.def.Edges, Edge{From: from, To: to, Condition: expr})
	return b
}

// Definition returns a copy of the definition built so far.
func (b *Builder) Definition() *Definition {
	return b.def.Clone()
}

// Build validates the definition and returns its graph.
func (b *Builder) Build() (*Graph, error) {
	return Build(&b.def)
}

// StepBuilder configures one step.
type StepBuilder struct {
	parent *Builder
	index  int
}

func (s *StepBuilder) step() *StepSpec { return &s.parent.def.Steps[s.index] }

// WithCommand sets the command passed to the agent.
func (s *StepBuilder) WithCommand(cmd string) *StepBuilder {
	s.step().Command = cmd
	return s
}

// WithCondition gates the step with a dsl expression.
func (s *StepBuilder) WithCondition(expr string) *StepBuilder {
	s.step().Condition = expr
	return s
}

// WithPredicate gates the step with a function.
func (s *StepBuilder) WithPredicate(fn ConditionFunc) *StepBuilder {
	s.step().Predicate = fn
	return s
}

// WithRetry sets max attempts with an exponential backoff starting at
// initial.
func (s *StepBuilder) WithRetry(maxAttempts int, initial time.Duration) *StepBuilder {
	s.step().Retry = &RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     BackoffPolicy{Initial: Duration(initial)},
	}
	return s
}

// WithRetryPolicy sets the full retry policy.
func (s *StepBuilder) WithRetryPolicy(p RetryPolicy) *StepBuilder {
	s.step().Retry = &p
	return s
}

// WithTimeout bounds each attempt.
func (s *StepBuilder) WithTimeout(d time.Duration) *StepBuilder {
	s.step().Timeout = Duration(d)
	return s
}

// WithInput sets the opaque input passed to the agent.
func (s *StepBuilder) WithInput(input map[string]any) *StepBuilder {
	s.step().Input = input
	return s
}

// WithCompensation names the compensation step.
func (s *StepBuilder) WithCompensation(stepID string) *StepBuilder {
	s.step().Compensation = stepID
	return s
}

// Done returns to the parent builder.
func (s *StepBuilder) Done() *Builder {
	return s.parent
}
