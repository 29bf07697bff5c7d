package workflow

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentgrid/types"
)

func diamond() *Definition {
	return &Definition{
		Name: "diamond",
		Steps: []StepSpec{
			{ID: "D", AgentID: "x"},
			{ID: "C", AgentID: "x"},
			{ID: "B", AgentID: "x"},
			{ID: "A", AgentID: "x"},
		},
		Edges: []Edge{
			{From: "C", To: "D"},
			{From: "A", To: "C"},
			{From: "B", To: "D"},
			{From: "A", To: "B"},
		},
	}
}

func TestBuild_Diamond(t *testing.T) {
	g, err := Build(diamond())
	require.NoError(t, err)

	assert.Equal(t, "diamond", g.Name())
	assert.Equal(t, []string{"A", "B", "C", "D"}, g.Order())
	assert.Equal(t, []string{"A"}, g.Roots())

	d, ok := g.Node("D")
	require.True(t, ok)
	assert.Equal(t, []string{"B", "C"}, d.Predecessors)
	assert.Empty(t, d.Successors)

	a, _ := g.Node("A")
	assert.Equal(t, []string{"B", "C"}, a.Successors)
	assert.Equal(t, 1, a.Retry.MaxAttempts)
}

func TestBuild_TieBreakByID(t *testing.T) {
	g, err := NewBuilder("ties").
		AddStep("zeta", "a").Done().
		AddStep("alpha", "a").Done().
		AddStep("mid", "a").Done().
		AddStep("beta", "a").Done().
		AddEdge("alpha", "mid").
		Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "mid", "zeta"}, g.Order())
	assert.Equal(t, []string{"alpha", "beta", "zeta"}, g.Roots())
}

func TestBuild_Cycle(t *testing.T) {
	def := &Definition{
		Name: "loop",
		Steps: []StepSpec{
			{ID: "start", AgentID: "x"},
			{ID: "a", AgentID: "x"},
			{ID: "b", AgentID: "x"},
			{ID: "c", AgentID: "x"},
		},
		Edges: []Edge{
			{From: "start", To: "a"},
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "a"},
		},
	}
	_, err := Build(def)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCyclicDependency))

	var cycle *CyclicDependencyError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b", "c", "a"}, cycle.Cycle)
	assert.Equal(t, 1, strings.Count(err.Error(), "a -> b -> c -> a"), err.Error())
}

func TestBuild_SelfLoop(t *testing.T) {
	_, err := NewBuilder("self").
		AddStep("a", "x").Done().
		AddEdge("a", "a").
		Build()
	var cycle *CyclicDependencyError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "a"}, cycle.Cycle)
}

func TestBuild_UnknownStep(t *testing.T) {
	_, err := NewBuilder("unknown").
		AddStep("a", "x").Done().
		AddEdge("a", "ghost").
		Build()
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUnknownStep))

	var unknown *UnknownStepError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "ghost", unknown.StepID)
}

func TestBuild_EdgeErrorsIgnoreDeclarationOrder(t *testing.T) {
	steps := []StepSpec{{ID: "a", AgentID: "x"}, {ID: "b", AgentID: "x"}}
	build := func(edges ...Edge) error {
		_, err := Build(&Definition{Name: "w", Steps: steps, Edges: edges})
		return err
	}

	// Unknown steps are reported before cycles.
	for _, err := range []error{
		build(Edge{From: "b", To: "b"}, Edge{From: "a", To: "ghost"}),
		build(Edge{From: "a", To: "ghost"}, Edge{From: "b", To: "b"}),
	} {
		assert.True(t, types.IsCode(err, types.ErrUnknownStep), err.Error())
	}

	var first, second *UnknownStepError
	require.True(t, errors.As(build(Edge{From: "a", To: "ghost2"}, Edge{From: "a", To: "ghost1"}), &first))
	require.True(t, errors.As(build(Edge{From: "a", To: "ghost1"}, Edge{From: "a", To: "ghost2"}), &second))
	assert.Equal(t, "ghost1", first.StepID)
	assert.Equal(t, "ghost1", second.StepID)
}

func TestBuild_InvalidDefinitions(t *testing.T) {
	cases := map[string]*Definition{
		"nil":          nil,
		"no name":      {Steps: []StepSpec{{ID: "a", AgentID: "x"}}},
		"no steps":     {Name: "w"},
		"empty id":     {Name: "w", Steps: []StepSpec{{AgentID: "x"}}},
		"duplicate id": {Name: "w", Steps: []StepSpec{{ID: "a", AgentID: "x"}, {ID: "a", AgentID: "y"}}},
		"no agent":     {Name: "w", Steps: []StepSpec{{ID: "a"}}},
		"bad condition": {Name: "w", Steps: []StepSpec{
			{ID: "a", AgentID: "x", Condition: "a =="},
		}},
		"negative attempts": {Name: "w", Steps: []StepSpec{
			{ID: "a", AgentID: "x", Retry: &RetryPolicy{MaxAttempts: -1}},
		}},
		"bad jitter": {Name: "w", Steps: []StepSpec{
			{ID: "a", AgentID: "x", Retry: &RetryPolicy{MaxAttempts: 2, Backoff: BackoffPolicy{Jitter: JitterOf(2)}}},
		}},
		"compensation in edge": {Name: "w",
			Steps: []StepSpec{{ID: "a", AgentID: "x", Compensation: "undo"}, {ID: "undo", AgentID: "x"}},
			Edges: []Edge{{From: "a", To: "undo"}},
		},
		"self compensation": {Name: "w", Steps: []StepSpec{{ID: "a", AgentID: "x", Compensation: "a"}}},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(def)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrInvalidDefinition), err.Error())
		})
	}
}

func TestBuild_UnknownCompensation(t *testing.T) {
	_, err := Build(&Definition{Name: "w", Steps: []StepSpec{{ID: "a", AgentID: "x", Compensation: "undo"}}})
	assert.True(t, types.IsCode(err, types.ErrUnknownStep))
}

func TestBuild_Compensation(t *testing.T) {
	g, err := NewBuilder("comp").
		AddStep("charge", "billing").WithCompensation("refund").WithRetry(2, time.Millisecond).Done().
		AddStep("refund", "billing").Done().
		AddStep("ship", "warehouse").Done().
		AddEdge("charge", "ship").
		Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"charge", "ship"}, g.Order())
	assert.Equal(t, []string{"charge", "refund", "ship"}, g.StepIDs())
	refund, _ := g.Node("refund")
	assert.True(t, refund.IsCompensation())
	assert.Equal(t, "charge", refund.CompensationFor)

	charge, _ := g.Node("charge")
	assert.Equal(t, 2, charge.Retry.MaxAttempts)
	assert.Equal(t, Duration(time.Millisecond), charge.Retry.Backoff.Initial)
	assert.Equal(t, DefaultRetryPolicy().Backoff.Max, charge.Retry.Backoff.Max)
}

func TestBuild_Conditions(t *testing.T) {
	g, err := NewBuilder("cond").
		AddStep("a", "x").Done().
		AddStep("b", "x").WithCondition(`mode == "full"`).Done().
		AddConditionalEdge("a", "b", `_steps.a == "Succeeded"`).
		Build()
	require.NoError(t, err)

	b, _ := g.Node("b")
	require.Len(t, b.Gates, 1)
	assert.Equal(t, "a", b.Gates[0].From)

	ok, err := b.Condition.Eval(map[string]any{"mode": "full"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Gates[0].Condition.Eval(map[string]any{"_steps": map[string]any{"a": "Failed"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCondition_PredicateAndExpr(t *testing.T) {
	boom := errors.New("boom")
	c := Condition{Predicate: func(map[string]any) (bool, error) { return false, boom }}
	_, err := c.Eval(nil)
	assert.ErrorIs(t, err, boom)

	assert.True(t, Condition{}.IsZero())
	ok, err := Condition{}.Eval(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuild_IsPure(t *testing.T) {
	def := diamond()
	before, err := def.ToJSON()
	require.NoError(t, err)

	g1, err := Build(def)
	require.NoError(t, err)
	g2, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, g1.Order(), g2.Order())

	after, err := def.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestBuild_CustomDefaultRetry(t *testing.T) {
	def := &Definition{Name: "w", Steps: []StepSpec{{ID: "a", AgentID: "x"}}}
	g, err := Build(def, RetryPolicy{MaxAttempts: 4})
	require.NoError(t, err)
	a, _ := g.Node("a")
	assert.Equal(t, 4, a.Retry.MaxAttempts)
}

func TestBuild_DeclaredRetryKeepsDefaultJitter(t *testing.T) {
	g, err := NewBuilder("w").
		AddStep("a", "x").WithRetryPolicy(RetryPolicy{MaxAttempts: 3}).Done().
		AddStep("b", "x").WithRetry(2, time.Millisecond).Done().
		AddStep("c", "x").WithRetryPolicy(RetryPolicy{MaxAttempts: 2, Backoff: BackoffPolicy{Jitter: JitterOf(0)}}).Done().
		Build()
	require.NoError(t, err)

	want := DefaultRetryPolicy().Backoff.JitterFactor()
	require.Greater(t, want, 0.0)
	for _, id := range []string{"a", "b"} {
		n, _ := g.Node(id)
		assert.Equal(t, want, n.Retry.Backoff.JitterFactor(), id)
	}

	c, _ := g.Node("c")
	require.NotNil(t, c.Retry.Backoff.Jitter)
	assert.Zero(t, c.Retry.Backoff.JitterFactor())
}

func TestBuild_JitterFromCustomDefault(t *testing.T) {
	def := &Definition{Name: "w", Steps: []StepSpec{{ID: "a", AgentID: "x", Retry: &RetryPolicy{MaxAttempts: 3}}}}
	g, err := Build(def, RetryPolicy{MaxAttempts: 1, Backoff: BackoffPolicy{Jitter: JitterOf(0.5)}})
	require.NoError(t, err)
	a, _ := g.Node("a")
	assert.Equal(t, 0.5, a.Retry.Backoff.JitterFactor())
	assert.Nil(t, def.Steps[0].Retry.Backoff.Jitter)
}
