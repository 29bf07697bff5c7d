package workflow

import (
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BaSui01/agentgrid/types"
)

// randomDAG builds n steps with edges only from lower to higher index, so it
// is acyclic by construction.
func randomDAG(n int, seed int64) *Definition {
	r := rand.New(rand.NewSource(seed))
	def := &Definition{Name: "prop"}
	for i := 0; i < n; i++ {
		def.Steps = append(def.Steps, StepSpec{ID: fmt.Sprintf("s%02d", i), AgentID: "agent"})
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if r.Intn(3) == 0 {
				def.Edges = append(def.Edges, Edge{From: def.Steps[i].ID, To: def.Steps[j].ID})
			}
		}
	}
	return def
}

func shuffled(def *Definition, seed int64) *Definition {
	r := rand.New(rand.NewSource(seed))
	out := def.Clone()
	r.Shuffle(len(out.Steps), func(i, j int) { out.Steps[i], out.Steps[j] = out.Steps[j], out.Steps[i] })
	r.Shuffle(len(out.Edges), func(i, j int) { out.Edges[i], out.Edges[j] = out.Edges[j], out.Edges[i] })
	return out
}

func TestProperty_TopologicalOrderRespectsEdges(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every edge points forward in the order", prop.ForAll(
		func(n int, seed int64) bool {
			def := randomDAG(n, seed)
			g, err := Build(def)
			if err != nil {
				t.Logf("build failed: %v", err)
				return false
			}
			order := g.Order()
			if len(order) != n {
				return false
			}
			pos := make(map[string]int, n)
			for i, id := range order {
				pos[id] = i
			}
			for _, e := range def.Edges {
				if pos[e.From] >= pos[e.To] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestProperty_BuildIsOrderIndependent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("shuffling steps and edges yields the same graph", prop.ForAll(
		func(n int, seed, shuffleSeed int64) bool {
			def := randomDAG(n, seed)
			g1, err1 := Build(def)
			g2, err2 := Build(shuffled(def, shuffleSeed))
			if err1 != nil || err2 != nil {
				return false
			}
			if !slices.Equal(g1.Order(), g2.Order()) {
				return false
			}
			for _, id := range g1.StepIDs() {
				a, _ := g1.Node(id)
				b, _ := g2.Node(id)
				if !slices.Equal(a.Predecessors, b.Predecessors) || !slices.Equal(a.Successors, b.Successors) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 15),
		gen.Int64(),
		gen.Int64(),
	))

	properties.Property("shuffling edges of an invalid definition yields the same error", prop.ForAll(
		func(n int, seed, shuffleSeed int64, selfLoop, ghosts int) bool {
			def := randomDAG(n, seed)
			// Mix a self loop with unknown targets so several edges are at fault.
			if selfLoop%2 == 0 {
				id := def.Steps[selfLoop%n].ID
				def.Edges = append(def.Edges, Edge{From: id, To: id})
			}
			for i := 0; i <= ghosts%3; i++ {
				def.Edges = append(def.Edges, Edge{From: def.Steps[(i+ghosts)%n].ID, To: fmt.Sprintf("ghost%d", i)})
			}

			_, err1 := Build(def)
			_, err2 := Build(shuffled(def, shuffleSeed))
			if err1 == nil || err2 == nil {
				return false
			}
			return err1.Error() == err2.Error()
		},
		gen.IntRange(1, 10),
		gen.Int64(),
		gen.Int64(),
		gen.IntRange(0, 20),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

func TestProperty_CyclesAlwaysDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a back edge makes Build fail with a real cycle", prop.ForAll(
		func(n int, seed int64, from, to int) bool {
			def := randomDAG(n, seed)
			// Chain the steps so any back edge closes a cycle.
			for i := 0; i+1 < n; i++ {
				def.Edges = append(def.Edges, Edge{From: def.Steps[i].ID, To: def.Steps[i+1].ID})
			}
			hi, lo := from%n, to%n
			if hi < lo {
				hi, lo = lo, hi
			}
			def.Edges = append(def.Edges, Edge{From: def.Steps[hi].ID, To: def.Steps[lo].ID})

			_, err := Build(def)
			if !types.IsCode(err, types.ErrCyclicDependency) {
				t.Logf("expected cycle error, got %v", err)
				return false
			}
			cycle := cycleOf(err)
			if len(cycle) < 2 || cycle[0] != cycle[len(cycle)-1] {
				return false
			}
			// Each consecutive pair must be a declared edge.
			edges := map[[2]string]bool{}
			for _, e := range def.Edges {
				edges[[2]string{e.From, e.To}] = true
			}
			for i := 0; i+1 < len(cycle); i++ {
				if !edges[[2]string{cycle[i], cycle[i+1]}] {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 12),
		gen.Int64(),
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func cycleOf(err error) []string {
	e, ok := types.AsError(err)
	if !ok {
		return nil
	}
	if c, ok := e.Cause.(*CyclicDependencyError); ok {
		return c.Cycle
	}
	return nil
}
