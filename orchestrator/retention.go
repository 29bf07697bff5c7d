package orchestrator

import (
	"context"
	"slices"
	"sync"

	"github.com/BaSui01/agentgrid/types"
)

// Archive stores finished runs evicted from the engine's live set.
type Archive interface {
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, runID string) (*Run, error)
	// List returns archived runs, most recently finished first. limit <= 0
	// means all.
	List(ctx context.Context, limit int) ([]RunSummary, error)
}

// MemoryArchive is a bounded in-process Archive. When full, the oldest
// archived run is discarded.
type MemoryArchive struct {
	mu    sync.RWMutex
	max   int
	runs  map[string]*Run
	order []string // oldest first
}

// NewMemoryArchive creates an archive holding at most max runs. max <= 0
// means unbounded.
func NewMemoryArchive(max int) *MemoryArchive {
	return &MemoryArchive{max: max, runs: make(map[string]*Run)}
}

func (a *MemoryArchive) Save(_ context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "run id is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.runs[run.ID]; !ok {
		a.order = append(a.order, run.ID)
	}
	a.runs[run.ID] = run
	for a.max > 0 && len(a.order) > a.max {
		delete(a.runs, a.order[0])
		a.order = a.order[1:]
	}
	return nil
}

func (a *MemoryArchive) Get(_ context.Context, runID string) (*Run, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.runs[runID]
	if !ok {
		return nil, types.NewNotFoundError("run", runID)
	}
	return r, nil
}

func (a *MemoryArchive) List(_ context.Context, limit int) ([]RunSummary, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]RunSummary, 0, len(a.order))
	for _, id := range slices.Backward(a.order) {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, a.runs[id].Summary())
	}
	return out, nil
}

// Len returns the number of archived runs.
func (a *MemoryArchive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.order)
}
