package contextstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentgrid/types"
)

type slot struct {
	entry atomic.Pointer[Entry]
}

// MemoryBackend keeps entries in process memory. Reads never block; each
// key is written through an atomic pointer swap.
type MemoryBackend struct {
	slots sync.Map // key -> *slot
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) load(key string) *Entry {
	v, ok := m.slots.Load(key)
	if !ok {
		return nil
	}
	return v.(*slot).entry.Load()
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) (Entry, error) {
	e := m.load(key)
	if e == nil {
		return Entry{}, types.NewNotFoundError("context key", key)
	}
	return *e, nil
}

// CompareAndSwap implements Backend.
func (m *MemoryBackend) CompareAndSwap(_ context.Context, key string, expected int64, value any, writerID string) (Entry, error) {
	v, _ := m.slots.LoadOrStore(key, &slot{})
	s := v.(*slot)

	cur := s.entry.Load()
	var curVersion int64
	if cur != nil {
		curVersion = cur.Version
	}
	if curVersion != expected {
		return Entry{}, types.NewConflictError(key, expected, curVersion)
	}

	next := &Entry{
		Key:       key,
		Value:     value,
		Version:   curVersion + 1,
		WriterID:  writerID,
		UpdatedAt: time.Now().UTC(),
	}
	if !s.entry.CompareAndSwap(cur, next) {
		// Lost the race; whoever won advanced the version.
		return Entry{}, types.NewConflictError(key, expected, s.entry.Load().Version)
	}
	return *next, nil
}

// List implements Backend.
func (m *MemoryBackend) List(_ context.Context) ([]Entry, error) {
	out := make([]Entry, 0)
	m.slots.Range(func(_, v any) bool {
		if e := v.(*slot).entry.Load(); e != nil {
			out = append(out, *e)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }
