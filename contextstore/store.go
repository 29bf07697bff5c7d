package contextstore

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/internal/pattern"
	"github.com/BaSui01/agentgrid/internal/queue"
	"github.com/BaSui01/agentgrid/types"
)

const (
	defaultConflictRetries = 5
	defaultWatchBuffer     = 1024
)

// Options configures a Store.
type Options struct {
	// Backend defaults to an in-memory backend.
	Backend Backend
	// ConflictRetries bounds the retries Update performs on CONFLICT.
	ConflictRetries int
	// WatchBuffer bounds each watcher queue; the oldest change is dropped
	// when a watcher falls behind.
	WatchBuffer int
	Logger      *zap.Logger
}

type watcher struct {
	pattern pattern.Pattern
	changes *queue.Queue[Entry]
}

// Store is the versioned key-value context shared by agents and the
// scheduler. Watchers only observe writes made through this Store instance.
type Store struct {
	backend Backend
	retries int
	buffer  int
	logger  *zap.Logger

	mu       sync.RWMutex
	watchers map[uint64]*watcher
	nextID   atomic.Uint64
	closed   atomic.Bool
}

// New creates a store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	retries := opts.ConflictRetries
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	buffer := opts.WatchBuffer
	if buffer <= 0 {
		buffer = defaultWatchBuffer
	}
	return &Store{
		backend:  backend,
		retries:  retries,
		buffer:   buffer,
		logger:   logger.With(zap.String("component", "context_store")),
		watchers: make(map[uint64]*watcher),
	}
}

func validateKey(key string) error {
	if !pattern.ValidateName(key) {
		return types.Errorf(types.ErrInvalidRequest, "context key %q is malformed", key)
	}
	return nil
}

// Get returns the value and version stored under key.
func (s *Store) Get(ctx context.Context, key string) (any, int64, error) {
	e, err := s.GetEntry(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return e.Value, e.Version, nil
}

// GetEntry returns the full entry stored under key.
func (s *Store) GetEntry(ctx context.Context, key string) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	return s.backend.Get(ctx, key)
}

// Set writes value if the stored version equals expectedVersion. Use 0 to
// create a key. It returns the new version or a CONFLICT error; callers
// retry with a fresh read.
func (s *Store) Set(ctx context.Context, key string, value any, expectedVersion int64, writerID string) (int64, error) {
	e, err := s.SetEntry(ctx, key, value, expectedVersion, writerID)
	if err != nil {
		return 0, err
	}
	return e.Version, nil
}

// SetEntry is Set returning the stored entry.
func (s *Store) SetEntry(ctx context.Context, key string, value any, expectedVersion int64, writerID string) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	if expectedVersion < 0 {
		return Entry{}, types.Errorf(types.ErrInvalidRequest, "expected version %d is negative", expectedVersion)
	}
	if s.closed.Load() {
		return Entry{}, types.NewError(types.ErrServiceUnavailable, "context store is closed")
	}

	e, err := s.backend.CompareAndSwap(ctx, key, expectedVersion, value, writerID)
	if err != nil {
		if types.IsCode(err, types.ErrConflict) {
			s.logger.Debug("context write conflict",
				zap.String("key", key),
				zap.Int64("expected_version", expectedVersion),
				zap.String("writer_id", writerID),
			)
		}
		return Entry{}, err
	}

	s.notify(e)
	return e, nil
}

// Update applies fn to the current value of key and writes the result,
// re-reading and retrying on CONFLICT. fn sees exists=false for a new key.
func (s *Store) Update(ctx context.Context, key, writerID string, fn func(current any, exists bool) (any, error)) (Entry, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}

		cur, err := s.GetEntry(ctx, key)
		exists := err == nil
		if err != nil && !types.IsCode(err, types.ErrNotFound) {
			return Entry{}, err
		}

		next, err := fn(cur.Value, exists)
		if err != nil {
			return Entry{}, err
		}

		e, err := s.SetEntry(ctx, key, next, cur.Version, writerID)
		if err == nil {
			return e, nil
		}
		if !types.IsCode(err, types.ErrConflict) {
			return Entry{}, err
		}
		lastErr = err
	}
	s.logger.Warn("context update gave up after conflicts",
		zap.String("key", key),
		zap.Int("retries", s.retries),
	)
	return Entry{}, lastErr
}

// Snapshot returns a point-in-time copy of all values keyed by context key.
// Values are shared with the store and must not be modified.
func (s *Store) Snapshot(ctx context.Context) (map[string]any, error) {
	entries, err := s.backend.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}

// Entries returns all entries in ascending key order.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	return s.backend.List(ctx)
}

// Watch returns a lazy, unbounded sequence of changes to keys matching
// keyPattern. Registration happens before Watch returns, so every later
// write is observed. The sequence ends when ctx is done or the store closes.
func (s *Store) Watch(ctx context.Context, keyPattern string) (iter.Seq[Entry], error) {
	p, err := pattern.Compile(keyPattern)
	if err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, types.NewError(types.ErrServiceUnavailable, "context store is closed")
	}

	id := s.nextID.Add(1)
	w := &watcher{pattern: p, changes: queue.New[Entry](s.buffer)}

	s.mu.Lock()
	s.watchers[id] = w
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.unwatch(id) })

	return func(yield func(Entry) bool) {
		defer func() {
			stop()
			s.unwatch(id)
		}()
		for {
			for {
				e, ok := w.changes.Pop()
				if !ok {
					break
				}
				if !yield(e) {
					return
				}
			}
			if w.changes.Closed() || ctx.Err() != nil {
				return
			}
			if err := w.changes.Wait(ctx); err != nil {
				return
			}
		}
	}, nil
}

// Watchers returns the number of live watchers.
func (s *Store) Watchers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}

func (s *Store) notify(e Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.watchers {
		if !w.pattern.Match(e.Key) {
			continue
		}
		if _, evicted := w.changes.Push(e); evicted {
			s.logger.Warn("context watcher lagging, dropped oldest change",
				zap.String("pattern", w.pattern.String()),
			)
		}
	}
}

func (s *Store) unwatch(id uint64) {
	s.mu.Lock()
	w, ok := s.watchers[id]
	delete(s.watchers, id)
	s.mu.Unlock()
	if ok {
		w.changes.Close()
	}
}

// Close ends every watch sequence and closes the backend.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	for id, w := range s.watchers {
		w.changes.Close()
		delete(s.watchers, id)
	}
	s.mu.Unlock()
	return s.backend.Close()
}
