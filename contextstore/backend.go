package contextstore

import (
	"context"
	"time"
)

// Entry is one versioned value in the store.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Version   int64     `json:"version"`
	WriterID  string    `json:"writer_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Backend persists entries. Every implementation must linearize writes to a
// key through a single compare-and-swap on its version.
type Backend interface {
	// Get returns the entry for key or a NOT_FOUND error.
	Get(ctx context.Context, key string) (Entry, error)

	// CompareAndSwap stores value under key if the stored version equals
	// expected (0 when the key must not exist yet). It returns the stored
	// entry with its new version, or a CONFLICT error.
	CompareAndSwap(ctx context.Context, key string, expected int64, value any, writerID string) (Entry, error)

	// List returns all entries in ascending key order.
	List(ctx context.Context) ([]Entry, error)

	Close() error
}
