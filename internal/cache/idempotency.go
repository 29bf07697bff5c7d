package cache

import (
	"context"
	"errors"
	"time"
)

const pendingMarker = "\x00pending"

// ErrInFlight is returned by Begin while another request holds the key.
var ErrInFlight = errors.New("idempotent request in flight")

// IdempotencyStore remembers the result of requests carrying an
// Idempotency-Key so replays return the first result.
type IdempotencyStore struct {
	m      *Manager
	prefix string
	ttl    time.Duration
}

// NewIdempotencyStore keeps results for ttl under prefix.
func NewIdempotencyStore(m *Manager, prefix string, ttl time.Duration) *IdempotencyStore {
	if prefix == "" {
		prefix = "agentgrid:idem:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{m: m, prefix: prefix, ttl: ttl}
}

// Begin reserves key. It returns ("", nil) when the caller now owns the
// key, the stored result when the key already completed, and ErrInFlight
// when it is reserved but not completed.
func (s *IdempotencyStore) Begin(ctx context.Context, key string) (string, error) {
	ok, err := s.m.SetNX(ctx, s.prefix+key, pendingMarker, s.ttl)
	if err != nil {
		return "", err
	}
	if ok {
		return "", nil
	}

	val, err := s.m.Get(ctx, s.prefix+key)
	if IsCacheMiss(err) {
		// Expired between SETNX and GET; try once more.
		if ok, err := s.m.SetNX(ctx, s.prefix+key, pendingMarker, s.ttl); err != nil || ok {
			return "", err
		}
		return "", ErrInFlight
	}
	if err != nil {
		return "", err
	}
	if val == pendingMarker {
		return "", ErrInFlight
	}
	return val, nil
}

// Complete stores the result for key.
func (s *IdempotencyStore) Complete(ctx context.Context, key, result string) error {
	return s.m.Set(ctx, s.prefix+key, result, s.ttl)
}

// Abort releases a reservation so the request can be retried.
func (s *IdempotencyStore) Abort(ctx context.Context, key string) error {
	return s.m.Delete(ctx, s.prefix+key)
}
