package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/types"
)

// RedisBackend stores each entry as a JSON document under prefix+key and
// uses WATCH/MULTI for the per-key compare-and-swap. Values round-trip
// through JSON, so numbers read back as float64.
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBackend wraps an existing client. Close does not close it.
func NewRedisBackend(client *redis.Client, prefix string, logger *zap.Logger) *RedisBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "agentgrid:ctx:"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_context_backend")),
	}
}

func (r *RedisBackend) dataKey(key string) string { return r.prefix + "data:" + key }
func (r *RedisBackend) indexKey() string          { return r.prefix + "keys" }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisBackend) read(ctx context.Context, g getter, key string) (*Entry, error) {
	raw, err := g.Get(ctx, r.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &e, nil
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, key string) (Entry, error) {
	e, err := r.read(ctx, r.client, key)
	if err != nil {
		return Entry{}, err
	}
	if e == nil {
		return Entry{}, types.NewNotFoundError("context key", key)
	}
	return *e, nil
}

// CompareAndSwap implements Backend.
func (r *RedisBackend) CompareAndSwap(ctx context.Context, key string, expected int64, value any, writerID string) (Entry, error) {
	var stored Entry
	dk := r.dataKey(key)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := r.read(ctx, tx, key)
		if err != nil {
			return err
		}
		var curVersion int64
		if cur != nil {
			curVersion = cur.Version
		}
		if curVersion != expected {
			return types.NewConflictError(key, expected, curVersion)
		}

		stored = Entry{
			Key:       key,
			Value:     value,
			Version:   curVersion + 1,
			WriterID:  writerID,
			UpdatedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return types.Errorf(types.ErrInvalidRequest, "value for %q is not JSON encodable", key).WithCause(err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dk, data, 0)
			pipe.SAdd(ctx, r.indexKey(), key)
			return nil
		})
		return err
	}, dk)

	if errors.Is(err, redis.TxFailedErr) {
		r.logger.Debug("optimistic write lost race", zap.String("key", key))
		return Entry{}, types.Errorf(types.ErrConflict, "concurrent write on %q", key).WithRetryable(true)
	}
	if err != nil {
		return Entry{}, err
	}

	// Decode the stored document so callers see the same value shape Get
	// would return.
	data, _ := json.Marshal(stored.Value)
	var decoded any
	if json.Unmarshal(data, &decoded) == nil {
		stored.Value = decoded
	}
	return stored, nil
}

// List implements Backend.
func (r *RedisBackend) List(ctx context.Context) ([]Entry, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return []Entry{}, nil
	}

	dataKeys := make([]string, len(keys))
	for i, k := range keys {
		dataKeys[i] = r.dataKey(k)
	}
	vals, err := r.client.MGet(ctx, dataKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	out := make([]Entry, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			r.logger.Warn("undecodable context entry", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Backend.
func (r *RedisBackend) Close() error { return nil }
