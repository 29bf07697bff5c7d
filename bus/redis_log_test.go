package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgrid/types"
)

func setupRedisLog(t *testing.T, maxLen ...int64) *RedisLog {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := RedisLogConfig{Prefix: "test:"}
	if len(maxLen) > 0 {
		cfg.MaxLen = maxLen[0]
	}
	return NewRedisLog(client, cfg, zap.NewNop())
}

func TestRedisLog_AppendAndReplay(t *testing.T) {
	log := setupRedisLog(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		evt := NewEvent("task.created", "pub", map[string]any{"i": i})
		require.NoError(t, log.Append(ctx, evt))
		ids = append(ids, evt.ID)
	}
	require.NoError(t, log.Append(ctx, NewEvent("task.other", "pub", nil)))

	all, err := log.Replay(ctx, "task.created", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, evt := range all {
		assert.Equal(t, ids[i], evt.ID)
		assert.Equal(t, float64(i), evt.Payload["i"])
	}

	after, err := log.Replay(ctx, "task.created", ids[1], 2)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, ids[2], after[0].ID)
	assert.Equal(t, ids[3], after[1].ID)

	tail, err := log.Replay(ctx, "task.created", ids[4], 10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestRedisLog_UnknownCursor(t *testing.T) {
	log := setupRedisLog(t)
	_, err := log.Replay(context.Background(), "task.created", "nope", 10)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestBus_ReplayThroughRedisLog(t *testing.T) {
	b := New(Options{Log: setupRedisLog(t)})
	ctx := context.Background()

	first, err := b.Publish(ctx, NewEvent("audit.entry", "svc", map[string]any{"n": "a"}))
	require.NoError(t, err)
	_, err = b.Publish(ctx, NewEvent("audit.entry", "svc", map[string]any{"n": "b"}))
	require.NoError(t, err)

	events, err := b.Replay(ctx, "audit.entry", first.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].Payload["n"])
	assert.Equal(t, "svc", events[0].PublisherID)
}

func TestRedisLog_MaxLenTrimsStreamAndIndex(t *testing.T) {
	log := setupRedisLog(t, 2)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		evt := NewEvent("task.created", "pub", map[string]any{"i": i})
		require.NoError(t, log.Append(ctx, evt))
		ids = append(ids, evt.ID)
	}

	n, err := log.client.XLen(ctx, log.streamKey("task.created")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	indexed, err := log.client.HKeys(ctx, log.indexKey("task.created")).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[3:], indexed)

	_, err = log.Replay(ctx, "task.created", ids[1], 10)
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	after, err := log.Replay(ctx, "task.created", ids[3], 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, ids[4], after[0].ID)
}

func TestRedisLog_ConcurrentAppendsAreIndexed(t *testing.T) {
	log := setupRedisLog(t)
	ctx := context.Background()

	const publishers, perPublisher = 4, 10
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				evt := NewEvent("task.created", fmt.Sprintf("pub-%d", p), map[string]any{"i": i})
				assert.NoError(t, log.Append(ctx, evt))
			}
		}()
	}
	wg.Wait()

	all, err := log.Replay(ctx, "task.created", "", publishers*perPublisher)
	require.NoError(t, err)
	require.Len(t, all, publishers*perPublisher)

	indexed, err := log.client.HLen(ctx, log.indexKey("task.created")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(publishers*perPublisher), indexed)

	next := map[string]float64{}
	for _, evt := range all {
		assert.Equal(t, next[evt.PublisherID], evt.Payload["i"], evt.PublisherID)
		next[evt.PublisherID]++
	}
}

func TestNextEntryID(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	assert.Equal(t, "1700000000123-0", nextEntryID("", now))
	assert.Equal(t, "1700000000123-0", nextEntryID("1700000000100-7", now))
	assert.Equal(t, "1700000000123-5", nextEntryID("1700000000123-4", now))
	// A clock behind the last entry continues its sequence.
	assert.Equal(t, "1700000000200-1", nextEntryID("1700000000200-0", now))
	assert.Equal(t, "1700000000123-0", nextEntryID("garbage", now))
}
