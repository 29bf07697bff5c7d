package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return mr, manager
}

func TestNewManager(t *testing.T) {
	_, manager := setupTestRedis(t)
	assert.NotNil(t, manager.Client())
	assert.NoError(t, manager.Ping(context.Background()))
}

func TestNewManager_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewManager(Config{Addr: addr}, nil)
	assert.Error(t, err)
}

func TestManager_SetGetDelete(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	val, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	require.NoError(t, manager.Delete(ctx, "k"))
	_, err = manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
	assert.NoError(t, manager.Delete(ctx))
}

func TestManager_TTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := manager.Get(ctx, "short")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_SetNX(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	ok, err := manager.SetNX(ctx, "lock", "a", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = manager.SetNX(ctx, "lock", "b", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := manager.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", val)
}

func TestManager_HealthCheckFailed(t *testing.T) {
	mr, manager := setupTestRedis(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, manager.Ping(ctx))
}

func TestManager_Closed(t *testing.T) {
	mr := miniredis.RunT(t)
	manager, err := NewManager(Config{Addr: mr.Addr(), HealthCheckInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	ctx := context.Background()
	assert.Error(t, manager.Ping(ctx))
	assert.Error(t, manager.Set(ctx, "k", "v", 0))
	_, err = manager.Get(ctx, "k")
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestManager_ConcurrentOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := manager.SetNX(ctx, "race", "x", 0)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.GreaterOrEqual(t, manager.GetStats().TotalConns, uint32(1))
}

func TestIdempotencyStore(t *testing.T) {
	mr, manager := setupTestRedis(t)
	store := NewIdempotencyStore(manager, "", time.Hour)
	ctx := context.Background()

	got, err := store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = store.Begin(ctx, "req-1")
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, store.Complete(ctx, "req-1", "run-42"))
	got, err = store.Begin(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "run-42", got)
	assert.Equal(t, time.Hour, mr.TTL("agentgrid:idem:req-1"))

	got, err = store.Begin(ctx, "req-2")
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, store.Abort(ctx, "req-2"))
	got, err = store.Begin(ctx, "req-2")
	require.NoError(t, err)
	assert.Empty(t, got)
}
