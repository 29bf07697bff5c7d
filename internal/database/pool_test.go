package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{Conn: mockDB})
	gormDB, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return mockDB, mock, gormDB
}

type fakeRecorder struct {
	mu      sync.Mutex
	conns   chan [2]int
	queries []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{conns: make(chan [2]int, 16)}
}

func (r *fakeRecorder) RecordDBConnections(_ string, open, idle int) {
	select {
	case r.conns <- [2]int{open, idle}:
	default:
	}
}

func (r *fakeRecorder) RecordDBQuery(_, op string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, op)
}

func (r *fakeRecorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queries...)
}

func testPoolConfig() PoolConfig {
	return PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupTestDB(t)
	defer mockDB.Close()

	config := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
	manager, err := NewPoolManager(gormDB, config, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, gormDB, manager.DB())
	assert.Equal(t, config, manager.config)
	assert.Equal(t, "postgres", manager.name)
	assert.Equal(t, 10, manager.GetStats().MaxOpenConnections)

	_, err = NewPoolManager(nil, config, nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectPing()
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	manager, err := NewPoolManager(gormDB, testPoolConfig(), nil)
	require.NoError(t, err)

	mock.ExpectPing()
	assert.NoError(t, manager.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.ErrorIs(t, manager.Ping(context.Background()), sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_HealthCheckRecordsConnections(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	rec := newFakeRecorder()
	config := testPoolConfig()
	config.HealthCheckInterval = 10 * time.Millisecond
	manager, err := NewPoolManager(gormDB, config, zap.NewNop(), WithRecorder("archive", rec))
	require.NoError(t, err)

	select {
	case got := <-rec.conns:
		assert.GreaterOrEqual(t, got[0], 0)
		assert.GreaterOrEqual(t, got[1], 0)
	case <-time.After(2 * time.Second):
		t.Fatal("health check never recorded pool stats")
	}

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	assert.NoError(t, manager.Close())

	err = manager.Ping(context.Background())
	assert.Error(t, err)
	assert.Error(t, manager.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }))
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mockDB, mock, gormDB := setupTestDB(t)
	defer mockDB.Close()

	manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	assert.NoError(t, manager.WithTransaction(ctx, func(*gorm.DB) error { return nil }))

	mock.ExpectBegin()
	mock.ExpectRollback()
	assert.ErrorIs(t, manager.WithTransaction(ctx, func(*gorm.DB) error { return assert.AnError }), assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	t.Run("transient failure is retried", func(t *testing.T) {
		mockDB, mock, gormDB := setupTestDB(t)
		defer mockDB.Close()
		manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
		require.NoError(t, err)

		mock.ExpectBegin().WillReturnError(errors.New("deadlock detected"))
		mock.ExpectBegin()
		mock.ExpectCommit()

		calls := 0
		err = manager.WithTransactionRetry(context.Background(), 3, func(*gorm.DB) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		mockDB, mock, gormDB := setupTestDB(t)
		defer mockDB.Close()
		manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectRollback()

		calls := 0
		err = manager.WithTransactionRetry(context.Background(), 3, func(*gorm.DB) error {
			calls++
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 1, calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retries are bounded", func(t *testing.T) {
		mockDB, mock, gormDB := setupTestDB(t)
		defer mockDB.Close()
		manager, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
		require.NoError(t, err)

		mock.ExpectBegin().WillReturnError(errors.New("connection reset by peer"))
		mock.ExpectBegin().WillReturnError(errors.New("connection reset by peer"))

		err = manager.WithTransactionRetry(context.Background(), 2, func(*gorm.DB) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 2 retries")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{name: "valid config", config: PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour}},
		{name: "defaults", config: DefaultPoolConfig()},
		{name: "invalid max open conns", config: PoolConfig{MaxIdleConns: 5}, wantErr: true},
		{name: "invalid max idle conns", config: PoolConfig{MaxOpenConns: 10}, wantErr: true},
		{name: "idle > open", config: PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(assert.AnError))
	assert.True(t, isRetryableError(errors.New("ERROR: Deadlock detected (SQLSTATE 40P01)")))
	assert.True(t, isRetryableError(errors.New("pq: could not serialize access (40001)")))
	assert.True(t, isRetryableError(errors.New("driver: bad connection")))
}
