package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentgrid/orchestrator"
	"github.com/BaSui01/agentgrid/types"
	"github.com/BaSui01/agentgrid/workflow"
)

func newTestArchive(t *testing.T, rec Recorder) *RunArchive {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "archive.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	a, err := NewRunArchive(db, rec, nil)
	require.NoError(t, err)
	return a
}

func finishedRun(id string, status orchestrator.RunStatus, finished time.Time) *orchestrator.Run {
	created := finished.Add(-time.Second)
	return &orchestrator.Run{
		ID:         id,
		Workflow:   "deploy",
		Status:     status,
		CreatedAt:  created,
		StartedAt:  &created,
		FinishedAt: &finished,
		Steps: map[string]orchestrator.StepState{
			"build": {StepID: "build", AgentID: "builder", Status: orchestrator.StepSucceeded, Attempts: 1},
		},
		History: []orchestrator.HistoryEntry{{At: finished, Action: orchestrator.HistoryFinished, Detail: string(status)}},
	}
}

func TestRunArchive_SaveGetList(t *testing.T) {
	rec := newFakeRecorder()
	a := newTestArchive(t, rec)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, a.Save(ctx, finishedRun("r1", orchestrator.RunCompleted, base)))
	failed := finishedRun("r2", orchestrator.RunFailed, base.Add(time.Minute))
	failed.FailedStep = "build"
	failed.ErrorCode = types.ErrRetryExhausted
	require.NoError(t, a.Save(ctx, failed))

	got, err := a.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunFailed, got.Status)
	assert.Equal(t, types.ErrRetryExhausted, got.ErrorCode)
	assert.Equal(t, orchestrator.StepSucceeded, got.Steps["build"].Status)
	require.Len(t, got.History, 1)

	list, err := a.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].ID)
	assert.Equal(t, "build", list[0].FailedStep)
	assert.Equal(t, "r1", list[1].ID)

	list, err = a.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = a.Get(ctx, "missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	assert.True(t, types.IsCode(a.Save(ctx, &orchestrator.Run{}), types.ErrInvalidRequest))
	assert.Contains(t, rec.ops(), "save")
	assert.Contains(t, rec.ops(), "list")
}

func TestRunArchive_SaveOverwrites(t *testing.T) {
	a := newTestArchive(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, a.Save(ctx, finishedRun("r1", orchestrator.RunFailed, now)))
	require.NoError(t, a.Save(ctx, finishedRun("r1", orchestrator.RunCompleted, now)))

	got, err := a.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunCompleted, got.Status)

	list, err := a.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunArchive_Prune(t *testing.T) {
	a := newTestArchive(t, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, a.Save(ctx, finishedRun("old", orchestrator.RunCompleted, now.Add(-2*time.Hour))))
	require.NoError(t, a.Save(ctx, finishedRun("new", orchestrator.RunCompleted, now)))

	n, err := a.Prune(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = a.Get(ctx, "old")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = a.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestRunArchive_BacksEngineRetention(t *testing.T) {
	a := newTestArchive(t, nil)
	e := orchestrator.New(orchestrator.Options{Archive: a, RetentionMaxRuns: 1})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	require.NoError(t, e.RegisterAgent("noop", orchestrator.AgentFunc(
		func(context.Context, orchestrator.AgentRequest) (orchestrator.AgentResult, error) {
			return orchestrator.Success(nil), nil
		})))
	_, err := e.RegisterDefinition(workflow.NewBuilder("single").AddStep("a", "noop").Done().Definition())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := e.CreateRun(ctx, "single", nil)
		require.NoError(t, err)
		_, err = e.Wait(ctx, id)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	archived, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, archived)

	run, err := e.GetRunStatus(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunCompleted, run.Status)

	stored, err := a.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}
