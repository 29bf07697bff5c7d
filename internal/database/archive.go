package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentgrid/orchestrator"
	"github.com/BaSui01/agentgrid/types"
)

// runRecord is the archived row of a finished run. Snapshot holds the full
// JSON-encoded orchestrator.Run.
type runRecord struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Workflow   string    `gorm:"size:255;index"`
	Status     string    `gorm:"size:32;index"`
	FailedStep string    `gorm:"size:255"`
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	FinishedAt time.Time `gorm:"index"`
	Snapshot   string    `gorm:"type:text"`
}

func (runRecord) TableName() string { return "agentgrid_runs" }

// RunArchive is an orchestrator.Archive backed by a SQL database.
type RunArchive struct {
	db       *gorm.DB
	name     string
	recorder Recorder
	logger   *zap.Logger
}

// NewRunArchive migrates the archive table on db. recorder may be nil.
func NewRunArchive(db *gorm.DB, recorder Recorder, logger *zap.Logger) (*RunArchive, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&runRecord{}); err != nil {
		return nil, fmt.Errorf("migrate run archive: %w", err)
	}
	return &RunArchive{
		db:       db,
		name:     "archive",
		recorder: recorder,
		logger:   logger.With(zap.String("component", "run_archive")),
	}, nil
}

func (a *RunArchive) observe(op string, start time.Time) {
	if a.recorder != nil {
		a.recorder.RecordDBQuery(a.name, op, time.Since(start))
	}
}

// Save upserts run.
func (a *RunArchive) Save(ctx context.Context, run *orchestrator.Run) error {
	if run == nil || run.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "run id is required")
	}
	defer a.observe("save", time.Now())

	data, err := json.Marshal(run)
	if err != nil {
		return types.NewError(types.ErrInternalError, "encode run").WithCause(err)
	}
	rec := runRecord{
		ID:         run.ID,
		Workflow:   run.Workflow,
		Status:     string(run.Status),
		FailedStep: run.FailedStep,
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.CreatedAt,
		Snapshot:   string(data),
	}
	if run.FinishedAt != nil {
		rec.FinishedAt = *run.FinishedAt
	}

	err = a.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		a.logger.Error("archive save failed", zap.String("run_id", run.ID), zap.Error(err))
		return types.NewError(types.ErrInternalError, "archive save").WithCause(err)
	}
	return nil
}

// Get loads an archived run.
func (a *RunArchive) Get(ctx context.Context, runID string) (*orchestrator.Run, error) {
	defer a.observe("get", time.Now())

	var rec runRecord
	err := a.db.WithContext(ctx).First(&rec, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("run", runID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "archive get").WithCause(err)
	}

	var run orchestrator.Run
	if err := json.Unmarshal([]byte(rec.Snapshot), &run); err != nil {
		return nil, types.NewError(types.ErrInternalError, "decode archived run").WithCause(err)
	}
	return &run, nil
}

// List returns archived summaries, most recently finished first.
func (a *RunArchive) List(ctx context.Context, limit int) ([]orchestrator.RunSummary, error) {
	defer a.observe("list", time.Now())

	q := a.db.WithContext(ctx).Order("finished_at DESC").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []runRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, types.NewError(types.ErrInternalError, "archive list").WithCause(err)
	}

	out := make([]orchestrator.RunSummary, 0, len(recs))
	for _, rec := range recs {
		finished := rec.FinishedAt
		out = append(out, orchestrator.RunSummary{
			ID:         rec.ID,
			Workflow:   rec.Workflow,
			Status:     orchestrator.RunStatus(rec.Status),
			CreatedAt:  rec.CreatedAt,
			FinishedAt: &finished,
			FailedStep: rec.FailedStep,
		})
	}
	return out, nil
}

// Prune deletes runs that finished before cutoff and returns how many were
// removed.
func (a *RunArchive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	defer a.observe("prune", time.Now())

	res := a.db.WithContext(ctx).Where("finished_at < ?", cutoff).Delete(&runRecord{})
	if res.Error != nil {
		return 0, types.NewError(types.ErrInternalError, "archive prune").WithCause(res.Error)
	}
	if res.RowsAffected > 0 {
		a.logger.Info("pruned archived runs", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
