package services

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/jaketajohnson/Attributor/internal/models"
)

// RunService persists and queries attribution run history.
type RunService struct {
	db *bun.DB
}

func NewRunService(db *bun.DB) *RunService {
	return &RunService{db: db}
}

// SaveReport records a finished run. Dry runs are never persisted; they exist
// to preview a run, not to appear in history.
func (s *RunService) SaveReport(ctx context.Context, report *models.RunReport) error {
	if report.DryRun {
		return nil
	}

	run := &models.AttributionRun{
		ID:         report.RunID,
		Trigger:    report.Trigger,
		DryRun:     report.DryRun,
		Status:     report.Status(),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Summary:    report.Categories,
		Issues:     report.Issues,
	}
	if _, err := s.db.NewInsert().Model(run).Exec(ctx); err != nil {
		return fmt.Errorf("save run %s: %w", report.RunID, err)
	}
	return nil
}

// ListRecent returns the newest runs, most recent first, optionally
// filtered to the given statuses.
func (s *RunService) ListRecent(ctx context.Context, limit int, statuses []string) ([]models.AttributionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	var runs []models.AttributionRun
	q := s.db.NewSelect().
		Model(&runs).
		OrderExpr("ar.started_at DESC").
		Limit(limit)
	if len(statuses) > 0 {
		q = q.Where("ar.status IN (?)", bun.In(statuses))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Latest returns the most recent run, or sql.ErrNoRows when none exist yet.
func (s *RunService) Latest(ctx context.Context) (*models.AttributionRun, error) {
	run := new(models.AttributionRun)
	err := s.db.NewSelect().
		Model(run).
		OrderExpr("ar.started_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}
