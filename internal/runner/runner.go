// Package runner drives the full attribution pipeline: the engine pass,
// boundary labeling, detention basins, survey ingestion, and run history.
// Both the one-shot CLI and the daemon go through it, so the run lock and
// the pass ordering live in exactly one place.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/jaketajohnson/Attributor/internal/config"
	"github.com/jaketajohnson/Attributor/internal/database"
	"github.com/jaketajohnson/Attributor/internal/metrics"
	"github.com/jaketajohnson/Attributor/internal/models"
	"github.com/jaketajohnson/Attributor/internal/rules"
	"github.com/jaketajohnson/Attributor/internal/services"
)

// Options select what one pipeline invocation covers.
type Options struct {
	services.RunOptions
	SkipBoundaries bool
	SkipSurvey     bool
}

// Runner owns the wired pipeline services.
type Runner struct {
	db         *bun.DB
	engine     *services.Engine
	boundaries *services.BoundaryService
	survey     *services.SurveyService // nil when no survey dir is configured
	runs       *services.RunService
	logr       *zap.Logger
}

// New wires the pipeline against one store.
func New(db *bun.DB, cfg *config.Config, table *rules.Table, logr *zap.Logger) *Runner {
	assets := services.NewAssetService(db)
	zones := services.NewZoneService(db, cfg.SRID)
	endpoints := services.NewEndpointResolver(db, cfg.SRID, cfg.CoincidenceToleranceFt, logr)

	var survey *services.SurveyService
	if cfg.SurveyDir != "" {
		survey = services.NewSurveyService(db, cfg.SurveyDir, cfg.SurveyStateFile, cfg.SRID, cfg.CoincidenceToleranceFt, logr)
	}

	return &Runner{
		db:         db,
		engine:     services.NewEngine(assets, zones, endpoints, table, cfg.AuthoritativeEditor, logr),
		boundaries: services.NewBoundaryService(db, cfg.Municipality, logr),
		survey:     survey,
		runs:       services.NewRunService(db),
		logr:       logr,
	}
}

// Execute takes the run lock and drives one full pipeline pass. Returns
// models.ErrRunInProgress without running when another session holds the
// lock.
func (r *Runner) Execute(ctx context.Context, opts Options) (*models.RunReport, error) {
	lock, err := database.AcquireRunLock(ctx, r.db)
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	return r.pipeline(ctx, opts)
}

// TriggerRun acquires the run lock and completes the pipeline in the
// background. The lock is taken synchronously so callers learn immediately
// when a run is already active.
func (r *Runner) TriggerRun(opts Options) error {
	lock, err := database.AcquireRunLock(context.Background(), r.db)
	if err != nil {
		return err
	}

	go func() {
		ctx := context.Background()
		defer lock.Release(ctx)

		if _, err := r.pipeline(ctx, opts); err != nil {
			r.logr.Error("triggered run failed", zap.Error(err))
		}
	}()
	return nil
}

// Schedule runs the pipeline on a fixed interval until ctx is canceled. A
// tick that finds a run already in progress is skipped, not queued.
func (r *Runner) Schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logr.Info("run scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.logr.Info("run scheduler stopped")
			return
		case <-ticker.C:
			_, err := r.Execute(ctx, Options{
				RunOptions: services.RunOptions{Trigger: models.TriggerScheduled},
			})
			switch {
			case errors.Is(err, models.ErrRunInProgress):
				r.logr.Info("scheduled run skipped, another run active")
			case err != nil:
				r.logr.Error("scheduled run failed", zap.Error(err))
			}
		}
	}
}

func (r *Runner) pipeline(ctx context.Context, opts Options) (*models.RunReport, error) {
	report, err := r.engine.Run(ctx, opts.RunOptions)
	if err != nil {
		return report, err
	}

	if !opts.DryRun {
		if !opts.SkipBoundaries {
			labeled, err := r.boundaries.LabelAll(ctx)
			if err != nil {
				return report, err
			}
			report.BoundariesLabeled = int(labeled)

			basins, err := r.boundaries.AttributeBasins(ctx)
			if err != nil {
				return report, err
			}
			report.BasinsAttributed = basins
		}

		if !opts.SkipSurvey && r.survey != nil {
			ingested, err := r.survey.Ingest(ctx)
			if err != nil {
				return report, err
			}
			report.SurveyPointsIngested = ingested

			moved, err := r.survey.TransferElevations(ctx)
			if err != nil {
				return report, err
			}
			report.ElevationsTransferred = int(moved)
		}

		if err := r.runs.SaveReport(ctx, report); err != nil {
			return report, err
		}
		metrics.RecordReport(report)
	}

	return report, nil
}
