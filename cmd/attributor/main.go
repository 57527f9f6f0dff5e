package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/jaketajohnson/Attributor/internal/config"
	"github.com/jaketajohnson/Attributor/internal/database"
	"github.com/jaketajohnson/Attributor/internal/logger"
	"github.com/jaketajohnson/Attributor/internal/models"
	"github.com/jaketajohnson/Attributor/internal/rules"
	"github.com/jaketajohnson/Attributor/internal/runner"
	"github.com/jaketajohnson/Attributor/internal/services"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "compute and report without writing")
	only := flag.String("only", "", "comma-separated categories to process (default all)")
	skipBoundaries := flag.Bool("skip-boundaries", false, "skip boundary labeling and basin attribution")
	skipSurvey := flag.Bool("skip-survey", false, "skip survey ingestion and elevation transfer")
	rulesPath := flag.String("rules", "", "rules file path (overrides RULES_PATH)")
	flag.Parse()

	cfg := config.Load()
	logr := logger.New(cfg)

	db, err := database.New(cfg.DatabaseURL, cfg)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	path := cfg.RulesPath
	if *rulesPath != "" {
		path = *rulesPath
	}
	table := rules.Default()
	if path != "" {
		table, err = rules.Load(path)
		if err != nil {
			logr.Fatal("failed to load rules", zap.Error(err), zap.String("path", path))
		}
	}

	var onlyCats []models.Category
	if *only != "" {
		for _, c := range strings.Split(*only, ",") {
			onlyCats = append(onlyCats, models.Category(strings.TrimSpace(c)))
		}
	}

	// SIGINT/SIGTERM cancel the run between assets; completed writes stay.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := runner.New(db, cfg, table, logr.Logger)
	report, err := run.Execute(ctx, runner.Options{
		RunOptions: services.RunOptions{
			Trigger: models.TriggerManual,
			DryRun:  *dryRun,
			Only:    onlyCats,
		},
		SkipBoundaries: *skipBoundaries,
		SkipSurvey:     *skipSurvey,
	})
	switch {
	case errors.Is(err, models.ErrRunInProgress):
		logr.Warn("another run is already in progress")
		os.Exit(2)
	case err != nil:
		logr.Error("run aborted", zap.Error(err))
		os.Exit(1)
	}

	if report.Status() == models.RunFailed {
		logr.Error("run finished with failed zone batches",
			zap.Int("zone_batch_failures", report.ZoneBatchFailures))
		os.Exit(1)
	}
}
