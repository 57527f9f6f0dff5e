package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jaketajohnson/Attributor/internal/config"
	"github.com/jaketajohnson/Attributor/internal/database"
	"github.com/jaketajohnson/Attributor/internal/logger"
	"github.com/jaketajohnson/Attributor/internal/routes"
	"github.com/jaketajohnson/Attributor/internal/rules"
	"github.com/jaketajohnson/Attributor/internal/runner"
)

func main() {
	cfg := config.Load()
	logr := logger.New(cfg)
	db, err := database.New(cfg.DatabaseURL, cfg)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	table := rules.Default()
	if cfg.RulesPath != "" {
		table, err = rules.Load(cfg.RulesPath)
		if err != nil {
			logr.Fatal("failed to load rules", zap.Error(err), zap.String("path", cfg.RulesPath))
		}
	}

	run := runner.New(db, cfg, table, logr.Logger)

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	go run.Schedule(schedCtx, cfg.RunInterval)

	r := routes.NewRouter(db, cfg, run, logr)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logr.Info("server started", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down server...")
	stopScheduler()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logr.Fatal("server forced to shutdown", zap.Error(err))
	}

	_ = db.Close()
	logr.Info("server exited gracefully")
}
