package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/app"
	"github.com/medivision/control-plane/internal/config"
	"github.com/medivision/control-plane/internal/logging"
	"github.com/medivision/control-plane/internal/workflows"
)

const drainTimeout = 30 * time.Second

var (
	loadConfig = func() (config.Config, error) {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load .env: %w", err)
		}
		return config.Load(), nil
	}
	newLogger       = logging.New
	dialTemporal    = client.Dial
	openStore       = app.OpenStore
	newReasoner     = app.NewReasoner
	buildStack      = app.Build
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("store_close_failed", zap.Error(err))
		}
	}()

	reasoner, err := newReasoner(context.Background(), cfg)
	if err != nil {
		return err
	}
	stack, err := buildStack(cfg, st, reasoner, nil, logger)
	if err != nil {
		return err
	}

	activities := workflows.NewAnalysisActivities(stack.Sessions, workflows.WithLogger(logger))
	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.AnalyzeImageWorkflow)
	w.RegisterActivity(activities)

	logger.Info("analysis_worker_started", zap.String("task_queue", cfg.TemporalTaskQueue), zap.String("store", cfg.StoreBackend))
	runErr := w.Run(workerInterrupt())

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := stack.Sessions.Wait(drainCtx); err != nil {
		logger.Warn("turn_drain_incomplete", zap.Int("active_turns", stack.Sessions.ActiveTurns()), zap.Error(err))
	}
	return runErr
}
