package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medivision/control-plane/internal/api"
	"github.com/medivision/control-plane/internal/app"
	"github.com/medivision/control-plane/internal/config"
	"github.com/medivision/control-plane/internal/logging"
	"github.com/medivision/control-plane/internal/metrics"
	"github.com/medivision/control-plane/internal/workflows"
)

const drainTimeout = 30 * time.Second

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig = func() (config.Config, error) {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load .env: %w", err)
		}
		return config.Load(), nil
	}
	newLogger    = logging.New
	openStore    = app.OpenStore
	newReasoner  = app.NewReasoner
	buildStack   = app.Build
	dialTemporal = func(options client.Options) (client.Client, error) {
		return client.Dial(options)
	}
	newWorkflowService = workflows.NewService
	newServer          = func(stack *app.Stack, cfg config.Config, opts ...api.Option) server {
		return api.NewServer(stack.Sessions, stack.Images, cfg, opts...)
	}
	notifyContext = signal.NotifyContext
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
	recentLogs := logging.NewRecent(logging.DefaultRecentSize)
	logger = logging.Tee(logger, recentLogs)

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("store_close_failed", zap.Error(err))
		}
	}()

	reasoner, err := newReasoner(ctx, cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(registry)

	stack, err := buildStack(cfg, st, reasoner, collector, logger)
	if err != nil {
		return err
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithBroker(stack.Broker),
		api.WithStore(stack.Store),
		api.WithCapabilities(stack.Registry),
		api.WithCapabilityService(stack.Capabilities),
		api.WithMetrics(collector, registry),
		api.WithRecentLogs(recentLogs),
	}
	if cfg.TemporalEnabled {
		temporalClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
		if err != nil {
			return err
		}
		if temporalClient != nil {
			defer temporalClient.Close()
		}
		opts = append(opts, api.WithAnalyses(newWorkflowService(temporalClient, cfg.TemporalTaskQueue)))
	}
	srv := newServer(stack, cfg, opts...)

	addr := fmt.Sprintf(":%s", cfg.ControlPlanePort)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer cancel()
		logger.Info("control_plane_listening", zap.String("addr", addr), zap.Strings("capabilities", stack.Registry.Names()))
		return srv.Start(groupCtx, addr)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer drainCancel()
		if err := stack.Sessions.Wait(drainCtx); err != nil {
			logger.Warn("turn_drain_incomplete", zap.Int("active_turns", stack.Sessions.ActiveTurns()), zap.Error(err))
		}
		return nil
	})
	return group.Wait()
}
