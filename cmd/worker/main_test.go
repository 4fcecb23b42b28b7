package main

import (
	"context"
	"errors"
	"testing"

	"github.com/nexus-rpc/sdk-go/nexus"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/config"
	"github.com/medivision/control-plane/internal/llm"
	"github.com/medivision/control-plane/internal/workflows"
)

type stubWorker struct {
	runErr     error
	startErr   error
	workflows  []interface{}
	activities []interface{}
}

func (s *stubWorker) RegisterWorkflow(w interface{}) {
	s.workflows = append(s.workflows, w)
}

func (s *stubWorker) RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions) {}

func (s *stubWorker) RegisterDynamicWorkflow(w interface{}, options workflow.DynamicRegisterOptions) {
}

func (s *stubWorker) RegisterActivity(a interface{}) {
	s.activities = append(s.activities, a)
}

func (s *stubWorker) RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions) {}

func (s *stubWorker) RegisterDynamicActivity(a interface{}, options activity.DynamicRegisterOptions) {
}

func (s *stubWorker) RegisterNexusService(_ *nexus.Service) {}

func (s *stubWorker) Start() error {
	return s.startErr
}

func (s *stubWorker) Run(_ <-chan interface{}) error {
	return s.runErr
}

func (s *stubWorker) Stop() {}

func captureWorkerDeps() func() {
	origLoadConfig := loadConfig
	origNewLogger := newLogger
	origDialTemporal := dialTemporal
	origOpenStore := openStore
	origNewReasoner := newReasoner
	origBuildStack := buildStack
	origNewWorker := newWorker
	origWorkerInterrupt := workerInterrupt

	return func() {
		loadConfig = origLoadConfig
		newLogger = origNewLogger
		dialTemporal = origDialTemporal
		openStore = origOpenStore
		newReasoner = origNewReasoner
		buildStack = origBuildStack
		newWorker = origNewWorker
		workerInterrupt = origWorkerInterrupt
	}
}

func stubWorkerDeps(t *testing.T) *stubWorker {
	t.Helper()
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{
			StoreBackend:      "memory",
			UploadDir:         t.TempDir(),
			ArtifactDir:       t.TempDir(),
			TemporalAddress:   "localhost:7233",
			TemporalTaskQueue: "radiology-analyses",
		}, nil
	}
	newLogger = func(string, string) (*zap.Logger, error) {
		return zap.NewNop(), nil
	}
	dialTemporal = func(options client.Options) (client.Client, error) {
		return nil, nil
	}
	newReasoner = func(context.Context, config.Config) (llm.Provider, error) {
		return llm.Replies("ok"), nil
	}
	stub := &stubWorker{}
	newWorker = func(_ client.Client, _ string, _ worker.Options) worker.Worker {
		return stub
	}
	workerInterrupt = func() <-chan interface{} {
		return make(chan interface{})
	}
	return stub
}

func TestRunSuccess(t *testing.T) {
	stub := stubWorkerDeps(t)
	var gotQueue string
	newWorker = func(_ client.Client, queue string, _ worker.Options) worker.Worker {
		gotQueue = queue
		return stub
	}

	require.NoError(t, run())
	require.Equal(t, "radiology-analyses", gotQueue)
	require.Len(t, stub.workflows, 1)
	require.Len(t, stub.activities, 1)
	require.IsType(t, &workflows.AnalysisActivities{}, stub.activities[0])
}

func TestRunConfigLoadFailure(t *testing.T) {
	stubWorkerDeps(t)
	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("config load failed")
	}

	require.Error(t, run())
}

func TestRunTemporalClientFailure(t *testing.T) {
	stubWorkerDeps(t)
	dialTemporal = func(options client.Options) (client.Client, error) {
		return nil, errors.New("temporal dial failed")
	}

	require.ErrorContains(t, run(), "temporal dial failed")
}

func TestRunStoreInitFailure(t *testing.T) {
	stubWorkerDeps(t)
	loadConfig = func() (config.Config, error) {
		return config.Config{StoreBackend: "cassandra"}, nil
	}

	require.ErrorContains(t, run(), "unknown store backend")
}

func TestRunReasonerFailure(t *testing.T) {
	stubWorkerDeps(t)
	newReasoner = func(context.Context, config.Config) (llm.Provider, error) {
		return nil, errors.New("missing api key")
	}

	require.ErrorContains(t, run(), "missing api key")
}

func TestRunWorkerFailure(t *testing.T) {
	stub := stubWorkerDeps(t)
	stub.runErr = errors.New("worker run failed")

	require.ErrorContains(t, run(), "worker run failed")
}
