package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/medivision/control-plane/internal/config"
	"github.com/medivision/control-plane/internal/events"
	"github.com/medivision/control-plane/internal/llm"
	"github.com/medivision/control-plane/internal/metrics"
	"github.com/medivision/control-plane/internal/session"
	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/store/memory"
	"github.com/medivision/control-plane/internal/tools"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		StoreBackend:       "memory",
		UploadDir:          t.TempDir(),
		ArtifactDir:        t.TempDir(),
		CapabilityURL:      "http://127.0.0.1:1",
		CapabilityTimeout:  time.Second,
		TurnMaxIterations:  3,
		TurnTimeout:        time.Second,
		TurnHistoryWindow:  10,
		StreamBuffer:       8,
		MaxConcurrentTurns: 2,
		ConfidenceFloor:    0.15,
		FindingsMax:        3,
		GreetingEnabled:    true,
		GreetingMaxWords:   4,
		LLMProvider:        "openai",
		LLMAttempts:        2,
	}
}

func TestOpenStore(t *testing.T) {
	st, closeFn, err := OpenStore(config.Config{StoreBackend: "memory"}, nil)
	require.NoError(t, err)
	require.IsType(t, &memory.MemoryStore{}, st)
	require.NoError(t, closeFn())

	_, closeFn, err = OpenStore(config.Config{StoreBackend: "cassandra"}, nil)
	require.Error(t, err)
	require.NotNil(t, closeFn)

	_, _, err = OpenStore(config.Config{StoreBackend: "memory", TranscriptKey: "short"}, nil)
	require.Error(t, err)
}

func TestOpenStore_SealsTranscripts(t *testing.T) {
	st, closeFn, err := OpenStore(config.Config{StoreBackend: "memory", TranscriptKey: strings.Repeat("k", 32)}, nil)
	require.NoError(t, err)
	defer closeFn()
	require.IsType(t, &store.SealedStore{}, st)
}

func TestNewReasoner(t *testing.T) {
	reasoner, err := NewReasoner(context.Background(), testConfig(t))
	require.NoError(t, err)
	require.IsType(t, &llm.RetryingProvider{}, reasoner)

	cfg := testConfig(t)
	cfg.LLMProvider = "telepathy"
	_, err = NewReasoner(context.Background(), cfg)
	var unsupported llm.ErrUnsupportedProvider
	require.ErrorAs(t, err, &unsupported)
}

func TestBuild_WiresPipeline(t *testing.T) {
	cfg := testConfig(t)
	registry := prometheus.NewRegistry()
	stack, err := Build(cfg, memory.New(), llm.Replies(), metrics.New(registry), nil)
	require.NoError(t, err)

	names := stack.Registry.Names()
	require.Contains(t, names, tools.DICOMProcessor)
	require.Contains(t, names, tools.Classifier)
	require.Equal(t, cfg.UploadDir, stack.Images.UploadDir())
	require.NotNil(t, stack.Capabilities)
	require.NotContains(t, stack.Registry.RemoteNames(), tools.DICOMProcessor)

	stream, err := stack.Sessions.AppendTurn(context.Background(), session.TurnRequest{ThreadID: "t-1", Text: "hello", Role: "doctor"})
	require.NoError(t, err)
	var kinds []events.Kind
	for event := range stream.Events() {
		kinds = append(kinds, event.Kind)
	}
	require.Equal(t, []events.Kind{events.KindStatus, events.KindContentDelta, events.KindStatus}, kinds)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, stack.Sessions.Wait(ctx))
	transcript, err := stack.Sessions.GetThread(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, transcript.Messages, 2)
}

func TestBuild_BadManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.CapabilityManifest = cfg.UploadDir + "/missing.yaml"
	_, err := Build(cfg, memory.New(), llm.Replies(), nil, nil)
	require.Error(t, err)
}
