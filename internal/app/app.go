// Package app assembles the chat stack shared by the control plane and the
// analysis worker.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/config"
	"github.com/medivision/control-plane/internal/events"
	"github.com/medivision/control-plane/internal/imaging"
	"github.com/medivision/control-plane/internal/llm"
	"github.com/medivision/control-plane/internal/metrics"
	"github.com/medivision/control-plane/internal/persona"
	"github.com/medivision/control-plane/internal/policy"
	"github.com/medivision/control-plane/internal/secrets"
	"github.com/medivision/control-plane/internal/session"
	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/store/memory"
	"github.com/medivision/control-plane/internal/store/pebblestore"
	"github.com/medivision/control-plane/internal/store/postgres"
	"github.com/medivision/control-plane/internal/tools"
	"github.com/medivision/control-plane/internal/turn"
)

const llmRetryBackoff = 500 * time.Millisecond

// Stack is a fully wired chat pipeline.
type Stack struct {
	Store        store.Store
	Images       *imaging.Resolver
	Registry     *tools.Registry
	Capabilities *tools.Client
	Broker       *events.Broker
	Sessions     *session.Manager
}

// OpenStore opens the configured backend, sealed when a transcript key is
// set. The returned close func is never nil.
func OpenStore(cfg config.Config, logger *zap.Logger) (store.Store, func() error, error) {
	var (
		st      store.Store
		closeFn = func() error { return nil }
	)
	switch strings.ToLower(strings.TrimSpace(cfg.StoreBackend)) {
	case "", "memory":
		st = memory.New()
	case "postgres":
		pg, err := postgres.New(cfg.PostgresURL, postgres.WithMigrate(cfg.PostgresMigrate))
		if err != nil {
			return nil, closeFn, fmt.Errorf("open postgres store: %w", err)
		}
		st, closeFn = pg, pg.Close
	case "pebble":
		pb, err := pebblestore.Open(cfg.PebblePath, logger)
		if err != nil {
			return nil, closeFn, fmt.Errorf("open pebble store: %w", err)
		}
		st, closeFn = pb, pb.Close
	default:
		return nil, closeFn, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if strings.TrimSpace(cfg.TranscriptKey) == "" {
		return st, closeFn, nil
	}
	key, err := secrets.ParseKey(cfg.TranscriptKey)
	if err != nil {
		_ = closeFn()
		return nil, func() error { return nil }, err
	}
	sealer, err := secrets.NewSealer(key)
	if err != nil {
		_ = closeFn()
		return nil, func() error { return nil }, err
	}
	return store.NewSealed(st, sealer), closeFn, nil
}

// NewReasoner builds the configured reasoning backend with retries for
// transient failures.
func NewReasoner(ctx context.Context, cfg config.Config) (llm.Provider, error) {
	provider, err := llm.NewProvider(ctx, llm.Config{
		Provider:        cfg.LLMProvider,
		Model:           cfg.LLMModel,
		BaseURL:         cfg.LLMBaseURL,
		Temperature:     cfg.LLMTemperature,
		MaxTokens:       cfg.LLMMaxTokens,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		GeminiAPIKey:    cfg.GeminiAPIKey,
	})
	if err != nil {
		return nil, err
	}
	return llm.WithRetry(provider, cfg.LLMAttempts, llmRetryBackoff, 0), nil
}

// Build wires the imaging resolver, capability registry, policy, turn
// controller and session manager around st.
func Build(cfg config.Config, st store.Store, reasoner llm.Provider, collector *metrics.Metrics, logger *zap.Logger) (*Stack, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	renderer := imaging.DICOMRenderer{}
	images, err := imaging.NewResolver(cfg.UploadDir, cfg.ArtifactDir,
		imaging.WithRenderer(renderer),
		imaging.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	contracts := tools.DefaultContracts()
	if path := strings.TrimSpace(cfg.CapabilityManifest); path != "" {
		contracts, err = tools.LoadManifest(path)
		if err != nil {
			return nil, err
		}
	}
	client := tools.NewClient(cfg.CapabilityURL, cfg.CapabilityTimeout, nil)
	registry, err := tools.NewRegistryFromContracts(contracts, client,
		[]tools.Capability{tools.NewConvertCapability(renderer, images)},
		tools.WithRegistryLogger(logger),
		tools.WithObserver(collector.ObserveInvocation))
	if err != nil {
		return nil, err
	}

	personas := persona.NewLibrary(cfg.PersonaDir)
	enforcer := policy.NewEnforcer(policy.Config{
		Threshold:   cfg.ConfidenceFloor,
		FindingsMax: cfg.FindingsMax,
		Greeting: policy.GreetingPolicy{
			Enabled:  cfg.GreetingEnabled,
			MaxWords: cfg.GreetingMaxWords,
			Phrases:  cfg.GreetingPhrases,
		},
	}, personas)

	controller := turn.NewController(reasoner, registry, enforcer, images,
		turn.WithMaxIterations(cfg.TurnMaxIterations),
		turn.WithTimeout(cfg.TurnTimeout),
		turn.WithHistoryWindow(cfg.TurnHistoryWindow),
		turn.WithLogger(logger))

	broker := events.NewBroker()
	sessions := session.NewManager(st, controller, images,
		session.WithLogger(logger),
		session.WithBroker(broker),
		session.WithMetrics(collector),
		session.WithPersonas(personas),
		session.WithMaxConcurrentTurns(cfg.MaxConcurrentTurns),
		session.WithStreamBuffer(cfg.StreamBuffer))

	return &Stack{
		Store:        st,
		Images:       images,
		Registry:     registry,
		Capabilities: client,
		Broker:       broker,
		Sessions:     sessions,
	}, nil
}
