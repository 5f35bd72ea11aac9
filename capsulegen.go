// Package capsulegen assembles the capsule generation engine: provider
// adapters, the retrying LLM client, the schema repair ladder, the job
// store, and the staged pipeline, all wired from one configuration value.
//
// Usage:
//
//	cfg, err := config.Load("capsulegen.yaml")
//	engine, err := capsulegen.New(cfg, sources, persister)
//	jobID, err := engine.Orchestrator.Start(ctx, subjectID)
//	go engine.Run(ctx)
package capsulegen

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capsulekit/capsulegen/config"
	"github.com/capsulekit/capsulegen/llm"
	"github.com/capsulekit/capsulegen/llm/providers"
	"github.com/capsulekit/capsulegen/llm/providers/anthropic"
	"github.com/capsulekit/capsulegen/llm/providers/gemini"
	"github.com/capsulekit/capsulegen/llm/providers/openai"
	"github.com/capsulekit/capsulegen/pipeline"
	"github.com/capsulekit/capsulegen/schema"
)

// Engine is the assembled generation system.
type Engine struct {
	Orchestrator *pipeline.Orchestrator
	Registry     *llm.Registry
	Store        *pipeline.GormStore
	Scheduler    pipeline.Scheduler
	Watchdog     *pipeline.Watchdog

	logger *zap.Logger
}

// Option customizes engine assembly.
type Option func(*settings)

type settings struct {
	logger   *zap.Logger
	hooks    llm.Hooks
	observer pipeline.Observer
}

// WithLogger sets a custom zap logger.
func WithLogger(l *zap.Logger) Option { return func(s *settings) { s.logger = l } }

// WithHooks attaches observability hooks to every LLM client.
func WithHooks(h llm.Hooks) Option { return func(s *settings) { s.hooks = h } }

// WithObserver attaches a pipeline metrics observer.
func WithObserver(o pipeline.Observer) Option { return func(s *settings) { s.observer = o } }

// New builds an Engine from configuration. sources and persister are the
// host application's integration points: where source material comes from
// and where finished capsules go.
func New(cfg *config.Config, sources pipeline.SourceProvider, persister pipeline.ContentPersister, opts ...Option) (*Engine, error) {
	s := &settings{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.hooks == nil {
		s.hooks = llm.NopHooks{}
	}

	registry, err := buildRegistry(cfg, s.logger)
	if err != nil {
		return nil, err
	}

	store, err := pipeline.OpenStore(cfg.StorePath, s.logger)
	if err != nil {
		return nil, err
	}

	clients := &clientSource{
		registry: registry,
		cfg:      cfg,
		hooks:    s.hooks,
		logger:   s.logger,
		rps:      cfg.Pipeline.RequestsPerSecond,
	}

	repairClient, _, rerr := clients.ClientFor(pipeline.FeatureRepair)
	if rerr != nil {
		// Repair falls back to deterministic-only when unconfigured.
		s.logger.Warn("repair feature not configured, ai repair disabled", zap.Error(rerr))
		repairClient = nil
	}
	repairer := schema.NewRepairer(repairClient, schema.DefaultRepairAttempts, s.logger)

	scheduler := buildScheduler(cfg, s.logger)

	orch := pipeline.NewOrchestrator(store, scheduler, clients, repairer, sources, persister, pipeline.Options{
		LessonsPerBatch: cfg.Pipeline.LessonsPerBatch,
		LessonAttempts:  cfg.Pipeline.LessonAttempts,
		Observer:        s.observer,
		Logger:          s.logger,
	})

	watchdog := pipeline.NewWatchdog(store, cfg.Pipeline.WatchdogInterval, cfg.Pipeline.StaleThreshold, s.logger)

	return &Engine{
		Orchestrator: orch,
		Registry:     registry,
		Store:        store,
		Scheduler:    scheduler,
		Watchdog:     watchdog,
		logger:       s.logger,
	}, nil
}

// Run starts the scheduler workers and the watchdog and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	go e.Watchdog.Run(ctx)
	return e.Scheduler.Start(ctx, e.Orchestrator.HandleTask)
}

func buildRegistry(cfg *config.Config, logger *zap.Logger) (*llm.Registry, error) {
	registry := llm.NewRegistry()
	for name, pc := range cfg.Providers {
		base := providers.BaseConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: pc.Timeout,
		}
		switch name {
		case "openai":
			registry.Register(openai.New(base, logger))
		case "anthropic":
			registry.Register(anthropic.New(base, logger))
		case "gemini":
			registry.Register(gemini.New(base, logger))
		default:
			return nil, fmt.Errorf("unknown provider %q in configuration", name)
		}
	}
	if len(registry.List()) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return registry, nil
}

func buildScheduler(cfg *config.Config, logger *zap.Logger) pipeline.Scheduler {
	if cfg.Redis.Addr == "" {
		return pipeline.NewMemoryScheduler(cfg.Pipeline.Workers, 0, logger)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return pipeline.NewRedisScheduler(client, cfg.Redis.QueueKey, cfg.Pipeline.Workers, logger)
}

// clientSource resolves feature keys to configured clients. Clients are
// built per call; they are cheap wrappers and the underlying adapters are
// shared through the registry.
type clientSource struct {
	registry *llm.Registry
	cfg      *config.Config
	hooks    llm.Hooks
	logger   *zap.Logger
	rps      float64
}

func (c *clientSource) ClientFor(feature string) (*llm.Client, string, error) {
	provider, model, err := c.resolve(feature)
	if err != nil {
		return nil, "", err
	}
	clientCfg := llm.DefaultClientConfig()
	if c.rps > 0 {
		clientCfg.RateLimit = rate.Limit(c.rps)
		clientCfg.RateBurst = 1
	}
	return llm.NewClient(provider, clientCfg, c.hooks, c.logger), model, nil
}

func (c *clientSource) ProviderFor(feature string) (llm.Provider, error) {
	provider, _, err := c.resolve(feature)
	return provider, err
}

func (c *clientSource) resolve(feature string) (llm.Provider, string, error) {
	mc, err := c.cfg.Resolve(feature)
	if err != nil {
		return nil, "", llm.NewError(llm.ErrCategoryConfig, err.Error()).WithCause(err)
	}
	provider, ok := c.registry.Get(mc.Provider)
	if !ok {
		return nil, "", llm.NewError(llm.ErrCategoryConfig,
			fmt.Sprintf("feature %s references unregistered provider %q", feature, mc.Provider))
	}
	return provider, mc.Model, nil
}
