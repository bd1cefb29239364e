// Package app wires configuration, persistence and providers into the components the
// binaries serve.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"cardflow/internal/archive"
	"cardflow/internal/background"
	"cardflow/internal/cards"
	"cardflow/internal/config"
	"cardflow/internal/contextbuild"
	"cardflow/internal/executor"
	"cardflow/internal/jobs"
	"cardflow/internal/llm"
	"cardflow/internal/mail"
	"cardflow/internal/models"
	"cardflow/internal/orchestrator"
	"cardflow/internal/planner"
	"cardflow/internal/ratelimit"
	"cardflow/internal/research"
	"cardflow/internal/scheduler"
	"cardflow/internal/store"
)

// Backend is the whole persistence surface. *store.Store and *store.Memory both satisfy it.
type Backend interface {
	orchestrator.Store
	executor.CardStore
	executor.CRM
	jobs.Store
	scheduler.Store
	cards.Repository
	contextbuild.Store
	background.ReflectionStore
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*store.Memory)(nil)
)

// App holds the wired components.
type App struct {
	Config       config.Config
	Store        Backend
	Orchestrator *orchestrator.Orchestrator
	Executor     *executor.Executor
	Jobs         *jobs.Runner
	Scheduler    *scheduler.Scheduler
	Cards        *cards.Manager
	Background   background.Enqueuer
	// Queue and Worker are nil when no Redis client was given.
	Queue   *background.RedisQueue
	Worker  *background.Worker
	Limiter *ratelimit.TokenBucket
	Logger  *slog.Logger

	closers []func()
}

// Open connects to Postgres and Redis from cfg, runs migrations and wires the app.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	a, err := New(ctx, cfg, st, rdb, logger)
	if err != nil {
		_ = rdb.Close()
		st.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() }, st.Close)
	return a, nil
}

// New wires the components over an existing backend. A nil rdb runs background tasks
// inline and disables rate limiting.
func New(ctx context.Context, cfg config.Config, backend Backend, rdb *redis.Client, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Store: backend, Logger: logger}

	var llmClient llm.Client
	if c, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey, llm.Options{Model: cfg.AnthropicModel}); err == nil {
		llmClient = c
	} else if !errors.Is(err, llm.ErrAPIKeyRequired) {
		return nil, err
	} else {
		logger.Warn("no LLM configured; planning returns empty plans and replies cannot be generated")
	}

	uploader, err := archive.New(ctx, archive.Options{
		Dir:         cfg.ResearchOutputDir,
		S3Bucket:    cfg.ResearchS3Bucket,
		S3Region:    cfg.ResearchS3Region,
		S3Endpoint:  cfg.ResearchS3Endpoint,
		S3PathStyle: cfg.ResearchS3PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("research archive: %w", err)
	}

	deps := executor.Deps{
		Store:           backend,
		From:            cfg.MailFrom,
		LLM:             llmClient,
		Pages:           research.NewPageReader(15 * time.Second),
		Archive:         uploader,
		HTTP:            &http.Client{Timeout: 10 * time.Second},
		Logger:          logger,
		CallWindow:      cfg.CallTaskWindow,
		DealProbability: cfg.DealProbability,
	}
	if s := mail.NewResendClient(cfg.ResendAPIKey, mail.ResendOptions{From: cfg.MailFrom, ReplyTo: cfg.MailReplyTo}); s != nil {
		deps.Mail = s
	} else {
		logger.Warn("no mail provider configured; emails are simulated")
	}
	if s := research.NewTavilyClient(cfg.TavilyAPIKey, ""); s != nil {
		deps.Search = s
	}
	if e := research.NewHunterClient(cfg.HunterAPIKey, ""); e != nil {
		deps.Enricher = e
	}

	a.Executor = executor.New(backend, logger)
	executor.RegisterDefaults(a.Executor, deps)
	a.Scheduler = scheduler.New(backend, logger)
	a.Jobs = jobs.NewRunner(backend, nil, logger)
	a.Cards = cards.NewManager(backend, logger)

	if rdb != nil {
		a.Queue = background.NewRedisQueueWithClient(rdb, cfg)
		a.Worker = background.NewWorker(a.Queue, cfg, logger)
		a.Worker.RegisterHandler(background.KindReflection, background.ReflectionHandler(backend))
		a.Background = a.Queue
		a.Limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	} else {
		inline := background.NewInline(logger)
		inline.RegisterHandler(background.KindReflection, background.ReflectionHandler(backend))
		a.Background = inline
	}

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Store:      backend,
		Scheduler:  a.Scheduler,
		Executor:   a.Executor,
		Jobs:       a.Jobs,
		Context: contextbuild.NewStoreBuilder(backend, contextbuild.Options{
			RecencyWindow: cfg.RecencyWindow,
			MaxClients:    cfg.MaxContextClients,
			MaxMemories:   cfg.MaxContextMemories,
		}),
		Planner:    planner.NewLLMPlanner(llmClient, logger),
		Background: a.Background,
	}, orchestrator.Options{
		ExecuteDelay:      cfg.ExecuteDelay,
		MaxActions:        cfg.MaxPlanActions,
		MinRuleImportance: cfg.MinRuleImportance,
	}, logger)
	return a, nil
}

// Close releases connections opened by Open.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// RunLoop runs a work block for every tenant each interval until ctx is cancelled.
func (a *App) RunLoop(ctx context.Context, tenants []string, interval time.Duration) error {
	if len(tenants) == 0 {
		a.Logger.Warn("no tenants configured; work block loop idle")
		<-ctx.Done()
		return ctx.Err()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, tenant := range tenants {
			if _, err := a.Orchestrator.RunWorkBlock(ctx, tenant); err != nil {
				a.Logger.Error("work block failed", "tenant", tenant, "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
