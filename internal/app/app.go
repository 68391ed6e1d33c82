package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"NewsPipeline/internal/config"
	"NewsPipeline/internal/domain"
	"NewsPipeline/internal/infrastructure/llm"
	"NewsPipeline/internal/infrastructure/monitoring"
	"NewsPipeline/internal/infrastructure/parser"
	"NewsPipeline/internal/infrastructure/scheduler"
	"NewsPipeline/internal/infrastructure/storage"
	"NewsPipeline/internal/infrastructure/telegram"
	"NewsPipeline/internal/logging"
	"NewsPipeline/internal/metrics"
	"NewsPipeline/internal/ports"
	"NewsPipeline/internal/scanner"
	"NewsPipeline/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *storage.Store
	queue     *storage.TaskQueue
	metrics   *metrics.Metrics
	scheduler *usecase.Scheduler
	workers   *usecase.WorkerPool
	triggers  *usecase.Triggers
	registry  *usecase.RegistrySync
	monitor   *monitoring.Server
	closers   []io.Closer
}

// New opens storage and builds every adapter and use case.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a := &Application{cfg: cfg, logger: baseLogger, store: store, metrics: metrics.New()}
	a.closers = append(a.closers, store)

	p := cfg.Pipeline
	a.queue = storage.NewTaskQueue(store, storage.QueueConfig{
		VisibilityTimeout: p.VisibilityTimeout,
		MaxDeliveries:     p.MaxDeliveries,
	}, logging.Component(baseLogger, "queue"))

	registry := scanner.NewRegistry()
	channels := parser.NewChannelScanner(nil, cfg.Telegram.PreviewBase)
	registry.Register(parser.NewWebScanner(nil, logging.Component(baseLogger, "scanner.web")))
	registry.Register(channels)
	source := parser.NewStrategySource(registry, p.FetchLimit, logging.Component(baseLogger, "source"))

	generator, err := a.newGenerator(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "" {
		baseLogger.Warn("telegram bot token or chat id missing, publishing will fail")
	}
	publisher := telegram.NewPublisher(cfg.Telegram, channels)

	owner := workerOwner()
	settings := Settings(p)
	settings.Filter = FilterPolicy(cfg.Filter)
	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Registry:  store,
		Health:    store,
		Fetcher:   source,
		Items:     store,
		Posts:     store,
		Leases:    store,
		Queue:     a.queue,
		Generator: generator,
		Publisher: publisher,
		Metrics:   a.metrics,
		Logger:    logging.Component(baseLogger, "pipeline"),
		Settings:  settings,
		Owner:     owner,
	})

	reconciler := usecase.NewReconciler(store, store, a.queue, settings, logging.Component(baseLogger, "reconciler"))
	a.scheduler = usecase.NewScheduler(
		scheduler.NewTickerScheduler(p.TickInterval),
		store, a.queue, reconciler, a.metrics, p.DefaultPollInterval,
		logging.Component(baseLogger, "scheduler"),
	)
	a.workers = usecase.NewWorkerPool(a.queue, pipeline, p.Workers, p.ClaimInterval, owner, a.metrics, logging.Component(baseLogger, "workers"))
	a.triggers = usecase.NewTriggers(usecase.TriggerDeps{
		Items:   store,
		Posts:   store,
		Queue:   a.queue,
		Counter: store,
		Pending: a.queue,
		Logger:  logging.Component(baseLogger, "triggers"),
	})
	a.registry = usecase.NewRegistrySync(store, logging.Component(baseLogger, "registry"))

	if cfg.Monitoring.Addr != "" {
		a.monitor = monitoring.New(a.metrics, a.queue, 3*p.TickInterval, logging.Component(baseLogger, "monitoring"))
	}
	return a, nil
}

func (a *Application) newGenerator(ctx context.Context) (ports.Generator, error) {
	provider := a.cfg.Generator.Provider
	if provider == "" {
		switch {
		case a.cfg.Gemini.APIKey != "":
			provider = config.ProviderGemini
		case a.cfg.ChatGPT.APIKey != "":
			provider = config.ProviderChatGPT
		}
	}

	switch provider {
	case config.ProviderGemini:
		if a.cfg.Gemini.APIKey == "" {
			break
		}
		client, err := llm.NewGeminiClient(ctx, a.cfg.Gemini, a.cfg.Generator)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		a.closers = append(a.closers, client)
		a.logger.Info("generator selected", "provider", provider, "model", a.cfg.Gemini.Model)
		return client, nil
	case config.ProviderChatGPT:
		if a.cfg.ChatGPT.APIKey == "" {
			break
		}
		a.logger.Info("generator selected", "provider", provider, "model", a.cfg.ChatGPT.Model)
		return llm.NewChatGPTClient(a.cfg.ChatGPT, a.cfg.Generator), nil
	}

	a.logger.Warn("no generation provider key configured, accepted items will fail generation", "provider", provider)
	return llm.Unavailable{}, nil
}

// Settings maps pipeline configuration onto use case settings.
func Settings(p config.PipelineConfig) usecase.Settings {
	return usecase.Settings{
		FetchTimeout:        p.FetchTimeout,
		GenerateTimeout:     p.GenerateTimeout,
		PublishTimeout:      p.PublishTimeout,
		LeaseTTL:            p.LeaseTTL,
		DedupeWindow:        p.DedupeWindow,
		UnhealthyThreshold:  p.UnhealthyThreshold,
		AutoPublish:         p.AutoPublish,
		PublishDelay:        p.PublishDelay,
		Generate:            retryPolicy(p.Generate),
		Publish:             retryPolicy(p.Publish),
		DefaultPollInterval: p.DefaultPollInterval,
		NewItemGrace:        p.NewItemGrace,
		StaleAfter:          p.StaleAfter,
		PublishBatch:        p.PublishBatch,
		SweepLimit:          max(p.FetchLimit, p.PublishBatch),
	}
}

// FilterPolicy maps the screening configuration onto the filter policy.
func FilterPolicy(f config.FilterConfig) usecase.FilterPolicy {
	return usecase.FilterPolicy{
		Language:       strings.ToLower(strings.TrimSpace(f.Language)),
		IncludeSources: f.IncludeSources,
		ExcludeSources: f.ExcludeSources,
	}
}

func retryPolicy(r config.RetryConfig) usecase.RetryPolicy {
	return usecase.RetryPolicy{MaxAttempts: r.MaxAttempts, Base: r.Base, Multiplier: r.Multiplier, Cap: r.Cap}
}

// Sources converts configured definitions into registry sources.
func Sources(defs []config.SourceConfig) []domain.Source {
	sources := make([]domain.Source, 0, len(defs))
	for _, def := range defs {
		sources = append(sources, domain.Source{
			Name:         def.Name,
			Type:         domain.SourceType(strings.ToLower(strings.TrimSpace(def.Type))),
			Address:      def.Address,
			Enabled:      def.IsEnabled(),
			PollInterval: def.PollInterval,
			Options:      def.Options,
		})
	}
	return sources
}

func workerOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Sync seeds sources and keywords from the configuration.
func (a *Application) Sync(ctx context.Context) (usecase.SyncReport, error) {
	return a.registry.Sync(ctx, Sources(a.cfg.Sources), a.cfg.Keywords)
}

// Run starts the scheduler, the worker pool and the monitoring server, and
// blocks until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if len(a.cfg.Sources) > 0 || len(a.cfg.Keywords) > 0 {
		report, err := a.Sync(ctx)
		if err != nil {
			return fmt.Errorf("sync registry: %w", err)
		}
		a.logger.Info("registry synced", "sources", len(report.Upserted), "skipped", len(report.Skipped), "keywords", report.Keywords)
	}

	g, ctx := errgroup.WithContext(ctx)

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return a.scheduler.Stop(stopCtx)
	})

	g.Go(func() error {
		return a.workers.Run(ctx)
	})

	if a.monitor != nil {
		g.Go(func() error {
			return a.monitor.ListenAndServe(ctx, a.cfg.Monitoring.Addr)
		})
	}

	a.logger.Info("pipeline running", "workers", a.cfg.Pipeline.Workers, "tick", a.cfg.Pipeline.TickInterval)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Once runs one scheduler tick and processes every task that is available.
func (a *Application) Once(ctx context.Context) (int, error) {
	if err := a.scheduler.Tick(ctx, time.Now().UTC()); err != nil {
		a.logger.Warn("tick finished with errors", "error", err)
	}
	return a.workers.Drain(ctx)
}

// GenerateNow queues generation for an item regardless of its filter outcome.
func (a *Application) GenerateNow(ctx context.Context, itemID string) error {
	return a.triggers.GenerateNow(ctx, itemID)
}

// PublishNow queues publication of an existing post.
func (a *Application) PublishNow(ctx context.Context, postID string) error {
	return a.triggers.PublishNow(ctx, postID)
}

// PublishText queues a post that has no source item.
func (a *Application) PublishText(ctx context.Context, title, body string) (domain.Post, error) {
	return a.triggers.PublishText(ctx, title, body)
}

// Status reports counts and records needing attention.
func (a *Application) Status(ctx context.Context) (usecase.StatusReport, error) {
	return a.triggers.Status(ctx)
}

// Metrics exposes the in-process counters.
func (a *Application) Metrics() metrics.Snapshot {
	return a.metrics.Snapshot()
}

// Close releases clients and the database in reverse order of creation.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
