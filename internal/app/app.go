package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"price-radar/internal/alerting"
	"price-radar/internal/config"
	"price-radar/internal/fetcher"
	"price-radar/internal/ingest"
	"price-radar/internal/pipeline"
	"price-radar/internal/retry"
	"price-radar/internal/scheduler"
	"price-radar/internal/service"
	"price-radar/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSearchFetcher() fetcher.SearchFetcher {
	return fetcher.NewShopping(fetcher.ShoppingOptions{
		APIKey:       a.Config.Search.APIKey,
		BaseURL:      a.Config.Search.BaseURL,
		Engine:       a.Config.Search.Engine,
		Location:     a.Config.Search.Location,
		GoogleDomain: a.Config.Search.GoogleDomain,
		Country:      a.Config.Search.Country,
		Language:     a.Config.Search.Language,
		Timeout:      a.Config.Search.RequestTimeout,
		UserAgent:    a.Config.Search.UserAgent,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) retryConfig() retry.Config {
	return retry.Config{
		MaxRetries: a.Config.Retry.MaxRetries,
		BaseDelay:  a.Config.Retry.BaseDelay,
		MaxDelay:   a.Config.Retry.MaxDelay,
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newService wires a full update service over an open store.
func (a *App) newService(store *storage.Store, sched *scheduler.Scheduler) *service.Service {
	ingester := ingest.New(store, store, a.newSearchFetcher(), a.retryConfig(), a.Logger)
	orch := pipeline.NewOrchestrator(a.newStages(store), a.Config.Retry, a.Logger)
	return service.New(a.Config, sched, ingester, orch, store, store, a.newNotifier(), a.Logger)
}

func (a *App) newStages(store *storage.Store) []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.NewNormalizer(store, store, store, store, store, a.Logger),
		pipeline.NewDetector(store, store, a.Config.Anomaly, a.Logger),
		pipeline.NewScorer(store, store, a.Config.Hotness, a.Config.Anomaly, a.Logger),
		pipeline.NewMaterializer(store, store, a.Logger),
	}
}

// Run executes the long-running update service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval(),
		AlignToHour:  true,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := a.newService(store, sched)

	a.Logger.Info().
		Int("interval_hours", a.Config.Scheduler.UpdateIntervalHours).
		Msg("starting update service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("update service stopped")
	return nil
}

// Once executes a single ingest-and-process cycle and returns an error when
// any part of the cycle failed.
func (a *App) Once(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := a.newService(store, nil)
	result, err := svc.RunOnce(ctx)
	if err != nil {
		return err
	}
	return result.Err()
}

// Process runs the pipeline stages over already-ingested raw responses.
func (a *App) Process(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := a.newService(store, nil)
	return svc.ProcessOnly(ctx).Err()
}

// ShowOptions configure the show command.
type ShowOptions struct {
	OEM      string
	Model    string
	Retailer string
	HotOnly  bool
	ByPrice  bool
	Limit    int
}

// ExportOptions hold parameters for exporting a variant's price history.
type ExportOptions struct {
	OEM       string
	Model     string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
