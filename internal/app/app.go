package app

import (
	"context"
	"errors"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"listing-optimizer/internal/alerting"
	"listing-optimizer/internal/catalog"
	"listing-optimizer/internal/config"
	"listing-optimizer/internal/content"
	"listing-optimizer/internal/engine"
	"listing-optimizer/internal/experiment"
	"listing-optimizer/internal/metrics"
	"listing-optimizer/internal/pricing"
	"listing-optimizer/internal/promotion"
	"listing-optimizer/internal/scheduler"
	"listing-optimizer/internal/storage"
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

func (a *App) newCatalog() catalog.Catalog {
	return catalog.NewClient(catalog.ClientOptions{
		BaseURL:   a.Config.Catalog.BaseURL,
		APIKey:    a.Config.Catalog.APIKey,
		Timeout:   a.Config.Catalog.RequestTimeout,
		UserAgent: a.Config.Catalog.UserAgent,
	}, a.Logger)
}

func (a *App) newGateway() metrics.Gateway {
	client := metrics.NewClient(metrics.ClientOptions{
		BaseURL: a.Config.Metrics.BaseURL,
		APIKey:  a.Config.Metrics.APIKey,
		Timeout: a.Config.Metrics.RequestTimeout,
	}, a.Logger)
	return metrics.NewCachedGateway(client, a.Config.Metrics.CacheTTL)
}

func (a *App) newGenerator() content.Generator {
	if a.Config.Content.APIKey == "" {
		return nil
	}
	return content.NewOpenAIGenerator(content.OpenAIOptions{
		BaseURL: a.Config.Content.BaseURL,
		APIKey:  a.Config.Content.APIKey,
		Model:   a.Config.Content.Model,
		Timeout: a.Config.Content.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newPolicy() pricing.Policy {
	cfg := a.Config.Pricing
	return pricing.Policy{
		Bounds: pricing.Bounds{
			Min:       decimal.NewFromFloat(cfg.MinPrice),
			Max:       decimal.NewFromFloat(cfg.MaxPrice),
			MinFactor: decimal.NewFromFloat(cfg.MinAdjustmentFactor),
			MaxFactor: decimal.NewFromFloat(cfg.MaxAdjustmentFactor),
		},
		Thresholds: pricing.Thresholds{
			HighConversion: cfg.HighConversionThreshold,
			LowConversion:  cfg.LowConversionThreshold,
			HighViews:      cfg.HighViewThreshold,
		},
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
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

func (a *App) newController(store *storage.Store, cat catalog.Catalog, generator content.Generator) *experiment.Controller {
	if store == nil {
		return nil
	}
	return experiment.NewController(experiment.Options{
		MinTestViews:   a.Config.Experiment.MinTestViews,
		BatchSize:      a.Config.Experiment.BatchSize,
		TestDuration:   a.Config.Experiment.TestDuration,
		HighConversion: a.Config.Pricing.HighConversionThreshold,
	}, store, store, cat, generator, a.Logger)
}

func (a *App) newPromotions(store *storage.Store, cat catalog.Catalog) *promotion.Scheduler {
	var windows storage.PromotionStore
	if store != nil {
		windows = store
	}

	var rng *rand.Rand
	if seed := a.Config.Promotion.RandomSeed; seed != 0 {
		rng = rand.New(rand.NewSource(seed))
	}

	return promotion.NewScheduler(promotion.Options{
		FlashDiscountPct:   a.Config.Promotion.FlashDiscountPct,
		EventDiscountPct:   a.Config.Promotion.SpecialEventDiscountPct,
		FlashDurationHours: a.Config.Promotion.FlashDurationHours,
		MaxDuration:        a.Config.Promotion.MaxDuration,
	}, cat, windows, rng, a.Logger)
}

func (a *App) newEngine(store *storage.Store, cat catalog.Catalog, gateway metrics.Gateway, generator content.Generator, notifier alerting.Notifier) *engine.Engine {
	var actions storage.ActionStore
	if store != nil {
		actions = store
	}

	controller := a.newController(store, cat, generator)
	promotions := a.newPromotions(store, cat)

	return engine.New(engine.Options{
		MinTestViews:       a.Config.Experiment.MinTestViews,
		LowConversion:      a.Config.Pricing.LowConversionThreshold,
		HighConversion:     a.Config.Pricing.HighConversionThreshold,
		LookbackDays:       a.Config.Metrics.LookbackDays,
		FetchWorkers:       a.Config.Metrics.FetchWorkers,
		FlashDiscountPct:   a.Config.Promotion.FlashDiscountPct,
		FlashDurationHours: a.Config.Promotion.FlashDurationHours,
	}, cat, gateway, a.newPolicy(), controller, promotions, generator, actions, notifier, a.Logger)
}

// Run executes the long-running optimization service: three cadence
// schedulers plus the experiment conclusion worker.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; experiments, promotions, and audit log disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	cat := a.newCatalog()
	gateway := a.newGateway()
	generator := a.newGenerator()
	notifier := a.newNotifier()
	if generator == nil {
		a.Logger.Warn().Msg("content.api_key not configured; content generation disabled")
	}

	eng := a.newEngine(store, cat, gateway, generator, notifier)

	schedCfg := a.Config.Scheduler
	hourly := scheduler.New(scheduler.Options{
		Name:         "hourly",
		Interval:     schedCfg.HourlyInterval,
		AlignToStart: schedCfg.AlignToBucket,
		StartupDelay: schedCfg.StartupDelay,
	}, a.Logger)
	daily := scheduler.New(scheduler.Options{
		Name:         "daily",
		Interval:     schedCfg.DailyInterval,
		AlignToStart: schedCfg.AlignToBucket,
		StartupDelay: schedCfg.StartupDelay,
	}, a.Logger)
	weekly := scheduler.New(scheduler.Options{
		Name:         "weekly",
		Interval:     schedCfg.WeeklyInterval,
		AlignToStart: schedCfg.AlignToBucket,
		StartupDelay: schedCfg.StartupDelay,
	}, a.Logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return hourly.Run(groupCtx, func(ctx context.Context, bucket time.Time) error {
			eng.RunHourly(ctx, bucket)
			return nil
		})
	})
	group.Go(func() error {
		return daily.Run(groupCtx, func(ctx context.Context, bucket time.Time) error {
			eng.RunDaily(ctx, bucket)
			return nil
		})
	})
	group.Go(func() error {
		return weekly.Run(groupCtx, func(ctx context.Context, bucket time.Time) error {
			eng.RunWeekly(ctx, bucket)
			return nil
		})
	})

	if store != nil {
		controller := a.newController(store, cat, generator)
		worker := experiment.NewWorker(experiment.WorkerOptions{
			PollInterval: a.Config.Experiment.WorkerPoll,
			LockKey:      a.Config.Experiment.WorkerLockKey,
		}, controller, store, store, a.Logger)
		group.Go(func() error {
			return worker.Run(groupCtx)
		})
	}

	a.Logger.Info().Msg("starting optimization service")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("optimization service stopped")
	return nil
}

// ExportOptions hold parameters for exporting the action history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure a one-off pricing decision.
type SimulateOptions struct {
	Price          decimal.Decimal
	ConversionRate float64
	ViewsLastHour  int
	Notify         bool
}
