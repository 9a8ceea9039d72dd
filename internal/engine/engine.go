package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"listing-optimizer/internal/alerting"
	"listing-optimizer/internal/catalog"
	"listing-optimizer/internal/content"
	"listing-optimizer/internal/experiment"
	"listing-optimizer/internal/metrics"
	"listing-optimizer/internal/pricing"
	"listing-optimizer/internal/promotion"
	"listing-optimizer/internal/storage"
)

const (
	contentRefreshCap   = 3
	weeklyRefreshCap    = 2
	promotionChangeCap  = 3
	staleListingAge     = 30 * 24 * time.Hour
	highDemandViews7d   = 500
	underPerformerMin7d = 100
	underPerformerMax7d = 300
)

// Options tune the orchestrator.
type Options struct {
	MinTestViews       int
	LowConversion      float64
	HighConversion     float64
	LookbackDays       int
	FetchWorkers       int
	FlashDiscountPct   float64
	FlashDurationHours int
}

// Engine runs the optimization cadences: it folds the pricing policy, the
// experiment controller, and the promotion scheduler over the current
// listing set and returns the audit trail of every run.
type Engine struct {
	opts        Options
	cat         catalog.Catalog
	gateway     metrics.Gateway
	policy      pricing.Policy
	experiments *experiment.Controller
	promotions  *promotion.Scheduler
	generator   content.Generator
	actions     storage.ActionStore
	notifier    alerting.Notifier
	logger      zerolog.Logger
	now         func() time.Time
}

// New constructs the engine. actions, notifier, and generator may be nil.
func New(opts Options, cat catalog.Catalog, gateway metrics.Gateway, policy pricing.Policy, experiments *experiment.Controller, promotions *promotion.Scheduler, generator content.Generator, actions storage.ActionStore, notifier alerting.Notifier, logger zerolog.Logger) *Engine {
	if opts.MinTestViews <= 0 {
		opts.MinTestViews = 100
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 30
	}
	if opts.FetchWorkers <= 0 {
		opts.FetchWorkers = 4
	}
	return &Engine{
		opts:        opts,
		cat:         cat,
		gateway:     gateway,
		policy:      policy,
		experiments: experiments,
		promotions:  promotions,
		generator:   generator,
		actions:     actions,
		notifier:    notifier,
		logger:      logger.With().Str("component", "engine").Logger(),
		now:         time.Now,
	}
}

// RunHourly applies the hourly pricing policy to every listing.
func (e *Engine) RunHourly(ctx context.Context, bucket time.Time) []storage.ActionRecord {
	return e.run(ctx, "hourly", bucket, e.hourly)
}

// RunDaily advances experiments, refreshes low-performer content, and
// applies long-term elasticity pricing.
func (e *Engine) RunDaily(ctx context.Context, bucket time.Time) []storage.ActionRecord {
	return e.run(ctx, "daily", bucket, e.daily)
}

// RunWeekly refreshes stale content, rebalances promotions, and schedules
// flash/event discounts. Always emits a summary notification.
func (e *Engine) RunWeekly(ctx context.Context, bucket time.Time) []storage.ActionRecord {
	actions := e.run(ctx, "weekly", bucket, e.weekly)
	e.notify(ctx, alerting.Notification{
		Type:    "summary",
		Subject: "Weekly optimization run",
		Cadence: "weekly",
		Bucket:  bucket,
		Actions: actions,
	})
	return actions
}

type cadenceFunc func(ctx context.Context, bucket time.Time) ([]storage.ActionRecord, error)

// run is the cadence error boundary: failures never propagate to the
// scheduler, they become an empty action list plus an error notification.
func (e *Engine) run(ctx context.Context, cadence string, bucket time.Time, fn cadenceFunc) (actions []storage.ActionRecord) {
	logger := e.logger.With().Str("cadence", cadence).Time("bucket", bucket).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("cadence panicked")
			e.notify(ctx, alerting.Notification{
				Type:    "error",
				Subject: fmt.Sprintf("%s cadence panicked", cadence),
				Message: fmt.Sprint(r),
				Cadence: cadence,
				Bucket:  bucket,
			})
			actions = nil
		}
	}()

	actions, err := fn(ctx, bucket)
	if err != nil {
		logger.Error().Err(err).Msg("cadence failed")
		e.notify(ctx, alerting.Notification{
			Type:    "error",
			Subject: fmt.Sprintf("%s cadence failed", cadence),
			Message: err.Error(),
			Cadence: cadence,
			Bucket:  bucket,
		})
		return nil
	}

	logger.Info().Int("actions", len(actions)).Msg("cadence complete")
	return actions
}

func (e *Engine) hourly(ctx context.Context, _ time.Time) ([]storage.ActionRecord, error) {
	listings, err := e.cat.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch listings: %w", err)
	}

	actions := make([]storage.ActionRecord, 0)
	for _, listing := range listings {
		decision := e.policy.Decide(listing)
		if decision == nil {
			continue
		}

		if err := e.cat.SetPrice(ctx, listing.ID, decision.NewPrice); err != nil {
			e.logger.Error().Err(err).Str("listing_id", listing.ID).Msg("price mutation failed; skipping listing")
			continue
		}

		actionType := storage.ActionPriceIncrease
		if decision.Direction == pricing.DirectionDecrease {
			actionType = storage.ActionPriceDecrease
		}
		actions = e.record(ctx, actions, storage.ActionRecord{
			Type:      actionType,
			ListingID: listing.ID,
			Before:    decision.OldPrice.String(),
			After:     decision.NewPrice.String(),
		})
	}
	return actions, nil
}

// record persists an audit entry best-effort and appends it to the run's
// action list. The returned slice always reflects what actually happened.
func (e *Engine) record(ctx context.Context, actions []storage.ActionRecord, rec storage.ActionRecord) []storage.ActionRecord {
	rec.CreatedAt = e.now().UTC()
	if e.actions != nil {
		stored, err := e.actions.InsertAction(ctx, rec)
		if err != nil {
			e.logger.Error().Err(err).Str("type", rec.Type).Str("listing_id", rec.ListingID).Msg("failed to persist action record")
		} else {
			rec = stored
		}
	}
	return append(actions, rec)
}

func (e *Engine) notify(ctx context.Context, note alerting.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, note); err != nil {
		e.logger.Error().Err(err).Str("type", note.Type).Msg("failed to dispatch notification")
	}
}
