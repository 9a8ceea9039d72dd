package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"listing-optimizer/internal/catalog"
	"listing-optimizer/internal/promotion"
	"listing-optimizer/internal/storage"
)

func (e *Engine) weekly(ctx context.Context, bucket time.Time) ([]storage.ActionRecord, error) {
	listings, err := e.cat.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch listings: %w", err)
	}

	perf := e.fetchPerformance(ctx, listings)

	actions := make([]storage.ActionRecord, 0)
	actions = e.refreshStale(ctx, bucket, listings, actions)
	actions = e.rebalancePromotions(ctx, listings, perf, actions)
	actions = e.schedulePromotions(ctx, listings, actions)
	return actions, nil
}

// fetchPerformance loads fresh metrics for every listing. One bulk
// analytics read serves most listings; gaps and bulk failure fall back to
// parallel per-listing reads, and failed reads fall back to snapshot values.
func (e *Engine) fetchPerformance(ctx context.Context, listings []catalog.Listing) map[string]catalog.Performance {
	perf := make(map[string]catalog.Performance, len(listings))

	analytics, err := e.gateway.FetchDetailedAnalytics(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("detailed analytics fetch failed; falling back to per-listing reads")
	} else {
		for _, p := range analytics.Performance {
			perf[p.ListingID] = p
		}
	}

	missing := make([]catalog.Listing, 0)
	for _, listing := range listings {
		if _, ok := perf[listing.ID]; !ok {
			missing = append(missing, listing)
		}
	}
	if len(missing) == 0 {
		return perf
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.opts.FetchWorkers)

	for _, listing := range missing {
		listing := listing
		group.Go(func() error {
			p, err := e.cat.FetchPerformance(groupCtx, listing.ID)
			if err != nil {
				e.logger.Warn().Err(err).Str("listing_id", listing.ID).Msg("performance fetch failed; using snapshot values")
				p = catalog.Performance{
					ListingID:      listing.ID,
					ViewsLastHour:  listing.ViewsLastHour,
					Views7d:        listing.Views7d,
					TotalViews:     listing.TotalViews,
					ConversionRate: listing.ConversionRate,
				}
			}
			mu.Lock()
			perf[listing.ID] = p
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return perf
}

// refreshStale rewrites the two oldest listings past the staleness age.
func (e *Engine) refreshStale(ctx context.Context, bucket time.Time, listings []catalog.Listing, actions []storage.ActionRecord) []storage.ActionRecord {
	if e.generator == nil {
		return actions
	}

	stale := make([]catalog.Listing, 0)
	for _, listing := range listings {
		if listing.CreatedAt.IsZero() {
			continue
		}
		if bucket.Sub(listing.CreatedAt) > staleListingAge {
			stale = append(stale, listing)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if len(stale) > weeklyRefreshCap {
		stale = stale[:weeklyRefreshCap]
	}

	for _, listing := range stale {
		rewrite, err := e.generator.Rewrite(ctx, listing.Title, listing.Description)
		if err != nil {
			e.logger.Error().Err(err).Str("listing_id", listing.ID).Msg("content rewrite failed; skipping listing")
			continue
		}

		fields := catalog.Fields{Title: &rewrite.Title, Description: &rewrite.Description}
		if err := e.cat.UpdateFields(ctx, listing.ID, fields); err != nil {
			e.logger.Error().Err(err).Str("listing_id", listing.ID).Msg("content mutation failed; skipping listing")
			continue
		}

		actions = e.record(ctx, actions, storage.ActionRecord{
			Type:      storage.ActionRefreshContent,
			ListingID: listing.ID,
			Before:    listing.Title,
			After:     rewrite.Title,
		})
	}
	return actions
}

// rebalancePromotions pulls discounts off listings that sell fine without
// them, and discounts listings that get traffic but no sales.
func (e *Engine) rebalancePromotions(ctx context.Context, listings []catalog.Listing, perf map[string]catalog.Performance, actions []storage.ActionRecord) []storage.ActionRecord {
	if e.promotions == nil {
		return actions
	}

	removed := 0
	applied := 0
	for _, listing := range listings {
		p, ok := perf[listing.ID]
		if !ok {
			continue
		}

		if removed < promotionChangeCap && listing.OnPromotion &&
			p.Views7d > highDemandViews7d && p.ConversionRate > e.opts.HighConversion {
			record, err := e.promotions.Remove(ctx, listing)
			if err != nil {
				e.logger.Error().Err(err).Str("listing_id", listing.ID).Msg("promotion removal failed; skipping listing")
				continue
			}
			if record != nil {
				actions = e.record(ctx, actions, *record)
				removed++
			}
			continue
		}

		if applied < promotionChangeCap && !listing.OnPromotion &&
			p.Views7d > underPerformerMin7d && p.Views7d < underPerformerMax7d &&
			p.ConversionRate < e.opts.LowConversion {
			record, err := e.promotions.Apply(ctx, listing, e.opts.FlashDiscountPct, e.opts.FlashDurationHours)
			if err != nil {
				e.logger.Error().Err(err).Str("listing_id", listing.ID).Msg("promotion application failed; skipping listing")
				continue
			}
			if record != nil {
				actions = e.record(ctx, actions, *record)
				applied++
			}
		}
	}
	return actions
}

// schedulePromotions books flash discounts into the quietest weekly slots
// and event discounts for upcoming calendar occasions.
func (e *Engine) schedulePromotions(ctx context.Context, listings []catalog.Listing, actions []storage.ActionRecord) []storage.ActionRecord {
	if e.promotions == nil {
		return actions
	}

	series, err := e.gateway.FetchHourlySeries(ctx, "", e.opts.LookbackDays)
	if err != nil {
		e.logger.Error().Err(err).Msg("hourly series fetch failed; skipping flash scheduling")
	} else {
		windows := promotion.FindLowActivityWindows(series)
		for _, record := range e.promotions.ScheduleFlash(ctx, windows, listings) {
			actions = e.record(ctx, actions, record)
		}
	}

	events := promotion.UpcomingEvents(e.now().UTC())
	if len(events) > 0 {
		for _, record := range e.promotions.ScheduleEvents(ctx, events, listings) {
			actions = e.record(ctx, actions, record)
		}
	}
	return actions
}
