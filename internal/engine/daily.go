package engine

import (
	"context"
	"fmt"
	"time"

	"listing-optimizer/internal/catalog"
	"listing-optimizer/internal/pricing"
	"listing-optimizer/internal/storage"
)

func (e *Engine) daily(ctx context.Context, bucket time.Time) ([]storage.ActionRecord, error) {
	listings, err := e.cat.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch listings: %w", err)
	}

	actions := make([]storage.ActionRecord, 0)
	actions = e.advanceExperiments(ctx, listings, actions)
	actions = e.refreshLowPerformers(ctx, listings, actions)
	actions = e.longTermPricing(ctx, bucket, listings, actions)
	return actions, nil
}

func (e *Engine) advanceExperiments(ctx context.Context, listings []catalog.Listing, actions []storage.ActionRecord) []storage.ActionRecord {
	if e.experiments == nil {
		return actions
	}

	for _, listing := range e.experiments.SelectCandidates(listings) {
		if err := e.experiments.SeedVariants(ctx, listing, 3); err != nil {
			e.logger.Warn().Err(err).Str("listing_id", listing.ID).Msg("variant seeding failed")
		}

		record, err := e.experiments.Advance(ctx, listing)
		if err != nil {
			e.logger.Error().Err(err).Str("listing_id", listing.ID).Msg("experiment advance failed; skipping listing")
			continue
		}
		if record != nil {
			actions = e.record(ctx, actions, *record)
		}
	}
	return actions
}

func (e *Engine) refreshLowPerformers(ctx context.Context, listings []catalog.Listing, actions []storage.ActionRecord) []storage.ActionRecord {
	if e.generator == nil {
		return actions
	}

	refreshed := 0
	for _, listing := range listings {
		if refreshed == contentRefreshCap {
			break
		}
		if listing.ExperimentRunning {
			continue
		}
		if listing.TotalViews <= 2*e.opts.MinTestViews {
			continue
		}
		if listing.ConversionRate >= e.opts.LowConversion {
			continue
		}

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
			Type:      storage.ActionImproveContent,
			ListingID: listing.ID,
			Before:    listing.Title,
			After:     rewrite.Title,
		})
		refreshed++
	}
	return actions
}

func (e *Engine) longTermPricing(ctx context.Context, bucket time.Time, listings []catalog.Listing, actions []storage.ActionRecord) []storage.ActionRecord {
	recentlyPriced := e.recentlyPricedSet(ctx, bucket)

	for _, listing := range listings {
		if listing.ExperimentRunning {
			continue
		}
		if listing.TotalViews <= 3*e.opts.MinTestViews {
			continue
		}
		if recentlyPriced[listing.ID] {
			continue
		}

		elasticity, err := e.gateway.FetchElasticity(ctx, listing.ID)
		if err != nil {
			// Missing elasticity is expected for young listings; not an error.
			e.logger.Debug().Err(err).Str("listing_id", listing.ID).Msg("no elasticity estimate")
			continue
		}

		decision := e.policy.DecideLongTerm(listing, elasticity)
		if decision == nil {
			continue
		}

		if err := e.cat.SetPrice(ctx, listing.ID, decision.NewPrice); err != nil {
			e.logger.Error().Err(err).Str("listing_id", listing.ID).Msg("price mutation failed; skipping listing")
			continue
		}

		actionType := storage.ActionPriceUpElasticity
		if decision.Direction == pricing.DirectionDecrease {
			actionType = storage.ActionPriceDownElasticity
		}
		actions = e.record(ctx, actions, storage.ActionRecord{
			Type:      actionType,
			ListingID: listing.ID,
			Before:    decision.OldPrice.String(),
			After:     decision.NewPrice.String(),
		})
	}
	return actions
}

var priceActionTypes = map[string]bool{
	storage.ActionPriceIncrease:       true,
	storage.ActionPriceDecrease:       true,
	storage.ActionPriceUpElasticity:   true,
	storage.ActionPriceDownElasticity: true,
}

// recentlyPricedSet returns listings whose price moved within the last day,
// so the long-term rule does not stack on a fresh hourly adjustment.
func (e *Engine) recentlyPricedSet(ctx context.Context, bucket time.Time) map[string]bool {
	recent := make(map[string]bool)
	if e.actions == nil {
		return recent
	}

	records, err := e.actions.ListActionsBetween(ctx, bucket.Add(-24*time.Hour), bucket.Add(time.Hour))
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to load recent actions; price-change guard disabled for this run")
		return recent
	}
	for _, rec := range records {
		if priceActionTypes[rec.Type] {
			recent[rec.ListingID] = true
		}
	}
	return recent
}
