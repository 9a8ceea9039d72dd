package experiment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"listing-optimizer/internal/catalog"
	"listing-optimizer/internal/content"
	"listing-optimizer/internal/storage"
)

// Options tune the A/B test lifecycle.
type Options struct {
	MinTestViews   int
	BatchSize      int
	TestDuration   time.Duration
	HighConversion float64
}

// Controller owns the per-listing experiment state machine. The storage rows
// are the source of truth; the catalog's isExperimentRunning flag is only a
// projection written on mutation.
type Controller struct {
	opts        Options
	store       storage.ExperimentStore
	conclusions storage.ConclusionStore
	cat         catalog.Catalog
	generator   content.Generator
	logger      zerolog.Logger
	now         func() time.Time
}

// NewController constructs the experiment controller. generator may be nil;
// variant seeding is then disabled.
func NewController(opts Options, store storage.ExperimentStore, conclusions storage.ConclusionStore, cat catalog.Catalog, generator content.Generator, logger zerolog.Logger) *Controller {
	if opts.MinTestViews <= 0 {
		opts.MinTestViews = 100
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 2
	}
	if opts.TestDuration <= 0 {
		opts.TestDuration = 72 * time.Hour
	}
	return &Controller{
		opts:        opts,
		store:       store,
		conclusions: conclusions,
		cat:         cat,
		generator:   generator,
		logger:      logger.With().Str("component", "experiment").Logger(),
		now:         time.Now,
	}
}

// SelectCandidates picks listings worth testing: enough traffic to measure,
// conversion with room to improve, no test in flight. Capped at the batch
// size to bound write-rate against the catalog API.
func (c *Controller) SelectCandidates(listings []catalog.Listing) []catalog.Listing {
	candidates := make([]catalog.Listing, 0, c.opts.BatchSize)
	for _, listing := range listings {
		if listing.ExperimentRunning {
			continue
		}
		if listing.TotalViews <= c.opts.MinTestViews {
			continue
		}
		if listing.ConversionRate >= c.opts.HighConversion {
			continue
		}
		candidates = append(candidates, listing)
		if len(candidates) == c.opts.BatchSize {
			break
		}
	}
	return candidates
}

// SeedVariants generates and stores a variant set for listings that have
// none yet, so the next cadence can start testing them.
func (c *Controller) SeedVariants(ctx context.Context, listing catalog.Listing, count int) error {
	if c.generator == nil {
		return nil
	}

	existing, err := c.store.Variants(ctx, listing.ID)
	if err != nil {
		return fmt.Errorf("load variants: %w", err)
	}
	if len(existing) >= 2 {
		return nil
	}

	topic := listing.Title
	if listing.Category != "" {
		topic = fmt.Sprintf("%s (%s)", listing.Title, listing.Category)
	}
	rewrites, err := c.generator.GenerateVariants(ctx, topic, count)
	if err != nil {
		return fmt.Errorf("generate variants: %w", err)
	}

	variants := make([]storage.Variant, 0, len(rewrites))
	for i, r := range rewrites {
		variants = append(variants, storage.Variant{Position: i, Title: r.Title, Description: r.Description})
	}
	if err := c.store.PutVariants(ctx, listing.ID, variants); err != nil {
		return fmt.Errorf("store variants: %w", err)
	}

	c.logger.Info().Str("listing_id", listing.ID).Int("variants", len(variants)).Msg("seeded experiment variants")
	return nil
}

// Advance moves a listing's experiment one step: start the next untested
// variant, or apply the winner once every variant has run. Returns nil when
// there is nothing to do.
func (c *Controller) Advance(ctx context.Context, listing catalog.Listing) (*storage.ActionRecord, error) {
	state, err := c.store.State(ctx, listing.ID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state.Running || state.Concluded {
		return nil, nil
	}

	variants, err := c.store.Variants(ctx, listing.ID)
	if err != nil {
		return nil, fmt.Errorf("load variants: %w", err)
	}
	if len(variants) < 2 {
		c.logger.Debug().Str("listing_id", listing.ID).Int("variants", len(variants)).Msg("insufficient variants to test")
		return nil, nil
	}

	if state.TestedCount >= len(variants) {
		return c.applyWinner(ctx, listing)
	}

	return c.startVariant(ctx, listing, variants[state.TestedCount], state.TestedCount)
}

func (c *Controller) startVariant(ctx context.Context, listing catalog.Listing, variant storage.Variant, index int) (*storage.ActionRecord, error) {
	running := true
	fields := catalog.Fields{
		Title:             &variant.Title,
		Description:       &variant.Description,
		ExperimentRunning: &running,
	}
	if err := c.cat.UpdateFields(ctx, listing.ID, fields); err != nil {
		return nil, fmt.Errorf("apply variant: %w", err)
	}

	if err := c.store.StartVariant(ctx, listing.ID, index); err != nil {
		return nil, fmt.Errorf("record variant start: %w", err)
	}

	dueAt := c.now().UTC().Add(c.opts.TestDuration)
	if _, err := c.conclusions.ScheduleConclusion(ctx, listing.ID, index, dueAt); err != nil {
		return nil, fmt.Errorf("schedule conclusion: %w", err)
	}

	c.logger.Info().Str("listing_id", listing.ID).Int("variant", index).Time("due_at", dueAt).Msg("experiment variant started")
	return &storage.ActionRecord{
		Type:      storage.ActionStartExperiment,
		ListingID: listing.ID,
		Before:    listing.Title,
		After:     variant.Title,
	}, nil
}

func (c *Controller) applyWinner(ctx context.Context, listing catalog.Listing) (*storage.ActionRecord, error) {
	results, err := c.store.Results(ctx, listing.ID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	// Ties break in first-seen order: strictly-greater keeps the earlier entry.
	winner := results[0]
	for _, r := range results[1:] {
		if r.Conversion > winner.Conversion {
			winner = r
		}
	}

	running := false
	fields := catalog.Fields{
		Title:             &winner.Title,
		Description:       &winner.Description,
		ExperimentRunning: &running,
	}
	if err := c.cat.UpdateFields(ctx, listing.ID, fields); err != nil {
		return nil, fmt.Errorf("apply winner: %w", err)
	}

	if err := c.store.MarkConcluded(ctx, listing.ID); err != nil {
		return nil, fmt.Errorf("mark concluded: %w", err)
	}

	c.logger.Info().Str("listing_id", listing.ID).Float64("conversion", winner.Conversion).Msg("experiment winner applied")
	return &storage.ActionRecord{
		Type:      storage.ActionApplyWinner,
		ListingID: listing.ID,
		Before:    listing.Title,
		After:     winner.Title,
	}, nil
}

// Conclude finishes one variant run: measure, record, clear the running
// flag. A failure before CompleteVariant leaves the state running; the
// durable pending row is released and retried by the worker.
func (c *Controller) Conclude(ctx context.Context, pending storage.PendingConclusion) error {
	perf, err := c.cat.FetchPerformance(ctx, pending.ListingID)
	if err != nil {
		return fmt.Errorf("fetch performance: %w", err)
	}

	variants, err := c.store.Variants(ctx, pending.ListingID)
	if err != nil {
		return fmt.Errorf("load variants: %w", err)
	}
	if pending.VariantIndex < 0 || pending.VariantIndex >= len(variants) {
		return fmt.Errorf("variant index %d out of range (%d variants)", pending.VariantIndex, len(variants))
	}
	variant := variants[pending.VariantIndex]

	result := storage.VariantResult{
		Position:    variant.Position,
		Title:       variant.Title,
		Description: variant.Description,
		Conversion:  perf.ConversionRate,
		ConcludedAt: c.now().UTC(),
	}
	if err := c.store.CompleteVariant(ctx, pending.ListingID, result); err != nil {
		return fmt.Errorf("complete variant: %w", err)
	}

	// Projection only; the stored state already reflects the conclusion.
	running := false
	if err := c.cat.UpdateFields(ctx, pending.ListingID, catalog.Fields{ExperimentRunning: &running}); err != nil {
		c.logger.Warn().Err(err).Str("listing_id", pending.ListingID).Msg("failed to clear catalog experiment flag")
	}

	c.logger.Info().Str("listing_id", pending.ListingID).Int("variant", pending.VariantIndex).
		Float64("conversion", perf.ConversionRate).Msg("experiment variant concluded")
	return nil
}

// Cancel aborts a running experiment: pending conclusions are dropped and
// the running flag cleared, locally and on the catalog projection.
func (c *Controller) Cancel(ctx context.Context, listingID string) error {
	if err := c.conclusions.CancelConclusions(ctx, listingID); err != nil {
		return fmt.Errorf("cancel pending conclusions: %w", err)
	}
	if err := c.store.ClearRunning(ctx, listingID); err != nil {
		return fmt.Errorf("clear running state: %w", err)
	}

	running := false
	if err := c.cat.UpdateFields(ctx, listingID, catalog.Fields{ExperimentRunning: &running}); err != nil {
		c.logger.Warn().Err(err).Str("listing_id", listingID).Msg("failed to clear catalog experiment flag")
	}

	c.logger.Info().Str("listing_id", listingID).Msg("experiment cancelled")
	return nil
}
