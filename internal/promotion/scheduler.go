package promotion

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-optimizer/internal/catalog"
	"listing-optimizer/internal/storage"
)

const (
	maxFlashWindows  = 3
	maxFlashListings = 3
	maxDiscountPct   = 50.0
	reasonFlash      = "flash"
	reasonEvent      = "event"
)

// Options tune promotion scheduling.
type Options struct {
	FlashDiscountPct   float64
	EventDiscountPct   float64
	FlashDurationHours int
	MaxDuration        time.Duration
}

// Scheduler owns promotion windows. The storage rows are the source of
// truth; the catalog's isOnPromotion flag is a projection written on
// mutation.
type Scheduler struct {
	opts    Options
	cat     catalog.Catalog
	windows storage.PromotionStore
	rng     *rand.Rand
	logger  zerolog.Logger
	now     func() time.Time
}

// NewScheduler constructs the promotion scheduler. The random source is
// injected so promotion target selection is reproducible in tests.
func NewScheduler(opts Options, cat catalog.Catalog, windows storage.PromotionStore, rng *rand.Rand, logger zerolog.Logger) *Scheduler {
	if opts.FlashDiscountPct <= 0 {
		opts.FlashDiscountPct = 25
	}
	if opts.EventDiscountPct <= 0 {
		opts.EventDiscountPct = 30
	}
	if opts.FlashDurationHours <= 0 {
		opts.FlashDurationHours = 3
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 72 * time.Hour
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{
		opts:    opts,
		cat:     cat,
		windows: windows,
		rng:     rng,
		logger:  logger.With().Str("component", "promotion").Logger(),
		now:     time.Now,
	}
}

// ScheduleFlash registers flash discounts in the quietest weekly slots.
// Per-listing failures are logged and skipped; the batch never aborts.
func (s *Scheduler) ScheduleFlash(ctx context.Context, windows []Window, listings []catalog.Listing) []storage.ActionRecord {
	if len(windows) > maxFlashWindows {
		windows = windows[:maxFlashWindows]
	}

	eligible := make([]catalog.Listing, 0, len(listings))
	for _, listing := range listings {
		if !listing.OnPromotion {
			eligible = append(eligible, listing)
		}
	}

	actions := make([]storage.ActionRecord, 0)
	for _, window := range windows {
		if len(eligible) == 0 {
			break
		}

		startAt := nextWeekdayHour(window.Day, window.Hour, s.now())
		endAt := startAt.Add(time.Duration(s.opts.FlashDurationHours) * time.Hour)

		count := maxFlashListings
		if count > len(eligible) {
			count = len(eligible)
		}
		for i := 0; i < count; i++ {
			pick := s.rng.Intn(len(eligible))
			listing := eligible[pick]
			eligible = append(eligible[:pick], eligible[pick+1:]...)

			record, err := s.register(ctx, listing, s.opts.FlashDiscountPct, startAt, endAt, reasonFlash)
			if err != nil {
				s.logger.Error().Err(err).Str("listing_id", listing.ID).Msg("failed to schedule flash promotion")
				continue
			}
			actions = append(actions, *record)
		}
	}
	return actions
}

// ScheduleEvents registers event discounts on every eligible listing for
// each upcoming calendar event.
func (s *Scheduler) ScheduleEvents(ctx context.Context, events []Event, listings []catalog.Listing) []storage.ActionRecord {
	actions := make([]storage.ActionRecord, 0)
	for _, event := range events {
		startAt := NextOccurrenceOf(event, s.now())
		endAt := startAt.Add(event.Duration)

		for _, listing := range listings {
			if listing.OnPromotion {
				continue
			}
			record, err := s.register(ctx, listing, s.opts.EventDiscountPct, startAt, endAt, reasonEvent)
			if err != nil {
				s.logger.Error().Err(err).Str("listing_id", listing.ID).Str("event", event.Name).Msg("failed to schedule event promotion")
				continue
			}
			actions = append(actions, *record)
		}
	}
	return actions
}

// register books a future window: durable row, remote promotion, projection
// flag. Price changes happen at window start on the remote side.
func (s *Scheduler) register(ctx context.Context, listing catalog.Listing, discountPct float64, startAt, endAt time.Time, reason string) (*storage.ActionRecord, error) {
	discountPct = s.clampDiscount(discountPct)
	if endAt.Sub(startAt) > s.opts.MaxDuration {
		endAt = startAt.Add(s.opts.MaxDuration)
	}

	if active, err := s.activeWindow(ctx, listing.ID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, fmt.Errorf("listing %s already has an active promotion window", listing.ID)
	}

	if err := s.cat.CreatePromotion(ctx, catalog.PromotionRequest{
		ListingID:   listing.ID,
		DiscountPct: discountPct,
		StartAt:     startAt,
		EndAt:       endAt,
		Reason:      reason,
	}); err != nil {
		return nil, fmt.Errorf("create remote promotion: %w", err)
	}

	if s.windows != nil {
		window := storage.PromotionWindow{
			ListingID:     listing.ID,
			DiscountPct:   discountPct,
			OriginalPrice: listing.Price,
			StartAt:       startAt,
			EndAt:         endAt,
			Reason:        reason,
		}
		if _, err := s.windows.InsertPromotionWindow(ctx, window); err != nil {
			return nil, fmt.Errorf("persist promotion window: %w", err)
		}
	}

	onPromotion := true
	if err := s.cat.UpdateFields(ctx, listing.ID, catalog.Fields{OnPromotion: &onPromotion, PromotionPct: &discountPct}); err != nil {
		s.logger.Warn().Err(err).Str("listing_id", listing.ID).Msg("failed to project promotion flag")
	}

	s.logger.Info().Str("listing_id", listing.ID).Float64("discount_pct", discountPct).
		Time("start_at", startAt).Time("end_at", endAt).Str("reason", reason).Msg("promotion scheduled")

	return &storage.ActionRecord{
		Type:      storage.ActionApplyPromotion,
		ListingID: listing.ID,
		Before:    listing.Price.String(),
		After:     fmt.Sprintf("%s (-%.0f%%)", listing.Price.String(), discountPct),
	}, nil
}

// Apply discounts a listing immediately. No-op when already on promotion.
func (s *Scheduler) Apply(ctx context.Context, listing catalog.Listing, discountPct float64, durationHours int) (*storage.ActionRecord, error) {
	if listing.OnPromotion {
		return nil, nil
	}
	if active, err := s.activeWindow(ctx, listing.ID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, nil
	}

	discountPct = s.clampDiscount(discountPct)
	duration := time.Duration(durationHours) * time.Hour
	if duration <= 0 || duration > s.opts.MaxDuration {
		duration = s.opts.MaxDuration
	}

	multiplier := decimal.NewFromFloat(1 - discountPct/100)
	promotionPrice := listing.Price.Mul(multiplier).Round(0)

	startAt := s.now().UTC()
	endAt := startAt.Add(duration)

	if err := s.cat.SetPrice(ctx, listing.ID, promotionPrice); err != nil {
		return nil, fmt.Errorf("set promotion price: %w", err)
	}

	if s.windows != nil {
		window := storage.PromotionWindow{
			ListingID:     listing.ID,
			DiscountPct:   discountPct,
			OriginalPrice: listing.Price,
			StartAt:       startAt,
			EndAt:         endAt,
			Reason:        reasonFlash,
		}
		if _, err := s.windows.InsertPromotionWindow(ctx, window); err != nil {
			return nil, fmt.Errorf("persist promotion window: %w", err)
		}
	}

	onPromotion := true
	if err := s.cat.UpdateFields(ctx, listing.ID, catalog.Fields{OnPromotion: &onPromotion, PromotionPct: &discountPct}); err != nil {
		s.logger.Warn().Err(err).Str("listing_id", listing.ID).Msg("failed to project promotion flag")
	}

	s.logger.Info().Str("listing_id", listing.ID).Float64("discount_pct", discountPct).
		Str("price", promotionPrice.String()).Msg("promotion applied")

	return &storage.ActionRecord{
		Type:      storage.ActionApplyPromotion,
		ListingID: listing.ID,
		Before:    listing.Price.String(),
		After:     promotionPrice.String(),
	}, nil
}

// Remove withdraws a listing's promotion and restores the original price.
// The stored window makes this exact; the inverse computation is only a
// fallback for promotions applied out-of-band.
func (s *Scheduler) Remove(ctx context.Context, listing catalog.Listing) (*storage.ActionRecord, error) {
	window, err := s.activeWindow(ctx, listing.ID)
	if err != nil {
		return nil, err
	}
	if window == nil && !listing.OnPromotion {
		return nil, nil
	}

	var originalPrice decimal.Decimal
	switch {
	case window != nil:
		originalPrice = window.OriginalPrice
	case listing.PromotionPct > 0 && listing.PromotionPct < 100:
		divisor := decimal.NewFromFloat(1 - listing.PromotionPct/100)
		originalPrice = listing.Price.Div(divisor).Round(0)
	default:
		originalPrice = listing.Price
	}

	if err := s.cat.SetPrice(ctx, listing.ID, originalPrice); err != nil {
		return nil, fmt.Errorf("restore price: %w", err)
	}
	if err := s.cat.CancelPromotion(ctx, listing.ID); err != nil {
		s.logger.Warn().Err(err).Str("listing_id", listing.ID).Msg("failed to cancel remote promotion")
	}

	if s.windows != nil {
		if err := s.windows.ClosePromotionWindow(ctx, listing.ID); err != nil {
			return nil, fmt.Errorf("close promotion window: %w", err)
		}
	}

	onPromotion := false
	zero := 0.0
	if err := s.cat.UpdateFields(ctx, listing.ID, catalog.Fields{OnPromotion: &onPromotion, PromotionPct: &zero}); err != nil {
		s.logger.Warn().Err(err).Str("listing_id", listing.ID).Msg("failed to clear promotion flag")
	}

	s.logger.Info().Str("listing_id", listing.ID).Str("restored_price", originalPrice.String()).Msg("promotion removed")

	return &storage.ActionRecord{
		Type:      storage.ActionRemovePromotion,
		ListingID: listing.ID,
		Before:    listing.Price.String(),
		After:     originalPrice.String(),
	}, nil
}

func (s *Scheduler) activeWindow(ctx context.Context, listingID string) (*storage.PromotionWindow, error) {
	if s.windows == nil {
		return nil, nil
	}
	window, err := s.windows.ActivePromotionWindow(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("load active window: %w", err)
	}
	return window, nil
}

func (s *Scheduler) clampDiscount(pct float64) float64 {
	if pct > maxDiscountPct {
		return maxDiscountPct
	}
	if pct < 0 {
		return 0
	}
	return pct
}
