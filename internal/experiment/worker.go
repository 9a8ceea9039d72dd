package experiment

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"listing-optimizer/internal/storage"
)

const (
	claimBatchSize = 10
	staleClaimAge  = 15 * time.Minute
)

// WorkerOptions tune the conclusion worker.
type WorkerOptions struct {
	PollInterval time.Duration
	LockKey      int64
}

// Worker processes due experiment conclusions. Because due-at records are
// durable rows, pending conclusions survive process restarts; a claimed row
// abandoned by a crashed worker is reclaimed after staleClaimAge.
type Worker struct {
	opts        WorkerOptions
	controller  *Controller
	conclusions storage.ConclusionStore
	locker      storage.AdvisoryLocker
	logger      zerolog.Logger
}

// NewWorker constructs the conclusion worker. locker may be nil.
func NewWorker(opts WorkerOptions, controller *Controller, conclusions storage.ConclusionStore, locker storage.AdvisoryLocker, logger zerolog.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	return &Worker{
		opts:        opts,
		controller:  controller,
		conclusions: conclusions,
		locker:      locker,
		logger:      logger.With().Str("component", "conclusion_worker").Logger(),
	}
}

// Run blocks, polling for due conclusions until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	if w.locker != nil && w.opts.LockKey != 0 {
		unlock, acquired, err := w.locker.TryAdvisoryLock(ctx, w.opts.LockKey)
		if err != nil {
			w.logger.Error().Err(err).Msg("failed to acquire worker lock")
			return
		}
		if !acquired {
			w.logger.Debug().Msg("worker lock held elsewhere; skipping poll")
			return
		}
		defer unlock()
	}

	now := time.Now().UTC()
	pending, err := w.conclusions.ClaimDueConclusions(ctx, now, now.Add(-staleClaimAge), claimBatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to claim due conclusions")
		return
	}

	for _, p := range pending {
		if err := w.controller.Conclude(ctx, p); err != nil {
			w.logger.Error().Err(err).Str("listing_id", p.ListingID).Int("variant", p.VariantIndex).Msg("conclusion failed; releasing for retry")
			if releaseErr := w.conclusions.ReleaseConclusion(ctx, p.ID); releaseErr != nil {
				w.logger.Error().Err(releaseErr).Int64("id", p.ID).Msg("failed to release conclusion")
			}
			continue
		}
		if err := w.conclusions.CompleteConclusion(ctx, p.ID); err != nil {
			// Conclusion already recorded; CompleteVariant is idempotent, so a
			// redelivery after this failure is harmless.
			w.logger.Error().Err(err).Int64("id", p.ID).Msg("failed to remove completed conclusion")
		}
	}
}
