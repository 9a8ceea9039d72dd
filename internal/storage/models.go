package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExperimentState tracks the A/B lifecycle of one listing.
type ExperimentState struct {
	ListingID           string
	TestedCount         int
	Running             bool
	CurrentVariantIndex int
	Concluded           bool
	UpdatedAt           time.Time
}

// Variant is one candidate title/description pair, ordered by Position.
type Variant struct {
	Position    int
	Title       string
	Description string
}

// VariantResult records the measured conversion of one completed variant run.
type VariantResult struct {
	Position    int
	Title       string
	Description string
	Conversion  float64
	ConcludedAt time.Time
}

// PendingConclusion is a durable due-at record for a deferred test conclusion.
// Rows survive process restarts; the worker claims and completes them.
type PendingConclusion struct {
	ID           int64
	ListingID    string
	VariantIndex int
	DueAt        time.Time
	ClaimedAt    *time.Time
	CreatedAt    time.Time
}

// PromotionWindow is a scheduled discount. OriginalPrice makes removal an
// exact restore instead of a lossy inverse computation.
type PromotionWindow struct {
	ID            int64
	ListingID     string
	DiscountPct   float64
	OriginalPrice decimal.Decimal
	StartAt       time.Time
	EndAt         time.Time
	Reason        string
	CreatedAt     time.Time
	RemovedAt     *time.Time
}

// Audit action types.
const (
	ActionPriceIncrease       = "price-increase"
	ActionPriceDecrease       = "price-decrease"
	ActionPriceUpElasticity   = "price-up-elasticity"
	ActionPriceDownElasticity = "price-down-elasticity"
	ActionStartExperiment     = "start-experiment"
	ActionApplyWinner         = "apply-winner"
	ActionImproveContent      = "improve-content"
	ActionRefreshContent      = "refresh-content"
	ActionApplyPromotion      = "apply-promotion"
	ActionRemovePromotion     = "remove-promotion"
)

// ActionRecord is one append-only audit entry for an applied decision.
type ActionRecord struct {
	ID        int64
	Type      string
	ListingID string
	Before    string
	After     string
	CreatedAt time.Time
}
