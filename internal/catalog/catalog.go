package catalog

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Listing is an immutable snapshot of one sellable item at decision time.
type Listing struct {
	ID                string
	Title             string
	Description       string
	Category          string
	Price             decimal.Decimal
	ViewsLastHour     int
	Views7d           int
	TotalViews        int
	ConversionRate    float64
	ExperimentRunning bool
	OnPromotion       bool
	PromotionPct      float64
	CreatedAt         time.Time
}

// Performance carries the recent metrics slice of a listing.
type Performance struct {
	ListingID      string
	ViewsLastHour  int
	Views7d        int
	TotalViews     int
	ConversionRate float64
}

// Fields is a partial update; nil members are left untouched.
type Fields struct {
	Title             *string
	Description       *string
	ExperimentRunning *bool
	OnPromotion       *bool
	PromotionPct      *float64
}

// PromotionRequest registers a time-boxed discount on the remote catalog.
type PromotionRequest struct {
	ListingID   string
	DiscountPct float64
	StartAt     time.Time
	EndAt       time.Time
	Reason      string
}

// Catalog exposes the remote listing store.
type Catalog interface {
	FetchAll(ctx context.Context) ([]Listing, error)
	FetchPerformance(ctx context.Context, listingID string) (Performance, error)
	SetPrice(ctx context.Context, listingID string, price decimal.Decimal) error
	UpdateFields(ctx context.Context, listingID string, fields Fields) error
	CreatePromotion(ctx context.Context, req PromotionRequest) error
	CancelPromotion(ctx context.Context, listingID string) error
}
