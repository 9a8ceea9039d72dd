package metrics

import (
	"context"
	"time"

	"listing-optimizer/internal/catalog"
)

// HourlyPoint is one hour of aggregated visit telemetry.
type HourlyPoint struct {
	Timestamp time.Time
	Visits    int
}

// Analytics bundles the full historical dataset used by the weekly cadence.
type Analytics struct {
	Performance []catalog.Performance
	Hourly      []HourlyPoint
}

// Gateway exposes read-only access to performance analytics.
type Gateway interface {
	// FetchHourlySeries returns hourly visit counts; empty listingID means store-wide.
	FetchHourlySeries(ctx context.Context, listingID string, daysBack int) ([]HourlyPoint, error)
	FetchDetailedAnalytics(ctx context.Context) (Analytics, error)
	FetchElasticity(ctx context.Context, listingID string) (float64, error)
}
