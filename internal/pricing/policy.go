package pricing

import (
	"github.com/shopspring/decimal"

	"listing-optimizer/internal/catalog"
)

// Direction labels which way a decision moves the price.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// Bounds confine every computed price to [Min, Max].
type Bounds struct {
	Min       decimal.Decimal
	Max       decimal.Decimal
	MinFactor decimal.Decimal
	MaxFactor decimal.Decimal
}

// Thresholds gate the hourly decision rules.
type Thresholds struct {
	HighConversion float64
	LowConversion  float64
	HighViews      int
}

// Policy holds the process-wide pricing parameters.
type Policy struct {
	Bounds     Bounds
	Thresholds Thresholds
}

// Decision is a proposed price move. It carries no side effects; the caller
// owns the catalog mutation and the audit record.
type Decision struct {
	ListingID string
	Direction Direction
	OldPrice  decimal.Decimal
	NewPrice  decimal.Decimal
}

var (
	minDelta           = decimal.NewFromInt(1)
	longTermUpFactor   = decimal.NewFromFloat(1.1)
	longTermDownFactor = decimal.NewFromFloat(0.9)
)

// Decide maps an hourly metrics snapshot to a price move, or nil to hold.
// Listings with a running experiment are never touched: a price change
// mid-test would contaminate the variant's conversion measurement.
func (p Policy) Decide(listing catalog.Listing) *Decision {
	if listing.ExperimentRunning {
		return nil
	}

	if listing.ConversionRate > p.Thresholds.HighConversion && listing.ViewsLastHour > p.Thresholds.HighViews {
		newPrice := p.Clamp(listing.Price.Mul(p.Bounds.MaxFactor).Round(2))
		if newPrice.GreaterThan(listing.Price.Add(minDelta)) {
			return &Decision{
				ListingID: listing.ID,
				Direction: DirectionIncrease,
				OldPrice:  listing.Price,
				NewPrice:  newPrice,
			}
		}
		return nil
	}

	if float64(listing.ViewsLastHour) > 1.5*float64(p.Thresholds.HighViews) && listing.ConversionRate < p.Thresholds.LowConversion {
		newPrice := p.Clamp(listing.Price.Mul(p.Bounds.MinFactor).Round(2))
		if newPrice.LessThan(listing.Price.Sub(minDelta)) {
			return &Decision{
				ListingID: listing.ID,
				Direction: DirectionDecrease,
				OldPrice:  listing.Price,
				NewPrice:  newPrice,
			}
		}
	}

	return nil
}

// DecideLongTerm maps a price-elasticity estimate to a larger corrective
// move. Eligibility (stable listings only) is the caller's concern.
func (p Policy) DecideLongTerm(listing catalog.Listing, elasticity float64) *Decision {
	if listing.ExperimentRunning {
		return nil
	}

	var factor decimal.Decimal
	var direction Direction
	switch {
	case elasticity > 0.1:
		factor = longTermUpFactor
		direction = DirectionIncrease
	case elasticity < -0.1:
		factor = longTermDownFactor
		direction = DirectionDecrease
	default:
		return nil
	}

	newPrice := p.Clamp(listing.Price.Mul(factor).Round(2))
	if direction == DirectionIncrease && !newPrice.GreaterThan(listing.Price) {
		return nil
	}
	if direction == DirectionDecrease && !newPrice.LessThan(listing.Price) {
		return nil
	}

	return &Decision{
		ListingID: listing.ID,
		Direction: direction,
		OldPrice:  listing.Price,
		NewPrice:  newPrice,
	}
}

// Clamp confines price to the configured bounds.
func (p Policy) Clamp(price decimal.Decimal) decimal.Decimal {
	if price.LessThan(p.Bounds.Min) {
		return p.Bounds.Min
	}
	if price.GreaterThan(p.Bounds.Max) {
		return p.Bounds.Max
	}
	return price
}
