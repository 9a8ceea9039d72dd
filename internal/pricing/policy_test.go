package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"listing-optimizer/internal/catalog"
)

func testPolicy() Policy {
	return Policy{
		Bounds: Bounds{
			Min:       decimal.NewFromInt(25),
			Max:       decimal.NewFromInt(150),
			MinFactor: decimal.NewFromFloat(0.95),
			MaxFactor: decimal.NewFromFloat(1.05),
		},
		Thresholds: Thresholds{
			HighConversion: 0.12,
			LowConversion:  0.03,
			HighViews:      20,
		},
	}
}

func TestDecideIncrease(t *testing.T) {
	p := testPolicy()
	d := p.Decide(catalog.Listing{ID: "l1", Price: decimal.NewFromInt(100), ConversionRate: 0.15, ViewsLastHour: 25})
	if d == nil {
		t.Fatal("高转化高流量应提价")
	}
	if d.Direction != DirectionIncrease {
		t.Fatalf("期望 increase, 实际 %s", d.Direction)
	}
	if !d.NewPrice.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("期望新价 105, 实际 %s", d.NewPrice)
	}
}

func TestDecideDecrease(t *testing.T) {
	p := testPolicy()
	d := p.Decide(catalog.Listing{ID: "l2", Price: decimal.NewFromInt(100), ConversionRate: 0.02, ViewsLastHour: 35})
	if d == nil {
		t.Fatal("高流量低转化应降价")
	}
	if d.Direction != DirectionDecrease {
		t.Fatalf("期望 decrease, 实际 %s", d.Direction)
	}
	if !d.NewPrice.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("期望新价 95, 实际 %s", d.NewPrice)
	}
}

func TestDecideHold(t *testing.T) {
	p := testPolicy()

	cases := []catalog.Listing{
		// Mid-range metrics trip neither rule.
		{ID: "mid", Price: decimal.NewFromInt(100), ConversionRate: 0.05, ViewsLastHour: 10},
		// High conversion alone is not enough.
		{ID: "quiet", Price: decimal.NewFromInt(100), ConversionRate: 0.20, ViewsLastHour: 5},
		// Low conversion below the 1.5x traffic bar holds.
		{ID: "calm", Price: decimal.NewFromInt(100), ConversionRate: 0.01, ViewsLastHour: 25},
	}
	for _, l := range cases {
		if d := p.Decide(l); d != nil {
			t.Fatalf("listing %s 不应触发调价, 实际 %s", l.ID, d.Direction)
		}
	}
}

func TestDecideSkipsRunningExperiment(t *testing.T) {
	p := testPolicy()
	l := catalog.Listing{ID: "exp", Price: decimal.NewFromInt(100), ConversionRate: 0.30, ViewsLastHour: 50, ExperimentRunning: true}
	if d := p.Decide(l); d != nil {
		t.Fatal("实验运行中不应调价")
	}
}

func TestDecideClampAtBounds(t *testing.T) {
	p := testPolicy()

	// Already pinned at the ceiling: the clamp leaves no room for the
	// minimum move, so the decision is a hold.
	l := catalog.Listing{ID: "top", Price: decimal.NewFromInt(150), ConversionRate: 0.20, ViewsLastHour: 30}
	if d := p.Decide(l); d != nil {
		t.Fatalf("价格已达上限不应再提价: %s -> %s", d.OldPrice, d.NewPrice)
	}

	l = catalog.Listing{ID: "bottom", Price: decimal.NewFromInt(25), ConversionRate: 0.01, ViewsLastHour: 40}
	if d := p.Decide(l); d != nil {
		t.Fatalf("价格已达下限不应再降价: %s -> %s", d.OldPrice, d.NewPrice)
	}
}

func TestDecideMinimumDelta(t *testing.T) {
	p := testPolicy()
	p.Bounds.MaxFactor = decimal.NewFromFloat(1.005)

	l := catalog.Listing{ID: "tiny", Price: decimal.NewFromInt(100), ConversionRate: 0.20, ViewsLastHour: 30}
	if d := p.Decide(l); d != nil {
		t.Fatalf("变动不足 1 个单位应 hold, 实际 %s -> %s", d.OldPrice, d.NewPrice)
	}
}

func TestDecideLongTerm(t *testing.T) {
	p := testPolicy()
	l := catalog.Listing{ID: "lt", Price: decimal.NewFromInt(100)}

	d := p.DecideLongTerm(l, 0.4)
	if d == nil || d.Direction != DirectionIncrease || !d.NewPrice.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("弹性 0.4 期望提价到 110, 实际 %+v", d)
	}

	d = p.DecideLongTerm(l, -0.4)
	if d == nil || d.Direction != DirectionDecrease || !d.NewPrice.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("弹性 -0.4 期望降价到 90, 实际 %+v", d)
	}

	if d := p.DecideLongTerm(l, 0.05); d != nil {
		t.Fatal("弹性在 ±0.1 以内应 hold")
	}
}

func TestDecideLongTermClampGuard(t *testing.T) {
	p := testPolicy()

	// Clamping to the ceiling must not flip an increase into a no-op move
	// that still reports a direction.
	l := catalog.Listing{ID: "lt-top", Price: decimal.NewFromInt(150)}
	if d := p.DecideLongTerm(l, 0.5); d != nil {
		t.Fatalf("上限处不应再提价: %+v", d)
	}

	l = catalog.Listing{ID: "lt-bottom", Price: decimal.NewFromInt(25)}
	if d := p.DecideLongTerm(l, -0.5); d != nil {
		t.Fatalf("下限处不应再降价: %+v", d)
	}
}
