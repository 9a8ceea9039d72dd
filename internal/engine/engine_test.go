package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-optimizer/internal/alerting"
	"listing-optimizer/internal/catalog"
	"listing-optimizer/internal/content"
	"listing-optimizer/internal/experiment"
	"listing-optimizer/internal/metrics"
	"listing-optimizer/internal/pricing"
	"listing-optimizer/internal/promotion"
	"listing-optimizer/internal/storage"
)

type fakeCatalog struct {
	mu        sync.Mutex
	listings  []catalog.Listing
	fetchErr  error
	prices    map[string]decimal.Decimal
	fields    map[string][]catalog.Fields
	perfCalls int
}

func newFakeCatalog(listings ...catalog.Listing) *fakeCatalog {
	return &fakeCatalog{
		listings: listings,
		prices:   make(map[string]decimal.Decimal),
		fields:   make(map[string][]catalog.Fields),
	}
}

func (f *fakeCatalog) FetchAll(ctx context.Context) ([]catalog.Listing, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.listings, nil
}

func (f *fakeCatalog) FetchPerformance(ctx context.Context, listingID string) (catalog.Performance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perfCalls++
	for _, l := range f.listings {
		if l.ID == listingID {
			return catalog.Performance{
				ListingID:      l.ID,
				ViewsLastHour:  l.ViewsLastHour,
				Views7d:        l.Views7d,
				TotalViews:     l.TotalViews,
				ConversionRate: l.ConversionRate,
			}, nil
		}
	}
	return catalog.Performance{}, errors.New("listing not found")
}

func (f *fakeCatalog) SetPrice(ctx context.Context, listingID string, price decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[listingID] = price
	return nil
}

func (f *fakeCatalog) UpdateFields(ctx context.Context, listingID string, fields catalog.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields[listingID] = append(f.fields[listingID], fields)
	return nil
}

func (f *fakeCatalog) CreatePromotion(ctx context.Context, req catalog.PromotionRequest) error {
	return nil
}

func (f *fakeCatalog) CancelPromotion(ctx context.Context, listingID string) error { return nil }

type fakeGateway struct {
	series     []metrics.HourlyPoint
	elasticity map[string]float64
	detailed   metrics.Analytics
}

func (f *fakeGateway) FetchHourlySeries(ctx context.Context, listingID string, daysBack int) ([]metrics.HourlyPoint, error) {
	return f.series, nil
}

func (f *fakeGateway) FetchDetailedAnalytics(ctx context.Context) (metrics.Analytics, error) {
	return f.detailed, nil
}

func (f *fakeGateway) FetchElasticity(ctx context.Context, listingID string) (float64, error) {
	e, ok := f.elasticity[listingID]
	if !ok {
		return 0, errors.New("no estimate")
	}
	return e, nil
}

type fakeGenerator struct{}

func (fakeGenerator) Rewrite(ctx context.Context, title, description string) (content.Rewrite, error) {
	return content.Rewrite{Title: title + " (new)", Description: description + " (new)"}, nil
}

func (fakeGenerator) GenerateVariants(ctx context.Context, topic string, count int) ([]content.Rewrite, error) {
	variants := make([]content.Rewrite, count)
	for i := range variants {
		variants[i] = content.Rewrite{Title: fmt.Sprintf("%s v%d", topic, i)}
	}
	return variants, nil
}

type fakeActionStore struct {
	records []storage.ActionRecord
	nextID  int64
}

func (f *fakeActionStore) InsertAction(ctx context.Context, record storage.ActionRecord) (storage.ActionRecord, error) {
	f.nextID++
	record.ID = f.nextID
	f.records = append(f.records, record)
	return record, nil
}

func (f *fakeActionStore) ListRecentActions(ctx context.Context, limit int) ([]storage.ActionRecord, error) {
	return f.records, nil
}

func (f *fakeActionStore) ListActionsBetween(ctx context.Context, from, to time.Time) ([]storage.ActionRecord, error) {
	out := make([]storage.ActionRecord, 0)
	for _, r := range f.records {
		if !r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeActionStore) CountActions(ctx context.Context) (int64, error) {
	return int64(len(f.records)), nil
}

type fakePromotionStoreForEngine struct {
	windows map[string]storage.PromotionWindow
	nextID  int64
}

func newFakePromotionStoreForEngine() *fakePromotionStoreForEngine {
	return &fakePromotionStoreForEngine{windows: make(map[string]storage.PromotionWindow)}
}

func (f *fakePromotionStoreForEngine) InsertPromotionWindow(ctx context.Context, window storage.PromotionWindow) (storage.PromotionWindow, error) {
	f.nextID++
	window.ID = f.nextID
	f.windows[window.ListingID] = window
	return window, nil
}

func (f *fakePromotionStoreForEngine) ActivePromotionWindow(ctx context.Context, listingID string) (*storage.PromotionWindow, error) {
	window, ok := f.windows[listingID]
	if !ok {
		return nil, nil
	}
	return &window, nil
}

func (f *fakePromotionStoreForEngine) ClosePromotionWindow(ctx context.Context, listingID string) error {
	delete(f.windows, listingID)
	return nil
}

type fakeExperimentStoreForEngine struct {
	states   map[string]storage.ExperimentState
	variants map[string][]storage.Variant
}

func newFakeExperimentStoreForEngine() *fakeExperimentStoreForEngine {
	return &fakeExperimentStoreForEngine{
		states:   make(map[string]storage.ExperimentState),
		variants: make(map[string][]storage.Variant),
	}
}

func (f *fakeExperimentStoreForEngine) State(ctx context.Context, listingID string) (storage.ExperimentState, error) {
	return f.states[listingID], nil
}

func (f *fakeExperimentStoreForEngine) PutVariants(ctx context.Context, listingID string, variants []storage.Variant) error {
	f.variants[listingID] = variants
	return nil
}

func (f *fakeExperimentStoreForEngine) Variants(ctx context.Context, listingID string) ([]storage.Variant, error) {
	return f.variants[listingID], nil
}

func (f *fakeExperimentStoreForEngine) Results(ctx context.Context, listingID string) ([]storage.VariantResult, error) {
	return nil, nil
}

func (f *fakeExperimentStoreForEngine) StartVariant(ctx context.Context, listingID string, index int) error {
	state := f.states[listingID]
	state.Running = true
	state.CurrentVariantIndex = index
	f.states[listingID] = state
	return nil
}

func (f *fakeExperimentStoreForEngine) CompleteVariant(ctx context.Context, listingID string, result storage.VariantResult) error {
	return nil
}

func (f *fakeExperimentStoreForEngine) MarkConcluded(ctx context.Context, listingID string) error {
	return nil
}

func (f *fakeExperimentStoreForEngine) ClearRunning(ctx context.Context, listingID string) error {
	return nil
}

type fakeConclusionStoreForEngine struct {
	pending []storage.PendingConclusion
}

func (f *fakeConclusionStoreForEngine) ScheduleConclusion(ctx context.Context, listingID string, variantIndex int, dueAt time.Time) (storage.PendingConclusion, error) {
	p := storage.PendingConclusion{ID: int64(len(f.pending) + 1), ListingID: listingID, VariantIndex: variantIndex, DueAt: dueAt}
	f.pending = append(f.pending, p)
	return p, nil
}

func (f *fakeConclusionStoreForEngine) ClaimDueConclusions(ctx context.Context, now, staleBefore time.Time, limit int) ([]storage.PendingConclusion, error) {
	return nil, nil
}

func (f *fakeConclusionStoreForEngine) CompleteConclusion(ctx context.Context, id int64) error {
	return nil
}

func (f *fakeConclusionStoreForEngine) ReleaseConclusion(ctx context.Context, id int64) error {
	return nil
}

func (f *fakeConclusionStoreForEngine) CancelConclusions(ctx context.Context, listingID string) error {
	return nil
}

type fakeNotifier struct {
	notes []alerting.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, notification alerting.Notification) error {
	f.notes = append(f.notes, notification)
	return nil
}

func testPolicy() pricing.Policy {
	return pricing.Policy{
		Bounds: pricing.Bounds{
			Min:       decimal.NewFromInt(25),
			Max:       decimal.NewFromInt(150),
			MinFactor: decimal.NewFromFloat(0.95),
			MaxFactor: decimal.NewFromFloat(1.05),
		},
		Thresholds: pricing.Thresholds{HighConversion: 0.12, LowConversion: 0.03, HighViews: 20},
	}
}

func testOptions() Options {
	return Options{
		MinTestViews:       100,
		LowConversion:      0.03,
		HighConversion:     0.12,
		LookbackDays:       30,
		FetchWorkers:       2,
		FlashDiscountPct:   25,
		FlashDurationHours: 3,
	}
}

func TestRunHourlyAppliesDecisions(t *testing.T) {
	cat := newFakeCatalog(
		catalog.Listing{ID: "up", Price: decimal.NewFromInt(100), ConversionRate: 0.15, ViewsLastHour: 25},
		catalog.Listing{ID: "down", Price: decimal.NewFromInt(100), ConversionRate: 0.02, ViewsLastHour: 40},
		catalog.Listing{ID: "hold", Price: decimal.NewFromInt(100), ConversionRate: 0.05, ViewsLastHour: 10},
	)
	store := &fakeActionStore{}
	e := New(testOptions(), cat, &fakeGateway{}, testPolicy(), nil, nil, nil, store, nil, zerolog.Nop())

	actions := e.RunHourly(context.Background(), time.Now())
	if len(actions) != 2 {
		t.Fatalf("期望 2 条动作, 实际 %d", len(actions))
	}
	if !cat.prices["up"].Equal(decimal.NewFromInt(105)) {
		t.Fatalf("提价应写入 105, 实际 %s", cat.prices["up"])
	}
	if !cat.prices["down"].Equal(decimal.NewFromInt(95)) {
		t.Fatalf("降价应写入 95, 实际 %s", cat.prices["down"])
	}
	if _, ok := cat.prices["hold"]; ok {
		t.Fatal("hold 不应产生价格写入")
	}
	if len(store.records) != 2 {
		t.Fatalf("审计日志应有 2 条, 实际 %d", len(store.records))
	}
	for _, r := range store.records {
		if r.ID == 0 || r.CreatedAt.IsZero() {
			t.Fatalf("审计记录应回填 ID 与时间: %+v", r)
		}
	}
}

func TestRunCadenceErrorBoundary(t *testing.T) {
	cat := newFakeCatalog()
	cat.fetchErr = errors.New("catalog unavailable")
	notifier := &fakeNotifier{}
	e := New(testOptions(), cat, &fakeGateway{}, testPolicy(), nil, nil, nil, nil, notifier, zerolog.Nop())

	actions := e.RunHourly(context.Background(), time.Now())
	if actions != nil {
		t.Fatalf("失败的 cadence 应返回空列表, 实际 %d 条", len(actions))
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Type != "error" {
		t.Fatalf("应发送一条错误通知, 实际 %+v", notifier.notes)
	}
	if !strings.Contains(notifier.notes[0].Message, "catalog unavailable") {
		t.Fatalf("通知应包含底层错误: %s", notifier.notes[0].Message)
	}
}

func TestRunDailyContentRefreshCap(t *testing.T) {
	listings := make([]catalog.Listing, 0, 6)
	for i := 0; i < 6; i++ {
		listings = append(listings, catalog.Listing{
			ID:             fmt.Sprintf("low-%d", i),
			Title:          fmt.Sprintf("Listing %d", i),
			Price:          decimal.NewFromInt(100),
			TotalViews:     250,
			ConversionRate: 0.01,
		})
	}
	cat := newFakeCatalog(listings...)
	e := New(testOptions(), cat, &fakeGateway{}, testPolicy(), nil, nil, fakeGenerator{}, nil, nil, zerolog.Nop())

	actions := e.RunDaily(context.Background(), time.Now())

	improved := 0
	for _, a := range actions {
		if a.Type == storage.ActionImproveContent {
			improved++
		}
	}
	if improved != 3 {
		t.Fatalf("每日内容刷新上限为 3, 实际 %d", improved)
	}
}

func TestRunDailyExperimentBatchCap(t *testing.T) {
	listings := make([]catalog.Listing, 0, 5)
	for i := 0; i < 5; i++ {
		listings = append(listings, catalog.Listing{
			ID:             fmt.Sprintf("cand-%d", i),
			Title:          fmt.Sprintf("Candidate %d", i),
			Price:          decimal.NewFromInt(100),
			TotalViews:     150,
			ConversionRate: 0.05,
		})
	}
	cat := newFakeCatalog(listings...)

	expStore := newFakeExperimentStoreForEngine()
	conclusions := &fakeConclusionStoreForEngine{}
	controller := experiment.NewController(
		experiment.Options{MinTestViews: 100, BatchSize: 2, TestDuration: 72 * time.Hour, HighConversion: 0.12},
		expStore, conclusions, cat, fakeGenerator{}, zerolog.Nop())

	e := New(testOptions(), cat, &fakeGateway{}, testPolicy(), controller, nil, nil, nil, nil, zerolog.Nop())

	actions := e.RunDaily(context.Background(), time.Now())

	started := 0
	for _, a := range actions {
		if a.Type == storage.ActionStartExperiment {
			started++
		}
	}
	if started != 2 {
		t.Fatalf("每日最多启动 2 个实验, 实际 %d", started)
	}
	if len(conclusions.pending) != 2 {
		t.Fatalf("应排期 2 条待结论记录, 实际 %d", len(conclusions.pending))
	}
}

func TestRunDailyLongTermPricing(t *testing.T) {
	cat := newFakeCatalog(
		catalog.Listing{ID: "elastic-up", Price: decimal.NewFromInt(100), TotalViews: 400, ConversionRate: 0.05},
		catalog.Listing{ID: "elastic-down", Price: decimal.NewFromInt(100), TotalViews: 400, ConversionRate: 0.05},
		catalog.Listing{ID: "young", Price: decimal.NewFromInt(100), TotalViews: 150, ConversionRate: 0.05},
	)
	gateway := &fakeGateway{elasticity: map[string]float64{
		"elastic-up":   0.5,
		"elastic-down": -0.5,
		"young":        0.5,
	}}
	e := New(testOptions(), cat, gateway, testPolicy(), nil, nil, nil, nil, nil, zerolog.Nop())

	actions := e.RunDaily(context.Background(), time.Now())
	if len(actions) != 2 {
		t.Fatalf("仅流量充足的 listing 参与弹性定价, 期望 2 条, 实际 %d", len(actions))
	}
	if !cat.prices["elastic-up"].Equal(decimal.NewFromInt(110)) {
		t.Fatalf("正弹性应提价到 110, 实际 %s", cat.prices["elastic-up"])
	}
	if !cat.prices["elastic-down"].Equal(decimal.NewFromInt(90)) {
		t.Fatalf("负弹性应降价到 90, 实际 %s", cat.prices["elastic-down"])
	}
	if _, ok := cat.prices["young"]; ok {
		t.Fatal("流量不足的 listing 不应调价")
	}
}

func TestRunDailySkipsRecentlyPriced(t *testing.T) {
	bucket := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	cat := newFakeCatalog(
		catalog.Listing{ID: "fresh", Price: decimal.NewFromInt(100), TotalViews: 400, ConversionRate: 0.05},
	)
	gateway := &fakeGateway{elasticity: map[string]float64{"fresh": 0.5}}
	store := &fakeActionStore{}
	// An hourly price change a few hours ago blocks the long-term rule.
	_, _ = store.InsertAction(context.Background(), storage.ActionRecord{
		Type:      storage.ActionPriceIncrease,
		ListingID: "fresh",
		CreatedAt: bucket.Add(-3 * time.Hour),
	})

	e := New(testOptions(), cat, gateway, testPolicy(), nil, nil, nil, store, nil, zerolog.Nop())

	actions := e.RunDaily(context.Background(), bucket)
	if len(actions) != 0 {
		t.Fatalf("24 小时内调过价的 listing 应跳过, 实际 %d 条", len(actions))
	}
}

func TestRunWeeklyRefreshesOldestStale(t *testing.T) {
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	cat := newFakeCatalog(
		catalog.Listing{ID: "oldest", Title: "Oldest", CreatedAt: now.AddDate(0, 0, -90)},
		catalog.Listing{ID: "older", Title: "Older", CreatedAt: now.AddDate(0, 0, -60)},
		catalog.Listing{ID: "old", Title: "Old", CreatedAt: now.AddDate(0, 0, -45)},
		catalog.Listing{ID: "new", Title: "New", CreatedAt: now.AddDate(0, 0, -5)},
	)
	e := New(testOptions(), cat, &fakeGateway{}, testPolicy(), nil, nil, fakeGenerator{}, nil, nil, zerolog.Nop())
	e.now = func() time.Time { return now }

	actions := e.RunWeekly(context.Background(), now)

	refreshed := make([]string, 0)
	for _, a := range actions {
		if a.Type == storage.ActionRefreshContent {
			refreshed = append(refreshed, a.ListingID)
		}
	}
	if len(refreshed) != 2 {
		t.Fatalf("每周最多刷新 2 个过期 listing, 实际 %d", len(refreshed))
	}
	if refreshed[0] != "oldest" || refreshed[1] != "older" {
		t.Fatalf("应优先刷新最旧的 listing, 实际 %v", refreshed)
	}
}

func TestRunWeeklyPromotionRebalanceCaps(t *testing.T) {
	// Early March keeps the calendar quiet and the empty hourly series keeps
	// flash scheduling quiet, so only rebalance actions show up.
	now := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

	listings := make([]catalog.Listing, 0, 10)
	for i := 0; i < 5; i++ {
		listings = append(listings, catalog.Listing{
			ID:             fmt.Sprintf("promo-%d", i),
			Price:          decimal.NewFromInt(75),
			OnPromotion:    true,
			PromotionPct:   25,
			Views7d:        600,
			ConversionRate: 0.2,
		})
	}
	for i := 0; i < 5; i++ {
		listings = append(listings, catalog.Listing{
			ID:             fmt.Sprintf("quiet-%d", i),
			Price:          decimal.NewFromInt(100),
			Views7d:        200,
			ConversionRate: 0.01,
		})
	}
	cat := newFakeCatalog(listings...)

	scheduler := promotion.NewScheduler(promotion.Options{}, cat, newFakePromotionStoreForEngine(),
		rand.New(rand.NewSource(1)), zerolog.Nop())
	store := &fakeActionStore{}
	e := New(testOptions(), cat, &fakeGateway{}, testPolicy(), nil, scheduler, nil, store, nil, zerolog.Nop())
	e.now = func() time.Time { return now }

	actions := e.RunWeekly(context.Background(), now)

	removed := 0
	applied := 0
	for _, a := range actions {
		switch a.Type {
		case storage.ActionRemovePromotion:
			removed++
		case storage.ActionApplyPromotion:
			applied++
		}
	}
	if removed != 3 {
		t.Fatalf("每周最多撤销 3 个促销, 实际 %d", removed)
	}
	if applied != 3 {
		t.Fatalf("每周最多新增 3 个促销, 实际 %d", applied)
	}
	if len(actions) != 6 {
		t.Fatalf("不应产生额外动作, 实际 %d 条: %+v", len(actions), actions)
	}
	// Listings are visited in order, so the first three on each side change.
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("promo-%d", i)
		if !cat.prices[id].Equal(decimal.NewFromInt(100)) {
			t.Fatalf("%s 撤销促销后应恢复 100, 实际 %s", id, cat.prices[id])
		}
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("quiet-%d", i)
		if !cat.prices[id].Equal(decimal.NewFromInt(75)) {
			t.Fatalf("%s 应用 25%% 促销后应为 75, 实际 %s", id, cat.prices[id])
		}
	}
	if _, ok := cat.prices["promo-3"]; ok {
		t.Fatal("超出上限的 listing 不应被改动")
	}
	if _, ok := cat.prices["quiet-3"]; ok {
		t.Fatal("超出上限的 listing 不应被改动")
	}
}

func TestRunWeeklyUsesDetailedAnalytics(t *testing.T) {
	cat := newFakeCatalog(
		catalog.Listing{ID: "a", Views7d: 100},
		catalog.Listing{ID: "b", Views7d: 100},
		catalog.Listing{ID: "c", Views7d: 100},
	)
	gateway := &fakeGateway{detailed: metrics.Analytics{Performance: []catalog.Performance{
		{ListingID: "a", Views7d: 100},
		{ListingID: "b", Views7d: 100},
	}}}
	e := New(testOptions(), cat, gateway, testPolicy(), nil, nil, nil, nil, nil, zerolog.Nop())

	e.RunWeekly(context.Background(), time.Now())

	// The bulk analytics read covers a and b; only c needs a per-listing call.
	if cat.perfCalls != 1 {
		t.Fatalf("批量分析已覆盖的 listing 不应逐个拉取, 实际 %d 次", cat.perfCalls)
	}
}

func TestRunWeeklyAlwaysNotifies(t *testing.T) {
	cat := newFakeCatalog()
	notifier := &fakeNotifier{}
	e := New(testOptions(), cat, &fakeGateway{}, testPolicy(), nil, nil, nil, nil, notifier, zerolog.Nop())

	e.RunWeekly(context.Background(), time.Now())
	if len(notifier.notes) != 1 {
		t.Fatalf("每周应发送 1 条总结通知, 实际 %d", len(notifier.notes))
	}
	if notifier.notes[0].Type != "summary" || notifier.notes[0].Cadence != "weekly" {
		t.Fatalf("通知类型不正确: %+v", notifier.notes[0])
	}
}
