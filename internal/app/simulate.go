package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"listing-optimizer/internal/alerting"
	"listing-optimizer/internal/catalog"
	"listing-optimizer/internal/storage"
)

// SimulatePricing 在给定指标下模拟一次小时级定价决策，不产生任何变更。
func (a *App) SimulatePricing(ctx context.Context, opts SimulateOptions) error {
	listing := catalog.Listing{
		ID:             "simulated",
		Price:          opts.Price,
		ConversionRate: opts.ConversionRate,
		ViewsLastHour:  opts.ViewsLastHour,
	}

	decision := a.newPolicy().Decide(listing)
	if decision == nil {
		fmt.Fprintln(os.Stdout, "decision: hold")
		return nil
	}

	fmt.Fprintf(os.Stdout, "decision: %s\nold price: %s\nnew price: %s\n",
		decision.Direction,
		formatDecimal(decision.OldPrice, 2),
		formatDecimal(decision.NewPrice, 2),
	)

	if opts.Notify {
		notifier := a.newNotifier()
		if notifier == nil {
			return fmt.Errorf("未配置任何通知通道")
		}
		note := alerting.Notification{
			Type:    "simulation",
			Subject: "Simulated pricing decision",
			Bucket:  time.Now().UTC(),
			Actions: []storage.ActionRecord{{
				Type:      string(decision.Direction),
				ListingID: listing.ID,
				Before:    decision.OldPrice.String(),
				After:     decision.NewPrice.String(),
			}},
		}
		return notifier.Notify(ctx, note)
	}
	return nil
}

// CancelExperiment aborts a running experiment for a listing.
func (a *App) CancelExperiment(ctx context.Context, listingID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("database not configured; cannot cancel experiment")
	}
	if closeStore != nil {
		defer closeStore()
	}

	controller := a.newController(store, a.newCatalog(), nil)
	return controller.Cancel(ctx, listingID)
}
