package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"listing-optimizer/internal/storage"
)

// Export renders the action history as CSV and/or a price-move PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-30 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	actions, err := store.ListActionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		a.Logger.Info().Msg("no actions found for export window")
		return nil
	}

	downsampled := downsampleActions(actions, opts.MaxPoints)
	a.Logger.Info().Int("total", len(actions)).Int("exported", len(downsampled)).Msg("exporting actions")

	if opts.CSVPath != "" {
		if err := writeActionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeActionsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleActions(actions []storage.ActionRecord, max int) []storage.ActionRecord {
	if max <= 0 || len(actions) <= max {
		return actions
	}

	result := make([]storage.ActionRecord, 0, max)
	step := float64(len(actions)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(actions) {
			idx = len(actions) - 1
		}
		result = append(result, actions[idx])
	}
	return result
}

func writeActionsCSV(path string, actions []storage.ActionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"created_at", "action_type", "listing_id", "before", "after"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, action := range actions {
		record := []string{
			action.CreatedAt.Format(time.RFC3339),
			action.Type,
			action.ListingID,
			action.Before,
			action.After,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

var chartedActionTypes = map[string]bool{
	storage.ActionPriceIncrease:       true,
	storage.ActionPriceDecrease:       true,
	storage.ActionPriceUpElasticity:   true,
	storage.ActionPriceDownElasticity: true,
}

func writeActionsPNG(path string, actions []storage.ActionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(actions))
	before := make([]float64, 0, len(actions))
	after := make([]float64, 0, len(actions))

	for _, action := range actions {
		if !chartedActionTypes[action.Type] {
			continue
		}
		oldPrice, errBefore := strconv.ParseFloat(action.Before, 64)
		newPrice, errAfter := strconv.ParseFloat(action.After, 64)
		if errBefore != nil || errAfter != nil {
			continue
		}
		x = append(x, action.CreatedAt)
		before = append(before, oldPrice)
		after = append(after, newPrice)
	}
	if len(x) < 2 {
		return errors.New("not enough price actions in window to chart")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Before",
				XValues: x,
				YValues: before,
			},
			chart.TimeSeries{
				Name:    "After",
				XValues: x,
				YValues: after,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
