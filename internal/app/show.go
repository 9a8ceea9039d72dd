package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent action records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show actions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	actions, err := store.ListRecentActions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		fmt.Fprintln(os.Stdout, "no actions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tType\tListing\tBefore\tAfter")

	for _, action := range actions {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			action.CreatedAt.UTC().Format(time.RFC3339),
			action.Type,
			action.ListingID,
			sanitizeInline(action.Before),
			sanitizeInline(action.After),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
