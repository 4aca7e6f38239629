package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// Status prints the last recorded state of every feed.
func (a *App) Status(ctx context.Context, w io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show feed status")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rows, err := store.ListFeedStatus(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no feed status recorded")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tStatus\tHealthy\tAttempts\tExhausted\tLast Signal (UTC)\tUpdated (UTC)\tSession")

	for _, row := range rows {
		lastSignal := "-"
		if row.LastSignal != nil {
			lastSignal = row.LastSignal.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%t\t%d\t%t\t%s\t%s\t%s\n",
			row.Source,
			row.Status,
			row.Healthy,
			row.Attempts,
			row.Exhausted,
			lastSignal,
			row.UpdatedAt.UTC().Format(time.RFC3339),
			sanitizeInline(row.Session),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
