package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"guardwatch/internal/storage"
)

// Show prints recent snapshots, alerts or intents.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	switch opts.What {
	case "", "snapshots":
		records, err := store.ListRecentSnapshots(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeSnapshotTable(os.Stdout, records)
	case "alerts":
		records, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeAlertTable(os.Stdout, records)
	case "intents":
		records, err := store.ListRecentIntents(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeIntentTable(os.Stdout, records)
	}
	return fmt.Errorf("unknown history %q (snapshots, alerts, intents)", opts.What)
}

func writeSnapshotTable(out io.Writer, records []storage.SnapshotRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBlock\tPaused\tThreshold\tThreat\tOracle Level\tPrice\tOK\tError")
	for _, r := range records {
		errMsg := ""
		if r.FailureReason != nil {
			errMsg = sanitizeInline(*r.FailureReason)
		}
		fmt.Fprintf(writer, "%s\t%d\t%t\t%d\t%t\t%d\t%s\t%t\t%s\n",
			r.FetchedAt.UTC().Format(time.RFC3339),
			r.BlockNumber,
			r.IsPaused,
			r.Threshold,
			r.ThreatDetected,
			r.OracleThreatLevel,
			r.PriceData.StringFixed(4),
			r.OK,
			errMsg,
		)
	}
	return writer.Flush()
}

func writeAlertTable(out io.Writer, records []storage.AlertRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Last Seen (UTC)\tSeverity\tKind\tCount\tTitle\tMessage")
	for _, r := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.LastSeen.UTC().Format(time.RFC3339),
			strings.ToUpper(r.Severity),
			r.Kind,
			r.OccurrenceCount,
			r.Title,
			sanitizeInline(r.Message),
		)
	}
	return writer.Flush()
}

func writeIntentTable(out io.Writer, records []storage.IntentRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(out, "no intents found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Submitted (UTC)\tID\tKind\tValue\tState\tTx\tError")
	for _, r := range records {
		value, tx, errMsg := "", "", ""
		if r.RequestedValue != nil {
			value = fmt.Sprint(*r.RequestedValue)
		}
		if r.TxHash != nil {
			tx = *r.TxHash
		}
		if r.Error != nil {
			errMsg = sanitizeInline(*r.Error)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SubmittedAt.UTC().Format(time.RFC3339),
			r.ID,
			r.Kind,
			value,
			r.State,
			tx,
			errMsg,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
