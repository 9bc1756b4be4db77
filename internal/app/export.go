package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"guardwatch/internal/storage"
)

const exportFetchLimit = 1_000_000

// Export renders snapshot history as CSV and/or PNG.
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

	from := exportWindowStart(to, opts, a.Config.Poller.Interval)

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListSnapshotsBetween(ctx, from, to, exportFetchLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeCSVFile(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// exportWindowStart resolves the lower bound: an explicit --from wins, then
// --since, then enough poll intervals to fill MaxPoints.
func exportWindowStart(to time.Time, opts ExportOptions, interval time.Duration) time.Time {
	switch {
	case opts.From != nil:
		return opts.From.UTC()
	case opts.Since > 0:
		return to.Add(-opts.Since)
	default:
		return to.Add(-time.Duration(opts.MaxPoints) * interval)
	}
}

func downsampleSnapshots(records []storage.SnapshotRecord, max int) []storage.SnapshotRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.SnapshotRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeCSVFile(path string, records []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return writeSnapshotsCSV(file, records)
}

func writeSnapshotsCSV(out io.Writer, records []storage.SnapshotRecord) error {
	writer := csv.NewWriter(out)

	header := []string{
		"fetched_at", "block_number", "is_paused", "withdraw_threshold", "threat_detected",
		"blocked_count", "oracle_threat_level", "price_data", "last_update_block",
		"ok", "consecutive_failures", "degraded", "failure_reason",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range records {
		reason := ""
		if r.FailureReason != nil {
			reason = *r.FailureReason
		}
		record := []string{
			r.FetchedAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(r.BlockNumber, 10),
			strconv.FormatBool(r.IsPaused),
			strconv.FormatInt(r.Threshold, 10),
			strconv.FormatBool(r.ThreatDetected),
			strconv.FormatInt(r.BlockedCount, 10),
			strconv.FormatInt(r.OracleThreatLevel, 10),
			r.PriceData.String(),
			strconv.FormatInt(r.LastUpdateBlock, 10),
			strconv.FormatBool(r.OK),
			strconv.Itoa(r.ConsecutiveFailures),
			strconv.FormatBool(r.Degraded),
			reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeSnapshotsPNG charts threat level and threshold, with oracle price on
// the secondary axis.
func writeSnapshotsPNG(path string, records []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	threat := make([]float64, len(records))
	threshold := make([]float64, len(records))
	price := make([]float64, len(records))

	for i, r := range records {
		x[i] = r.FetchedAt
		threat[i] = float64(r.OracleThreatLevel)
		threshold[i] = float64(r.Threshold)
		price[i] = r.PriceData.InexactFloat64()
	}

	levelFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Level",
			ValueFormatter: levelFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Oracle price",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Oracle threat level",
				XValues: x,
				YValues: threat,
			},
			chart.TimeSeries{
				Name:    "Withdraw threshold",
				XValues: x,
				YValues: threshold,
			},
			chart.TimeSeries{
				Name:    "Oracle price",
				XValues: x,
				YValues: price,
				YAxis:   chart.YAxisSecondary,
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
