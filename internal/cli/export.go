package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"guardwatch/internal/app"
)

var exportFlags struct {
	from      string
	to        string
	since     time.Duration
	png       string
	csv       string
	maxPoints int
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export chain snapshot history as CSV and/or a PNG timeline",
	Example: `  guardwatch export --since 24h --csv out/snapshots.csv
  guardwatch export --from 2025-05-01 --to 2025-05-02T12:00:00Z --png out/threat.png`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportFlags.png,
			CSVPath:   exportFlags.csv,
			MaxPoints: exportFlags.maxPoints,
			Since:     exportFlags.since,
		}

		var err error
		if opts.From, err = parseTimeFlag("from", exportFlags.from); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", exportFlags.to); err != nil {
			return err
		}
		if opts.From != nil && opts.Since > 0 {
			return fmt.Errorf("--from and --since are mutually exclusive")
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts RFC3339 timestamps or bare dates (UTC midnight).
func parseTimeFlag(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or YYYY-MM-DD", name, raw)
}

func init() {
	f := exportCmd.Flags()
	f.StringVar(&exportFlags.from, "from", "", "Start of the window (RFC3339 or YYYY-MM-DD, inclusive)")
	f.StringVar(&exportFlags.to, "to", "", "End of the window (RFC3339 or YYYY-MM-DD, exclusive; defaults to now)")
	f.DurationVar(&exportFlags.since, "since", 0, "Window length ending at --to, e.g. 6h")
	f.StringVar(&exportFlags.png, "png", "", "Path to write the PNG timeline")
	f.StringVar(&exportFlags.csv, "csv", "", "Path to write CSV rows")
	f.IntVar(&exportFlags.maxPoints, "max-points", 0, "Downsample to at most this many points (defaults to config)")
}
