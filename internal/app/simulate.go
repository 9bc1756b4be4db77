package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"guardwatch/internal/alerting"
	"guardwatch/internal/telemetry"
)

// SimulateAlert feeds synthetic telemetry through the aggregator and the configured channels.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	notifiers := a.newNotifiers()
	if len(notifiers) == 0 {
		return errors.New("no alert channels configured")
	}

	events := syntheticEvents(opts, time.Now().UTC())
	if len(events) == 0 {
		return errors.New("one of --threat-level, --blocked or --anomaly is required")
	}

	agg := alerting.NewAggregator(alerting.Options{
		HighWater:         a.Config.Alerting.HighWater,
		DedupWindow:       a.Config.Alerting.DedupWindow,
		MaxAlerts:         a.Config.Alerting.MaxAlerts,
		NotifyMinSeverity: alerting.SeverityInfo,
	}, notifiers, nil, a.Logger)

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		agg.OnTelemetry(ev)
	}
	agg.Close()

	return printAlerts(os.Stdout, agg.Alerts())
}

func syntheticEvents(opts SimulateOptions, at time.Time) []telemetry.Event {
	var events []telemetry.Event
	if opts.ThreatLevel > 0 {
		events = append(events, telemetry.Event{
			ID:          uuid.NewString(),
			Kind:        telemetry.KindThreatLevelUpdate,
			ThreatLevel: &telemetry.ThreatLevel{Level: opts.ThreatLevel, ActiveThreats: 1},
			ReceivedAt:  at,
		})
	}
	if opts.Blocked {
		events = append(events, telemetry.Event{
			ID:         uuid.NewString(),
			Kind:       telemetry.KindTransactionBlocked,
			ReceivedAt: at,
		})
	}
	if anomaly := strings.TrimSpace(opts.Anomaly); anomaly != "" {
		events = append(events, telemetry.Event{
			ID:         uuid.NewString(),
			Kind:       telemetry.KindAnomalyAlert,
			Anomaly:    &telemetry.Anomaly{Type: anomaly},
			ReceivedAt: at,
		})
	}
	return events
}

func printAlerts(out io.Writer, alerts []alerting.Alert) error {
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(out, "no alerts raised")
		return err
	}
	for _, al := range alerts {
		if _, err := fmt.Fprintf(out, "[%s] %s: %s\n", strings.ToUpper(string(al.Severity)), al.Title, al.Message); err != nil {
			return err
		}
	}
	return nil
}
