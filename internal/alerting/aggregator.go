package alerting

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"guardwatch/internal/reconcile"
	"guardwatch/internal/telemetry"
)

const (
	defaultHighWater       = 70
	defaultDedupWindow     = 60 * time.Second
	defaultDisconnectGrace = 10 * time.Second
	defaultMaxAlerts       = 200
	defaultDeliverTimeout  = 15 * time.Second
)

// Options tune alert derivation.
type Options struct {
	HighWater       float64
	DedupWindow     time.Duration
	DisconnectGrace time.Duration
	MaxAlerts       int
	// NotifyMinSeverity filters what reaches notifiers; everything is recorded.
	NotifyMinSeverity Severity
	DeliverTimeout    time.Duration
	Now               func() time.Time
}

// Aggregator turns state changes and telemetry into deduplicated alerts.
type Aggregator struct {
	opts      Options
	logger    zerolog.Logger
	notifiers []Notifier
	recorder  Recorder

	mu         sync.Mutex
	alerts     []Alert
	aboveHigh  bool
	degraded   bool
	failedSeen map[string]struct{}
	observers  []func(Alert)

	disconnectTimer *time.Timer
	disconnectGen   uint64
	disconnectedAt  time.Time

	wg     sync.WaitGroup
	closed bool
}

// NewAggregator constructs an aggregator. recorder may be nil.
func NewAggregator(opts Options, notifiers []Notifier, recorder Recorder, logger zerolog.Logger) *Aggregator {
	if opts.HighWater <= 0 {
		opts.HighWater = defaultHighWater
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = defaultDisconnectGrace
	}
	if opts.MaxAlerts <= 0 {
		opts.MaxAlerts = defaultMaxAlerts
	}
	if opts.NotifyMinSeverity == "" {
		opts.NotifyMinSeverity = SeverityWarning
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = defaultDeliverTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		opts:       opts,
		logger:     logger.With().Str("component", "alert_aggregator").Logger(),
		notifiers:  notifiers,
		recorder:   recorder,
		failedSeen: make(map[string]struct{}),
	}
}

// Observe registers a callback for each newly raised alert (not repeats).
func (a *Aggregator) Observe(fn func(Alert)) {
	a.mu.Lock()
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}

// OnStateChange derives alerts from a merged state. It is safe to register as
// a store listener.
func (a *Aggregator) OnStateChange(state reconcile.ReconciledState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	visible := make(map[string]struct{})
	for _, in := range state.Intents {
		if in.State != reconcile.IntentFailed {
			continue
		}
		visible[in.ID] = struct{}{}
		if _, seen := a.failedSeen[in.ID]; seen {
			continue
		}
		a.raiseLocked(KindIntentFailed, SeverityWarning, "intent:"+in.ID, "",
			"Command failed", describeIntent(in))
	}
	// resolved intents are pruned from the state and never come back
	a.failedSeen = visible

	if state.Degraded && !a.degraded {
		a.raiseLocked(KindPollerDegraded, SeverityWarning, string(KindPollerDegraded), "",
			"Chain polling degraded",
			fmt.Sprintf("%d consecutive poll failures: %s", state.ConsecutiveFailures, state.FailureReason))
	}
	a.degraded = state.Degraded
}

// OnTelemetry derives alerts from a live event.
func (a *Aggregator) OnTelemetry(ev telemetry.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Kind {
	case telemetry.KindTransactionBlocked:
		a.raiseLocked(KindTransactionBlocked, SeverityCritical, string(KindTransactionBlocked), ev.ID,
			"Transaction blocked", "the guard blocked a suspicious transaction")
	case telemetry.KindThreatLevelUpdate:
		if ev.ThreatLevel == nil {
			return
		}
		level := ev.ThreatLevel.Level
		if level > a.opts.HighWater {
			if !a.aboveHigh {
				a.raiseLocked(KindThreatLevelHigh, SeverityWarning,
					fmt.Sprintf("%s:%d", KindThreatLevelHigh, int64(math.Round(level))), ev.ID,
					"Threat level high",
					fmt.Sprintf("threat level %.0f above %.0f (%d active threats)", level, a.opts.HighWater, ev.ThreatLevel.ActiveThreats))
			}
			a.aboveHigh = true
		} else {
			a.aboveHigh = false
		}
	case telemetry.KindAnomalyAlert:
		if ev.Anomaly == nil {
			return
		}
		a.raiseLocked(KindAnomaly, SeverityCritical, "anomaly:"+ev.Anomaly.Type, ev.ID,
			"Anomaly detected",
			fmt.Sprintf("%s vault_tx=%s oracle_tx=%s", ev.Anomaly.Type, ev.Anomaly.VaultTx, ev.Anomaly.OracleTx))
	case telemetry.KindConnectionState:
		if ev.Connection != nil {
			a.onConnectionLocked(ev.Connection.Connected, ev.Connection.Reason)
		}
	}
}

func (a *Aggregator) onConnectionLocked(connected bool, reason string) {
	if connected {
		if a.disconnectTimer != nil {
			a.disconnectTimer.Stop()
			a.disconnectTimer = nil
			a.logger.Debug().Msg("stream reconnected within grace; no alert")
		}
		a.disconnectGen++
		return
	}
	if a.disconnectTimer != nil || a.closed {
		return
	}

	a.disconnectGen++
	gen := a.disconnectGen
	a.disconnectedAt = a.opts.Now()
	a.disconnectTimer = time.AfterFunc(a.opts.DisconnectGrace, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if gen != a.disconnectGen || a.closed {
			return
		}
		a.disconnectTimer = nil
		msg := fmt.Sprintf("no telemetry connection since %s", a.disconnectedAt.UTC().Format(time.RFC3339))
		if reason != "" {
			msg += ": " + reason
		}
		a.raiseLocked(KindStreamDisconnected, SeverityWarning, string(KindStreamDisconnected), "",
			"Telemetry stream disconnected", msg)
	})
}

// raiseLocked folds a repeat into the existing alert or records a new one.
// source is the triggering telemetry event ID, empty for state-derived alerts.
func (a *Aggregator) raiseLocked(kind Kind, sev Severity, fingerprint, source, title, message string) {
	now := a.opts.Now()

	for i := range a.alerts {
		existing := a.alerts[i]
		if existing.Fingerprint != fingerprint || now.Sub(existing.LastSeen) > a.opts.DedupWindow {
			continue
		}
		existing.OccurrenceCount++
		existing.LastSeen = now
		existing.Message = message
		if source != "" {
			existing.SourceEventID = source
		}
		copy(a.alerts[1:i+1], a.alerts[:i])
		a.alerts[0] = existing
		a.logger.Debug().Str("fingerprint", fingerprint).Int("count", existing.OccurrenceCount).Msg("repeat alert folded")
		return
	}

	alert := Alert{
		ID:              uuid.NewString(),
		Kind:            kind,
		Severity:        sev,
		Title:           title,
		Message:         message,
		SourceEventID:   source,
		Fingerprint:     fingerprint,
		OccurrenceCount: 1,
		FirstSeen:       now,
		LastSeen:        now,
	}
	a.alerts = append([]Alert{alert}, a.alerts...)
	if len(a.alerts) > a.opts.MaxAlerts {
		a.alerts = a.alerts[:a.opts.MaxAlerts]
	}

	a.logger.Info().Str("alert_id", alert.ID).Str("kind", string(kind)).Str("severity", string(sev)).Msg(title)

	for _, fn := range a.observers {
		fn(alert)
	}
	if a.closed {
		return
	}
	a.wg.Add(1)
	go a.deliver(alert)
}

func (a *Aggregator) deliver(alert Alert) {
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.DeliverTimeout)
	defer cancel()

	if a.recorder != nil {
		if err := a.recorder.RecordAlert(ctx, alert); err != nil {
			a.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to record alert")
		}
	}
	if !alert.Severity.AtLeast(a.opts.NotifyMinSeverity) {
		return
	}
	for _, n := range a.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			a.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to deliver alert")
		}
	}
}

// Alerts returns the retained alerts, newest first.
func (a *Aggregator) Alerts() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Alert(nil), a.alerts...)
}

// Close cancels pending timers and waits for in-flight deliveries.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	if a.disconnectTimer != nil {
		a.disconnectTimer.Stop()
		a.disconnectTimer = nil
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func describeIntent(in reconcile.CommandIntent) string {
	if in.RequestedValue != nil {
		return fmt.Sprintf("%s(%d): %s", in.Kind, *in.RequestedValue, in.Error)
	}
	return fmt.Sprintf("%s: %s", in.Kind, in.Error)
}
