package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardwatch/internal/reconcile"
	"guardwatch/internal/telemetry"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureNotifier) Notify(_ context.Context, alert Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, alert)
	c.mu.Unlock()
	return nil
}

func (c *captureNotifier) RecordAlert(ctx context.Context, alert Alert) error {
	return c.Notify(ctx, alert)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func threat(level float64) telemetry.Event {
	return telemetry.Event{Kind: telemetry.KindThreatLevelUpdate, ThreatLevel: &telemetry.ThreatLevel{Level: level}}
}

func blocked() telemetry.Event {
	return telemetry.Event{Kind: telemetry.KindTransactionBlocked}
}

func connection(up bool) telemetry.Event {
	return telemetry.ConnectionEvent(up, 1, "", time.Now())
}

func newTestAggregator(clock *manualClock, opts Options, notifiers ...Notifier) *Aggregator {
	opts.Now = clock.Now
	return NewAggregator(opts, notifiers, nil, zerolog.Nop())
}

func TestThreatLevelHysteresis(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	agg := newTestAggregator(clock, Options{})
	defer agg.Close()

	for _, level := range []float64{80, 60, 85} {
		agg.OnTelemetry(threat(level))
		clock.Advance(time.Second)
	}

	alerts := agg.Alerts()
	require.Len(t, alerts, 2)
	for _, a := range alerts {
		assert.Equal(t, KindThreatLevelHigh, a.Kind)
		assert.Equal(t, SeverityWarning, a.Severity)
	}
	assert.Contains(t, alerts[0].Message, "85", "newest first")
}

func TestThreatLevelStayingHighAlertsOnce(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	agg := newTestAggregator(clock, Options{})
	defer agg.Close()

	for _, level := range []float64{71, 90, 99, 70.5} {
		agg.OnTelemetry(threat(level))
	}
	assert.Len(t, agg.Alerts(), 1)
}

func TestRepeatWithinWindowFolds(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	agg := newTestAggregator(clock, Options{})
	defer agg.Close()

	agg.OnTelemetry(blocked())
	clock.Advance(10 * time.Second)
	second := blocked()
	second.ID = "evt-2"
	agg.OnTelemetry(second)

	alerts := agg.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, alerts[0].OccurrenceCount)
	assert.Equal(t, "evt-2", alerts[0].SourceEventID)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Equal(t, 10*time.Second, alerts[0].LastSeen.Sub(alerts[0].FirstSeen))

	clock.Advance(61 * time.Second)
	agg.OnTelemetry(blocked())
	assert.Len(t, agg.Alerts(), 2, "outside the window a new alert is raised")
}

func TestRepeatMovesAlertToFront(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	agg := newTestAggregator(clock, Options{})
	defer agg.Close()

	agg.OnTelemetry(blocked())
	clock.Advance(time.Second)
	agg.OnTelemetry(telemetry.Event{Kind: telemetry.KindAnomalyAlert, Anomaly: &telemetry.Anomaly{Type: "anomaly_detected"}})
	clock.Advance(time.Second)
	agg.OnTelemetry(blocked())

	alerts := agg.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, KindTransactionBlocked, alerts[0].Kind)
	assert.Equal(t, KindAnomaly, alerts[1].Kind)
}

func TestAlertsBounded(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	agg := newTestAggregator(clock, Options{MaxAlerts: 3})
	defer agg.Close()

	for i := 0; i < 5; i++ {
		agg.OnStateChange(reconcile.ReconciledState{Intents: []reconcile.CommandIntent{{
			ID: string(rune('a' + i)), Kind: reconcile.IntentPause, State: reconcile.IntentFailed, Error: "reverted",
		}}})
	}
	assert.Len(t, agg.Alerts(), 3)
}

func TestFailedIntentAlertsOnce(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	notifier := &captureNotifier{}
	agg := newTestAggregator(clock, Options{}, notifier)

	v := uint64(30)
	state := reconcile.ReconciledState{Intents: []reconcile.CommandIntent{{
		ID: "i1", Kind: reconcile.IntentSetThreshold, RequestedValue: &v, State: reconcile.IntentFailed, Error: "timeout",
	}}}
	agg.OnStateChange(state)
	agg.OnStateChange(state)
	agg.Close()

	alerts := agg.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, KindIntentFailed, alerts[0].Kind)
	assert.Equal(t, "set_threshold(30): timeout", alerts[0].Message)
	assert.Equal(t, 1, notifier.count())
}

func TestDegradedAlertsOnTransition(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	agg := newTestAggregator(clock, Options{})
	defer agg.Close()

	agg.OnStateChange(reconcile.ReconciledState{Degraded: true, ConsecutiveFailures: 3, FailureReason: "rpc down"})
	agg.OnStateChange(reconcile.ReconciledState{Degraded: true, ConsecutiveFailures: 4})
	assert.Len(t, agg.Alerts(), 1)
}

func TestDisconnectBeyondGraceRaisesSingleAlert(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	agg := newTestAggregator(clock, Options{DisconnectGrace: 20 * time.Millisecond})
	defer agg.Close()

	agg.OnTelemetry(connection(true))
	agg.OnTelemetry(connection(false))
	agg.OnTelemetry(connection(false))

	require.Eventually(t, func() bool { return len(agg.Alerts()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	alerts := agg.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, KindStreamDisconnected, alerts[0].Kind)

	agg.OnTelemetry(connection(true))
	assert.Len(t, agg.Alerts(), 1, "reconnecting raises nothing")
}

func TestReconnectWithinGraceCancelsAlert(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	agg := newTestAggregator(clock, Options{DisconnectGrace: 30 * time.Millisecond})
	defer agg.Close()

	agg.OnTelemetry(connection(false))
	agg.OnTelemetry(connection(true))
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, agg.Alerts())
}

func TestNotifyMinSeverityFilters(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	notifier := &captureNotifier{}
	recorder := &captureNotifier{}
	agg := NewAggregator(Options{Now: clock.Now, NotifyMinSeverity: SeverityCritical}, []Notifier{notifier}, recorder, zerolog.Nop())

	agg.OnTelemetry(threat(95))
	agg.OnTelemetry(blocked())
	agg.Close()

	assert.Equal(t, 1, notifier.count(), "warning filtered")
	assert.Equal(t, 2, recorder.count(), "recorder sees everything")
}
