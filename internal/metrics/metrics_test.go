package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardwatch/internal/alerting"
	"guardwatch/internal/reconcile"
	"guardwatch/internal/telemetry"
)

func TestObserveStateKeepsConfirmedValues(t *testing.T) {
	c := New()

	c.ObserveState(reconcile.ReconciledState{
		Version:     4,
		HasSnapshot: true,
		ThreatLevel: 42,
		Guard: reconcile.GuardView{
			IsPaused:  reconcile.BoolField{Value: false},
			Threshold: reconcile.UintField{Value: 50},
		},
	})
	c.ObserveState(reconcile.ReconciledState{
		Version:     5,
		HasSnapshot: true,
		Guard: reconcile.GuardView{
			IsPaused:  reconcile.BoolField{Value: true, Pending: true, IntentID: "i"},
			Threshold: reconcile.UintField{Value: 50},
		},
		Intents: []reconcile.CommandIntent{{ID: "i", State: reconcile.IntentPending}},
	})

	assert.Equal(t, 5.0, testutil.ToFloat64(c.stateVersion))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.paused), "pending overlay is not reported")
	assert.Equal(t, 50.0, testutil.ToFloat64(c.threshold))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pendingIntents))
}

func TestCounters(t *testing.T) {
	c := New()

	c.ObserveSnapshot(reconcile.ChainSnapshot{OK: true}, nil)
	c.ObserveSnapshot(reconcile.ChainSnapshot{OK: false}, nil)
	c.ObserveSnapshot(reconcile.ChainSnapshot{OK: true}, errors.Join(reconcile.ErrStaleSnapshot))
	c.ObserveTelemetry(telemetry.Event{Kind: telemetry.KindTransactionBlocked})
	c.ObserveAlert(alerting.Alert{Kind: alerting.KindTransactionBlocked, Severity: alerting.SeverityCritical})
	c.ObserveIntent(reconcile.CommandIntent{Kind: reconcile.IntentPause, State: reconcile.IntentPending})
	c.ObserveIntent(reconcile.CommandIntent{Kind: reconcile.IntentPause, State: reconcile.IntentConfirmed})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.pollCycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pollCycles.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pollCycles.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.telemetry.WithLabelValues("transaction_blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.alerts.WithLabelValues("transaction_blocked", "critical")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.intentOutcomes))
}

func TestHandlerServesSeries(t *testing.T) {
	c := New()
	c.ObserveState(reconcile.ReconciledState{Version: 9})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "guardwatch_state_version 9")
}
