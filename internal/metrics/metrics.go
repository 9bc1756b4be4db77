package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guardwatch/internal/alerting"
	"guardwatch/internal/reconcile"
	"guardwatch/internal/telemetry"
)

const namespace = "guardwatch"

// Collector exposes engine health as prometheus series.
type Collector struct {
	registry *prometheus.Registry

	stateVersion   prometheus.Gauge
	threatLevel    prometheus.Gauge
	degraded       prometheus.Gauge
	connected      prometheus.Gauge
	paused         prometheus.Gauge
	threshold      prometheus.Gauge
	pendingIntents prometheus.Gauge
	pollFailures   prometheus.Gauge

	pollCycles     *prometheus.CounterVec
	telemetry      *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	intentOutcomes *prometheus.CounterVec
}

// New registers every series on a private registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		stateVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "state_version",
			Help: "Version of the latest reconciled state.",
		}),
		threatLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "threat_level",
			Help: "Effective threat level.",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "poller_degraded",
			Help: "1 when chain polling is degraded.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "stream_connected",
			Help: "1 while the telemetry stream is connected.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "guard_paused",
			Help: "Authoritative guard pause flag.",
		}),
		threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "guard_withdraw_threshold",
			Help: "Authoritative guard withdraw threshold.",
		}),
		pendingIntents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "intents_pending",
			Help: "Command intents awaiting confirmation.",
		}),
		pollFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "poll_consecutive_failures",
			Help: "Consecutive failed poll cycles.",
		}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_cycles_total",
			Help: "Poll cycles by result.",
		}, []string{"result"}),
		telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "telemetry_events_total",
			Help: "Telemetry events received by kind.",
		}, []string{"kind"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Alerts raised by kind and severity.",
		}, []string{"kind", "severity"}),
		intentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intent_outcomes_total",
			Help: "Command intents reaching a terminal state.",
		}, []string{"kind", "state"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.stateVersion, c.threatLevel, c.degraded, c.connected, c.paused, c.threshold,
		c.pendingIntents, c.pollFailures, c.pollCycles, c.telemetry, c.alerts, c.intentOutcomes,
	)
	return c
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveState records gauges from a merged state.
func (c *Collector) ObserveState(state reconcile.ReconciledState) {
	c.stateVersion.Set(float64(state.Version))
	c.threatLevel.Set(state.ThreatLevel)
	c.degraded.Set(boolFloat(state.Degraded))
	c.connected.Set(boolFloat(state.Connected))
	c.pollFailures.Set(float64(state.ConsecutiveFailures))
	// overlays are not authoritative; keep the last confirmed value
	if state.HasSnapshot && !state.Guard.IsPaused.Pending {
		c.paused.Set(boolFloat(state.Guard.IsPaused.Value))
	}
	if state.HasSnapshot && !state.Guard.Threshold.Pending {
		c.threshold.Set(float64(state.Guard.Threshold.Value))
	}

	pending := 0
	for _, in := range state.Intents {
		if in.State == reconcile.IntentPending {
			pending++
		}
	}
	c.pendingIntents.Set(float64(pending))
}

// ObserveSnapshot counts a poll cycle.
func (c *Collector) ObserveSnapshot(snap reconcile.ChainSnapshot, applyErr error) {
	result := "ok"
	switch {
	case errors.Is(applyErr, reconcile.ErrStaleSnapshot):
		result = "stale"
	case !snap.OK:
		result = "failed"
	}
	c.pollCycles.WithLabelValues(result).Inc()
}

// ObserveTelemetry counts an inbound event.
func (c *Collector) ObserveTelemetry(ev telemetry.Event) {
	c.telemetry.WithLabelValues(string(ev.Kind)).Inc()
}

// ObserveAlert counts a newly raised alert.
func (c *Collector) ObserveAlert(a alerting.Alert) {
	c.alerts.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
}

// ObserveIntent counts terminal intent outcomes.
func (c *Collector) ObserveIntent(in reconcile.CommandIntent) {
	if !in.Terminal() {
		return
	}
	c.intentOutcomes.WithLabelValues(string(in.Kind), string(in.State)).Inc()
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
