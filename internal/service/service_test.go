package service

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardwatch/internal/alerting"
	"guardwatch/internal/chain"
	"guardwatch/internal/config"
	"guardwatch/internal/reconcile"
	"guardwatch/internal/storage"
	"guardwatch/internal/telemetry"
)

type fakeChain struct {
	mu        sync.Mutex
	paused    bool
	threshold uint64
	writes    int
}

func (f *fakeChain) WithdrawThreshold(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threshold, nil
}

func (f *fakeChain) Paused(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, nil
}

func (f *fakeChain) IsThreatDetected(context.Context) (bool, error) { return false, nil }

func (f *fakeChain) BlockedCount(context.Context) (uint64, error) { return 0, chain.ErrUnsupported }

func (f *fakeChain) OracleData(context.Context) (chain.OracleData, error) {
	return chain.OracleData{PriceData: big.NewInt(1e18), LastUpdateBlock: 10, ThreatLevel: 20}, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (f *fakeChain) CanSign() bool { return true }

func (f *fakeChain) SetWithdrawThreshold(_ context.Context, v uint64) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.threshold = v
	return chain.TxHandle{Hash: "0xthreshold"}, nil
}

func (f *fakeChain) PauseVault(_ context.Context, pause bool) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.paused = pause
	return chain.TxHandle{Hash: "0xpause"}, nil
}

type memoryStorage struct {
	mu        sync.Mutex
	snapshots []reconcile.ChainSnapshot
	intents   map[string]reconcile.CommandIntent
	alerts    []alerting.Alert
	locks     int
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{intents: map[string]reconcile.CommandIntent{}}
}

func (m *memoryStorage) InsertSnapshot(_ context.Context, snap reconcile.ChainSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *memoryStorage) ListSnapshotsBetween(context.Context, time.Time, time.Time, int) ([]storage.SnapshotRecord, error) {
	return nil, nil
}

func (m *memoryStorage) ListRecentSnapshots(context.Context, int) ([]storage.SnapshotRecord, error) {
	return nil, nil
}

func (m *memoryStorage) CountSnapshots(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.snapshots)), nil
}

func (m *memoryStorage) DeleteSnapshotsBefore(context.Context, time.Time) error { return nil }

func (m *memoryStorage) RecordAlert(_ context.Context, a alerting.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *memoryStorage) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (m *memoryStorage) DeleteAlertsBefore(context.Context, time.Time) error { return nil }

func (m *memoryStorage) UpsertIntent(_ context.Context, in reconcile.CommandIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[in.ID] = in
	return nil
}

func (m *memoryStorage) ListRecentIntents(context.Context, int) ([]storage.IntentRecord, error) {
	return nil, nil
}

func (m *memoryStorage) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	m.mu.Lock()
	m.locks++
	m.mu.Unlock()
	return func() {}, true, nil
}

type recordingSink struct {
	mu       sync.Mutex
	versions []uint64
}

func (r *recordingSink) OnState(state reconcile.ReconciledState) {
	r.mu.Lock()
	r.versions = append(r.versions, state.Version)
	r.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		Poller:    config.PollerConfig{Interval: time.Hour, DegradedAfter: 3, AdvisoryLockKey: 42},
		Chain:     config.ChainConfig{PriceDecimals: 18},
		Reconcile: config.ReconcileConfig{ConfirmCycles: 3, IntentGrace: time.Second, MaxDetections: 10},
		Commands:  config.CommandsConfig{MinThreshold: 1, MaxThreshold: 100, WriteTimeout: time.Second},
		Alerting: config.AlertingConfig{
			HighWater:         70,
			DedupWindow:       time.Minute,
			DisconnectGrace:   time.Second,
			NotifyMinSeverity: "warning",
		},
		Stream: config.StreamConfig{Protocol: "json"},
	}
}

func newTestService(t *testing.T) (*Service, *fakeChain, *memoryStorage, *recordingSink) {
	t.Helper()
	fc := &fakeChain{threshold: 50}
	mem := newMemoryStorage()
	sink := &recordingSink{}
	svc, err := New(testConfig(), Deps{
		Reader:    fc,
		Writer:    fc,
		Snapshots: mem,
		Alerts:    mem,
		Intents:   mem,
		Locker:    mem,
		Broadcast: sink,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)
	return svc, fc, mem, sink
}

func TestNewRequiresReader(t *testing.T) {
	_, err := New(testConfig(), Deps{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestCommandConfirmedThroughPolling(t *testing.T) {
	svc, fc, mem, sink := newTestService(t)
	ctx := context.Background()

	_, err := svc.Poller().PollOnce(ctx)
	require.NoError(t, err)

	intent, err := svc.Pipeline().Submit(ctx, reconcile.IntentPause, "")
	require.NoError(t, err)
	assert.True(t, svc.Store().State().Guard.IsPaused.Pending)

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.writes == 1
	}, time.Second, 5*time.Millisecond)

	_, err = svc.Poller().PollOnce(ctx)
	require.NoError(t, err)

	final, err := svc.Pipeline().Await(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, reconcile.IntentConfirmed, final.State)

	state := svc.Store().State()
	assert.True(t, state.Guard.IsPaused.Value)
	assert.False(t, state.Guard.IsPaused.Pending)

	svc.Shutdown()

	mem.mu.Lock()
	defer mem.mu.Unlock()
	assert.Len(t, mem.snapshots, 2)
	assert.Equal(t, reconcile.IntentConfirmed, mem.intents[intent.ID].State)
	assert.Equal(t, 2, mem.locks)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.versions)
	for i := 1; i < len(sink.versions); i++ {
		assert.Greater(t, sink.versions[i], sink.versions[i-1])
	}
}

func TestTelemetryFeedsStoreAndAlerts(t *testing.T) {
	svc, _, mem, _ := newTestService(t)

	svc.onTelemetry(telemetry.Event{
		Kind:        telemetry.KindThreatLevelUpdate,
		ThreatLevel: &telemetry.ThreatLevel{Level: 88, ActiveThreats: 2},
		ReceivedAt:  time.Now(),
	})

	assert.Equal(t, 88.0, svc.Store().State().Live.ThreatLevel)
	alerts := svc.Aggregator().Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, alerting.KindThreatLevelHigh, alerts[0].Kind)

	svc.Shutdown()
	mem.mu.Lock()
	defer mem.mu.Unlock()
	assert.Len(t, mem.alerts, 1)
}

func TestAPIDepsServeState(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Poller().PollOnce(context.Background())
	require.NoError(t, err)

	deps := svc.APIDeps()
	require.NotNil(t, deps.Metrics)

	rec := httptest.NewRecorder()
	deps.Metrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "guardwatch_poll_cycles_total"))
	assert.True(t, deps.State.State().HasSnapshot)
}
