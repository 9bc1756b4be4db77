package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardwatch/internal/alerting"
	"guardwatch/internal/chain"
	"guardwatch/internal/config"
	"guardwatch/internal/reconcile"
	"guardwatch/internal/service"
	"guardwatch/internal/storage"
	"guardwatch/internal/telemetry"
)

type stubChain struct {
	mu        sync.Mutex
	paused    bool
	threshold uint64
	ignore    bool
}

func (c *stubChain) WithdrawThreshold(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold, nil
}

func (c *stubChain) Paused(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, nil
}

func (c *stubChain) IsThreatDetected(context.Context) (bool, error) { return false, nil }
func (c *stubChain) BlockedCount(context.Context) (uint64, error)   { return 0, chain.ErrUnsupported }
func (c *stubChain) BlockNumber(context.Context) (uint64, error)    { return 1, nil }

func (c *stubChain) OracleData(context.Context) (chain.OracleData, error) {
	return chain.OracleData{PriceData: big.NewInt(0), ThreatLevel: 5}, nil
}

func (c *stubChain) CanSign() bool { return true }

func (c *stubChain) SetWithdrawThreshold(_ context.Context, v uint64) (chain.TxHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ignore {
		c.threshold = v
	}
	return chain.TxHandle{Hash: "0x01"}, nil
}

func (c *stubChain) PauseVault(_ context.Context, pause bool) (chain.TxHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ignore {
		c.paused = pause
	}
	return chain.TxHandle{Hash: "0x02"}, nil
}

func submitTestConfig() *config.Config {
	return &config.Config{
		Poller:    config.PollerConfig{Interval: 10 * time.Millisecond, DegradedAfter: 3},
		Reconcile: config.ReconcileConfig{ConfirmCycles: 20, IntentGrace: time.Minute},
		Commands:  config.CommandsConfig{MinThreshold: 1, MaxThreshold: 100, WriteTimeout: time.Second},
		Alerting:  config.AlertingConfig{HighWater: 70},
	}
}

func TestSubmitAndWaitConfirms(t *testing.T) {
	c := &stubChain{threshold: 10}
	svc, err := service.New(submitTestConfig(), service.Deps{Reader: c, Writer: c}, zerolog.Nop())
	require.NoError(t, err)
	defer svc.Shutdown()

	var out bytes.Buffer
	err = submitAndWait(context.Background(), svc, reconcile.IntentSetThreshold,
		SubmitOptions{Value: "42", Wait: true, Timeout: 2 * time.Second}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"state": "confirmed"`)
	assert.Contains(t, out.String(), `"requestedValue": 42`)
}

func TestSubmitAndWaitReportsTimeoutFailure(t *testing.T) {
	c := &stubChain{ignore: true}
	svc, err := service.New(submitTestConfig(), service.Deps{Reader: c, Writer: c}, zerolog.Nop())
	require.NoError(t, err)
	defer svc.Shutdown()

	var out bytes.Buffer
	err = submitAndWait(context.Background(), svc, reconcile.IntentPause,
		SubmitOptions{Wait: true, Timeout: 2 * time.Second}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out.String(), `"state": "failed"`)
}

func TestSubmitWithoutWaitPrintsPending(t *testing.T) {
	c := &stubChain{}
	svc, err := service.New(submitTestConfig(), service.Deps{Reader: c, Writer: c}, zerolog.Nop())
	require.NoError(t, err)
	defer svc.Shutdown()

	var out bytes.Buffer
	require.NoError(t, submitAndWait(context.Background(), svc, reconcile.IntentPause, SubmitOptions{}, &out))
	assert.Contains(t, out.String(), `"state": "pending"`)
}

func sampleRecords(n int) []storage.SnapshotRecord {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.SnapshotRecord, n)
	for i := range out {
		out[i] = storage.SnapshotRecord{
			FetchedAt:         base.Add(time.Duration(i) * time.Minute),
			BlockNumber:       int64(100 + i),
			Threshold:         50,
			OracleThreatLevel: int64(i),
			PriceData:         decimal.RequireFromString("1.25"),
			OK:                true,
		}
	}
	return out
}

func TestDownsampleSnapshots(t *testing.T) {
	records := sampleRecords(10)
	assert.Len(t, downsampleSnapshots(records, 0), 10)
	assert.Len(t, downsampleSnapshots(records, 20), 10)

	got := downsampleSnapshots(records, 4)
	require.Len(t, got, 4)
	assert.Equal(t, records[0].FetchedAt, got[0].FetchedAt)
	assert.Equal(t, records[9].FetchedAt, got[3].FetchedAt)

	one := downsampleSnapshots(records, 1)
	require.Len(t, one, 1)
	assert.Equal(t, records[9].FetchedAt, one[0].FetchedAt)
}

func TestExportWindowStart(t *testing.T) {
	to := time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)
	from := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, from, exportWindowStart(to, ExportOptions{From: &from, Since: time.Hour}, time.Second))
	assert.Equal(t, to.Add(-time.Hour), exportWindowStart(to, ExportOptions{Since: time.Hour}, time.Second))
	assert.Equal(t, to.Add(-500*time.Second), exportWindowStart(to, ExportOptions{MaxPoints: 100}, 5*time.Second))
}

func TestWriteSnapshotsCSV(t *testing.T) {
	records := sampleRecords(2)
	reason := "paused: rpc timeout"
	records[1].OK = false
	records[1].FailureReason = &reason

	var buf bytes.Buffer
	require.NoError(t, writeSnapshotsCSV(&buf, records))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "fetched_at", rows[0][0])
	assert.Equal(t, "100", rows[1][1])
	assert.Equal(t, "1.25", rows[1][7])
	assert.Equal(t, "false", rows[2][9])
	assert.Equal(t, reason, rows[2][12])
}

func TestWriteSnapshotTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSnapshotTable(&buf, nil))
	assert.Equal(t, "no snapshots found\n", buf.String())

	buf.Reset()
	require.NoError(t, writeSnapshotTable(&buf, sampleRecords(1)))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "1.2500")
}

func TestSyntheticEventsAndPrint(t *testing.T) {
	at := time.Now()
	assert.Empty(t, syntheticEvents(SimulateOptions{}, at))

	events := syntheticEvents(SimulateOptions{ThreatLevel: 90, Blocked: true, Anomaly: "anomaly_detected"}, at)
	require.Len(t, events, 3)
	assert.Equal(t, telemetry.KindThreatLevelUpdate, events[0].Kind)
	assert.Equal(t, telemetry.KindTransactionBlocked, events[1].Kind)
	assert.Equal(t, telemetry.KindAnomalyAlert, events[2].Kind)

	var buf bytes.Buffer
	require.NoError(t, printAlerts(&buf, nil))
	assert.Equal(t, "no alerts raised\n", buf.String())

	buf.Reset()
	require.NoError(t, printAlerts(&buf, []alerting.Alert{{Severity: alerting.SeverityCritical, Title: "Transaction blocked", Message: "x"}}))
	assert.Equal(t, "[CRITICAL] Transaction blocked: x\n", buf.String())
}

func TestNewNotifiersFollowsChannels(t *testing.T) {
	a := NewApp(&config.Config{Alerting: config.AlertingConfig{
		Channels: []string{"log", "telegram", "pager"},
	}}, zerolog.Nop())
	assert.Len(t, a.newNotifiers(), 1)

	a.Config.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"}
	assert.Len(t, a.newNotifiers(), 2)
}
