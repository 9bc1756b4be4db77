package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardwatch/internal/alerting"
	"guardwatch/internal/reconcile"
)

func TestSnapshotRecordRoundTrip(t *testing.T) {
	snap := reconcile.ChainSnapshot{
		Guard:               reconcile.GuardState{IsPaused: true, Threshold: 40, ThreatDetected: true, DetectedAttacks: 1, BlockedCount: 3},
		Oracle:              reconcile.OracleState{ThreatLevel: 65, PriceData: decimal.RequireFromString("1.25"), LastUpdateBlock: 900},
		BlockNumber:         1001,
		FetchedAt:           time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC),
		FailureReason:       "paused: timeout",
		ConsecutiveFailures: 2,
	}

	rec := NewSnapshotRecord(snap)
	require.NotNil(t, rec.FailureReason)
	assert.Equal(t, int64(40), rec.Threshold)
	assert.Equal(t, snap, rec.Snapshot())

	snap.FailureReason = ""
	assert.Nil(t, NewSnapshotRecord(snap).FailureReason)
}

func TestIntentRecordOptionalColumns(t *testing.T) {
	v := uint64(25)
	in := reconcile.CommandIntent{
		ID:             "i-1",
		Kind:           reconcile.IntentSetThreshold,
		RequestedValue: &v,
		State:          reconcile.IntentPending,
		SubmittedAt:    time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC),
	}

	rec := NewIntentRecord(in)
	assert.Nil(t, rec.TxHash)
	assert.Nil(t, rec.Error)
	require.NotNil(t, rec.RequestedValue)
	assert.Equal(t, int64(25), *rec.RequestedValue)
	assert.Equal(t, in, rec.Intent())

	pause := NewIntentRecord(reconcile.CommandIntent{ID: "i-2", Kind: reconcile.IntentPause, TxHash: "0xabc"})
	assert.Nil(t, pause.RequestedValue)
	require.NotNil(t, pause.TxHash)
	assert.Equal(t, "0xabc", *pause.TxHash)
}

func TestAlertRecordRoundTrip(t *testing.T) {
	a := alerting.Alert{
		ID:              "a-1",
		Kind:            alerting.KindTransactionBlocked,
		Severity:        alerting.SeverityCritical,
		Title:           "Transaction blocked",
		SourceEventID:   "evt-9",
		Fingerprint:     "transaction_blocked",
		OccurrenceCount: 2,
		FirstSeen:       time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC),
		LastSeen:        time.Date(2025, 5, 1, 8, 0, 30, 0, time.UTC),
	}
	rec := NewAlertRecord(a)
	require.NotNil(t, rec.SourceEventID)
	assert.Equal(t, a, rec.Alert())

	a.SourceEventID = ""
	assert.Nil(t, NewAlertRecord(a).SourceEventID)
}

func TestNilStoreReportsNotConfigured(t *testing.T) {
	var s *Store
	_, err := s.ListRecentSnapshots(context.Background(), 10)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, s.RecordAlert(context.Background(), alerting.Alert{}), ErrNotConfigured)
	_, _, err = s.TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestMigrationFilesSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_more.sql", "0001_init.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	files, err := MigrationFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "0001_init.sql", filepath.Base(files[0]))
	assert.Equal(t, "0002_more.sql", filepath.Base(files[1]))
}
