package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"guardwatch/internal/alerting"
	"guardwatch/internal/reconcile"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertSnapshotSQL = `INSERT INTO chain_snapshots (
        fetched_at,
        block_number,
        is_paused,
        withdraw_threshold,
        threat_detected,
        blocked_count,
        oracle_threat_level,
        price_data,
        last_update_block,
        ok,
        failure_reason,
        consecutive_failures,
        degraded
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (fetched_at) DO NOTHING;`

	snapshotColumns = `id,
        fetched_at,
        block_number,
        is_paused,
        withdraw_threshold,
        threat_detected,
        blocked_count,
        oracle_threat_level,
        price_data,
        last_update_block,
        ok,
        failure_reason,
        consecutive_failures,
        degraded,
        created_at`

	listSnapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM chain_snapshots
    WHERE fetched_at >= $1
      AND fetched_at < $2
    ORDER BY fetched_at
    LIMIT $3;`

	listRecentSnapshotsSQL = `SELECT ` + snapshotColumns + `
    FROM chain_snapshots
    ORDER BY fetched_at DESC
    LIMIT $1;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM chain_snapshots;`

	deleteSnapshotsBeforeSQL = `DELETE FROM chain_snapshots WHERE fetched_at < $1;`

	upsertAlertSQL = `INSERT INTO alerts (
        id,
        kind,
        severity,
        title,
        message,
        source_event_id,
        fingerprint,
        occurrence_count,
        first_seen,
        last_seen
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO UPDATE
    SET message          = EXCLUDED.message,
        source_event_id  = COALESCE(EXCLUDED.source_event_id, alerts.source_event_id),
        occurrence_count = EXCLUDED.occurrence_count,
        last_seen        = EXCLUDED.last_seen;`

	listRecentAlertsSQL = `SELECT
        id,
        kind,
        severity,
        title,
        message,
        source_event_id,
        fingerprint,
        occurrence_count,
        first_seen,
        last_seen,
        created_at
    FROM alerts
    ORDER BY last_seen DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE last_seen < $1;`

	upsertIntentSQL = `INSERT INTO command_intents (
        id,
        kind,
        requested_value,
        state,
        submitted_at,
        resolved_at,
        tx_hash,
        error,
        cycles_waited
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (id) DO UPDATE
    SET state         = EXCLUDED.state,
        resolved_at   = EXCLUDED.resolved_at,
        tx_hash       = COALESCE(EXCLUDED.tx_hash, command_intents.tx_hash),
        error         = EXCLUDED.error,
        cycles_waited = EXCLUDED.cycles_waited,
        updated_at    = NOW();`

	listRecentIntentsSQL = `SELECT
        id,
        kind,
        requested_value,
        state,
        submitted_at,
        resolved_at,
        tx_hash,
        error,
        cycles_waited,
        updated_at
    FROM command_intents
    ORDER BY submitted_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore persists poll cycles.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap reconcile.ChainSnapshot) error
	ListSnapshotsBetween(ctx context.Context, from, to time.Time, limit int) ([]SnapshotRecord, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error)
	CountSnapshots(ctx context.Context) (int64, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	RecordAlert(ctx context.Context, alert alerting.Alert) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// IntentStore persists command intent lifecycles.
type IntentStore interface {
	UpsertIntent(ctx context.Context, intent reconcile.CommandIntent) error
	ListRecentIntents(ctx context.Context, limit int) ([]IntentRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to snapshots, alerts and intents.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ SnapshotStore     = (*Store)(nil)
	_ AlertStore        = (*Store)(nil)
	_ IntentStore       = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
	_ alerting.Recorder = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// unlock is best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSnapshot persists a poll cycle. Duplicate fetch times are ignored.
func (s *Store) InsertSnapshot(ctx context.Context, snap reconcile.ChainSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rec := NewSnapshotRecord(snap)
	var reason interface{}
	if rec.FailureReason != nil {
		reason = *rec.FailureReason
	}

	_, execErr := pool.Exec(ctx, insertSnapshotSQL,
		rec.FetchedAt,
		rec.BlockNumber,
		rec.IsPaused,
		rec.Threshold,
		rec.ThreatDetected,
		rec.BlockedCount,
		rec.OracleThreatLevel,
		rec.PriceData.String(),
		rec.LastUpdateBlock,
		rec.OK,
		reason,
		rec.ConsecutiveFailures,
		rec.Degraded,
	)
	if execErr != nil {
		return fmt.Errorf("insert snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots within a time window, oldest first.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time, limit int) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	return collectSnapshots(rows)
}

// ListRecentSnapshots lists the most recent snapshots, newest first.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	return collectSnapshots(rows)
}

// CountSnapshots counts stored snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// DeleteSnapshotsBefore prunes history.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return nil
}

// RecordAlert inserts an alert or refreshes its occurrence count.
func (s *Store) RecordAlert(ctx context.Context, alert alerting.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rec := NewAlertRecord(alert)
	_, execErr := pool.Exec(ctx, upsertAlertSQL,
		rec.ID,
		rec.Kind,
		rec.Severity,
		rec.Title,
		rec.Message,
		rec.SourceEventID,
		rec.Fingerprint,
		rec.OccurrenceCount,
		rec.FirstSeen,
		rec.LastSeen,
	)
	if execErr != nil {
		return fmt.Errorf("record alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.Severity,
			&rec.Title,
			&rec.Message,
			&rec.SourceEventID,
			&rec.Fingerprint,
			&rec.OccurrenceCount,
			&rec.FirstSeen,
			&rec.LastSeen,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// UpsertIntent records the latest lifecycle position of an intent.
func (s *Store) UpsertIntent(ctx context.Context, intent reconcile.CommandIntent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	rec := NewIntentRecord(intent)
	_, execErr := pool.Exec(ctx, upsertIntentSQL,
		rec.ID,
		rec.Kind,
		rec.RequestedValue,
		rec.State,
		rec.SubmittedAt,
		rec.ResolvedAt,
		rec.TxHash,
		rec.Error,
		rec.CyclesWaited,
	)
	if execErr != nil {
		return fmt.Errorf("upsert intent: %w", execErr)
	}
	return nil
}

// ListRecentIntents lists intents, newest submission first.
func (s *Store) ListRecentIntents(ctx context.Context, limit int) ([]IntentRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentIntentsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent intents: %w", queryErr)
	}
	defer rows.Close()

	intents := make([]IntentRecord, 0, limit)
	for rows.Next() {
		var rec IntentRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.RequestedValue,
			&rec.State,
			&rec.SubmittedAt,
			&rec.ResolvedAt,
			&rec.TxHash,
			&rec.Error,
			&rec.CyclesWaited,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		intents = append(intents, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return intents, nil
}

func collectSnapshots(rows pgx.Rows) ([]SnapshotRecord, error) {
	defer rows.Close()

	snaps := make([]SnapshotRecord, 0)
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func scanSnapshot(rows pgx.Rows) (SnapshotRecord, error) {
	var (
		rec      SnapshotRecord
		priceStr string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.FetchedAt,
		&rec.BlockNumber,
		&rec.IsPaused,
		&rec.Threshold,
		&rec.ThreatDetected,
		&rec.BlockedCount,
		&rec.OracleThreatLevel,
		&priceStr,
		&rec.LastUpdateBlock,
		&rec.OK,
		&rec.FailureReason,
		&rec.ConsecutiveFailures,
		&rec.Degraded,
		&rec.CreatedAt,
	); err != nil {
		return SnapshotRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("parse price data: %w", err)
	}
	rec.PriceData = price
	return rec, nil
}
