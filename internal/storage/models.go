package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"guardwatch/internal/alerting"
	"guardwatch/internal/reconcile"
)

// SnapshotRecord is a persisted poll cycle.
type SnapshotRecord struct {
	ID                  int64
	FetchedAt           time.Time
	BlockNumber         int64
	IsPaused            bool
	Threshold           int64
	ThreatDetected      bool
	BlockedCount        int64
	OracleThreatLevel   int64
	PriceData           decimal.Decimal
	LastUpdateBlock     int64
	OK                  bool
	FailureReason       *string
	ConsecutiveFailures int
	Degraded            bool
	CreatedAt           time.Time
}

// NewSnapshotRecord flattens a snapshot for persistence.
func NewSnapshotRecord(snap reconcile.ChainSnapshot) SnapshotRecord {
	rec := SnapshotRecord{
		FetchedAt:           snap.FetchedAt.UTC(),
		BlockNumber:         int64(snap.BlockNumber),
		IsPaused:            snap.Guard.IsPaused,
		Threshold:           int64(snap.Guard.Threshold),
		ThreatDetected:      snap.Guard.ThreatDetected,
		BlockedCount:        int64(snap.Guard.BlockedCount),
		OracleThreatLevel:   int64(snap.Oracle.ThreatLevel),
		PriceData:           snap.Oracle.PriceData,
		LastUpdateBlock:     int64(snap.Oracle.LastUpdateBlock),
		OK:                  snap.OK,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		Degraded:            snap.Degraded,
	}
	if snap.FailureReason != "" {
		reason := snap.FailureReason
		rec.FailureReason = &reason
	}
	return rec
}

// Snapshot rebuilds the domain value.
func (r SnapshotRecord) Snapshot() reconcile.ChainSnapshot {
	snap := reconcile.ChainSnapshot{
		Guard: reconcile.GuardState{
			IsPaused:       r.IsPaused,
			Threshold:      uint64(r.Threshold),
			ThreatDetected: r.ThreatDetected,
			BlockedCount:   uint64(r.BlockedCount),
		},
		Oracle: reconcile.OracleState{
			ThreatLevel:     uint64(r.OracleThreatLevel),
			PriceData:       r.PriceData,
			LastUpdateBlock: uint64(r.LastUpdateBlock),
		},
		BlockNumber:         uint64(r.BlockNumber),
		FetchedAt:           r.FetchedAt,
		OK:                  r.OK,
		ConsecutiveFailures: r.ConsecutiveFailures,
		Degraded:            r.Degraded,
	}
	if r.ThreatDetected {
		snap.Guard.DetectedAttacks = 1
	}
	if r.FailureReason != nil {
		snap.FailureReason = *r.FailureReason
	}
	return snap
}

// AlertRecord captures an emitted alert for auditing.
type AlertRecord struct {
	ID              string
	Kind            string
	Severity        string
	Title           string
	Message         string
	SourceEventID   *string
	Fingerprint     string
	OccurrenceCount int
	FirstSeen       time.Time
	LastSeen        time.Time
	CreatedAt       time.Time
}

// NewAlertRecord converts an alert for persistence.
func NewAlertRecord(a alerting.Alert) AlertRecord {
	var source *string
	if a.SourceEventID != "" {
		id := a.SourceEventID
		source = &id
	}
	return AlertRecord{
		ID:              a.ID,
		Kind:            string(a.Kind),
		Severity:        string(a.Severity),
		Title:           a.Title,
		Message:         a.Message,
		SourceEventID:   source,
		Fingerprint:     a.Fingerprint,
		OccurrenceCount: a.OccurrenceCount,
		FirstSeen:       a.FirstSeen.UTC(),
		LastSeen:        a.LastSeen.UTC(),
	}
}

// Alert rebuilds the domain value.
func (r AlertRecord) Alert() alerting.Alert {
	source := ""
	if r.SourceEventID != nil {
		source = *r.SourceEventID
	}
	return alerting.Alert{
		ID:              r.ID,
		Kind:            alerting.Kind(r.Kind),
		Severity:        alerting.Severity(r.Severity),
		Title:           r.Title,
		Message:         r.Message,
		SourceEventID:   source,
		Fingerprint:     r.Fingerprint,
		OccurrenceCount: r.OccurrenceCount,
		FirstSeen:       r.FirstSeen,
		LastSeen:        r.LastSeen,
	}
}

// IntentRecord is a persisted command intent lifecycle.
type IntentRecord struct {
	ID             string
	Kind           string
	RequestedValue *int64
	State          string
	SubmittedAt    time.Time
	ResolvedAt     *time.Time
	TxHash         *string
	Error          *string
	CyclesWaited   int
	UpdatedAt      time.Time
}

// NewIntentRecord converts an intent for persistence.
func NewIntentRecord(in reconcile.CommandIntent) IntentRecord {
	rec := IntentRecord{
		ID:           in.ID,
		Kind:         string(in.Kind),
		State:        string(in.State),
		SubmittedAt:  in.SubmittedAt.UTC(),
		ResolvedAt:   in.ResolvedAt,
		CyclesWaited: in.CyclesWaited,
	}
	if in.RequestedValue != nil {
		v := int64(*in.RequestedValue)
		rec.RequestedValue = &v
	}
	if in.TxHash != "" {
		h := in.TxHash
		rec.TxHash = &h
	}
	if in.Error != "" {
		e := in.Error
		rec.Error = &e
	}
	return rec
}

// Intent rebuilds the domain value.
func (r IntentRecord) Intent() reconcile.CommandIntent {
	in := reconcile.CommandIntent{
		ID:           r.ID,
		Kind:         reconcile.IntentKind(r.Kind),
		State:        reconcile.IntentState(r.State),
		SubmittedAt:  r.SubmittedAt,
		ResolvedAt:   r.ResolvedAt,
		CyclesWaited: r.CyclesWaited,
	}
	if r.RequestedValue != nil {
		v := uint64(*r.RequestedValue)
		in.RequestedValue = &v
	}
	if r.TxHash != nil {
		in.TxHash = *r.TxHash
	}
	if r.Error != nil {
		in.Error = *r.Error
	}
	return in
}
