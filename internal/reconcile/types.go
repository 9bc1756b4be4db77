package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"guardwatch/internal/telemetry"
)

// GuardState mirrors the guard contract's readable facts.
type GuardState struct {
	IsPaused        bool   `json:"isPaused"`
	Threshold       uint64 `json:"threshold"`
	ThreatDetected  bool   `json:"threatDetected"`
	DetectedAttacks uint64 `json:"detectedAttacks"`
	BlockedCount    uint64 `json:"blockedCount"`
}

// OracleState mirrors the oracle tuple.
type OracleState struct {
	ThreatLevel     uint64          `json:"threatLevel"`
	PriceData       decimal.Decimal `json:"priceData"`
	LastUpdateBlock uint64          `json:"lastUpdateBlock"`
}

// ChainSnapshot is one poll cycle's read of contract state. It replaces the
// previous snapshot as a unit.
type ChainSnapshot struct {
	Guard               GuardState  `json:"guard"`
	Oracle              OracleState `json:"oracle"`
	BlockNumber         uint64      `json:"blockNumber"`
	FetchedAt           time.Time   `json:"fetchedAt"`
	OK                  bool        `json:"ok"`
	FailureReason       string      `json:"failureReason,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	Degraded            bool        `json:"degraded"`
}

// IntentKind names a mutation the operator can request.
type IntentKind string

const (
	IntentPause        IntentKind = "pause"
	IntentUnpause      IntentKind = "unpause"
	IntentSetThreshold IntentKind = "set_threshold"
)

// Field is a mutable contract fact. At most one intent per field may be pending.
type Field string

const (
	FieldPaused    Field = "paused"
	FieldThreshold Field = "threshold"
)

// ParseIntentKind accepts the wire spelling of a kind.
func ParseIntentKind(s string) (IntentKind, bool) {
	switch IntentKind(s) {
	case IntentPause, IntentUnpause, IntentSetThreshold:
		return IntentKind(s), true
	}
	return "", false
}

// Field returns the contract fact the kind mutates.
func (k IntentKind) Field() Field {
	if k == IntentSetThreshold {
		return FieldThreshold
	}
	return FieldPaused
}

// IntentState is the lifecycle position of a CommandIntent.
type IntentState string

const (
	IntentPending   IntentState = "pending"
	IntentConfirmed IntentState = "confirmed"
	IntentFailed    IntentState = "failed"
)

// CommandIntent tracks one operator mutation from submission to a terminal state.
type CommandIntent struct {
	ID             string      `json:"id"`
	Kind           IntentKind  `json:"kind"`
	RequestedValue *uint64     `json:"requestedValue,omitempty"`
	State          IntentState `json:"state"`
	SubmittedAt    time.Time   `json:"submittedAt"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
	TxHash         string      `json:"txHash,omitempty"`
	Error          string      `json:"error,omitempty"`
	CyclesWaited   int         `json:"cyclesWaited"`
}

// Terminal reports whether the intent reached Confirmed or Failed.
func (i CommandIntent) Terminal() bool {
	return i.State == IntentConfirmed || i.State == IntentFailed
}

// wantPaused is the pause flag the intent asks for.
func (i CommandIntent) wantPaused() bool {
	return i.Kind == IntentPause
}

// BoolField is an authoritative boolean, possibly showing an unconfirmed overlay.
type BoolField struct {
	Value    bool   `json:"value"`
	Pending  bool   `json:"pending"`
	IntentID string `json:"intentId,omitempty"`
}

// UintField is an authoritative number, possibly showing an unconfirmed overlay.
type UintField struct {
	Value    uint64 `json:"value"`
	Pending  bool   `json:"pending"`
	IntentID string `json:"intentId,omitempty"`
}

// GuardView is GuardState with overlays applied.
type GuardView struct {
	IsPaused        BoolField `json:"isPaused"`
	Threshold       UintField `json:"threshold"`
	ThreatDetected  bool      `json:"threatDetected"`
	DetectedAttacks uint64    `json:"detectedAttacks"`
	BlockedCount    uint64    `json:"blockedCount"`
}

// LiveSignals are telemetry-sourced values with no on-chain counterpart.
type LiveSignals struct {
	ThreatLevel     float64               `json:"threatLevel"`
	ActiveThreats   int64                 `json:"activeThreats"`
	ProcessingTime  float64               `json:"processingTime"`
	ThreatLevelAt   time.Time             `json:"threatLevelAt"`
	MetricsAt       time.Time             `json:"metricsAt"`
	AdvisoryBlocked uint64                `json:"advisoryBlocked"`
	LastBlockedAt   time.Time             `json:"lastBlockedAt"`
	LastAnomaly     *telemetry.Anomaly    `json:"lastAnomaly,omitempty"`
	Detections      []telemetry.Detection `json:"detections"`
}

// Threat level provenance for ReconciledState.ThreatLevel.
const (
	SourceNone      = "none"
	SourceOracle    = "oracle"
	SourceTelemetry = "telemetry"
)

// ReconciledState is the merged view every consumer reads.
type ReconciledState struct {
	Version             uint64          `json:"version"`
	HasSnapshot         bool            `json:"hasSnapshot"`
	Guard               GuardView       `json:"guard"`
	Oracle              OracleState     `json:"oracle"`
	BlockNumber         uint64          `json:"blockNumber"`
	ThreatLevel         float64         `json:"threatLevel"`
	ThreatLevelSource   string          `json:"threatLevelSource"`
	Live                LiveSignals     `json:"live"`
	SnapshotFetchedAt   time.Time       `json:"snapshotFetchedAt"`
	LastPollAt          time.Time       `json:"lastPollAt"`
	SnapshotOK          bool            `json:"snapshotOk"`
	FailureReason       string          `json:"failureReason,omitempty"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	Degraded            bool            `json:"degraded"`
	Connected           bool            `json:"connected"`
	Intents             []CommandIntent `json:"intents"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Intent returns the visible intent with the given id.
func (s ReconciledState) Intent(id string) (CommandIntent, bool) {
	for _, in := range s.Intents {
		if in.ID == id {
			return in, true
		}
	}
	return CommandIntent{}, false
}
