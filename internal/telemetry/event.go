package telemetry

import (
	"encoding/json"
	"time"
)

// Kind classifies a TelemetryEvent.
type Kind string

const (
	KindThreatLevelUpdate  Kind = "threat_level_update"
	KindMLDetection        Kind = "ml_detection"
	KindTransactionBlocked Kind = "transaction_blocked"
	KindProcessingMetrics  Kind = "processing_metrics"
	KindAnomalyAlert       Kind = "anomaly_alert"

	// KindConnectionState is emitted by the stream client itself on connect/disconnect.
	KindConnectionState Kind = "connection_state"
)

// ThreatLevel is the payload of a threat_level_update event.
type ThreatLevel struct {
	Level         float64 `json:"level"`
	ActiveThreats int64   `json:"activeThreats"`
}

// Metrics is the payload of a processing_metrics event.
type Metrics struct {
	AvgProcessingTime float64 `json:"avgProcessingTime"`
}

// Detection carries an ML detection. Fields the backend adds beyond the
// well-known ones are kept in Fields.
type Detection struct {
	TxHash     string         `json:"txHash,omitempty"`
	Prediction string         `json:"prediction,omitempty"`
	Score      float64        `json:"score,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Anomaly is the payload of the backend's "alert" event.
type Anomaly struct {
	Type     string `json:"type"`
	VaultTx  string `json:"vault_tx,omitempty"`
	OracleTx string `json:"oracle_tx,omitempty"`
}

// Connection describes a transport state transition.
type Connection struct {
	Connected bool   `json:"connected"`
	Attempt   int    `json:"attempt,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Event is one normalized inbound signal. Exactly one payload pointer is set
// for kinds that carry a payload; transaction_blocked carries none.
type Event struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	ThreatLevel *ThreatLevel    `json:"threatLevel,omitempty"`
	Detection   *Detection      `json:"detection,omitempty"`
	Metrics     *Metrics        `json:"metrics,omitempty"`
	Anomaly     *Anomaly        `json:"anomaly,omitempty"`
	Connection  *Connection     `json:"connection,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// Handler consumes events.
type Handler func(Event)
