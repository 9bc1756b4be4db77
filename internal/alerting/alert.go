package alerting

import (
	"time"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// ParseSeverity maps config spelling to a Severity, defaulting to info.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityWarning, SeverityCritical:
		return Severity(s)
	}
	return SeverityInfo
}

// Kind classifies what raised the alert.
type Kind string

const (
	KindTransactionBlocked Kind = "transaction_blocked"
	KindThreatLevelHigh    Kind = "threat_level_high"
	KindIntentFailed       Kind = "intent_failed"
	KindPollerDegraded     Kind = "poller_degraded"
	KindAnomaly            Kind = "anomaly_detected"
	KindStreamDisconnected Kind = "stream_disconnected"
)

// Alert is a deduplicated, user-facing notification.
type Alert struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	Severity        Severity  `json:"severity"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	SourceEventID   string    `json:"sourceEventId,omitempty"`
	Fingerprint     string    `json:"fingerprint"`
	OccurrenceCount int       `json:"occurrenceCount"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
}
