package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMalformed indicates a frame that could not be parsed.
	ErrMalformed = errors.New("telemetry: malformed frame")
	// ErrUnknownEvent indicates a well-formed frame naming an event we do not handle.
	ErrUnknownEvent = errors.New("telemetry: unknown event")
)

// FrameType distinguishes data frames from transport housekeeping.
type FrameType int

const (
	FrameEvent FrameType = iota
	FramePing
	FrameControl
)

// Frame is a parsed inbound message before classification.
type Frame struct {
	Type    FrameType
	Name    string
	Payload json.RawMessage
}

type envelope struct {
	Event string          `json:"event"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

// ParseFrame accepts either a JSON envelope {"event": name, "data": {...}}
// or a socket.io text packet such as 42["name",{...}].
func ParseFrame(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	if data[0] == '{' {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		name := env.Event
		if name == "" {
			name = env.Type
		}
		if name == "" {
			return Frame{}, fmt.Errorf("%w: missing event name", ErrMalformed)
		}
		return Frame{Type: FrameEvent, Name: name, Payload: env.Data}, nil
	}

	return parseSocketIO(data)
}

func parseSocketIO(data []byte) (Frame, error) {
	switch {
	case bytes.Equal(data, []byte("2")):
		return Frame{Type: FramePing}, nil
	case data[0] == '0' || data[0] == '3' || bytes.HasPrefix(data, []byte("40")) || bytes.HasPrefix(data, []byte("41")):
		return Frame{Type: FrameControl}, nil
	case bytes.HasPrefix(data, []byte("42")):
	default:
		return Frame{}, fmt.Errorf("%w: unsupported packet %q", ErrMalformed, truncate(data))
	}

	body := data[2:]
	// namespaced packets look like 42/ns,["name",...]
	if len(body) > 0 && body[0] == '/' {
		idx := bytes.IndexByte(body, ',')
		if idx < 0 {
			return Frame{}, fmt.Errorf("%w: bad namespace", ErrMalformed)
		}
		body = body[idx+1:]
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) == 0 {
		return Frame{}, fmt.Errorf("%w: empty event array", ErrMalformed)
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil || name == "" {
		return Frame{}, fmt.Errorf("%w: event name must be a string", ErrMalformed)
	}

	frame := Frame{Type: FrameEvent, Name: name}
	if len(parts) > 1 {
		frame.Payload = parts[1]
	}
	return frame, nil
}

// Decode classifies a named payload into an Event.
func Decode(name string, payload json.RawMessage, receivedAt time.Time) (Event, error) {
	ev := Event{ID: uuid.NewString(), ReceivedAt: receivedAt, Raw: payload}

	switch name {
	case string(KindThreatLevelUpdate):
		var raw struct {
			Level         *float64 `json:"level"`
			ActiveThreats int64    `json:"activeThreats"`
		}
		if err := unmarshalPayload(payload, &raw); err != nil {
			return Event{}, err
		}
		switch {
		case raw.Level == nil:
			return Event{}, fmt.Errorf("%w: threat level missing", ErrMalformed)
		case *raw.Level < 0:
			return Event{}, fmt.Errorf("%w: negative threat level", ErrMalformed)
		}
		ev.Kind = KindThreatLevelUpdate
		ev.ThreatLevel = &ThreatLevel{Level: *raw.Level, ActiveThreats: raw.ActiveThreats}
	case string(KindMLDetection):
		det, err := decodeDetection(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Kind = KindMLDetection
		ev.Detection = det
	case string(KindTransactionBlocked):
		ev.Kind = KindTransactionBlocked
	case string(KindProcessingMetrics):
		var m Metrics
		if err := unmarshalPayload(payload, &m); err != nil {
			return Event{}, err
		}
		ev.Kind = KindProcessingMetrics
		ev.Metrics = &m
	case "alert":
		var a Anomaly
		if err := unmarshalPayload(payload, &a); err != nil {
			return Event{}, err
		}
		if a.Type == "" {
			a.Type = "anomaly_detected"
		}
		ev.Kind = KindAnomalyAlert
		ev.Anomaly = &a
	default:
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}

	return ev, nil
}

// ConnectionEvent builds the pseudo-event the stream client emits on transitions.
func ConnectionEvent(connected bool, attempt int, reason string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindConnectionState,
		ReceivedAt: at,
		Connection: &Connection{Connected: connected, Attempt: attempt, Reason: reason},
	}
}

func unmarshalPayload(payload json.RawMessage, dst any) error {
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func decodeDetection(payload json.RawMessage) (*Detection, error) {
	fields := make(map[string]any)
	if err := unmarshalPayload(payload, &fields); err != nil {
		return nil, err
	}

	det := &Detection{Fields: fields}
	for _, key := range []string{"txHash", "tx_hash", "hash"} {
		if v, ok := fields[key].(string); ok {
			det.TxHash = v
			delete(fields, key)
			break
		}
	}
	if v, ok := fields["prediction"]; ok {
		det.Prediction = fmt.Sprint(v)
		delete(fields, "prediction")
	}
	for _, key := range []string{"score", "probability", "confidence"} {
		if v, ok := fields[key].(float64); ok {
			det.Score = v
			delete(fields, key)
			break
		}
	}
	if len(fields) == 0 {
		det.Fields = nil
	}
	return det, nil
}

func truncate(b []byte) string {
	const max = 32
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
