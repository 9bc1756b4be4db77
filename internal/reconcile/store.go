package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"guardwatch/internal/telemetry"
)

var (
	// ErrStaleSnapshot is returned for a snapshot fetched before the active one.
	ErrStaleSnapshot = errors.New("reconcile: stale snapshot")
	// ErrFieldPending is returned when a different intent already holds the field.
	ErrFieldPending = errors.New("reconcile: field already has a pending intent")
	// ErrIntentResolved is returned for effects on an intent that already reached a terminal state.
	ErrIntentResolved = errors.New("reconcile: intent already resolved")
	// ErrUnsupportedEvent is returned for telemetry the store does not merge.
	ErrUnsupportedEvent = errors.New("reconcile: unsupported telemetry event")
)

const (
	defaultConfirmCycles = 6
	defaultIntentGrace   = 5 * time.Second
	defaultMaxDetections = 100
)

// Listener observes every merged state, in strictly increasing version order.
// Listeners run synchronously and must not call back into Apply*.
type Listener func(ReconciledState)

// Options tune merge behaviour.
type Options struct {
	ConfirmCycles int
	IntentGrace   time.Duration
	MaxDetections int
	Now           func() time.Time
}

// Store is the single writer of ReconciledState.
type Store struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	notifyMu sync.Mutex

	version uint64

	active     ChainSnapshot
	hasGood    bool
	lastPollAt time.Time
	pollOK     bool
	failure    string
	failures   int
	degraded   bool

	live      LiveSignals
	connected bool

	overlays map[Field]*CommandIntent
	resolved []CommandIntent

	listeners  map[int]Listener
	nextListen int
}

// NewStore constructs an empty store.
func NewStore(opts Options, logger zerolog.Logger) *Store {
	if opts.ConfirmCycles <= 0 {
		opts.ConfirmCycles = defaultConfirmCycles
	}
	if opts.IntentGrace <= 0 {
		opts.IntentGrace = defaultIntentGrace
	}
	if opts.MaxDetections <= 0 {
		opts.MaxDetections = defaultMaxDetections
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		opts:      opts,
		logger:    logger.With().Str("component", "reconcile_store").Logger(),
		overlays:  make(map[Field]*CommandIntent),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns a func that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// State returns the current merged view.
func (s *Store) State() ReconciledState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildLocked(s.opts.Now())
}

// ApplySnapshot merges a poll result. Snapshots older than the latest accepted
// one are dropped with ErrStaleSnapshot.
func (s *Store) ApplySnapshot(snap ChainSnapshot) error {
	s.mu.Lock()
	if snap.FetchedAt.Before(s.lastPollAt) {
		last := s.lastPollAt
		s.mu.Unlock()
		s.logger.Debug().Time("fetched_at", snap.FetchedAt).Time("active_fetched_at", last).Msg("dropping out-of-order snapshot")
		return fmt.Errorf("%w: fetched %s before %s", ErrStaleSnapshot, snap.FetchedAt.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}

	now := s.opts.Now()
	s.lastPollAt = snap.FetchedAt
	s.pollOK = snap.OK
	s.failure = snap.FailureReason
	s.failures = snap.ConsecutiveFailures
	s.degraded = snap.Degraded
	if snap.OK {
		s.active = snap
		s.hasGood = true
	}

	s.resolveOverlaysLocked(snap, now)
	s.commitLocked(now)
	return nil
}

func (s *Store) resolveOverlaysLocked(snap ChainSnapshot, now time.Time) {
	for _, field := range []Field{FieldPaused, FieldThreshold} {
		intent, ok := s.overlays[field]
		if !ok {
			continue
		}
		if snap.FetchedAt.Before(intent.SubmittedAt) {
			continue
		}

		if snap.OK && observed(*intent, snap.Guard) {
			intent.State = IntentConfirmed
			s.resolveLocked(field, now)
			s.logger.Info().Str("intent_id", intent.ID).Str("kind", string(intent.Kind)).Msg("intent confirmed on-chain")
			continue
		}

		intent.CyclesWaited++
		if intent.CyclesWaited >= s.opts.ConfirmCycles {
			intent.State = IntentFailed
			intent.Error = fmt.Sprintf("timeout: change not observed on-chain after %d poll cycles", intent.CyclesWaited)
			s.resolveLocked(field, now)
			s.logger.Warn().Str("intent_id", intent.ID).Str("kind", string(intent.Kind)).Msg("intent timed out")
		}
	}
}

func observed(intent CommandIntent, guard GuardState) bool {
	switch intent.Kind.Field() {
	case FieldPaused:
		return guard.IsPaused == intent.wantPaused()
	case FieldThreshold:
		return intent.RequestedValue != nil && guard.Threshold == *intent.RequestedValue
	}
	return false
}

// ApplyTelemetry merges a live signal. Authoritative contract facts are never touched.
func (s *Store) ApplyTelemetry(ev telemetry.Event) error {
	s.mu.Lock()

	switch ev.Kind {
	case telemetry.KindThreatLevelUpdate:
		if ev.ThreatLevel == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s without payload", ErrUnsupportedEvent, ev.Kind)
		}
		s.live.ThreatLevel = ev.ThreatLevel.Level
		s.live.ActiveThreats = ev.ThreatLevel.ActiveThreats
		s.live.ThreatLevelAt = ev.ReceivedAt
	case telemetry.KindProcessingMetrics:
		if ev.Metrics == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s without payload", ErrUnsupportedEvent, ev.Kind)
		}
		s.live.ProcessingTime = ev.Metrics.AvgProcessingTime
		s.live.MetricsAt = ev.ReceivedAt
	case telemetry.KindTransactionBlocked:
		s.live.AdvisoryBlocked++
		s.live.LastBlockedAt = ev.ReceivedAt
	case telemetry.KindMLDetection:
		if ev.Detection == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s without payload", ErrUnsupportedEvent, ev.Kind)
		}
		detections := make([]telemetry.Detection, 0, s.opts.MaxDetections)
		detections = append(detections, *ev.Detection)
		for _, d := range s.live.Detections {
			if len(detections) == s.opts.MaxDetections {
				break
			}
			detections = append(detections, d)
		}
		s.live.Detections = detections
	case telemetry.KindAnomalyAlert:
		if ev.Anomaly == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s without payload", ErrUnsupportedEvent, ev.Kind)
		}
		anomaly := *ev.Anomaly
		s.live.LastAnomaly = &anomaly
	case telemetry.KindConnectionState:
		if ev.Connection == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s without payload", ErrUnsupportedEvent, ev.Kind)
		}
		s.connected = ev.Connection.Connected
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnsupportedEvent, ev.Kind)
	}

	s.commitLocked(s.opts.Now())
	return nil
}

// ApplyCommandEffect installs, updates or removes an optimistic overlay.
// A Pending intent sets the overlay; a Failed or Confirmed one removes it.
func (s *Store) ApplyCommandEffect(intent CommandIntent) error {
	s.mu.Lock()
	now := s.opts.Now()
	field := intent.Kind.Field()
	current, hasCurrent := s.overlays[field]

	switch intent.State {
	case IntentPending:
		if hasCurrent && current.ID != intent.ID {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s held by %s", ErrFieldPending, field, current.ID)
		}
		if !hasCurrent && s.isResolvedLocked(intent.ID) {
			s.mu.Unlock()
			return ErrIntentResolved
		}
		copied := intent
		if hasCurrent {
			copied.CyclesWaited = current.CyclesWaited
		}
		s.overlays[field] = &copied
	case IntentFailed, IntentConfirmed:
		if !hasCurrent || current.ID != intent.ID {
			s.mu.Unlock()
			return ErrIntentResolved
		}
		current.State = intent.State
		current.Error = intent.Error
		if intent.TxHash != "" {
			current.TxHash = intent.TxHash
		}
		s.resolveLocked(field, now)
	default:
		s.mu.Unlock()
		return fmt.Errorf("reconcile: unknown intent state %q", intent.State)
	}

	s.commitLocked(now)
	return nil
}

// AttachTxHash records the transaction hash on the overlay currently held by
// intent id. It never re-creates an overlay: once the intent is terminal,
// pruned or not, it returns ErrIntentResolved.
func (s *Store) AttachTxHash(id string, kind IntentKind, hash string) error {
	s.mu.Lock()
	current, ok := s.overlays[kind.Field()]
	if !ok || current.ID != id {
		s.mu.Unlock()
		return ErrIntentResolved
	}
	if current.TxHash == hash {
		s.mu.Unlock()
		return nil
	}
	current.TxHash = hash
	s.commitLocked(s.opts.Now())
	return nil
}

// PendingIntent returns the pending intent for a field, if any.
func (s *Store) PendingIntent(field Field) (CommandIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.overlays[field]
	if !ok {
		return CommandIntent{}, false
	}
	return *intent, true
}

func (s *Store) resolveLocked(field Field, now time.Time) {
	intent := s.overlays[field]
	delete(s.overlays, field)
	resolvedAt := now
	intent.ResolvedAt = &resolvedAt
	s.resolved = append(s.resolved, *intent)
}

func (s *Store) isResolvedLocked(id string) bool {
	for _, in := range s.resolved {
		if in.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) pruneLocked(now time.Time) {
	kept := s.resolved[:0]
	for _, in := range s.resolved {
		if in.ResolvedAt != nil && now.Sub(*in.ResolvedAt) > s.opts.IntentGrace {
			continue
		}
		kept = append(kept, in)
	}
	s.resolved = kept
}

// commitLocked bumps the version and notifies listeners in order. It releases s.mu.
func (s *Store) commitLocked(now time.Time) {
	s.pruneLocked(now)
	s.version++
	state := s.buildLocked(now)

	listeners := make([]Listener, 0, len(s.listeners))
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}

func (s *Store) buildLocked(now time.Time) ReconciledState {
	state := ReconciledState{
		Version:             s.version,
		HasSnapshot:         s.hasGood,
		Oracle:              s.active.Oracle,
		BlockNumber:         s.active.BlockNumber,
		SnapshotFetchedAt:   s.active.FetchedAt,
		LastPollAt:          s.lastPollAt,
		SnapshotOK:          s.pollOK,
		FailureReason:       s.failure,
		ConsecutiveFailures: s.failures,
		Degraded:            s.degraded,
		Connected:           s.connected,
		UpdatedAt:           now,
		Guard: GuardView{
			IsPaused:        BoolField{Value: s.active.Guard.IsPaused},
			Threshold:       UintField{Value: s.active.Guard.Threshold},
			ThreatDetected:  s.active.Guard.ThreatDetected,
			DetectedAttacks: s.active.Guard.DetectedAttacks,
			BlockedCount:    s.active.Guard.BlockedCount,
		},
	}

	state.Live = s.live
	state.Live.Detections = append([]telemetry.Detection(nil), s.live.Detections...)
	if s.live.LastAnomaly != nil {
		anomaly := *s.live.LastAnomaly
		state.Live.LastAnomaly = &anomaly
	}

	switch {
	case !s.live.ThreatLevelAt.IsZero() && (!s.hasGood || s.live.ThreatLevelAt.After(s.active.FetchedAt)):
		state.ThreatLevel = s.live.ThreatLevel
		state.ThreatLevelSource = SourceTelemetry
	case s.hasGood:
		state.ThreatLevel = float64(s.active.Oracle.ThreatLevel)
		state.ThreatLevelSource = SourceOracle
	default:
		state.ThreatLevelSource = SourceNone
	}

	if in, ok := s.overlays[FieldPaused]; ok {
		state.Guard.IsPaused = BoolField{Value: in.wantPaused(), Pending: true, IntentID: in.ID}
	}
	if in, ok := s.overlays[FieldThreshold]; ok && in.RequestedValue != nil {
		state.Guard.Threshold = UintField{Value: *in.RequestedValue, Pending: true, IntentID: in.ID}
	}

	intents := make([]CommandIntent, 0, len(s.overlays)+len(s.resolved))
	for _, in := range s.overlays {
		intents = append(intents, copyIntent(*in))
	}
	for _, in := range s.resolved {
		if in.ResolvedAt != nil && now.Sub(*in.ResolvedAt) > s.opts.IntentGrace {
			continue
		}
		intents = append(intents, copyIntent(in))
	}
	sort.SliceStable(intents, func(i, j int) bool {
		if intents[i].SubmittedAt.Equal(intents[j].SubmittedAt) {
			return intents[i].ID < intents[j].ID
		}
		return intents[i].SubmittedAt.Before(intents[j].SubmittedAt)
	})
	state.Intents = intents

	return state
}

func copyIntent(in CommandIntent) CommandIntent {
	if in.RequestedValue != nil {
		v := *in.RequestedValue
		in.RequestedValue = &v
	}
	if in.ResolvedAt != nil {
		t := *in.ResolvedAt
		in.ResolvedAt = &t
	}
	return in
}
