package command

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"guardwatch/internal/chain"
	"guardwatch/internal/reconcile"
)

var (
	// ErrNotConnected means no signer or chain writer is available.
	ErrNotConnected = errors.New("command: chain writer not connected")
	// ErrInvalidValue means the requested value failed validation.
	ErrInvalidValue = errors.New("command: invalid value")
	// ErrAlreadyPending means the target field already has an outstanding intent.
	ErrAlreadyPending = errors.New("command: intent already pending for field")
	// ErrUnknownIntent is returned by Await for ids the pipeline never saw.
	ErrUnknownIntent = errors.New("command: unknown intent")
)

const (
	defaultMinThreshold = 1
	defaultMaxThreshold = 100
	defaultWriteTimeout = 2 * time.Minute
	defaultMaxTracked   = 500
)

// Store is the slice of reconcile.Store the pipeline drives.
type Store interface {
	ApplyCommandEffect(intent reconcile.CommandIntent) error
	AttachTxHash(id string, kind reconcile.IntentKind, hash string) error
	PendingIntent(field reconcile.Field) (reconcile.CommandIntent, bool)
	Subscribe(l reconcile.Listener) func()
}

var _ Store = (*reconcile.Store)(nil)

// Options tune validation and write behaviour.
type Options struct {
	MinThreshold uint64
	MaxThreshold uint64
	WriteTimeout time.Duration
	MaxTracked   int
	Now          func() time.Time
}

// Pipeline accepts operator mutations, shows them optimistically through the
// store, and submits them on-chain without waiting for confirmation.
type Pipeline struct {
	writer chain.Writer
	store  Store
	opts   Options
	logger zerolog.Logger

	submitMu sync.Mutex

	mu        sync.RWMutex
	intents   map[string]reconcile.CommandIntent
	changed   chan struct{}
	observers []func(reconcile.CommandIntent)

	wg          sync.WaitGroup
	unsubscribe func()
	closeOnce   sync.Once
}

// New constructs a pipeline and starts tracking intent lifecycles from the store.
// writer may be nil, in which case every Submit fails with ErrNotConnected.
func New(writer chain.Writer, store Store, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.MinThreshold == 0 {
		opts.MinThreshold = defaultMinThreshold
	}
	if opts.MaxThreshold == 0 {
		opts.MaxThreshold = defaultMaxThreshold
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.MaxTracked <= 0 {
		opts.MaxTracked = defaultMaxTracked
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Pipeline{
		writer:  writer,
		store:   store,
		opts:    opts,
		logger:  logger.With().Str("component", "command_pipeline").Logger(),
		intents: make(map[string]reconcile.CommandIntent),
		changed: make(chan struct{}),
	}
	p.unsubscribe = store.Subscribe(p.sync)
	return p
}

// OnChange registers a callback for every intent lifecycle change. Callbacks
// run on the store's notification path and must not block.
func (p *Pipeline) OnChange(fn func(reconcile.CommandIntent)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Submit validates the request, records a Pending intent and starts the
// on-chain write. It never waits for the write.
func (p *Pipeline) Submit(ctx context.Context, kind reconcile.IntentKind, value string) (reconcile.CommandIntent, error) {
	if p.writer == nil || !p.writer.CanSign() {
		return reconcile.CommandIntent{}, ErrNotConnected
	}

	var requested *uint64
	switch kind {
	case reconcile.IntentPause, reconcile.IntentUnpause:
	case reconcile.IntentSetThreshold:
		v, err := p.parseThreshold(value)
		if err != nil {
			return reconcile.CommandIntent{}, err
		}
		requested = &v
	default:
		return reconcile.CommandIntent{}, fmt.Errorf("%w: unknown command kind %q", ErrInvalidValue, kind)
	}

	p.submitMu.Lock()
	defer p.submitMu.Unlock()

	field := kind.Field()
	if held, ok := p.store.PendingIntent(field); ok {
		return reconcile.CommandIntent{}, fmt.Errorf("%w: %s held by %s", ErrAlreadyPending, field, held.ID)
	}

	intent := reconcile.CommandIntent{
		ID:             uuid.NewString(),
		Kind:           kind,
		RequestedValue: requested,
		State:          reconcile.IntentPending,
		SubmittedAt:    p.opts.Now().UTC(),
	}
	if err := p.store.ApplyCommandEffect(intent); err != nil {
		if errors.Is(err, reconcile.ErrFieldPending) {
			return reconcile.CommandIntent{}, fmt.Errorf("%w: %v", ErrAlreadyPending, err)
		}
		return reconcile.CommandIntent{}, fmt.Errorf("apply pending intent: %w", err)
	}

	p.logger.Info().Str("intent_id", intent.ID).Str("kind", string(kind)).Str("value", value).Msg("intent submitted")

	p.wg.Add(1)
	go p.write(context.WithoutCancel(ctx), intent)

	return copyIntent(intent), nil
}

func (p *Pipeline) parseThreshold(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: threshold is required", ErrInvalidValue)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, raw)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: %q is not a whole number", ErrInvalidValue, raw)
	}
	minV, maxV := decimal.NewFromInt(int64(p.opts.MinThreshold)), decimal.NewFromInt(int64(p.opts.MaxThreshold))
	if d.LessThan(minV) || d.GreaterThan(maxV) {
		return 0, fmt.Errorf("%w: %s outside [%d, %d]", ErrInvalidValue, d.String(), p.opts.MinThreshold, p.opts.MaxThreshold)
	}
	return uint64(d.IntPart()), nil
}

func (p *Pipeline) write(ctx context.Context, intent reconcile.CommandIntent) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, p.opts.WriteTimeout)
	defer cancel()

	var (
		tx  chain.TxHandle
		err error
	)
	switch intent.Kind {
	case reconcile.IntentPause:
		tx, err = p.writer.PauseVault(ctx, true)
	case reconcile.IntentUnpause:
		tx, err = p.writer.PauseVault(ctx, false)
	case reconcile.IntentSetThreshold:
		tx, err = p.writer.SetWithdrawThreshold(ctx, *intent.RequestedValue)
	}

	log := p.logger.With().Str("intent_id", intent.ID).Str("kind", string(intent.Kind)).Logger()

	if err != nil {
		log.Error().Err(err).Msg("chain write failed")
		failed := intent
		failed.State = reconcile.IntentFailed
		failed.Error = err.Error()
		if applyErr := p.store.ApplyCommandEffect(failed); applyErr != nil && !errors.Is(applyErr, reconcile.ErrIntentResolved) {
			log.Error().Err(applyErr).Msg("failed to record write failure")
		}
		return
	}

	log.Info().Str("tx_hash", tx.Hash).Uint64("nonce", tx.Nonce).Msg("transaction accepted; awaiting confirmation")
	if applyErr := p.store.AttachTxHash(intent.ID, intent.Kind, tx.Hash); applyErr != nil {
		if errors.Is(applyErr, reconcile.ErrIntentResolved) {
			log.Warn().Str("tx_hash", tx.Hash).Msg("transaction accepted after the intent resolved")
			return
		}
		log.Error().Err(applyErr).Msg("failed to record transaction hash")
	}
}

// sync mirrors intent lifecycles out of every merged state.
func (p *Pipeline) sync(state reconcile.ReconciledState) {
	var updates []reconcile.CommandIntent

	p.mu.Lock()
	for _, in := range state.Intents {
		prev, ok := p.intents[in.ID]
		if ok && (!changed(prev, in) || (prev.Terminal() && !in.Terminal())) {
			continue
		}
		in = copyIntent(in)
		p.intents[in.ID] = in
		updates = append(updates, in)
	}
	if len(updates) == 0 {
		p.mu.Unlock()
		return
	}
	p.evictLocked()
	close(p.changed)
	p.changed = make(chan struct{})
	observers := append([]func(reconcile.CommandIntent)(nil), p.observers...)
	p.mu.Unlock()

	for _, in := range updates {
		for _, fn := range observers {
			fn(in)
		}
	}
}

func changed(prev, next reconcile.CommandIntent) bool {
	return prev.State != next.State ||
		prev.TxHash != next.TxHash ||
		prev.CyclesWaited != next.CyclesWaited ||
		prev.Error != next.Error
}

// evictLocked drops the oldest terminal intents beyond MaxTracked.
func (p *Pipeline) evictLocked() {
	excess := len(p.intents) - p.opts.MaxTracked
	if excess <= 0 {
		return
	}
	terminal := make([]reconcile.CommandIntent, 0, len(p.intents))
	for _, in := range p.intents {
		if in.Terminal() {
			terminal = append(terminal, in)
		}
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].SubmittedAt.Before(terminal[j].SubmittedAt) })
	for i := 0; i < excess && i < len(terminal); i++ {
		delete(p.intents, terminal[i].ID)
	}
}

// Intent returns the last known lifecycle of an intent.
func (p *Pipeline) Intent(id string) (reconcile.CommandIntent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	in, ok := p.intents[id]
	if !ok {
		return reconcile.CommandIntent{}, false
	}
	return copyIntent(in), true
}

// Intents returns every tracked intent, newest first.
func (p *Pipeline) Intents() []reconcile.CommandIntent {
	p.mu.RLock()
	out := make([]reconcile.CommandIntent, 0, len(p.intents))
	for _, in := range p.intents {
		out = append(out, copyIntent(in))
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return out
}

// Await blocks until the intent reaches Confirmed or Failed, or ctx ends.
func (p *Pipeline) Await(ctx context.Context, id string) (reconcile.CommandIntent, error) {
	for {
		p.mu.RLock()
		in, ok := p.intents[id]
		wait := p.changed
		p.mu.RUnlock()

		if !ok {
			return reconcile.CommandIntent{}, fmt.Errorf("%w: %s", ErrUnknownIntent, id)
		}
		if in.Terminal() {
			return copyIntent(in), nil
		}

		select {
		case <-ctx.Done():
			return copyIntent(in), ctx.Err()
		case <-wait:
		}
	}
}

// Close stops tracking and waits for outstanding chain writes.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.wg.Wait()
		p.unsubscribe()
	})
}

func copyIntent(in reconcile.CommandIntent) reconcile.CommandIntent {
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
