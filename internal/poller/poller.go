package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"guardwatch/internal/chain"
	"guardwatch/internal/reconcile"
	"guardwatch/internal/scheduler"
)

var (
	// ErrPollInFlight is returned when a cycle is requested while another runs.
	ErrPollInFlight = errors.New("poller: poll cycle already in flight")
	// ErrAlreadyRunning is returned by Start on a running poller.
	ErrAlreadyRunning = errors.New("poller: already running")
	// ErrLockHeld is returned when another instance owns the poll lock.
	ErrLockHeld = errors.New("poller: poll lock held elsewhere")
)

const defaultDegradedAfter = 3

// Sink receives every completed snapshot.
type Sink interface {
	ApplySnapshot(snap reconcile.ChainSnapshot) error
}

// Observer is told about every snapshot after the sink accepted or rejected it.
type Observer func(snap reconcile.ChainSnapshot, applyErr error)

// LockFunc gates each cycle, e.g. on a postgres advisory lock.
type LockFunc func(ctx context.Context) (unlock func(), acquired bool, err error)

// Options tune the poller.
type Options struct {
	DegradedAfter int
	PriceDecimals int32
	AlignToStart  bool
	StartupDelay  time.Duration
	Lock          LockFunc
	Now           func() time.Time

	// ReadTimeout bounds the reads of one cycle; zero leaves them unbounded.
	ReadTimeout time.Duration
}

// Poller performs periodic authoritative reads of guard/oracle state.
type Poller struct {
	reader chain.Reader
	sink   Sink
	opts   Options
	logger zerolog.Logger

	inFlight atomic.Bool

	mu        sync.Mutex
	known     reconcile.ChainSnapshot
	failures  int
	observers []Observer

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a poller.
func New(reader chain.Reader, sink Sink, opts Options, logger zerolog.Logger) *Poller {
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = defaultDegradedAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Poller{
		reader: reader,
		sink:   sink,
		opts:   opts,
		logger: logger.With().Str("component", "chain_poller").Logger(),
	}
}

// Observe registers an observer for completed snapshots.
func (p *Poller) Observe(o Observer) {
	p.mu.Lock()
	p.observers = append(p.observers, o)
	p.mu.Unlock()
}

// Start begins polling at a fixed interval. The first cycle runs immediately.
func (p *Poller) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poller: interval must be positive")
	}

	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	sched := scheduler.New(scheduler.Options{
		Interval:       interval,
		AlignToStart:   p.opts.AlignToStart,
		StartupDelay:   p.opts.StartupDelay,
		RunImmediately: true,
	}, p.logger)

	go func() {
		defer close(done)
		err := sched.Run(runCtx, func(ctx context.Context, tick time.Time) error {
			// a stop request must not abort reads that already started
			_, err := p.PollOnce(context.WithoutCancel(ctx))
			switch {
			case errors.Is(err, ErrPollInFlight):
				p.logger.Debug().Time("tick", tick).Msg("skipping tick; cycle already in flight")
				return nil
			case errors.Is(err, ErrLockHeld):
				p.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
				return nil
			}
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error().Err(err).Msg("poll loop terminated")
		}
	}()

	p.logger.Info().Dur("interval", interval).Msg("chain poller started")
	return nil
}

// Stop halts scheduling and waits for the in-flight cycle to finish. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info().Msg("chain poller stopped")
}

type readResult struct {
	mu     sync.Mutex
	failed []string
	errs   []error
}

func (r *readResult) fail(name string, err error) {
	r.mu.Lock()
	r.failed = append(r.failed, name)
	r.errs = append(r.errs, fmt.Errorf("%s: %w", name, err))
	r.mu.Unlock()
}

// PollOnce performs one batch of concurrent reads and hands the snapshot to the sink.
// Failed reads keep the last known good value for their field and mark the snapshot not OK.
func (p *Poller) PollOnce(ctx context.Context) (reconcile.ChainSnapshot, error) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return reconcile.ChainSnapshot{}, ErrPollInFlight
	}
	defer p.inFlight.Store(false)

	if p.opts.Lock != nil {
		unlock, acquired, err := p.opts.Lock(ctx)
		if err != nil {
			return reconcile.ChainSnapshot{}, fmt.Errorf("acquire poll lock: %w", err)
		}
		if !acquired {
			return reconcile.ChainSnapshot{}, ErrLockHeld
		}
		if unlock != nil {
			defer unlock()
		}
	}

	fetchedAt := p.opts.Now().UTC()
	if p.opts.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ReadTimeout)
		defer cancel()
	}

	p.mu.Lock()
	snap := p.known
	p.mu.Unlock()
	snap.FetchedAt = fetchedAt

	var (
		res       readResult
		g         errgroup.Group
		threshold uint64
		paused    bool
		threat    bool
		blocked   uint64
		oracle    chain.OracleData
		head      uint64
		okFields  = make(map[string]bool)
		okMu      sync.Mutex
	)

	read := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				if errors.Is(err, chain.ErrUnsupported) {
					return nil
				}
				res.fail(name, err)
				return err
			}
			okMu.Lock()
			okFields[name] = true
			okMu.Unlock()
			return nil
		})
	}

	read("withdrawThreshold", func() (err error) {
		threshold, err = p.reader.WithdrawThreshold(ctx)
		return err
	})
	read("paused", func() (err error) {
		paused, err = p.reader.Paused(ctx)
		return err
	})
	read("isThreatDetected", func() (err error) {
		threat, err = p.reader.IsThreatDetected(ctx)
		return err
	})
	read("blockedCount", func() (err error) {
		blocked, err = p.reader.BlockedCount(ctx)
		return err
	})
	read("getOracleData", func() (err error) {
		oracle, err = p.reader.OracleData(ctx)
		return err
	})
	read("blockNumber", func() (err error) {
		head, err = p.reader.BlockNumber(ctx)
		return err
	})

	_ = g.Wait()

	if okFields["withdrawThreshold"] {
		snap.Guard.Threshold = threshold
	}
	if okFields["paused"] {
		snap.Guard.IsPaused = paused
	}
	if okFields["isThreatDetected"] {
		snap.Guard.ThreatDetected = threat
		snap.Guard.DetectedAttacks = 0
		if threat {
			snap.Guard.DetectedAttacks = 1
		}
	}
	if okFields["blockedCount"] {
		snap.Guard.BlockedCount = blocked
	}
	if okFields["getOracleData"] {
		snap.Oracle.ThreatLevel = oracle.ThreatLevel
		snap.Oracle.LastUpdateBlock = oracle.LastUpdateBlock
		if oracle.PriceData != nil {
			snap.Oracle.PriceData = decimal.NewFromBigInt(oracle.PriceData, -p.opts.PriceDecimals)
		}
	}
	if okFields["blockNumber"] {
		snap.BlockNumber = head
	}

	p.mu.Lock()
	// known values advance per field so a later partial failure never regresses them
	p.known.Guard, p.known.Oracle, p.known.BlockNumber = snap.Guard, snap.Oracle, snap.BlockNumber
	if len(res.failed) == 0 {
		p.failures = 0
		snap.OK = true
		snap.FailureReason = ""
	} else {
		p.failures++
		sort.Strings(res.failed)
		msgs := make([]string, 0, len(res.errs))
		for _, err := range res.errs {
			msgs = append(msgs, err.Error())
		}
		sort.Strings(msgs)
		snap.OK = false
		snap.FailureReason = strings.Join(msgs, "; ")
	}
	snap.ConsecutiveFailures = p.failures
	snap.Degraded = p.failures >= p.opts.DegradedAfter
	observers := append([]Observer(nil), p.observers...)
	p.mu.Unlock()

	if snap.OK {
		p.logger.Debug().Time("fetched_at", fetchedAt).Uint64("block", snap.BlockNumber).Msg("poll cycle complete")
	} else {
		ev := p.logger.Warn()
		if snap.Degraded {
			ev = p.logger.Error()
		}
		ev.Int("consecutive_failures", snap.ConsecutiveFailures).Bool("degraded", snap.Degraded).Str("reason", snap.FailureReason).Msg("poll cycle failed")
	}

	var applyErr error
	if p.sink != nil {
		applyErr = p.sink.ApplySnapshot(snap)
		if errors.Is(applyErr, reconcile.ErrStaleSnapshot) {
			p.logger.Debug().Err(applyErr).Msg("snapshot superseded")
		} else if applyErr != nil {
			p.logger.Error().Err(applyErr).Msg("failed to apply snapshot")
		}
	}
	for _, o := range observers {
		o(snap, applyErr)
	}

	return snap, nil
}

// InFlight reports whether a cycle is running.
func (p *Poller) InFlight() bool {
	return p.inFlight.Load()
}
