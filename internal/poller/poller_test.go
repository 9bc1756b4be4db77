package poller

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardwatch/internal/chain"
	"guardwatch/internal/reconcile"
)

type fakeReader struct {
	mu        sync.Mutex
	threshold uint64
	paused    bool
	threat    bool
	oracle    chain.OracleData
	fail      map[string]error
	gate      chan struct{}
	calls     atomic.Int32
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		threshold: 50,
		oracle:    chain.OracleData{PriceData: big.NewInt(150_000_000), LastUpdateBlock: 77, ThreatLevel: 12},
		fail:      map[string]error{},
	}
}

func (f *fakeReader) err(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[name]
}

func (f *fakeReader) setFail(name string, err error) {
	f.mu.Lock()
	f.fail[name] = err
	f.mu.Unlock()
}

func (f *fakeReader) WithdrawThreshold(ctx context.Context) (uint64, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := f.err("withdrawThreshold"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threshold, nil
}

func (f *fakeReader) Paused(ctx context.Context) (bool, error) {
	if err := f.err("paused"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused, nil
}

func (f *fakeReader) IsThreatDetected(ctx context.Context) (bool, error) {
	if err := f.err("isThreatDetected"); err != nil {
		return false, err
	}
	return f.threat, nil
}

func (f *fakeReader) BlockedCount(ctx context.Context) (uint64, error) {
	return 0, chain.ErrUnsupported
}

func (f *fakeReader) OracleData(ctx context.Context) (chain.OracleData, error) {
	if err := f.err("getOracleData"); err != nil {
		return chain.OracleData{}, err
	}
	return f.oracle, nil
}

func (f *fakeReader) BlockNumber(ctx context.Context) (uint64, error) {
	return 100, nil
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []reconcile.ChainSnapshot
}

func (r *recordingSink) ApplySnapshot(s reconcile.ChainSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func TestPollOnceBuildsSnapshot(t *testing.T) {
	reader := newFakeReader()
	reader.threat = true
	sink := &recordingSink{}
	p := New(reader, sink, Options{PriceDecimals: 8}, zerolog.Nop())

	snap, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.OK)
	assert.Equal(t, uint64(50), snap.Guard.Threshold)
	assert.True(t, snap.Guard.ThreatDetected)
	assert.Equal(t, uint64(1), snap.Guard.DetectedAttacks)
	assert.Equal(t, "1.5", snap.Oracle.PriceData.String())
	assert.Equal(t, uint64(77), snap.Oracle.LastUpdateBlock)
	assert.Equal(t, uint64(100), snap.BlockNumber)
	assert.Equal(t, 1, sink.count())
}

func TestPartialFailureRetainsKnownValues(t *testing.T) {
	reader := newFakeReader()
	reader.paused = true
	p := New(reader, &recordingSink{}, Options{DegradedAfter: 2}, zerolog.Nop())

	_, err := p.PollOnce(context.Background())
	require.NoError(t, err)

	reader.mu.Lock()
	reader.threshold = 99
	reader.paused = false
	reader.mu.Unlock()
	reader.setFail("paused", errors.New("timeout"))

	snap, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.OK)
	assert.Contains(t, snap.FailureReason, "paused")
	assert.True(t, snap.Guard.IsPaused, "failed read keeps prior good value")
	assert.Equal(t, uint64(99), snap.Guard.Threshold, "successful read still advances")
	assert.Equal(t, 1, snap.ConsecutiveFailures)
	assert.False(t, snap.Degraded)

	snap, _ = p.PollOnce(context.Background())
	assert.True(t, snap.Degraded)
	assert.Equal(t, 2, snap.ConsecutiveFailures)

	reader.setFail("paused", nil)
	snap, _ = p.PollOnce(context.Background())
	assert.True(t, snap.OK)
	assert.False(t, snap.Degraded)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.False(t, snap.Guard.IsPaused)
}

func TestPollOnceRejectsOverlap(t *testing.T) {
	reader := newFakeReader()
	reader.gate = make(chan struct{})
	p := New(reader, &recordingSink{}, Options{}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.PollOnce(context.Background())
	}()

	require.Eventually(t, p.InFlight, time.Second, time.Millisecond)
	_, err := p.PollOnce(context.Background())
	assert.ErrorIs(t, err, ErrPollInFlight)

	close(reader.gate)
	<-done
	assert.False(t, p.InFlight())
}

func TestStartStopIdempotent(t *testing.T) {
	reader := newFakeReader()
	sink := &recordingSink{}
	p := New(reader, sink, Options{}, zerolog.Nop())

	var observed atomic.Int32
	p.Observe(func(reconcile.ChainSnapshot, error) { observed.Add(1) })

	require.NoError(t, p.Start(context.Background(), 10*time.Millisecond))
	assert.ErrorIs(t, p.Start(context.Background(), 10*time.Millisecond), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()

	n := sink.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, sink.count(), "no cycles after stop")
	assert.Equal(t, int32(n), observed.Load())
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	reader := newFakeReader()
	reader.gate = make(chan struct{})
	sink := &recordingSink{}
	p := New(reader, sink, Options{}, zerolog.Nop())

	require.NoError(t, p.Start(context.Background(), time.Hour))
	require.Eventually(t, p.InFlight, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the cycle finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(reader.gate)
	<-stopped
	assert.Equal(t, 1, sink.count())
}

func TestPollOnceHonoursLock(t *testing.T) {
	reader := newFakeReader()
	sink := &recordingSink{}
	held := true
	var released atomic.Int32
	p := New(reader, sink, Options{Lock: func(context.Context) (func(), bool, error) {
		if held {
			return nil, false, nil
		}
		return func() { released.Add(1) }, true, nil
	}}, zerolog.Nop())

	_, err := p.PollOnce(context.Background())
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Zero(t, sink.count())
	assert.Zero(t, reader.calls.Load())

	held = false
	_, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, int32(1), released.Load())
}
