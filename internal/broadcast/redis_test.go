package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardwatch/internal/reconcile"
)

type fakeRedis struct {
	mu        sync.Mutex
	published []string
	keys      map[string]string
	failSet   error
	gate      chan struct{}
	closed    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: map[string]string{}}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel+"|"+string(message.([]byte)))
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx)
	if f.failSet != nil {
		cmd.SetErr(f.failSet)
		return cmd
	}
	f.keys[key] = string(value.([]byte))
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestPublishesStatesInOrder(t *testing.T) {
	client := newFakeRedis()
	p := NewWithClient(client, Config{Channel: "gw"}, zerolog.Nop())

	for v := uint64(1); v <= 3; v++ {
		p.OnState(reconcile.ReconciledState{Version: v})
	}
	require.NoError(t, p.Close())

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.published, 3)
	for i, msg := range client.published {
		require.Contains(t, msg, "gw|")
		var state reconcile.ReconciledState
		require.NoError(t, json.Unmarshal([]byte(msg[len("gw|"):]), &state))
		assert.Equal(t, uint64(i+1), state.Version)
	}
	assert.Contains(t, client.keys["gw:latest"], `"version":3`)
	assert.True(t, client.closed)
}

func TestOnStateNeverBlocks(t *testing.T) {
	client := newFakeRedis()
	client.gate = make(chan struct{})
	p := NewWithClient(client, Config{QueueSize: 1}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for v := uint64(1); v <= 10; v++ {
			p.OnState(reconcile.ReconciledState{Version: v})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnState blocked on a stalled redis")
	}
	assert.Positive(t, p.Dropped())

	close(client.gate)
	require.NoError(t, p.Close())
	p.OnState(reconcile.ReconciledState{Version: 99})
}

func TestPublishErrorDoesNotStopLoop(t *testing.T) {
	client := newFakeRedis()
	client.failSet = errors.New("READONLY")
	p := NewWithClient(client, Config{}, zerolog.Nop())

	p.OnState(reconcile.ReconciledState{Version: 1})
	p.OnState(reconcile.ReconciledState{Version: 2})
	require.NoError(t, p.Close())

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.published)
}
