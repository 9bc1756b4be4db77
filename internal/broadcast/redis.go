package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"guardwatch/internal/reconcile"
)

const defaultQueueSize = 64

// Client is the subset of *redis.Client the publisher uses.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ Client = (*redis.Client)(nil)

// Config locates the redis server and names the fan-out channel.
type Config struct {
	Addr      string
	Password  string
	DB        int
	Channel   string
	StateKey  string
	QueueSize int
	Timeout   time.Duration
}

// RedisPublisher fans merged state versions out over a redis channel and
// keeps the latest one under a key for late joiners.
type RedisPublisher struct {
	client Client
	cfg    Config
	logger zerolog.Logger

	queue chan reconcile.ReconciledState

	mu      sync.Mutex
	closed  bool
	dropped uint64
	done    chan struct{}
}

// NewRedisPublisher dials redis and starts the publish loop.
func NewRedisPublisher(cfg Config, logger zerolog.Logger) (*RedisPublisher, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient starts a publisher over an existing client.
func NewWithClient(client Client, cfg Config, logger zerolog.Logger) *RedisPublisher {
	if cfg.Channel == "" {
		cfg.Channel = "guardwatch:state"
	}
	if cfg.StateKey == "" {
		cfg.StateKey = cfg.Channel + ":latest"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	p := &RedisPublisher{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "redis_broadcast").Logger(),
		queue:  make(chan reconcile.ReconciledState, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go p.loop()
	return p
}

// OnState enqueues a state for publishing. It never blocks; when the queue is
// full the state is dropped and counted.
func (p *RedisPublisher) OnState(state reconcile.ReconciledState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- state:
	default:
		p.dropped++
		p.logger.Warn().Uint64("version", state.Version).Uint64("dropped", p.dropped).Msg("broadcast queue full; dropping state")
	}
}

// Dropped reports how many states were discarded for back-pressure.
func (p *RedisPublisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *RedisPublisher) loop() {
	defer close(p.done)
	for state := range p.queue {
		if err := p.publish(state); err != nil {
			p.logger.Error().Err(err).Uint64("version", state.Version).Msg("publish state failed")
		}
	}
}

func (p *RedisPublisher) publish(state reconcile.ReconciledState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	if err := p.client.Set(ctx, p.cfg.StateKey, payload, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", p.cfg.StateKey, err)
	}
	if err := p.client.Publish(ctx, p.cfg.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", p.cfg.Channel, err)
	}
	return nil
}

// Close drains queued states and closes the client.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.client.Close()
}
