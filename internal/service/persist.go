package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type persistJob struct {
	name string
	fn   func(ctx context.Context) error
}

// persister runs storage writes off the store's listener path, in order.
type persister struct {
	timeout time.Duration
	logger  zerolog.Logger

	queue chan persistJob

	mu      sync.Mutex
	closed  bool
	dropped uint64
	done    chan struct{}
}

func newPersister(size int, timeout time.Duration, logger zerolog.Logger) *persister {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &persister{
		timeout: timeout,
		logger:  logger.With().Str("component", "persister").Logger(),
		queue:   make(chan persistJob, size),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *persister) enqueue(name string, fn func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- persistJob{name: name, fn: fn}:
	default:
		p.dropped++
		p.logger.Warn().Str("job", name).Uint64("dropped", p.dropped).Msg("persist queue full; dropping write")
	}
}

func (p *persister) loop() {
	defer close(p.done)
	for job := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := job.fn(ctx); err != nil {
			p.logger.Error().Err(err).Str("job", job.name).Msg("persist failed")
		}
		cancel()
	}
}

// close drains queued writes.
func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}
