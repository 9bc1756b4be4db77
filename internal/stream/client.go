package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"guardwatch/internal/telemetry"
)

var (
	// ErrNotConnected is returned by Emit while no connection is live.
	ErrNotConnected = errors.New("stream: not connected")
	// ErrAlreadyConnected is returned by Connect on a running client.
	ErrAlreadyConnected = errors.New("stream: already connected")
	// ErrTransport wraps socket-level failures.
	ErrTransport = errors.New("stream: transport error")
)

// Protocol selects the outbound framing.
type Protocol string

const (
	ProtocolJSON     Protocol = "json"
	ProtocolSocketIO Protocol = "socketio"
)

// Options tune reconnection and framing.
type Options struct {
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	Jitter           float64
	Multiplier       float64
	StabilityWindow  time.Duration
	HandshakeTimeout time.Duration
	Protocol         Protocol
	Header           http.Header

	// OnRetry, when set, observes each scheduled reconnect delay.
	OnRetry func(attempt int, delay time.Duration)
}

func (o *Options) applyDefaults() {
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = 0.2
	}
	if o.Multiplier <= 1 {
		o.Multiplier = 2
	}
	if o.StabilityWindow <= 0 {
		o.StabilityWindow = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Protocol == "" {
		o.Protocol = ProtocolJSON
	}
}

// Client owns the persistent telemetry connection.
type Client struct {
	opts   Options
	logger zerolog.Logger
	dialer *websocket.Dialer

	handlersMu sync.RWMutex
	handlers   []telemetry.Handler

	connected atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	conn   *websocket.Conn

	writeMu    sync.Mutex
	dispatchMu sync.Mutex
}

// NewClient constructs a disconnected client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	opts.applyDefaults()
	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "event_stream").Logger(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

// OnEvent registers a handler for every normalized event, including
// connection_state pseudo-events.
func (c *Client) OnEvent(h telemetry.Handler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// IsConnected reports whether a connection is live.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Connect starts the connection loop in the background. It returns once the
// loop is scheduled; the first dial happens asynchronously.
func (c *Client) Connect(ctx context.Context, rawURL string) error {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyConnected
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, target, c.done)
	return nil
}

// Disconnect stops reconnecting, lets the frame being dispatched finish and
// closes the socket. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	if cancel != nil {
		cancel()
	}
	conn := c.conn
	c.mu.Unlock()

	if cancel == nil {
		return
	}

	if conn != nil {
		c.dispatchMu.Lock()
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
		c.dispatchMu.Unlock()
	}
	<-done
	c.logger.Info().Msg("event stream disconnected")
}

// Emit sends an outbound command. Nothing is queued while disconnected.
func (c *Client) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.connected.Load() {
		c.logger.Warn().Str("event", event).Msg("socket not connected; dropping outbound event")
		return ErrNotConnected
	}

	frame, err := c.encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransport, event, err)
	}
	return nil
}

func (c *Client) encode(event string, payload any) ([]byte, error) {
	if c.opts.Protocol == ProtocolSocketIO {
		body, err := json.Marshal([]any{event, payload})
		if err != nil {
			return nil, err
		}
		return append([]byte("42"), body...), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{Event: event, Data: data})
}

func (c *Client) run(ctx context.Context, target string, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BaseBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.RandomizationFactor = c.opts.Jitter
	bo.Multiplier = c.opts.Multiplier
	bo.Reset()

	attempt := 0
	everConnected := false
	for {
		if ctx.Err() != nil {
			return
		}

		attempt++
		conn, _, err := c.dialer.DialContext(ctx, target, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("url", target).Msg("telemetry dial failed")
			// a stream that never came up reports a single disconnect
			if !everConnected && attempt == 1 {
				c.dispatch(telemetry.ConnectionEvent(false, attempt, err.Error(), time.Now()))
			}
			if !c.wait(ctx, bo, attempt) {
				return
			}
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		if c.opts.Protocol == ProtocolSocketIO {
			c.writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte("40"))
			c.writeMu.Unlock()
		}

		connectedAt := time.Now()
		everConnected = true
		c.connected.Store(true)
		c.logger.Info().Int("attempt", attempt).Str("url", target).Msg("telemetry stream connected")
		c.dispatch(telemetry.ConnectionEvent(true, attempt, "", connectedAt))

		readErr := c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.connected.Store(false)

		reason := "client disconnect"
		if ctx.Err() == nil && readErr != nil {
			reason = readErr.Error()
		}
		c.dispatch(telemetry.ConnectionEvent(false, attempt, reason, time.Now()))

		if ctx.Err() != nil {
			return
		}

		held := time.Since(connectedAt)
		if held >= c.opts.StabilityWindow {
			bo.Reset()
			attempt = 0
		}
		c.logger.Warn().Err(readErr).Dur("held", held).Msg("telemetry stream lost")

		if !c.wait(ctx, bo, attempt) {
			return
		}
	}
}

func (c *Client) wait(ctx context.Context, bo *backoff.ExponentialBackOff, attempt int) bool {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		delay = c.opts.MaxBackoff
	}
	if c.opts.OnRetry != nil {
		c.opts.OnRetry(attempt, delay)
	}
	c.logger.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("scheduling reconnect")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		c.handleFrame(conn, data)
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, data []byte) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	frame, err := telemetry.ParseFrame(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed telemetry frame")
		return
	}

	switch frame.Type {
	case telemetry.FramePing:
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("3"))
		c.writeMu.Unlock()
		return
	case telemetry.FrameControl:
		return
	}

	ev, err := telemetry.Decode(frame.Name, frame.Payload, time.Now())
	if err != nil {
		c.logger.Warn().Err(err).Str("event", frame.Name).Msg("dropping unrecognized telemetry event")
		return
	}
	c.dispatch(ev)
}

func (c *Client) dispatch(ev telemetry.Event) {
	c.handlersMu.RLock()
	handlers := append([]telemetry.Handler(nil), c.handlers...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func normalizeURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("stream: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("stream: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
