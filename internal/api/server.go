package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"guardwatch/internal/alerting"
	"guardwatch/internal/command"
	"guardwatch/internal/poller"
	"guardwatch/internal/reconcile"
	"guardwatch/internal/version"
)

// StateSource yields the merged state.
type StateSource interface {
	State() reconcile.ReconciledState
}

// AlertSource yields retained alerts, newest first.
type AlertSource interface {
	Alerts() []alerting.Alert
}

// Commander accepts operator mutations.
type Commander interface {
	Submit(ctx context.Context, kind reconcile.IntentKind, value string) (reconcile.CommandIntent, error)
	Intent(id string) (reconcile.CommandIntent, bool)
	Intents() []reconcile.CommandIntent
}

// ManualPoller runs an out-of-schedule poll cycle.
type ManualPoller interface {
	PollOnce(ctx context.Context) (reconcile.ChainSnapshot, error)
}

// Deps wires the engine into the HTTP surface. Nil members disable their routes.
type Deps struct {
	State    StateSource
	Alerts   AlertSource
	Commands Commander
	Poller   ManualPoller
	Metrics  http.Handler
}

// Options configure the listener and auth.
type Options struct {
	Addr         string
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the operator-facing HTTP API.
type Server struct {
	opts   Options
	deps   Deps
	router *gin.Engine
	logger zerolog.Logger
}

// New builds the router.
func New(opts Options, deps Deps, logger zerolog.Logger) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		opts:   opts,
		deps:   deps,
		router: gin.New(),
		logger: logger.With().Str("component", "http_api").Logger(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/state", s.getState)
		v1.GET("/alerts", s.listAlerts)
		v1.GET("/commands", s.listCommands)
		v1.GET("/commands/:id", s.getCommand)
		v1.POST("/commands", s.authMiddleware(), s.submitCommand)
		v1.POST("/poll", s.authMiddleware(), s.triggerPoll)
	}
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadTimeout,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http api: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// authMiddleware enforces an HS256 bearer token when a secret is configured.
func (s *Server) authMiddleware() gin.HandlerFunc {
	secret := []byte(s.opts.JWTSecret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if header == "" || tokenString == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("operator", claims.Subject)
		c.Next()
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.deps.State == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "build": version.Get()})
		return
	}
	state := s.deps.State.State()
	status, code := "ok", http.StatusOK
	if state.Degraded {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"build":       version.Get(),
		"version":     state.Version,
		"connected":   state.Connected,
		"degraded":    state.Degraded,
		"hasSnapshot": state.HasSnapshot,
		"lastPollAt":  state.LastPollAt,
	})
}

func (s *Server) getState(c *gin.Context) {
	if s.deps.State == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.deps.State.State())
}

func (s *Server) listAlerts(c *gin.Context) {
	if s.deps.Alerts == nil {
		c.JSON(http.StatusOK, []alerting.Alert{})
		return
	}
	alerts := s.deps.Alerts.Alerts()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(alerts) {
			alerts = alerts[:limit]
		}
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) listCommands(c *gin.Context) {
	if s.deps.Commands == nil {
		c.JSON(http.StatusOK, []reconcile.CommandIntent{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Commands.Intents())
}

func (s *Server) getCommand(c *gin.Context) {
	if s.deps.Commands == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "intent not found"})
		return
	}
	intent, ok := s.deps.Commands.Intent(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "intent not found"})
		return
	}
	c.JSON(http.StatusOK, intent)
}

type submitRequest struct {
	Kind  string          `json:"kind" binding:"required"`
	Value json.RawMessage `json:"value"`
}

func (r submitRequest) value() string {
	raw := strings.TrimSpace(string(r.Value))
	if raw == "" || raw == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(r.Value, &str); err == nil {
		return str
	}
	return raw
}

func (s *Server) submitCommand(c *gin.Context) {
	if s.deps.Commands == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": command.ErrNotConnected.Error()})
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	kind, ok := reconcile.ParseIntentKind(req.Kind)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown kind %q", req.Kind)})
		return
	}

	intent, err := s.deps.Commands.Submit(c.Request.Context(), kind, req.value())
	switch {
	case err == nil:
	case errors.Is(err, command.ErrInvalidValue):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, command.ErrAlreadyPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, command.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	default:
		s.logger.Error().Err(err).Msg("submit command failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	s.logger.Info().Str("intent_id", intent.ID).Str("kind", string(kind)).Str("operator", c.GetString("operator")).Msg("command accepted")
	c.JSON(http.StatusAccepted, intent)
}

func (s *Server) triggerPoll(c *gin.Context) {
	if s.deps.Poller == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "poller unavailable"})
		return
	}
	snap, err := s.deps.Poller.PollOnce(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, snap)
	case errors.Is(err, poller.ErrPollInFlight), errors.Is(err, poller.ErrLockHeld):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
