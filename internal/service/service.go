package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"guardwatch/internal/alerting"
	"guardwatch/internal/api"
	"guardwatch/internal/chain"
	"guardwatch/internal/command"
	"guardwatch/internal/config"
	"guardwatch/internal/metrics"
	"guardwatch/internal/poller"
	"guardwatch/internal/reconcile"
	"guardwatch/internal/scheduler"
	"guardwatch/internal/storage"
	"guardwatch/internal/stream"
	"guardwatch/internal/telemetry"
)

const retentionInterval = time.Hour

// StateSink receives every merged state version without blocking.
type StateSink interface {
	OnState(state reconcile.ReconciledState)
}

// Deps are the externally constructed collaborators. Every member is optional
// except Reader.
type Deps struct {
	Reader    chain.Reader
	Writer    chain.Writer
	Notifiers []alerting.Notifier
	Snapshots storage.SnapshotStore
	Alerts    storage.AlertStore
	Intents   storage.IntentStore
	Locker    storage.AdvisoryLocker
	Broadcast StateSink
}

// Service orchestrates polling, telemetry, commands and alerting around one store.
type Service struct {
	cfg    *config.Config
	deps   Deps
	base   zerolog.Logger
	logger zerolog.Logger

	store      *reconcile.Store
	poller     *poller.Poller
	stream     *stream.Client
	pipeline   *command.Pipeline
	aggregator *alerting.Aggregator
	metrics    *metrics.Collector
	persist    *persister

	unsubscribe func()
}

// New wires the engine. Nothing runs until Run.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Reader == nil {
		return nil, errors.New("service: chain reader is required")
	}
	minSeverity := alerting.SeverityWarning
	if raw := strings.ToLower(strings.TrimSpace(cfg.Alerting.NotifyMinSeverity)); raw != "" {
		minSeverity = alerting.ParseSeverity(raw)
	}

	s := &Service{
		cfg:     cfg,
		deps:    deps,
		base:    logger,
		logger:  logger.With().Str("component", "service").Logger(),
		metrics: metrics.New(),
	}

	s.store = reconcile.NewStore(reconcile.Options{
		ConfirmCycles: cfg.Reconcile.ConfirmCycles,
		IntentGrace:   cfg.Reconcile.IntentGrace,
		MaxDetections: cfg.Reconcile.MaxDetections,
	}, logger)

	if deps.Snapshots != nil || deps.Alerts != nil || deps.Intents != nil {
		s.persist = newPersister(0, 0, logger)
	}

	var recorder alerting.Recorder
	if deps.Alerts != nil {
		recorder = deps.Alerts
	}
	s.aggregator = alerting.NewAggregator(alerting.Options{
		HighWater:         cfg.Alerting.HighWater,
		DedupWindow:       cfg.Alerting.DedupWindow,
		DisconnectGrace:   cfg.Alerting.DisconnectGrace,
		MaxAlerts:         cfg.Alerting.MaxAlerts,
		NotifyMinSeverity: minSeverity,
	}, deps.Notifiers, recorder, logger)
	s.aggregator.Observe(s.metrics.ObserveAlert)

	s.poller = poller.New(deps.Reader, s.store, poller.Options{
		DegradedAfter: cfg.Poller.DegradedAfter,
		PriceDecimals: cfg.Chain.PriceDecimals,
		AlignToStart:  cfg.Poller.AlignToInterval,
		StartupDelay:  cfg.Poller.StartupDelay,
		ReadTimeout:   cfg.Chain.RequestTimeout,
		Lock:          s.lockFunc(),
	}, logger)
	s.poller.Observe(s.onSnapshot)

	s.pipeline = command.New(deps.Writer, s.store, command.Options{
		MinThreshold: cfg.Commands.MinThreshold,
		MaxThreshold: cfg.Commands.MaxThreshold,
		WriteTimeout: cfg.Commands.WriteTimeout,
		MaxTracked:   cfg.Commands.MaxTracked,
	}, logger)
	s.pipeline.OnChange(s.onIntent)

	s.stream = stream.NewClient(stream.Options{
		BaseBackoff:      cfg.Stream.BaseBackoff,
		MaxBackoff:       cfg.Stream.MaxBackoff,
		Jitter:           cfg.Stream.Jitter,
		StabilityWindow:  cfg.Stream.StabilityWindow,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		Protocol:         stream.Protocol(strings.ToLower(cfg.Stream.Protocol)),
	}, logger)
	s.stream.OnEvent(s.onTelemetry)

	s.unsubscribe = s.store.Subscribe(s.onState)
	return s, nil
}

// Store exposes the reconciliation store.
func (s *Service) Store() *reconcile.Store { return s.store }

// Pipeline exposes the command pipeline.
func (s *Service) Pipeline() *command.Pipeline { return s.pipeline }

// Aggregator exposes the alert aggregator.
func (s *Service) Aggregator() *alerting.Aggregator { return s.aggregator }

// Poller exposes the chain poller.
func (s *Service) Poller() *poller.Poller { return s.poller }

// Stream exposes the telemetry client.
func (s *Service) Stream() *stream.Client { return s.stream }

// PollInterval is the configured poll cadence.
func (s *Service) PollInterval() time.Duration { return s.cfg.Poller.Interval }

// Metrics exposes the prometheus collector.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// onState fans a merged state out. It runs on the store's notify path and
// must not block or call back into the store.
func (s *Service) onState(state reconcile.ReconciledState) {
	s.aggregator.OnStateChange(state)
	s.metrics.ObserveState(state)
	if s.deps.Broadcast != nil {
		s.deps.Broadcast.OnState(state)
	}
}

func (s *Service) onTelemetry(ev telemetry.Event) {
	s.metrics.ObserveTelemetry(ev)
	if err := s.store.ApplyTelemetry(ev); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("telemetry not merged")
	}
	s.aggregator.OnTelemetry(ev)
}

func (s *Service) onSnapshot(snap reconcile.ChainSnapshot, applyErr error) {
	s.metrics.ObserveSnapshot(snap, applyErr)
	if s.persist == nil || s.deps.Snapshots == nil || applyErr != nil {
		return
	}
	s.persist.enqueue("snapshot", func(ctx context.Context) error {
		return s.deps.Snapshots.InsertSnapshot(ctx, snap)
	})
}

func (s *Service) onIntent(in reconcile.CommandIntent) {
	s.metrics.ObserveIntent(in)
	if s.persist == nil || s.deps.Intents == nil {
		return
	}
	s.persist.enqueue("intent", func(ctx context.Context) error {
		return s.deps.Intents.UpsertIntent(ctx, in)
	})
}

func (s *Service) lockFunc() poller.LockFunc {
	key := s.cfg.Poller.AdvisoryLockKey
	if key == 0 || s.deps.Locker == nil {
		return nil
	}
	return func(ctx context.Context) (func(), bool, error) {
		return s.deps.Locker.TryAdvisoryLock(ctx, key)
	}
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in dependency order.
func (s *Service) Run(ctx context.Context) error {
	if err := s.poller.Start(ctx, s.cfg.Poller.Interval); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}

	if url := strings.TrimSpace(s.cfg.Stream.URL); url != "" {
		if err := s.stream.Connect(ctx, url); err != nil {
			s.poller.Stop()
			return fmt.Errorf("connect telemetry stream: %w", err)
		}
	} else {
		s.logger.Warn().Msg("stream.url not configured; running on chain reads only")
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.API.Enabled {
		srv := api.New(api.Options{
			Addr:      s.cfg.API.Addr,
			JWTSecret: s.cfg.API.JWTSecret,
		}, s.APIDeps(), s.base)
		g.Go(func() error { return srv.Run(gctx) })
	}
	if s.cfg.Database.Retention > 0 && (s.deps.Snapshots != nil || s.deps.Alerts != nil) {
		g.Go(func() error { return s.runRetention(gctx) })
	}

	s.logger.Info().
		Dur("poll_interval", s.cfg.Poller.Interval).
		Bool("api", s.cfg.API.Enabled).
		Bool("persistence", s.persist != nil).
		Msg("guardwatch engine started")

	<-gctx.Done()
	err := g.Wait()
	s.Shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// APIDeps adapts the engine to the HTTP surface.
func (s *Service) APIDeps() api.Deps {
	return api.Deps{
		State:    s.store,
		Alerts:   s.aggregator,
		Commands: s.pipeline,
		Poller:   s.poller,
		Metrics:  s.metrics.Handler(),
	}
}

// Shutdown stops every component and waits for in-flight work. Safe to call repeatedly.
func (s *Service) Shutdown() {
	s.stream.Disconnect()
	s.poller.Stop()
	s.pipeline.Close()
	s.aggregator.Close()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.persist != nil {
		s.persist.close()
	}
	s.logger.Info().Msg("guardwatch engine stopped")
}

func (s *Service) runRetention(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{
		Interval:       retentionInterval,
		RunImmediately: true,
	}, s.base)
	return sched.Run(ctx, func(ctx context.Context, tick time.Time) error {
		cutoff := tick.Add(-s.cfg.Database.Retention)
		if s.deps.Snapshots != nil {
			if err := s.deps.Snapshots.DeleteSnapshotsBefore(ctx, cutoff); err != nil {
				s.logger.Error().Err(err).Msg("prune snapshots failed")
			}
		}
		if s.deps.Alerts != nil {
			if err := s.deps.Alerts.DeleteAlertsBefore(ctx, cutoff); err != nil {
				s.logger.Error().Err(err).Msg("prune alerts failed")
			}
		}
		s.logger.Debug().Time("cutoff", cutoff).Msg("retention pass complete")
		return nil
	})
}
