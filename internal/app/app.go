package app

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"guardwatch/internal/alerting"
	"guardwatch/internal/broadcast"
	"guardwatch/internal/chain"
	"guardwatch/internal/config"
	"guardwatch/internal/service"
	"guardwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newChainClient() (*chain.Client, error) {
	cfg := a.Config.Chain
	return chain.NewClient(chain.Options{
		RPCURL:           cfg.RPCURL,
		GuardAddress:     cfg.GuardAddress,
		OracleAddress:    cfg.OracleAddress,
		PrivateKey:       cfg.PrivateKey,
		ChainID:          cfg.ChainID,
		ReadBlockedCount: cfg.ReadBlockedCount,
		GasLimit:         cfg.GasLimit,
	}, a.Logger)
}

// newNotifiers builds one notifier per configured channel.
func (a *App) newNotifiers() []alerting.Notifier {
	var notifiers []alerting.Notifier
	for _, channel := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(channel)) {
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				a.Logger.Warn().Msg("telegram channel listed but alerting.telegram.enabled is false")
				continue
			}
			notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.App.Name, cfg.Timeout, a.Logger))
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		case "":
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel ignored")
		}
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if !a.Config.Database.Enabled() {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if a.Config.Database.AutoMigrate {
		applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		a.Logger.Info().Int("files", applied).Msg("migrations applied")
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openBroadcaster() (*broadcast.RedisPublisher, error) {
	cfg := a.Config.Redis
	if !cfg.Enabled {
		return nil, nil
	}
	return broadcast.NewRedisPublisher(broadcast.Config{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Channel:  cfg.Channel,
	}, a.Logger)
}

// buildService assembles the engine over whatever backends are configured.
func (a *App) buildService(client *chain.Client, store *storage.Store, sink service.StateSink, notifiers []alerting.Notifier) (*service.Service, error) {
	deps := service.Deps{
		Reader:    client,
		Writer:    client,
		Notifiers: notifiers,
	}
	if store != nil {
		deps.Snapshots = store
		deps.Alerts = store
		deps.Intents = store
		deps.Locker = store
	}
	if sink != nil {
		deps.Broadcast = sink
	}
	return service.New(a.Config, deps, a.Logger)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	client, err := a.newChainClient()
	if err != nil {
		return err
	}
	defer client.Close()
	if !client.CanSign() {
		a.Logger.Warn().Msg("chain.private_key not configured; commands will be rejected")
	}

	publisher, err := a.openBroadcaster()
	if err != nil {
		return err
	}
	var sink service.StateSink
	if publisher != nil {
		sink = publisher
		defer publisher.Close()
	}

	svc, err := a.buildService(client, store, sink, a.newNotifiers())
	if err != nil {
		return err
	}

	a.Logger.Info().Msg("starting guardwatch")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("guardwatch stopped")
	return nil
}

// ExportOptions hold parameters for exporting snapshot history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Since     time.Duration
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	What  string
}

// SubmitOptions configure a one-shot command.
type SubmitOptions struct {
	Kind    string
	Value   string
	Wait    bool
	Timeout time.Duration
}

// SimulateOptions describe synthetic telemetry fed through the alert path.
type SimulateOptions struct {
	ThreatLevel float64
	Blocked     bool
	Anomaly     string
}
