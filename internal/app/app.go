package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"liquidation-relay/internal/alerting"
	"liquidation-relay/internal/config"
	"liquidation-relay/internal/event"
	"liquidation-relay/internal/feed"
	"liquidation-relay/internal/feed/binance"
	"liquidation-relay/internal/feed/bybit"
	"liquidation-relay/internal/feed/channel"
	"liquidation-relay/internal/fetcher"
	"liquidation-relay/internal/filter"
	"liquidation-relay/internal/metrics"
	"liquidation-relay/internal/server"
	"liquidation-relay/internal/service"
	"liquidation-relay/internal/storage"
	"liquidation-relay/internal/supervisor"
)

// ErrNoFeeds is returned by Run when configuration leaves no source enabled.
var ErrNoFeeds = errors.New("no feeds enabled; check feeds.* configuration and credentials")

// ErrLockHeld is returned by Run when another relay instance holds the singleton lock.
var ErrLockHeld = errors.New("another relay instance holds the singleton lock")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting.Telegram
	if !cfg.Configured() {
		a.Logger.Warn().Msg("alerting.telegram bot_token/chat_id not set; alerts will only be logged")
		return alerting.NewLogNotifier(a.Logger)
	}
	return alerting.NewTelegramNotifier(alerting.TelegramOptions{
		BotToken:      cfg.BotToken,
		ChatID:        cfg.ChatID,
		BaseURL:       cfg.APIBase,
		Timeout:       cfg.Timeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}, a.Logger)
}

func (a *App) newFilter() *filter.Filter {
	return filter.New(a.Config.Thresholds(), a.Config.Relay.TrackedSymbols)
}

func (a *App) newService(notifier alerting.Notifier, m *metrics.Metrics) *service.Service {
	return service.New(a.newFilter(), alerting.NewFormatter(), notifier, m, a.Logger)
}

// buildAdapters creates one adapter per enabled source and logs why the others are skipped.
func (a *App) buildAdapters(ctx context.Context) ([]feed.Adapter, error) {
	var adapters []feed.Adapter
	for _, state := range a.Config.SourceStates() {
		if !state.Enabled {
			a.Logger.Warn().Str("source", string(state.Source)).Str("reason", state.Reason).Msg("feed disabled")
			continue
		}
		switch state.Source {
		case event.SourceBinance:
			adapters = append(adapters, binance.New(a.Config.Feeds.Binance.URL))
		case event.SourceBybit:
			adapters = append(adapters, bybit.New(a.Config.Feeds.Bybit.URL, a.bybitSymbols(ctx)))
		case event.SourceHyperliquid:
			ch := a.Config.Feeds.Channel
			adapter, err := channel.New(channel.Options{
				BotToken:    ch.BotToken,
				Channel:     ch.Channel,
				APIBase:     ch.APIBase,
				PollTimeout: ch.PollTimeout,
			})
			if err != nil {
				return nil, fmt.Errorf("channel feed: %w", err)
			}
			adapters = append(adapters, adapter)
		}
	}
	return adapters, nil
}

// bybitSymbols falls back to the configured list when discovery is off or fails.
func (a *App) bybitSymbols(ctx context.Context) []string {
	cfg := a.Config.Feeds.Bybit
	if cfg.DiscoverTop <= 0 {
		return cfg.Symbols
	}

	f := fetcher.NewBybit(fetcher.BybitOptions{BaseURL: cfg.RestURL}, a.Logger)
	symbols, err := f.FetchSymbols(ctx, cfg.DiscoverTop)
	if err != nil {
		a.Logger.Warn().Err(err).Strs("fallback", cfg.Symbols).Msg("bybit symbol discovery failed")
		return cfg.Symbols
	}
	return symbols
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openRecorder prepares optional feed status persistence. Database trouble only disables persistence and the
// singleton guard; the sole fatal outcome is a lock already held by another relay.
func (a *App) openRecorder(ctx context.Context) (supervisor.StatusRecorder, func(), error) {
	noop := func() {}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("database unavailable; feed status persistence and singleton lock disabled")
		return nil, noop, nil
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; feed status persistence disabled")
		return nil, noop, nil
	}

	if err := store.EnsureSchema(ctx); err != nil {
		closeStore()
		a.Logger.Warn().Err(err).Msg("feed_status schema bootstrap failed; feed status persistence disabled")
		return nil, noop, nil
	}

	release := closeStore
	if key := a.Config.Database.SingletonLockKey; key != 0 {
		unlock, acquired, err := store.TryAdvisoryLock(ctx, key)
		switch {
		case err != nil:
			a.Logger.Warn().Err(err).Int64("key", key).Msg("singleton lock unavailable; continuing without it")
		case !acquired:
			closeStore()
			return nil, noop, ErrLockHeld
		default:
			release = func() {
				unlock()
				closeStore()
			}
		}
	}
	return store, release, nil
}

// Run executes the long-running relay until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	adapters, err := a.buildAdapters(ctx)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return ErrNoFeeds
	}
	sources := make([]event.Source, 0, len(adapters))
	for _, adapter := range adapters {
		sources = append(sources, adapter.Source())
	}

	recorder, release, err := a.openRecorder(ctx)
	if err != nil {
		return err
	}
	defer release()

	m := metrics.New()
	svc := a.newService(a.newNotifier(), m)
	sup := supervisor.New(adapters, svc.Handle, supervisor.Options{
		Feed:           a.Config.FeedOptions(),
		Heartbeat:      a.Config.Liveness.Heartbeat,
		AuditEvery:     a.Config.Liveness.AuditEvery,
		AlignHeartbeat: a.Config.Liveness.AlignHeartbeat,
	}, m, recorder, a.Logger)

	serverDone := make(chan struct{})
	if a.Config.Server.Enabled {
		srv := server.New(a.Config.Server.Addr, sup, m, a.Logger)
		go func() {
			defer close(serverDone)
			if err := srv.Run(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("http server failed")
			}
		}()
	} else {
		close(serverDone)
	}

	if a.Config.Relay.AnnounceStartup {
		if err := svc.Announce(ctx, sources); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to send startup banner")
		}
	}

	a.Logger.Info().Interface("sources", sources).Msg("starting liquidation relay")
	err = sup.Run(ctx)
	cancel()
	<-serverDone
	if err != nil {
		a.Logger.Error().Err(err).Msg("relay terminated with error")
		return err
	}

	a.Logger.Info().Msg("liquidation relay stopped")
	return nil
}

var _ supervisor.StatusRecorder = (*storage.Store)(nil)
