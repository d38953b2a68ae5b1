// Package app wires configuration, storage, the delivery channel and the
// scheduling engine into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/bulk-messaging/internal/api"
	"github.com/LeventeLantos/bulk-messaging/internal/cache"
	"github.com/LeventeLantos/bulk-messaging/internal/channel"
	"github.com/LeventeLantos/bulk-messaging/internal/client"
	"github.com/LeventeLantos/bulk-messaging/internal/config"
	"github.com/LeventeLantos/bulk-messaging/internal/jobs"
	"github.com/LeventeLantos/bulk-messaging/internal/metrics"
	"github.com/LeventeLantos/bulk-messaging/internal/notify"
	"github.com/LeventeLantos/bulk-messaging/internal/ratelimit"
	"github.com/LeventeLantos/bulk-messaging/internal/repo"
	"github.com/LeventeLantos/bulk-messaging/internal/scheduler"
	"github.com/LeventeLantos/bulk-messaging/internal/service"
	"github.com/LeventeLantos/bulk-messaging/internal/whatsapp"
)

const redisKeyPrefix = "wasched:"

type App struct {
	cfg *config.Config

	store   *repo.SQLStore
	rdb     *redis.Client
	hub     *notify.Hub
	metrics *metrics.Metrics

	channel      channel.Channel
	closeChannel func() error

	limiter *ratelimit.Limiter
	policy  ratelimit.SettingsPolicy
	jobs    *jobs.Service
	sched   *scheduler.Scheduler
	server  *http.Server
}

// SetupLogger installs the process-wide slog handler.
func SetupLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (*repo.SQLStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return repo.OpenPostgres(ctx, cfg.PostgresURL)
	default:
		return repo.OpenSQLite(ctx, cfg.SQLitePath, 10*time.Second)
	}
}

// OpenControl opens only what job and message-set management needs. The
// caller closes the returned store.
func OpenControl(ctx context.Context, cfg *config.Config) (*jobs.Service, *repo.SQLStore, error) {
	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return jobs.NewService(store, store), store, nil
}

// DefaultPolicy is the send budget when no runtime setting overrides it.
func DefaultPolicy(cfg config.SendingConfig) ratelimit.Policy {
	return ratelimit.Policy{
		DailyLimit: cfg.DailyLimit,
		MinDelay:   cfg.MinDelay,
		MaxDelay:   cfg.MaxDelay,
	}
}

// New builds the whole engine. The channel is connected but the scheduler is
// not started until Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, metrics: metrics.New()}

	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store

	// Only the serving process executes jobs; a claim left at startup belongs
	// to a run that died mid-batch.
	released, err := store.ReleaseClaims(ctx)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("release job claims: %w", err)
	}
	if released > 0 {
		slog.Warn("interrupted jobs requeued", "count", released)
	}

	a.hub = notify.NewHub(a.metrics)

	var rateStore ratelimit.StateStore = store
	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rateStore = cache.NewRedisCache(a.rdb, cfg.Redis.TTL, redisKeyPrefix)
		a.hub.Register(notify.NewRedisPublisher(a.rdb, cfg.Redis.EventsChannel))
		slog.Info("redis enabled", "addr", cfg.Redis.Address, "events_channel", cfg.Redis.EventsChannel)
	}

	a.limiter, err = ratelimit.New(ctx, rateStore)
	if err != nil {
		a.close()
		return nil, err
	}
	a.metrics.TrackDailyCount(func() int { return a.limiter.State().DailyCount })

	if err := a.openChannel(ctx); err != nil {
		a.close()
		return nil, err
	}

	a.policy = ratelimit.SettingsPolicy{Settings: store, Defaults: DefaultPolicy(cfg.Sending)}
	sender := service.NewSender(a.channel, a.limiter, store).
		WithHooks(a.metrics.MessageSent, a.metrics.RecipientFailed)

	a.jobs = jobs.NewService(store, store).WithSender(sender, a.policy)
	disp := scheduler.NewDispatcher(store, sender, a.limiter, a.policy, a.hub)

	a.sched, err = scheduler.New(cfg.Scheduler.Interval, disp.Tick)
	if err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

func (a *App) openChannel(ctx context.Context) error {
	switch a.cfg.Channel.Kind {
	case config.ChannelWebhook:
		a.channel = client.NewWebhookClient(a.cfg.Channel.WebhookURL)
		a.closeChannel = func() error { return nil }
		slog.Info("using webhook channel", "url", a.cfg.Channel.WebhookURL)
		return nil
	default:
		wa, err := whatsapp.Open(ctx, a.cfg.Channel.WhatsAppStorePath, a.hub.ChannelSink())
		if err != nil {
			return err
		}
		if !wa.Paired() {
			slog.Warn("whatsapp session is not paired; run `wasched login` or scan the QR from /v1/events")
		}
		if err := wa.Connect(ctx); err != nil {
			_ = wa.Close()
			return err
		}
		a.channel = wa
		a.closeChannel = wa.Close
		return nil
	}
}

// Handler is the full HTTP surface. The scheduler started through it runs
// under base.
func (a *App) Handler(base context.Context) http.Handler {
	h := api.NewHandler(base, api.Deps{
		Jobs:          a.jobs,
		Scheduler:     a.sched,
		Channel:       a.channel,
		Limiter:       a.limiter,
		Policy:        a.policy,
		Settings:      a.store,
		Logs:          a.store,
		Hub:           a.hub,
		ContactsLimit: a.cfg.Sending.ContactsLimit,
	})
	return api.LoggingMiddleware(api.Router(h, a.metrics.Handler()), a.metrics)
}

// Run serves the API and drives the scheduler until ctx is done or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	slog.Info("starting wasched",
		"addr", a.cfg.Server.Address,
		"interval", a.cfg.Scheduler.Interval,
		"db", a.cfg.Database.Driver,
		"channel", a.cfg.Channel.Kind,
		"redis", a.cfg.Redis.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.server = &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           a.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case runErr = <-errCh:
		slog.Error("server error", "err", runErr)
		cancel()
	}

	a.Shutdown(context.Background())
	return runErr
}

// Shutdown stops the loop first so no new job starts, then closes the rest.
func (a *App) Shutdown(ctx context.Context) {
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a.sched.Stop()
	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("api server shutdown error", "err", err)
		}
	}
	a.close()
	slog.Info("shutdown complete")
}

func (a *App) close() {
	if a.closeChannel != nil {
		if err := a.closeChannel(); err != nil {
			slog.Error("channel close error", "err", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			slog.Error("redis close error", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Error("storage close error", "err", err)
		}
	}
}
