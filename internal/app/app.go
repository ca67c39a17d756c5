// internal/app/app.go

// Package app assembles the commission core from configuration. The HTTP
// server and the operator CLI share it.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/riverqueue/river"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-commission/internal/archive"
	"github.com/javajoker/imi-commission/internal/cache"
	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/commission"
	"github.com/javajoker/imi-commission/internal/config"
	"github.com/javajoker/imi-commission/internal/database"
	"github.com/javajoker/imi-commission/internal/hierarchy"
	"github.com/javajoker/imi-commission/internal/jobs"
	"github.com/javajoker/imi-commission/internal/ledger"
	"github.com/javajoker/imi-commission/internal/monitoring"
	"github.com/javajoker/imi-commission/internal/repository"
	"github.com/javajoker/imi-commission/internal/services"
	"github.com/javajoker/imi-commission/internal/utils"
)

type App struct {
	Config *config.Config
	Logger *logrus.Logger
	DB     *database.Connection

	Users         *repository.UserRepository
	Orders        *repository.OrderRepository
	Ledgers       *repository.LedgerRepository
	Callbacks     *repository.CallbackRepository
	Rates         *repository.RateRepository
	Notifications *repository.NotificationRepository

	UserCache    *cache.Cache[hierarchy.Node]
	RateCache    *cache.Cache[*commission.RateTable]
	Resolver     *hierarchy.Resolver
	RateProvider *commission.Provider
	Ledger       *ledger.Service
	Alerts       *services.AlertService
	Archive      *archive.Archiver
	Scheduler    *jobs.Scheduler
	Handler      *callback.Handler
	Jobs         *river.Client[pgx.Tx]
}

// NewLogger configures logrus the way the server and CLI log: JSON in
// production, text elsewhere.
func NewLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	if cfg.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// New connects to the database and builds every component. The job client is
// created only when the queue is enabled; call StartJobs to run it.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	utils.SetJWTConfig(cfg.JWT.SecretKey, cfg.JWT.Issuer)

	conn, err := database.Initialize(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:        cfg,
		Logger:        logger,
		DB:            conn,
		Users:         repository.NewUserRepository(conn.Gorm),
		Orders:        repository.NewOrderRepository(conn.Gorm),
		Ledgers:       repository.NewLedgerRepository(conn.Gorm),
		Callbacks:     repository.NewCallbackRepository(conn.Gorm),
		Rates:         repository.NewRateRepository(conn.Gorm),
		Notifications: repository.NewNotificationRepository(conn.Gorm),
	}
	if err := a.build(); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.Config

	policy, err := cache.ParsePolicy(cfg.Cache.Policy)
	if err != nil {
		return err
	}
	a.UserCache = cache.New[hierarchy.Node](cache.Options{Capacity: cfg.Cache.Capacity, Policy: policy, DefaultTTL: cfg.Cache.UserTTL})
	a.RateCache = cache.New[*commission.RateTable](cache.Options{Capacity: 64, Policy: policy, DefaultTTL: cfg.Cache.RateTTL})

	a.Resolver = hierarchy.NewResolver(a.Users, a.UserCache,
		hierarchy.WithTTL(cfg.Cache.UserTTL),
		hierarchy.WithLookupTimeout(cfg.Callback.StoreTimeout),
		hierarchy.WithLogger(a.Logger),
	)

	var rateStore commission.RateStore = a.Rates
	if cfg.Commission.RateFile != "" {
		fileStore, err := commission.NewFileRateStore(cfg.Commission.RateFile)
		if err != nil {
			return fmt.Errorf("failed to load rate file: %w", err)
		}
		rateStore = fileStore
	}
	providerOpts := []commission.ProviderOption{
		commission.WithRateTTL(cfg.Cache.RateTTL),
		commission.WithProviderLogger(a.Logger),
	}
	if cfg.Commission.RateVersion != "" {
		providerOpts = append(providerOpts, commission.WithPinnedVersion(cfg.Commission.RateVersion))
	}
	a.RateProvider = commission.NewProvider(rateStore, a.RateCache, providerOpts...)

	a.Ledger = ledger.NewService(a.Ledgers,
		ledger.WithTimeout(cfg.Callback.StoreTimeout),
		ledger.WithLogger(a.Logger),
	)
	a.Alerts = services.NewAlertService(a.Notifications, cfg, a.Logger)

	a.Archive, err = archive.New(cfg.AWS)
	if err != nil {
		return err
	}

	a.Scheduler = jobs.NewScheduler()
	a.Handler = callback.NewHandler(callback.Deps{
		Callbacks: a.Callbacks,
		Orders:    a.Orders,
		Resolver:  a.Resolver,
		Rates:     a.RateProvider,
		Ledger:    a.Ledger,
		Scheduler: a.Scheduler,
		Alerter:   a.Alerts,
		Archiver:  a.Archive,
		Logger:    a.Logger,
	}, callback.Config{
		MaxDepth: cfg.Commission.MaxDepth,
		Lease:    cfg.Callback.Lease,
		Retry: callback.RetryPolicy{
			MaxAttempts: cfg.Callback.MaxAttempts,
			BaseDelay:   cfg.Callback.BaseDelay,
			MaxDelay:    cfg.Callback.MaxDelay,
			Multiplier:  cfg.Callback.Multiplier,
		},
		StoreTimeout: cfg.Callback.StoreTimeout,
	})
	if err := RegisterGateways(a.Handler, cfg.Payment); err != nil {
		return err
	}

	if cfg.Queue.Enabled {
		a.Jobs, err = jobs.NewClient(a.DB.Pool, a.Handler, jobs.ClientOptions{
			MaxWorkers:     cfg.Queue.MaxWorkers,
			SweepInterval:  cfg.Callback.SweepInterval,
			SweepBatchSize: cfg.Callback.SweepBatchSize,
			Logger:         a.Logger,
		})
		if err != nil {
			return err
		}
		a.Scheduler.AttachClient(a.Jobs)
	}
	return nil
}

// RegisterGateways installs the Stripe verifier and every configured HMAC gateway.
func RegisterGateways(h *callback.Handler, cfg config.PaymentConfig) error {
	if cfg.StripeWebhookSecret != "" {
		allow, err := callback.ParseIPAllowList(cfg.StripeAllowedIPs)
		if err != nil {
			return fmt.Errorf("stripe allow-list: %w", err)
		}
		h.RegisterGateway("stripe", callback.Gateway{
			Verifier:  callback.NewStripeVerifier(cfg.StripeWebhookSecret),
			AllowList: allow,
		})
	}
	for _, gw := range cfg.Gateways {
		allow, err := callback.ParseIPAllowList(gw.AllowedIPs)
		if err != nil {
			return fmt.Errorf("gateway %s allow-list: %w", gw.Name, err)
		}
		name := strings.ToLower(gw.Name)
		h.RegisterGateway(name, callback.Gateway{
			Verifier:  callback.NewHMACVerifier(name, gw.Secret, gw.SignatureHeader),
			AllowList: allow,
		})
	}
	return nil
}

// RegisterMetrics exposes the cache statistics on the default registry.
func (a *App) RegisterMetrics() {
	prometheus.MustRegister(
		monitoring.NewCacheCollector("user", a.UserCache.Stats),
		monitoring.NewCacheCollector("rate", a.RateCache.Stats),
	)
}

func (a *App) StartJobs(ctx context.Context) error {
	if a.Jobs == nil {
		a.Logger.Warn("Job queue disabled, callback retries rely on gateway redelivery")
		return nil
	}
	if err := a.Jobs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job client: %w", err)
	}
	return nil
}

func (a *App) StopJobs(ctx context.Context) {
	if a.Jobs == nil {
		return
	}
	if err := a.Jobs.Stop(ctx); err != nil {
		a.Logger.WithError(err).Warn("Job client did not stop cleanly")
	}
}

type userInvalidator interface {
	Invalidate(userID uuid.UUID)
	InvalidateAll()
}

type rateInvalidator interface {
	Invalidate() int
}

func applyCacheEvent(users userInvalidator, rates rateInvalidator, ev database.CacheEvent) {
	switch ev.Kind {
	case database.CacheEventUser:
		if ev.UserID != nil {
			users.Invalidate(*ev.UserID)
			return
		}
		users.InvalidateAll()
	case database.CacheEventRates:
		rates.Invalidate()
	default:
		users.InvalidateAll()
		rates.Invalidate()
	}
}

// InvalidateCaches drops the cached entries an event names.
func (a *App) InvalidateCaches(ev database.CacheEvent) {
	applyCacheEvent(a.Resolver, a.RateProvider, ev)
	a.Logger.WithField("kind", ev.Kind).Debug("Caches invalidated")
}

// WatchCacheEvents applies invalidations published by other processes until ctx ends.
func (a *App) WatchCacheEvents(ctx context.Context) {
	database.ListenCacheEvents(ctx, a.DB.Pool, a.Logger, a.InvalidateCaches)
}

// PublishCacheEvent tells every running server to drop the entries ev names.
func (a *App) PublishCacheEvent(ctx context.Context, ev database.CacheEvent) error {
	return database.PublishCacheEvent(ctx, a.DB.Pool, ev)
}

func (a *App) Close() {
	a.DB.Close()
}
