// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/javajoker/imi-commission/internal/app"
	"github.com/javajoker/imi-commission/internal/config"
	"github.com/javajoker/imi-commission/internal/database"
	"github.com/javajoker/imi-commission/internal/handlers"
	"github.com/javajoker/imi-commission/internal/middleware"
	"github.com/javajoker/imi-commission/internal/router"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	// Run database migrations
	if err := database.RunMigrations(ctx, a.DB); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}
	a.RegisterMetrics()

	if err := a.StartJobs(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start job queue")
	}

	go a.WatchCacheEvents(ctx)

	limiter := middleware.NewRateLimiter(rate.Limit(cfg.Server.WebhookRPS), cfg.Server.WebhookBurst)
	go limiter.Run(ctx)

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := router.Initialize(cfg, router.Dependencies{
		Webhook:        handlers.NewWebhookHandler(a.Handler),
		Ledger:         handlers.NewLedgerHandler(a.Ledger, a.Alerts),
		Admin:          handlers.NewAdminHandler(a.Handler, a.Resolver, a.RateProvider, a.Notifications),
		WebhookLimiter: limiter,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting deliveries before the workers, so nothing is enqueued into a stopped client.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	a.StopJobs(shutdownCtx)

	logger.Info("Server exited")
}
