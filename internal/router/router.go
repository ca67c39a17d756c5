// internal/router/router.go
package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-commission/internal/config"
	"github.com/javajoker/imi-commission/internal/handlers"
	"github.com/javajoker/imi-commission/internal/middleware"
	"github.com/javajoker/imi-commission/internal/utils"
)

// Dependencies are the handlers and shared middleware state the routes need.
type Dependencies struct {
	Webhook        *handlers.WebhookHandler
	Ledger         *handlers.LedgerHandler
	Admin          *handlers.AdminHandler
	WebhookLimiter *middleware.RateLimiter
	Logger         logrus.FieldLogger
}

func Initialize(cfg *config.Config, deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(corsMiddleware(cfg.Server.CORSOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Gateways authenticate by signature, not JWT.
	webhooks := r.Group("/webhooks")
	if deps.WebhookLimiter != nil {
		webhooks.Use(deps.WebhookLimiter.Middleware())
	}
	{
		webhooks.POST("/:provider", deps.Webhook.Receive)
	}

	v1 := r.Group("/v1")
	{
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthRequired(), middleware.RoleRequired(utils.RoleAdmin, utils.RoleOperator))
		{
			// Ledger
			ledger := admin.Group("/ledger/:beneficiary_id")
			{
				ledger.GET("/balance", deps.Ledger.GetBalance)
				ledger.GET("/transactions", deps.Ledger.GetTransactions)
				ledger.GET("/reconcile", deps.Ledger.Reconcile)

				mutations := ledger.Group("", middleware.AdminRequired(), middleware.AuditLog(deps.Logger))
				mutations.POST("/credit", deps.Ledger.Credit)
				mutations.POST("/debit", deps.Ledger.Debit)
				mutations.POST("/freeze", deps.Ledger.Freeze)
				mutations.POST("/unfreeze", deps.Ledger.Unfreeze)
			}

			// Payment callbacks
			callbacks := admin.Group("/callbacks")
			{
				callbacks.GET("", deps.Admin.GetCallbacks)
				callbacks.GET("/:provider/:tx_id", deps.Admin.GetCallback)
				callbacks.POST("/:provider/:tx_id/requeue", middleware.AuditLog(deps.Logger), deps.Admin.RequeueCallback)
			}

			// Caches
			caches := admin.Group("/cache", middleware.AuditLog(deps.Logger))
			{
				caches.POST("/users/invalidate", deps.Admin.InvalidateUsers)
				caches.POST("/users/:user_id/invalidate", deps.Admin.InvalidateUser)
				caches.POST("/rates/invalidate", deps.Admin.InvalidateRates)
			}

			// Notifications
			notifications := admin.Group("/notifications")
			{
				notifications.GET("", deps.Admin.GetNotifications)
				notifications.PUT("/:id/read", deps.Admin.MarkNotificationRead)
			}
		}
	}

	r.NoRoute(func(c *gin.Context) {
		utils.NotFoundResponse(c, "Route")
	})

	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"X-Total-Count", "X-Page", "X-Per-Page", "X-Total-Pages"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
