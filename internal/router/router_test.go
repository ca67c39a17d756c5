// internal/router/router_test.go
package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/commission"
	"github.com/javajoker/imi-commission/internal/config"
	"github.com/javajoker/imi-commission/internal/handlers"
	"github.com/javajoker/imi-commission/internal/hierarchy"
	"github.com/javajoker/imi-commission/internal/ledger"
	"github.com/javajoker/imi-commission/internal/middleware"
	"github.com/javajoker/imi-commission/internal/store/memory"
	"github.com/javajoker/imi-commission/internal/utils"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	utils.SetJWTConfig("router-secret", "imi-commission")
	logger, _ := test.NewNullLogger()

	store := memory.New()
	resolver := hierarchy.NewResolver(store, nil)
	rates := commission.NewProvider(store, nil)
	ledgerSvc := ledger.NewService(store, ledger.WithLogger(logger))
	cb := callback.NewHandler(callback.Deps{
		Callbacks: store,
		Orders:    store,
		Resolver:  resolver,
		Rates:     rates,
		Ledger:    ledgerSvc,
		Logger:    logger,
	}, callback.Config{})

	cfg := &config.Config{Server: config.ServerConfig{CORSOrigins: []string{"https://ops.example.com"}}}
	return Initialize(cfg, Dependencies{
		Webhook:        handlers.NewWebhookHandler(cb),
		Ledger:         handlers.NewLedgerHandler(ledgerSvc, nil),
		Admin:          handlers.NewAdminHandler(cb, resolver, rates, store),
		WebhookLimiter: middleware.NewRateLimiter(rate.Every(time.Hour), 1),
		Logger:         logger,
	})
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	tok, err := utils.GenerateJWT(uuid.New(), "ops", role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func serve(r *gin.Engine, method, path, auth string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPublicRoutes(t *testing.T) {
	r := newRouter(t)

	w := serve(r, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = serve(r, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/nowhere", "", "").Code)
}

func TestWebhookRouteIsRateLimited(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/webhooks/acme", "", "{}").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodPost, "/webhooks/acme", "", "{}").Code)
}

func TestAdminRoutesRequireRoles(t *testing.T) {
	r := newRouter(t)
	id := uuid.NewString()

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/v1/admin/ledger/"+id+"/balance", "", "").Code)

	operator := bearer(t, utils.RoleOperator)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/v1/admin/ledger/"+id+"/balance", operator, "").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/v1/admin/callbacks", operator, "").Code)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodPost, "/v1/admin/ledger/"+id+"/credit", operator,
		`{"amount":10,"external_ref":"adj-1"}`).Code)

	admin := bearer(t, utils.RoleAdmin)
	assert.Equal(t, http.StatusCreated, serve(r, http.MethodPost, "/v1/admin/ledger/"+id+"/credit", admin,
		`{"amount":10,"external_ref":"adj-1"}`).Code)
	assert.Equal(t, http.StatusForbidden, serve(r, http.MethodGet, "/v1/admin/callbacks", bearer(t, "viewer"), "").Code)
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	r := newRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/admin/callbacks", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
