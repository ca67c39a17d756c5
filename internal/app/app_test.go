// internal/app/app_test.go
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/config"
	"github.com/javajoker/imi-commission/internal/database"
	"github.com/javajoker/imi-commission/internal/store/memory"
)

func TestNewLogger(t *testing.T) {
	prod := NewLogger(&config.Config{Environment: "production", LogLevel: "debug"})
	assert.IsType(t, &logrus.JSONFormatter{}, prod.Formatter)
	assert.Equal(t, logrus.DebugLevel, prod.GetLevel())

	dev := NewLogger(&config.Config{Environment: "development", LogLevel: "loud"})
	assert.IsType(t, &logrus.TextFormatter{}, dev.Formatter)
	assert.Equal(t, logrus.InfoLevel, dev.GetLevel())
}

func TestRegisterGateways(t *testing.T) {
	store := memory.New()
	h := callback.NewHandler(callback.Deps{Callbacks: store, Orders: store}, callback.Config{})

	err := RegisterGateways(h, config.PaymentConfig{
		StripeWebhookSecret: "whsec_stripe",
		Gateways: []config.GatewayConfig{
			{Name: "Acme-Pay", Secret: "acme-secret", SignatureHeader: "X-Acme-Signature", AllowedIPs: []string{"203.0.113.0/24"}},
		},
	})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"provider_tx_id": "T1", "order_id": uuid.NewString(), "amount": 100, "status": "PAID",
	})
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set("X-Acme-Signature", callback.NewHMACVerifier("acme-pay", "acme-secret", "").Sign(body))

	outside := h.HandleCallback(context.Background(), callback.Delivery{Provider: "ACME-PAY", Headers: headers, Body: body, RemoteIP: "198.51.100.1"})
	assert.Equal(t, callback.OutcomeUnauthenticated, outside.Outcome)

	// Authenticated, but the order does not exist.
	inside := h.HandleCallback(context.Background(), callback.Delivery{Provider: "acme-pay", Headers: headers, Body: body, RemoteIP: "203.0.113.9"})
	assert.Equal(t, callback.OutcomeRejected, inside.Outcome)

	stripe := h.HandleCallback(context.Background(), callback.Delivery{Provider: "stripe", Headers: http.Header{}, Body: []byte(`{}`)})
	assert.Equal(t, callback.OutcomeUnauthenticated, stripe.Outcome)

	err = RegisterGateways(h, config.PaymentConfig{
		Gateways: []config.GatewayConfig{{Name: "bad", Secret: "s", AllowedIPs: []string{"not-an-ip"}}},
	})
	assert.Error(t, err)
}

type invalidations struct {
	users   []uuid.UUID
	allUser int
}

func (i *invalidations) Invalidate(id uuid.UUID) { i.users = append(i.users, id) }
func (i *invalidations) InvalidateAll()          { i.allUser++ }

type rateFlushes struct{ n int }

func (r *rateFlushes) Invalidate() int {
	r.n++
	return 0
}

func TestApplyCacheEvent(t *testing.T) {
	users, rates := &invalidations{}, &rateFlushes{}
	id := uuid.New()

	applyCacheEvent(users, rates, database.CacheEvent{Kind: database.CacheEventUser, UserID: &id})
	assert.Equal(t, []uuid.UUID{id}, users.users)
	assert.Zero(t, users.allUser)
	assert.Zero(t, rates.n)

	applyCacheEvent(users, rates, database.CacheEvent{Kind: database.CacheEventUser})
	assert.Equal(t, 1, users.allUser)

	applyCacheEvent(users, rates, database.CacheEvent{Kind: database.CacheEventRates})
	assert.Equal(t, 1, rates.n)
	assert.Equal(t, 1, users.allUser)

	applyCacheEvent(users, rates, database.CacheEvent{Kind: database.CacheEventAll})
	assert.Equal(t, 2, users.allUser)
	assert.Equal(t, 2, rates.n)
}
