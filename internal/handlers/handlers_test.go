// internal/handlers/handlers_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/suite"

	"github.com/javajoker/imi-commission/internal/cache"
	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/commission"
	"github.com/javajoker/imi-commission/internal/config"
	"github.com/javajoker/imi-commission/internal/hierarchy"
	"github.com/javajoker/imi-commission/internal/ledger"
	"github.com/javajoker/imi-commission/internal/models"
	"github.com/javajoker/imi-commission/internal/services"
	"github.com/javajoker/imi-commission/internal/store/memory"
)

const webhookSecret = "whsec_handlers"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

type HandlersTestSuite struct {
	suite.Suite
	router   *gin.Engine
	store    *memory.Store
	verifier *callback.HMACVerifier
	operator uuid.UUID

	sponsor, buyer uuid.UUID
}

func (s *HandlersTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()

	s.store = memory.New()
	s.verifier = callback.NewHMACVerifier("gateway", webhookSecret, "")
	s.operator = uuid.New()

	s.sponsor = s.store.AddUser("sponsor", models.RankStar1, nil).ID
	s.buyer = s.store.AddUser("buyer", models.RankNormal, &s.sponsor).ID
	s.store.PutRates("v1", []models.RateEntry{
		{Level: 1, BeneficiaryRank: models.RankStar1, Percent: decimal.NewFromInt(10)},
	}, true)

	resolver := hierarchy.NewResolver(s.store, cache.New[hierarchy.Node](cache.Options{Capacity: 16}), hierarchy.WithLogger(logger))
	rates := commission.NewProvider(s.store, cache.New[*commission.RateTable](cache.Options{Capacity: 4}), commission.WithProviderLogger(logger))
	ledgerSvc := ledger.NewService(s.store, ledger.WithLogger(logger))
	alerts := services.NewAlertService(s.store, &config.Config{}, logger)

	cb := callback.NewHandler(callback.Deps{
		Callbacks: s.store,
		Orders:    s.store,
		Resolver:  resolver,
		Rates:     rates,
		Ledger:    ledgerSvc,
		Alerter:   alerts,
		Logger:    logger,
	}, callback.Config{})
	cb.RegisterGateway("gateway", callback.Gateway{Verifier: s.verifier})

	webhook := NewWebhookHandler(cb)
	ledgerHandler := NewLedgerHandler(ledgerSvc, alerts)
	admin := NewAdminHandler(cb, resolver, rates, s.store)

	r := gin.New()
	r.POST("/webhooks/:provider", webhook.Receive)
	ops := r.Group("/admin", func(c *gin.Context) {
		c.Set("user_id", s.operator.String())
		c.Next()
	})
	ops.GET("/ledger/:beneficiary_id/balance", ledgerHandler.GetBalance)
	ops.GET("/ledger/:beneficiary_id/transactions", ledgerHandler.GetTransactions)
	ops.GET("/ledger/:beneficiary_id/reconcile", ledgerHandler.Reconcile)
	ops.POST("/ledger/:beneficiary_id/credit", ledgerHandler.Credit)
	ops.POST("/ledger/:beneficiary_id/debit", ledgerHandler.Debit)
	ops.POST("/ledger/:beneficiary_id/freeze", ledgerHandler.Freeze)
	ops.POST("/ledger/:beneficiary_id/unfreeze", ledgerHandler.Unfreeze)
	ops.GET("/callbacks", admin.GetCallbacks)
	ops.GET("/callbacks/:provider/:tx_id", admin.GetCallback)
	ops.POST("/callbacks/:provider/:tx_id/requeue", admin.RequeueCallback)
	ops.POST("/cache/users/:user_id/invalidate", admin.InvalidateUser)
	ops.POST("/cache/users/invalidate", admin.InvalidateUsers)
	ops.POST("/cache/rates/invalidate", admin.InvalidateRates)
	ops.GET("/notifications", admin.GetNotifications)
	ops.PUT("/notifications/:id/read", admin.MarkNotificationRead)
	s.router = r
}

func (s *HandlersTestSuite) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *HandlersTestSuite) decode(w *httptest.ResponseRecorder, into interface{}) envelope {
	var env envelope
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &env))
	if into != nil {
		s.Require().NoError(json.Unmarshal(env.Data, into))
	}
	return env
}

func (s *HandlersTestSuite) signedDelivery(txID string, orderID uuid.UUID, amount int64) *http.Request {
	body, err := json.Marshal(map[string]interface{}{
		"provider_tx_id": txID,
		"order_id":       orderID.String(),
		"amount":         amount,
		"status":         "PAID",
	})
	s.Require().NoError(err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(body))
	req.Header.Set("X-Signature", "sha256="+s.verifier.Sign(body))
	return req
}

func (s *HandlersTestSuite) TestWebhookSettlesOnceAndAcksDuplicates() {
	orderID := s.store.PutOrder(models.Order{BuyerID: s.buyer, Amount: 10000}).ID

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, s.signedDelivery("PAY1", orderID, 10000))
	s.Equal(http.StatusOK, w.Code)
	var ack callback.AckResult
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &ack))
	s.Equal(callback.OutcomeApplied, ack.Outcome)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, s.signedDelivery("PAY1", orderID, 10000))
	s.Equal(http.StatusOK, w.Code)
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &ack))
	s.Equal(callback.OutcomeDuplicate, ack.Outcome)

	bal, err := s.store.GetBalance(context.Background(), s.sponsor)
	s.Require().NoError(err)
	s.Equal(int64(1000), bal.Available)
}

func (s *HandlersTestSuite) TestWebhookRejections() {
	w := s.do(http.MethodPost, "/webhooks/unknown", map[string]string{"x": "y"})
	s.Equal(http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", strings.NewReader(`{"provider_tx_id":"PAY2"}`))
	req.Header.Set("X-Signature", "sha256=00")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), callback.OutcomeUnauthenticated)

	big := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(make([]byte, MaxWebhookBody+1)))
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, big)
	s.Equal(http.StatusRequestEntityTooLarge, w.Code)
}

func (s *HandlersTestSuite) TestLedgerMutations() {
	base := "/admin/ledger/" + s.sponsor.String()

	w := s.do(http.MethodPost, base+"/credit", map[string]interface{}{"amount": 500, "external_ref": "adj-1", "note": "goodwill"})
	s.Equal(http.StatusCreated, w.Code)
	var res ledger.TransactionResult
	s.decode(w, &res)
	s.False(res.Replayed)
	s.Equal(models.TransactionTypeAdjustment, res.Transaction.Type)
	s.Equal(s.operator.String(), res.Transaction.Metadata["operator_id"])

	w = s.do(http.MethodPost, base+"/credit", map[string]interface{}{"amount": 500, "external_ref": "adj-1"})
	s.Equal(http.StatusOK, w.Code)
	s.decode(w, &res)
	s.True(res.Replayed)

	w = s.do(http.MethodPost, base+"/debit", map[string]interface{}{"amount": 900, "external_ref": "wd-1"})
	s.Equal(http.StatusUnprocessableEntity, w.Code)
	s.Equal("INSUFFICIENT_BALANCE", s.decode(w, nil).Error.Code)

	w = s.do(http.MethodPost, base+"/debit", map[string]interface{}{"amount": 900, "external_ref": "wd-1", "type": "bonus"})
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("VALIDATION_ERROR", s.decode(w, nil).Error.Code)

	w = s.do(http.MethodPost, base+"/debit", map[string]interface{}{"amount": 50, "external_ref": "adj-1"})
	s.Equal(http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, base+"/freeze", map[string]interface{}{"amount": 200, "external_ref": "hold-1"})
	s.Equal(http.StatusCreated, w.Code)
	w = s.do(http.MethodPost, base+"/unfreeze", map[string]interface{}{"amount": 50, "external_ref": "release-1"})
	s.Equal(http.StatusCreated, w.Code)

	w = s.do(http.MethodGet, base+"/balance", nil)
	s.Equal(http.StatusOK, w.Code)
	var body struct {
		Balance models.Balance `json:"balance"`
	}
	s.decode(w, &body)
	s.Equal(int64(350), body.Balance.Available)
	s.Equal(int64(150), body.Balance.Held)

	w = s.do(http.MethodGet, base+"/transactions?limit=2", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("3", w.Header().Get("X-Total-Count"))
	var txs []models.LedgerTransaction
	s.decode(w, &txs)
	s.Len(txs, 2)

	w = s.do(http.MethodGet, base+"/reconcile", nil)
	s.Equal(http.StatusOK, w.Code)
	var rec struct {
		Reconciliation ledger.Reconciliation `json:"reconciliation"`
	}
	s.decode(w, &rec)
	s.True(rec.Reconciliation.Consistent)
	s.Empty(s.store.Notifications())
}

func (s *HandlersTestSuite) TestLedgerRequestErrors() {
	w := s.do(http.MethodGet, "/admin/ledger/not-a-uuid/balance", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/admin/ledger/"+uuid.NewString()+"/balance", nil)
	s.Equal(http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/admin/ledger/"+s.sponsor.String()+"/credit", map[string]interface{}{"amount": 0})
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("VALIDATION_ERROR", s.decode(w, nil).Error.Code)

	w = s.do(http.MethodPost, "/admin/ledger/"+uuid.NewString()+"/freeze", map[string]interface{}{"amount": 10, "external_ref": "hold-x"})
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *HandlersTestSuite) TestCallbackAdmin() {
	_, _, err := s.store.Register(context.Background(), &models.PaymentCallbackRecord{
		Provider:      "gateway",
		ProviderTxID:  "PAY9",
		OrderID:       uuid.New(),
		Amount:        100,
		PaymentStatus: models.PaymentStatusPaid,
		Status:        models.CallbackStatusManualReview,
		LastError:     "order not found",
	})
	s.Require().NoError(err)

	w := s.do(http.MethodGet, "/admin/callbacks", nil)
	s.Equal(http.StatusOK, w.Code)
	var records []models.PaymentCallbackRecord
	s.decode(w, &records)
	s.Require().Len(records, 1)
	s.Equal("PAY9", records[0].ProviderTxID)

	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/admin/callbacks?status=bogus", nil).Code)
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/admin/callbacks/GATEWAY/PAY9", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/admin/callbacks/gateway/missing", nil).Code)

	w = s.do(http.MethodPost, "/admin/callbacks/gateway/PAY9/requeue", nil)
	s.Equal(http.StatusOK, w.Code)
	var requeued struct {
		Callback models.PaymentCallbackRecord `json:"callback"`
	}
	s.decode(w, &requeued)
	s.Equal(models.CallbackStatusReceived, requeued.Callback.Status)
	s.Zero(requeued.Callback.RetryCount)

	s.Equal(http.StatusConflict, s.do(http.MethodPost, "/admin/callbacks/gateway/PAY9/requeue", nil).Code)
}

func (s *HandlersTestSuite) TestCacheAndNotificationAdmin() {
	orderID := s.store.PutOrder(models.Order{BuyerID: s.buyer, Amount: 1000}).ID
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, s.signedDelivery("PAY5", orderID, 1000))
	s.Require().Equal(http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/admin/cache/rates/invalidate", nil)
	s.Equal(http.StatusOK, w.Code)
	var evicted struct {
		Evicted int `json:"evicted"`
	}
	s.decode(w, &evicted)
	s.Positive(evicted.Evicted)

	s.Equal(http.StatusOK, s.do(http.MethodPost, "/admin/cache/users/"+s.buyer.String()+"/invalidate", nil).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/admin/cache/users/nope/invalidate", nil).Code)
	s.Equal(http.StatusOK, s.do(http.MethodPost, "/admin/cache/users/invalidate", nil).Code)

	s.Require().NoError(services.NewAlertService(s.store, &config.Config{}, nil).ReconciliationMismatch(context.Background(), ledger.Reconciliation{BeneficiaryID: s.sponsor}))
	w = s.do(http.MethodGet, "/admin/notifications?status=unread", nil)
	s.Equal(http.StatusOK, w.Code)
	var notes []models.AdminNotification
	s.decode(w, &notes)
	s.Require().Len(notes, 1)

	s.Equal(http.StatusOK, s.do(http.MethodPut, "/admin/notifications/"+notes[0].ID.String()+"/read", nil).Code)
	w = s.do(http.MethodGet, "/admin/notifications?status=unread", nil)
	s.decode(w, &notes)
	s.Empty(notes)
}

func TestHandlersTestSuite(t *testing.T) {
	suite.Run(t, new(HandlersTestSuite))
}
