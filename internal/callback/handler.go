// internal/callback/handler.go
package callback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-commission/internal/commission"
	"github.com/javajoker/imi-commission/internal/hierarchy"
	"github.com/javajoker/imi-commission/internal/ledger"
	"github.com/javajoker/imi-commission/internal/models"
	"github.com/javajoker/imi-commission/internal/monitoring"
)

var (
	ErrCallbackNotFound = errors.New("callback record not found")
	ErrNotClaimable     = errors.New("callback record is not claimable")
	ErrClaimLost        = errors.New("callback claim lost to another worker")
	ErrNotRequeueable   = errors.New("only records in manual review can be requeued")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderConflict    = errors.New("order state changed concurrently")
)

// OrderStore is the order persistence contract.
type OrderStore interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// TransitionOrder moves id from one state to another, or fails with ErrOrderConflict.
	TransitionOrder(ctx context.Context, id uuid.UUID, from, to models.OrderState) error
	// ClaimSettlement binds the order to ref when unbound and reports whether ref holds it.
	ClaimSettlement(ctx context.Context, id uuid.UUID, ref string) (bool, error)
}

// CallbackStore persists callback records. Claim is a compare-and-set from
// RECEIVED, or from PROCESSING with an expired lease, to PROCESSING under a
// new token. Save writes only while the caller still holds token.
type CallbackStore interface {
	// Register inserts rec unless its key exists; it returns the stored record.
	Register(ctx context.Context, rec *models.PaymentCallbackRecord) (stored *models.PaymentCallbackRecord, created bool, err error)
	Get(ctx context.Context, key models.CallbackKey) (*models.PaymentCallbackRecord, error)
	Claim(ctx context.Context, key models.CallbackKey, token string, now time.Time, lease time.Duration) (*models.PaymentCallbackRecord, error)
	Save(ctx context.Context, rec *models.PaymentCallbackRecord, token string) error
	// ListDue returns RECEIVED records whose next attempt is due and PROCESSING records with expired leases.
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.PaymentCallbackRecord, error)
	ListByStatus(ctx context.Context, status models.CallbackStatus, limit, offset int) ([]models.PaymentCallbackRecord, int64, error)
	// Requeue resets a MANUAL_REVIEW record to RECEIVED with a fresh retry budget.
	Requeue(ctx context.Context, key models.CallbackKey, now time.Time) (*models.PaymentCallbackRecord, error)
}

type UplineResolver interface {
	Buyer(ctx context.Context, userID uuid.UUID) (hierarchy.Node, error)
	ResolveUpline(ctx context.Context, userID uuid.UUID, maxDepth int) ([]hierarchy.Member, error)
}

type RateSource interface {
	Current(ctx context.Context) (*commission.RateTable, error)
}

type Ledger interface {
	ApplyBatch(ctx context.Context, items []ledger.BatchItem, prefix string, txType models.TransactionType, metadata models.JSONB) (ledger.BatchResult, error)
}

// RetryScheduler arranges a future Reprocess of key.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, key models.CallbackKey, at time.Time) error
}

type Alert struct {
	Kind         string
	Title        string
	Message      string
	Provider     string
	ProviderTxID string
	OrderID      uuid.UUID
	Details      map[string]interface{}
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// Archiver stores raw deliveries for audit.
type Archiver interface {
	Archive(ctx context.Context, d Delivery, outcome string) error
}

const (
	OutcomeApplied         = "applied"
	OutcomeDuplicate       = "duplicate"
	OutcomeRejected        = "rejected"
	OutcomeManualReview    = "manual_review"
	OutcomeRetry           = "retry"
	OutcomeInProgress      = "in_progress"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeInvalid         = "invalid"
	OutcomeIgnored         = "ignored"
	OutcomeUnknownProvider = "unknown_provider"
	OutcomeNotFound        = "not_found"
)

// AckResult is what the gateway is told. A 5xx status asks for redelivery;
// anything else means stop.
type AckResult struct {
	HTTPStatus   int                   `json:"-"`
	Outcome      string                `json:"outcome"`
	Status       models.CallbackStatus `json:"status,omitempty"`
	Provider     string                `json:"provider,omitempty"`
	ProviderTxID string                `json:"provider_tx_id,omitempty"`
	Message      string                `json:"message,omitempty"`
}

func (a AckResult) Redeliver() bool {
	return a.HTTPStatus >= http.StatusInternalServerError
}

type Config struct {
	MaxDepth int
	Lease    time.Duration
	Retry    RetryPolicy
	// StoreTimeout bounds each callback/order store call.
	StoreTimeout time.Duration
	Now          func() time.Time
}

type Deps struct {
	Callbacks CallbackStore
	Orders    OrderStore
	Resolver  UplineResolver
	Rates     RateSource
	Ledger    Ledger
	Scheduler RetryScheduler
	Alerter   Alerter
	Archiver  Archiver
	Logger    logrus.FieldLogger
}

// Handler drives payment callbacks through
// RECEIVED -> PROCESSING -> APPLIED | REJECTED | RECEIVED(retry) | MANUAL_REVIEW.
type Handler struct {
	Deps
	cfg      Config
	gateways map[string]Gateway
	validate *validator.Validate
}

func NewHandler(deps Deps, cfg Config) *Handler {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Handler{
		Deps:     deps,
		cfg:      cfg,
		gateways: make(map[string]Gateway),
		validate: validator.New(),
	}
}

func (h *Handler) RegisterGateway(provider string, g Gateway) {
	h.gateways[strings.ToLower(provider)] = g
}

// HandleCallback authenticates, deduplicates and processes one delivery.
// Success is acknowledged only after the outcome is durably recorded.
func (h *Handler) HandleCallback(ctx context.Context, d Delivery) AckResult {
	start := h.cfg.Now()
	d.Provider = strings.ToLower(d.Provider)
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = start
	}
	defer func() {
		monitoring.CallbackDuration.WithLabelValues(d.Provider).Observe(time.Since(start).Seconds())
	}()

	log := h.Logger.WithFields(logrus.Fields{"provider": d.Provider, "remote_ip": d.RemoteIP})

	gw, ok := h.gateways[d.Provider]
	if !ok {
		return h.ack(AckResult{HTTPStatus: http.StatusNotFound, Outcome: OutcomeUnknownProvider, Provider: d.Provider})
	}

	n, err := gw.authenticate(d)
	switch {
	case errors.Is(err, ErrUnsupportedEvent):
		log.WithError(err).Debug("Ignoring unsupported callback event")
		return h.ack(AckResult{HTTPStatus: http.StatusOK, Outcome: OutcomeIgnored, Provider: d.Provider})
	case errors.Is(err, ErrMalformedPayload):
		log.WithError(err).Warn("Rejected malformed callback")
		h.archive(ctx, d, OutcomeInvalid, log)
		return h.ack(AckResult{HTTPStatus: http.StatusOK, Outcome: OutcomeInvalid, Provider: d.Provider, Message: err.Error()})
	case err != nil:
		// Not persisted: a forged delivery must not occupy the dedupe key of a genuine one.
		log.WithError(err).Warn("Rejected unauthenticated callback")
		h.archive(ctx, d, OutcomeUnauthenticated, log)
		return h.ack(AckResult{HTTPStatus: http.StatusOK, Outcome: OutcomeUnauthenticated, Provider: d.Provider})
	}

	if err := h.validate.Struct(n); err != nil {
		log.WithError(err).Warn("Rejected invalid callback notification")
		h.archive(ctx, d, OutcomeInvalid, log)
		return h.ack(AckResult{HTTPStatus: http.StatusOK, Outcome: OutcomeInvalid, Provider: d.Provider, Message: err.Error()})
	}

	log = log.WithFields(logrus.Fields{"provider_tx_id": n.ProviderTxID, "order_id": n.OrderID})
	h.archive(ctx, d, "received", log)

	rec := &models.PaymentCallbackRecord{
		Provider:      n.Provider,
		ProviderTxID:  n.ProviderTxID,
		OrderID:       n.OrderID,
		Amount:        n.Amount,
		PaymentStatus: n.Status,
		Status:        models.CallbackStatusReceived,
		ReceivedAt:    d.ReceivedAt,
	}

	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	stored, created, err := h.Callbacks.Register(sctx, rec)
	cancel()
	if err != nil {
		log.WithError(err).Error("Failed to register callback")
		return h.ack(AckResult{HTTPStatus: http.StatusServiceUnavailable, Outcome: OutcomeRetry, Provider: n.Provider, ProviderTxID: n.ProviderTxID})
	}

	if !created {
		if stored.OrderID != n.OrderID || stored.Amount != n.Amount || stored.PaymentStatus != n.Status {
			log.WithFields(logrus.Fields{
				"recorded_order_id": stored.OrderID,
				"recorded_amount":   stored.Amount,
				"amount":            n.Amount,
			}).Warn("Redelivered callback differs from the recorded notification, keeping the recorded one")
		}
		if stored.Status.Terminal() {
			return h.ack(duplicateAck(stored))
		}
	}

	return h.process(ctx, n.Key())
}

// Reprocess retries a recorded callback; scheduled retries and the sweeper use it.
func (h *Handler) Reprocess(ctx context.Context, key models.CallbackKey) AckResult {
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	rec, err := h.Callbacks.Get(sctx, key)
	cancel()
	switch {
	case errors.Is(err, ErrCallbackNotFound):
		return h.ack(AckResult{HTTPStatus: http.StatusNotFound, Outcome: OutcomeNotFound, Provider: key.Provider, ProviderTxID: key.ProviderTxID})
	case err != nil:
		return h.ack(AckResult{HTTPStatus: http.StatusServiceUnavailable, Outcome: OutcomeRetry, Provider: key.Provider, ProviderTxID: key.ProviderTxID, Message: err.Error()})
	case rec.Status.Terminal():
		return h.ack(duplicateAck(rec))
	}
	return h.process(ctx, key)
}

// SweepDue reprocesses records whose retry is due or whose lease expired.
func (h *Handler) SweepDue(ctx context.Context, limit int) (int, error) {
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	due, err := h.Callbacks.ListDue(sctx, h.cfg.Now(), limit)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("list due callbacks: %w", err)
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if res := h.Reprocess(ctx, rec.Key()); res.Outcome != OutcomeInProgress {
			processed++
		}
	}
	return processed, nil
}

// Requeue returns a MANUAL_REVIEW record to automatic processing.
func (h *Handler) Requeue(ctx context.Context, key models.CallbackKey) (*models.PaymentCallbackRecord, error) {
	now := h.cfg.Now()
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	rec, err := h.Callbacks.Requeue(sctx, key, now)
	cancel()
	if err != nil {
		return nil, err
	}
	h.Logger.WithFields(logrus.Fields{"provider": key.Provider, "provider_tx_id": key.ProviderTxID}).Info("Callback requeued from manual review")
	h.schedule(ctx, key, now)
	return rec, nil
}

func (h *Handler) Records(ctx context.Context, status models.CallbackStatus, limit, offset int) ([]models.PaymentCallbackRecord, int64, error) {
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()
	return h.Callbacks.ListByStatus(sctx, status, limit, offset)
}

func (h *Handler) Record(ctx context.Context, key models.CallbackKey) (*models.PaymentCallbackRecord, error) {
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()
	return h.Callbacks.Get(sctx, key)
}

func (h *Handler) process(ctx context.Context, key models.CallbackKey) AckResult {
	token := uuid.NewString()

	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	rec, err := h.Callbacks.Claim(sctx, key, token, h.cfg.Now(), h.cfg.Lease)
	cancel()
	if errors.Is(err, ErrNotClaimable) {
		gctx, gcancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
		cur, gerr := h.Callbacks.Get(gctx, key)
		gcancel()
		if gerr == nil && cur.Status.Terminal() {
			return h.ack(duplicateAck(cur))
		}
		return h.ack(AckResult{HTTPStatus: http.StatusServiceUnavailable, Outcome: OutcomeInProgress, Status: models.CallbackStatusProcessing, Provider: key.Provider, ProviderTxID: key.ProviderTxID})
	}
	if err != nil {
		h.Logger.WithError(err).WithField("provider_tx_id", key.ProviderTxID).Error("Failed to claim callback")
		return h.ack(AckResult{HTTPStatus: http.StatusServiceUnavailable, Outcome: OutcomeRetry, Provider: key.Provider, ProviderTxID: key.ProviderTxID})
	}

	log := h.Logger.WithFields(logrus.Fields{
		"provider":       rec.Provider,
		"provider_tx_id": rec.ProviderTxID,
		"order_id":       rec.OrderID,
		"payment_status": rec.PaymentStatus,
		"attempt":        rec.RetryCount + 1,
	})

	out := h.execute(ctx, rec, token, log)
	return h.finish(ctx, rec, token, out, log)
}

type outcome struct {
	status models.CallbackStatus
	reason string
	err    error
}

func applied() outcome { return outcome{status: models.CallbackStatusApplied} }

func rejected(format string, args ...interface{}) outcome {
	return outcome{status: models.CallbackStatusRejected, reason: fmt.Sprintf(format, args...)}
}

func manualReview(format string, args ...interface{}) outcome {
	return outcome{status: models.CallbackStatusManualReview, reason: fmt.Sprintf(format, args...)}
}

func transient(err error) outcome {
	return outcome{status: models.CallbackStatusReceived, reason: err.Error(), err: err}
}

func (h *Handler) execute(ctx context.Context, rec *models.PaymentCallbackRecord, token string, log logrus.FieldLogger) outcome {
	order, out, ok := h.loadOrder(ctx, rec.OrderID)
	if !ok {
		return out
	}

	switch rec.PaymentStatus {
	case models.PaymentStatusPaid:
		return h.settle(ctx, rec, order, token, log)
	case models.PaymentStatusFailed:
		return h.fail(ctx, order)
	case models.PaymentStatusRefunded:
		return h.refund(ctx, rec, order, log)
	case models.PaymentStatusPartiallyRefunded:
		return partialRefund(order)
	}
	return rejected("unsupported payment status %q", rec.PaymentStatus)
}

func (h *Handler) loadOrder(ctx context.Context, id uuid.UUID) (*models.Order, outcome, bool) {
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()
	order, err := h.Orders.GetOrder(sctx, id)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, rejected("unknown order %s", id), false
	}
	if err != nil {
		return nil, transient(fmt.Errorf("get order: %w", err)), false
	}
	return order, outcome{}, true
}

func (h *Handler) transition(ctx context.Context, id uuid.UUID, from, to models.OrderState) error {
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()
	return h.Orders.TransitionOrder(sctx, id, from, to)
}

func (h *Handler) claimSettlement(ctx context.Context, id uuid.UUID, ref string) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	defer cancel()
	return h.Orders.ClaimSettlement(sctx, id, ref)
}

// SettlementRef is the value stored on orders.settlement_ref for key.
func SettlementRef(key models.CallbackKey) string {
	return key.Provider + ":" + key.ProviderTxID
}

// LedgerRefPrefix prefixes the external references of a callback's ledger
// entries. Provider transaction ids are only unique per gateway, so the
// provider is part of the reference.
func LedgerRefPrefix(key models.CallbackKey) string {
	return SettlementRef(key)
}

// ParseSettlementRef reverses SettlementRef.
func ParseSettlementRef(ref string) (models.CallbackKey, bool) {
	provider, tx, ok := strings.Cut(ref, ":")
	if !ok || provider == "" || tx == "" {
		return models.CallbackKey{}, false
	}
	return models.CallbackKey{Provider: provider, ProviderTxID: tx}, true
}

func settledBy(order *models.Order, ref string) bool {
	return order.State == models.OrderStateSettled && order.SettlementRef != nil && *order.SettlementRef == ref
}

func (h *Handler) settle(ctx context.Context, rec *models.PaymentCallbackRecord, order *models.Order, token string, log logrus.FieldLogger) outcome {
	ref := SettlementRef(rec.Key())

	if settledBy(order, ref) {
		// An earlier attempt settled the order but lost its record update.
		return applied()
	}
	if order.Amount != rec.Amount {
		return rejected("amount %d does not match order amount %d", rec.Amount, order.Amount)
	}
	if !order.CommissionEligible() {
		return rejected("order %s is %s", order.ID, order.State)
	}

	if order.State == models.OrderStateCreated {
		err := h.transition(ctx, order.ID, models.OrderStateCreated, models.OrderStatePaid)
		if err != nil && !errors.Is(err, ErrOrderConflict) {
			return transient(fmt.Errorf("mark order paid: %w", err))
		}
		if err != nil {
			reloaded, out, ok := h.loadOrder(ctx, order.ID)
			if !ok {
				return out
			}
			if settledBy(reloaded, ref) {
				return applied()
			}
			if reloaded.State != models.OrderStatePaid {
				return rejected("order %s moved to %s", order.ID, reloaded.State)
			}
		}
	}

	owned, err := h.claimSettlement(ctx, order.ID, ref)
	if err != nil {
		return transient(fmt.Errorf("claim settlement: %w", err))
	}
	if !owned {
		return rejected("order %s is settled by another payment", order.ID)
	}

	if rec.Plan == nil {
		plan, out, ok := h.plan(ctx, rec, order, log)
		if !ok {
			return out
		}
		rec.Plan = plan
		sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
		err := h.Callbacks.Save(sctx, rec, token)
		cancel()
		if err != nil {
			return transient(fmt.Errorf("snapshot distribution plan: %w", err))
		}
	}

	if out, ok := h.applyPlan(ctx, rec, rec.Plan, models.TransactionTypeCommission, log); !ok {
		return out
	}

	err = h.transition(ctx, order.ID, models.OrderStatePaid, models.OrderStateSettled)
	if errors.Is(err, ErrOrderConflict) {
		reloaded, out, ok := h.loadOrder(ctx, order.ID)
		if !ok {
			return out
		}
		if settledBy(reloaded, ref) {
			return applied()
		}
		return manualReview("commission applied but order %s left PAID for %s", order.ID, reloaded.State)
	}
	if err != nil {
		return transient(fmt.Errorf("mark order settled: %w", err))
	}

	log.WithFields(logrus.Fields{
		"beneficiaries": len(rec.Plan),
		"distributed":   rec.Plan.Total(),
	}).Info("Order settled")
	return applied()
}

func (h *Handler) plan(ctx context.Context, rec *models.PaymentCallbackRecord, order *models.Order, log logrus.FieldLogger) (models.DistributionPlan, outcome, bool) {
	buyer, err := h.Resolver.Buyer(ctx, order.BuyerID)
	if out, ok := hierarchyOutcome(err, "buyer"); !ok {
		return nil, out, false
	}
	upline, err := h.Resolver.ResolveUpline(ctx, order.BuyerID, h.cfg.MaxDepth)
	if out, ok := hierarchyOutcome(err, "upline"); !ok {
		return nil, out, false
	}

	table, err := h.Rates.Current(ctx)
	switch {
	case errors.Is(err, commission.ErrInvalidRate), errors.Is(err, commission.ErrRateTableOverflow), errors.Is(err, commission.ErrRateVersionNotFound):
		return nil, manualReview("rate table unusable: %v", err), false
	case err != nil:
		return nil, transient(fmt.Errorf("load rate table: %w", err)), false
	}

	res, err := commission.Compute(commission.Input{
		OrderID:   order.ID,
		Amount:    order.Amount,
		BuyerRank: buyer.Rank,
		Upline:    upline,
	}, table)
	if err != nil {
		return nil, manualReview("compute commission: %v", err), false
	}
	if res.Truncated > 0 {
		return nil, manualReview("distribution exceeds order amount by %d", res.Truncated), false
	}

	log.WithFields(logrus.Fields{
		"rate_version": table.Version,
		"upline":       len(upline),
		"total":        res.Total,
	}).Debug("Computed commission plan")

	plan := res.Plan()
	if plan == nil {
		plan = models.DistributionPlan{}
	}
	return plan, outcome{}, true
}

func hierarchyOutcome(err error, what string) (outcome, bool) {
	switch {
	case err == nil:
		return outcome{}, true
	case errors.Is(err, hierarchy.ErrCorruptHierarchy):
		return manualReview("resolve %s: %v", what, err), false
	case errors.Is(err, hierarchy.ErrUserNotFound):
		return manualReview("resolve %s: %v", what, err), false
	}
	return transient(fmt.Errorf("resolve %s: %w", what, err)), false
}

func (h *Handler) applyPlan(ctx context.Context, rec *models.PaymentCallbackRecord, plan models.DistributionPlan, txType models.TransactionType, log logrus.FieldLogger) (outcome, bool) {
	if len(plan) == 0 {
		return outcome{}, true
	}

	items := make([]ledger.BatchItem, 0, len(plan))
	for _, c := range plan {
		items = append(items, ledger.BatchItem{BeneficiaryID: c.BeneficiaryID, Amount: c.Amount})
	}
	metadata := models.JSONB{
		"order_id":       rec.OrderID.String(),
		"provider":       rec.Provider,
		"provider_tx_id": rec.ProviderTxID,
	}

	batch, err := h.Ledger.ApplyBatch(ctx, items, LedgerRefPrefix(rec.Key()), txType, metadata)
	if err != nil {
		return manualReview("distribution plan rejected by ledger: %v", err), false
	}
	if err := batch.Err(); err != nil {
		log.WithError(err).WithField("failed", len(batch.Failed())).Warn("Ledger batch partially applied")
		if errors.Is(err, ledger.ErrReferenceConflict) || errors.Is(err, ledger.ErrBeneficiaryNotFound) || errors.Is(err, ledger.ErrInvalidAmount) {
			return manualReview("ledger: %v", err), false
		}
		return transient(fmt.Errorf("apply distributions: %w", err)), false
	}
	return outcome{}, true
}

func (h *Handler) fail(ctx context.Context, order *models.Order) outcome {
	switch order.State {
	case models.OrderStateFailed:
		return applied()
	case models.OrderStateCreated:
		err := h.transition(ctx, order.ID, models.OrderStateCreated, models.OrderStateFailed)
		if err == nil {
			return applied()
		}
		if !errors.Is(err, ErrOrderConflict) {
			return transient(fmt.Errorf("mark order failed: %w", err))
		}
		reloaded, out, ok := h.loadOrder(ctx, order.ID)
		if !ok {
			return out
		}
		if reloaded.State == models.OrderStateFailed {
			return applied()
		}
		return rejected("payment failure for order in state %s", reloaded.State)
	}
	return rejected("payment failure for order in state %s", order.State)
}

func (h *Handler) refund(ctx context.Context, rec *models.PaymentCallbackRecord, order *models.Order, log logrus.FieldLogger) outcome {
	switch order.State {
	case models.OrderStateRefunded:
		return applied()
	case models.OrderStateFailed:
		return rejected("refund for failed order %s", order.ID)

	case models.OrderStateCreated, models.OrderStatePaid:
		// Take the settlement slot so a late payment callback cannot credit a refunded order.
		owned, err := h.claimSettlement(ctx, order.ID, SettlementRef(rec.Key()))
		if err != nil {
			return transient(fmt.Errorf("claim settlement: %w", err))
		}
		if !owned {
			return transient(fmt.Errorf("order %s is being settled by %s", order.ID, deref(order.SettlementRef)))
		}
		if err := h.transition(ctx, order.ID, order.State, models.OrderStateRefunded); err != nil {
			return transient(fmt.Errorf("mark order refunded: %w", err))
		}
		return applied()
	}

	// SETTLED: claw back the settling callback's plan.
	key, ok := ParseSettlementRef(deref(order.SettlementRef))
	if !ok {
		return manualReview("settled order %s has no usable settlement reference", order.ID)
	}
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	settling, err := h.Callbacks.Get(sctx, key)
	cancel()
	if errors.Is(err, ErrCallbackNotFound) {
		return manualReview("settling callback %s not found for order %s", key.ProviderTxID, order.ID)
	}
	if err != nil {
		return transient(fmt.Errorf("load settling callback: %w", err))
	}

	if out, ok := h.applyPlan(ctx, rec, settling.Plan, models.TransactionTypeRefund, log); !ok {
		return out
	}

	err = h.transition(ctx, order.ID, models.OrderStateSettled, models.OrderStateRefunded)
	if errors.Is(err, ErrOrderConflict) {
		reloaded, out, ok := h.loadOrder(ctx, order.ID)
		if !ok {
			return out
		}
		if reloaded.State == models.OrderStateRefunded {
			return applied()
		}
		return transient(fmt.Errorf("order %s moved to %s during refund", order.ID, reloaded.State))
	}
	if err != nil {
		return transient(fmt.Errorf("mark order refunded: %w", err))
	}

	log.WithField("clawed_back", settling.Plan.Total()).Info("Order refunded and commission reversed")
	return applied()
}

// partialRefund holds the callback for an operator. Commission is only ever
// reversed in full, so a partial refund cannot be applied automatically.
func partialRefund(order *models.Order) outcome {
	switch order.State {
	case models.OrderStateFailed, models.OrderStateRefunded:
		return rejected("partial refund for order in state %s", order.State)
	}
	return manualReview("partial refund for order %s in state %s", order.ID, order.State)
}

func (h *Handler) finish(ctx context.Context, rec *models.PaymentCallbackRecord, token string, out outcome, log logrus.FieldLogger) AckResult {
	now := h.cfg.Now()
	rec.ClaimToken = nil
	rec.LeaseExpiresAt = nil
	rec.NextAttemptAt = nil
	rec.LastError = out.reason

	status := out.status
	if status == models.CallbackStatusReceived {
		rec.RetryCount++
		if h.cfg.Retry.Exhausted(rec.RetryCount) {
			status = models.CallbackStatusManualReview
			rec.LastError = fmt.Sprintf("retries exhausted after %d attempts: %s", rec.RetryCount, out.reason)
		} else {
			next := now.Add(h.cfg.Retry.Backoff(rec.RetryCount))
			rec.NextAttemptAt = &next
		}
	}
	rec.Status = status
	if status == models.CallbackStatusApplied {
		rec.AppliedAt = &now
	}

	// The outcome must be recorded even if the caller has gone away.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.StoreTimeout)
	err := h.Callbacks.Save(sctx, rec, token)
	cancel()
	base := AckResult{Provider: rec.Provider, ProviderTxID: rec.ProviderTxID}
	if errors.Is(err, ErrClaimLost) {
		log.Warn("Callback claim expired before the outcome was saved")
		base.HTTPStatus, base.Outcome, base.Status = http.StatusServiceUnavailable, OutcomeInProgress, models.CallbackStatusProcessing
		return h.ack(base)
	}
	if err != nil {
		log.WithError(err).Error("Failed to save callback outcome")
		base.HTTPStatus, base.Outcome = http.StatusServiceUnavailable, OutcomeRetry
		return h.ack(base)
	}

	base.Status = status
	base.Message = rec.LastError
	switch status {
	case models.CallbackStatusApplied:
		log.Info("Callback applied")
		base.HTTPStatus, base.Outcome, base.Message = http.StatusOK, OutcomeApplied, ""
	case models.CallbackStatusRejected:
		log.WithField("reason", out.reason).Warn("Callback rejected")
		base.HTTPStatus, base.Outcome = http.StatusOK, OutcomeRejected
	case models.CallbackStatusManualReview:
		log.WithField("reason", rec.LastError).Error("Callback moved to manual review")
		h.alert(ctx, rec, log)
		base.HTTPStatus, base.Outcome = http.StatusOK, OutcomeManualReview
	default:
		log.WithError(out.err).WithField("next_attempt_at", rec.NextAttemptAt).Warn("Callback failed transiently, retry scheduled")
		h.schedule(ctx, rec.Key(), *rec.NextAttemptAt)
		base.HTTPStatus, base.Outcome = http.StatusServiceUnavailable, OutcomeRetry
	}
	return h.ack(base)
}

func (h *Handler) alert(ctx context.Context, rec *models.PaymentCallbackRecord, log logrus.FieldLogger) {
	if h.Alerter == nil {
		return
	}
	err := h.Alerter.Alert(context.WithoutCancel(ctx), Alert{
		Kind:         "callback_manual_review",
		Title:        fmt.Sprintf("Payment callback %s needs manual review", rec.ProviderTxID),
		Message:      rec.LastError,
		Provider:     rec.Provider,
		ProviderTxID: rec.ProviderTxID,
		OrderID:      rec.OrderID,
		Details: map[string]interface{}{
			"retry_count":    rec.RetryCount,
			"payment_status": rec.PaymentStatus,
			"amount":         rec.Amount,
		},
	})
	if err != nil {
		log.WithError(err).Error("Failed to raise manual review alert")
	}
}

func (h *Handler) schedule(ctx context.Context, key models.CallbackKey, at time.Time) {
	if h.Scheduler == nil {
		return
	}
	if err := h.Scheduler.ScheduleRetry(context.WithoutCancel(ctx), key, at); err != nil {
		// The periodic sweep still picks the record up.
		h.Logger.WithError(err).WithField("provider_tx_id", key.ProviderTxID).Warn("Failed to schedule callback retry")
	}
}

func (h *Handler) archive(ctx context.Context, d Delivery, outcome string, log logrus.FieldLogger) {
	if h.Archiver == nil {
		return
	}
	if err := h.Archiver.Archive(ctx, d, outcome); err != nil {
		log.WithError(err).Warn("Failed to archive callback payload")
	}
}

func (h *Handler) ack(a AckResult) AckResult {
	monitoring.CallbackOutcomes.WithLabelValues(a.Provider, a.Outcome).Inc()
	return a
}

func duplicateAck(rec *models.PaymentCallbackRecord) AckResult {
	return AckResult{
		HTTPStatus:   http.StatusOK,
		Outcome:      OutcomeDuplicate,
		Status:       rec.Status,
		Provider:     rec.Provider,
		ProviderTxID: rec.ProviderTxID,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
