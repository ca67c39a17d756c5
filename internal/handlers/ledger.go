// internal/handlers/ledger.go
package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/imi-commission/internal/ledger"
	"github.com/javajoker/imi-commission/internal/models"
	"github.com/javajoker/imi-commission/internal/utils"
)

// LedgerService is the subset of ledger.Service exposed to operators.
type LedgerService interface {
	Credit(ctx context.Context, req ledger.Request) (*ledger.TransactionResult, error)
	Debit(ctx context.Context, req ledger.Request) (*ledger.TransactionResult, error)
	Freeze(ctx context.Context, req ledger.Request) (*ledger.TransactionResult, error)
	Unfreeze(ctx context.Context, req ledger.Request) (*ledger.TransactionResult, error)
	Balance(ctx context.Context, beneficiaryID uuid.UUID) (*models.Balance, error)
	Transactions(ctx context.Context, beneficiaryID uuid.UUID, limit, offset int) ([]models.LedgerTransaction, int64, error)
	Reconcile(ctx context.Context, beneficiaryID uuid.UUID) (*ledger.Reconciliation, error)
}

// MismatchAlerter is told about balances that disagree with their history.
type MismatchAlerter interface {
	ReconciliationMismatch(ctx context.Context, r ledger.Reconciliation) error
}

type LedgerHandler struct {
	ledger  LedgerService
	alerter MismatchAlerter
}

func NewLedgerHandler(ledger LedgerService, alerter MismatchAlerter) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, alerter: alerter}
}

// MutationRequest is the body of every operator balance change. The external
// reference makes a retried request a no-op.
type MutationRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	ExternalRef string `json:"external_ref" validate:"required,max=191"`
	Note        string `json:"note" validate:"max=500"`
}

type DebitRequest struct {
	MutationRequest
	Type string `json:"type" validate:"omitempty,debit_type"`
}

// GET /admin/ledger/:beneficiary_id/balance
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	id, ok := beneficiaryParam(c)
	if !ok {
		return
	}
	bal, err := h.ledger.Balance(c.Request.Context(), id)
	if err != nil {
		ledgerErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, gin.H{"balance": bal})
}

// GET /admin/ledger/:beneficiary_id/transactions
func (h *LedgerHandler) GetTransactions(c *gin.Context) {
	id, ok := beneficiaryParam(c)
	if !ok {
		return
	}
	params := utils.GetPaginationParams(c)
	txs, total, err := h.ledger.Transactions(c.Request.Context(), id, params.Limit, params.Offset())
	if err != nil {
		ledgerErrorResponse(c, err)
		return
	}
	utils.PaginatedResponse(c, utils.CreatePaginationResult(txs, total, params))
}

// POST /admin/ledger/:beneficiary_id/credit
func (h *LedgerHandler) Credit(c *gin.Context) {
	var req MutationRequest
	id, ok := bindMutation(c, &req)
	if !ok {
		return
	}
	res, err := h.ledger.Credit(c.Request.Context(), ledger.Request{
		BeneficiaryID: id,
		Amount:        req.Amount,
		Type:          models.TransactionTypeAdjustment,
		ExternalRef:   req.ExternalRef,
		Metadata:      operatorMetadata(c, req.Note),
	})
	h.respondMutation(c, res, err)
}

// POST /admin/ledger/:beneficiary_id/debit
func (h *LedgerHandler) Debit(c *gin.Context) {
	var req DebitRequest
	id, ok := bindMutation(c, &req)
	if !ok {
		return
	}
	res, err := h.ledger.Debit(c.Request.Context(), ledger.Request{
		BeneficiaryID: id,
		Amount:        req.Amount,
		Type:          models.TransactionType(strings.ToUpper(req.Type)),
		ExternalRef:   req.ExternalRef,
		Metadata:      operatorMetadata(c, req.Note),
	})
	h.respondMutation(c, res, err)
}

// POST /admin/ledger/:beneficiary_id/freeze
func (h *LedgerHandler) Freeze(c *gin.Context) {
	var req MutationRequest
	id, ok := bindMutation(c, &req)
	if !ok {
		return
	}
	res, err := h.ledger.Freeze(c.Request.Context(), ledger.Request{
		BeneficiaryID: id,
		Amount:        req.Amount,
		ExternalRef:   req.ExternalRef,
		Metadata:      operatorMetadata(c, req.Note),
	})
	h.respondMutation(c, res, err)
}

// POST /admin/ledger/:beneficiary_id/unfreeze
func (h *LedgerHandler) Unfreeze(c *gin.Context) {
	var req MutationRequest
	id, ok := bindMutation(c, &req)
	if !ok {
		return
	}
	res, err := h.ledger.Unfreeze(c.Request.Context(), ledger.Request{
		BeneficiaryID: id,
		Amount:        req.Amount,
		ExternalRef:   req.ExternalRef,
		Metadata:      operatorMetadata(c, req.Note),
	})
	h.respondMutation(c, res, err)
}

// GET /admin/ledger/:beneficiary_id/reconcile
func (h *LedgerHandler) Reconcile(c *gin.Context) {
	id, ok := beneficiaryParam(c)
	if !ok {
		return
	}
	rec, err := h.ledger.Reconcile(c.Request.Context(), id)
	if err != nil {
		ledgerErrorResponse(c, err)
		return
	}
	if !rec.Consistent && h.alerter != nil {
		// The response still reports the mismatch if alerting fails.
		_ = h.alerter.ReconciliationMismatch(c.Request.Context(), *rec)
	}
	utils.SuccessResponse(c, gin.H{"reconciliation": rec})
}

func (h *LedgerHandler) respondMutation(c *gin.Context, res *ledger.TransactionResult, err error) {
	if err != nil {
		ledgerErrorResponse(c, err)
		return
	}
	if res.Replayed {
		utils.SuccessResponse(c, res)
		return
	}
	utils.CreatedResponse(c, res)
}

func beneficiaryParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("beneficiary_id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid beneficiary ID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func bindMutation(c *gin.Context, req interface{}) (uuid.UUID, bool) {
	id, ok := beneficiaryParam(c)
	if !ok {
		return uuid.Nil, false
	}
	if err := c.ShouldBindJSON(req); err != nil {
		utils.BadRequestResponse(c, "Invalid request format", err.Error())
		return uuid.Nil, false
	}
	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return uuid.Nil, false
	}
	return id, true
}

func operatorMetadata(c *gin.Context, note string) models.JSONB {
	md := models.JSONB{"source": "operator"}
	if userID, ok := utils.GetUserIDFromContext(c); ok {
		md["operator_id"] = userID
	}
	if note != "" {
		md["note"] = note
	}
	return md
}

func ledgerErrorResponse(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		utils.BadRequestResponse(c, err.Error(), nil)
	case errors.Is(err, ledger.ErrBeneficiaryNotFound):
		utils.NotFoundResponse(c, "Beneficiary")
	case errors.Is(err, ledger.ErrInsufficientBalance):
		utils.UnprocessableResponse(c, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, ledger.ErrReferenceConflict):
		utils.ConflictResponse(c, err.Error())
	case errors.Is(err, ledger.ErrStorageConflict), errors.Is(err, context.DeadlineExceeded):
		utils.ServiceUnavailableResponse(c, "Ledger is busy, retry with the same external_ref")
	default:
		utils.InternalErrorResponse(c, err.Error())
	}
}
