// internal/ledger/ledger.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/javajoker/imi-commission/internal/models"
	"github.com/javajoker/imi-commission/internal/monitoring"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBeneficiaryNotFound = errors.New("beneficiary not found")
	// ErrStorageConflict is transient; retry the same call with the same reference.
	ErrStorageConflict      = errors.New("ledger storage conflict")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrReferenceConflict    = errors.New("external reference already used for a different mutation")
	ErrDuplicateBeneficiary = errors.New("beneficiary appears more than once in batch")
)

// Mutation is one atomic change to a beneficiary's balance row.
type Mutation struct {
	BeneficiaryID  uuid.UUID
	Type           models.TransactionType
	AvailableDelta int64
	HeldDelta      int64
	ExternalRef    *string
	Metadata       models.JSONB
	// AllowNegative permits the available balance to drop below zero.
	AllowNegative bool
	// RequireExisting fails with ErrBeneficiaryNotFound instead of creating the balance row.
	RequireExisting bool
}

// Store is the persistence contract of the ledger.
//
// UpsertBalanceAndAppendTransaction must, in one atomic unit: lock or create
// the balance row, reject the change with ErrInsufficientBalance when the
// available or held balance would go negative (available only when
// AllowNegative is false), append a COMPLETED transaction with the next
// per-beneficiary sequence, and write the new balance. When ExternalRef is
// already recorded it must change nothing and return the recorded transaction
// with replayed set.
type Store interface {
	UpsertBalanceAndAppendTransaction(ctx context.Context, m Mutation) (tx *models.LedgerTransaction, replayed bool, err error)
	GetBalance(ctx context.Context, beneficiaryID uuid.UUID) (*models.Balance, error)
	ListTransactions(ctx context.Context, beneficiaryID uuid.UUID, limit, offset int) ([]models.LedgerTransaction, int64, error)
	// SumCompleted recomputes balances from history, off the hot path.
	SumCompleted(ctx context.Context, beneficiaryID uuid.UUID) (available, held int64, err error)
}

type TransactionResult struct {
	Transaction models.LedgerTransaction `json:"transaction"`
	Replayed    bool                     `json:"replayed"`
}

// Request describes a single-beneficiary ledger call.
type Request struct {
	BeneficiaryID uuid.UUID
	Amount        int64
	Type          models.TransactionType
	ExternalRef   string
	Metadata      models.JSONB
}

type Service struct {
	store       Store
	timeout     time.Duration
	parallelism int
	logger      logrus.FieldLogger
}

type Option func(*Service)

func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithParallelism bounds concurrent beneficiaries in ApplyBatch.
func WithParallelism(n int) Option {
	return func(s *Service) { s.parallelism = n }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		timeout:     5 * time.Second,
		parallelism: 8,
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Credit adds amount to the available balance, creating the balance row on first use.
func (s *Service) Credit(ctx context.Context, req Request) (*TransactionResult, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	if req.Type == "" {
		req.Type = models.TransactionTypeCommission
	}
	return s.apply(ctx, Mutation{
		BeneficiaryID:  req.BeneficiaryID,
		Type:           req.Type,
		AvailableDelta: req.Amount,
		ExternalRef:    optionalRef(req.ExternalRef),
		Metadata:       req.Metadata,
	})
}

// Debit removes amount from the available balance. Only types that allow it
// (ADJUSTMENT, REFUND) may take the balance below zero.
func (s *Service) Debit(ctx context.Context, req Request) (*TransactionResult, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	if req.Type == "" {
		req.Type = models.TransactionTypeWithdrawal
	}
	return s.apply(ctx, Mutation{
		BeneficiaryID:   req.BeneficiaryID,
		Type:            req.Type,
		AvailableDelta:  -req.Amount,
		ExternalRef:     optionalRef(req.ExternalRef),
		Metadata:        req.Metadata,
		AllowNegative:   req.Type.AllowsNegative(),
		RequireExisting: true,
	})
}

// Freeze moves amount from available to held; the total is unchanged.
func (s *Service) Freeze(ctx context.Context, req Request) (*TransactionResult, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	return s.apply(ctx, Mutation{
		BeneficiaryID:   req.BeneficiaryID,
		Type:            models.TransactionTypeFreeze,
		AvailableDelta:  -req.Amount,
		HeldDelta:       req.Amount,
		ExternalRef:     optionalRef(req.ExternalRef),
		Metadata:        req.Metadata,
		RequireExisting: true,
	})
}

// Unfreeze moves amount from held back to available.
func (s *Service) Unfreeze(ctx context.Context, req Request) (*TransactionResult, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	return s.apply(ctx, Mutation{
		BeneficiaryID:   req.BeneficiaryID,
		Type:            models.TransactionTypeUnfreeze,
		AvailableDelta:  req.Amount,
		HeldDelta:       -req.Amount,
		ExternalRef:     optionalRef(req.ExternalRef),
		Metadata:        req.Metadata,
		RequireExisting: true,
	})
}

func (s *Service) apply(ctx context.Context, m Mutation) (*TransactionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, replayed, err := s.store.UpsertBalanceAndAppendTransaction(ctx, m)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrStorageConflict, err)
		}
		s.observe(m.Type, err, false)
		return nil, err
	}

	if replayed && !sameMutation(tx, m) {
		err := fmt.Errorf("%w: %s", ErrReferenceConflict, *m.ExternalRef)
		s.observe(m.Type, err, true)
		return nil, err
	}

	s.observe(m.Type, nil, replayed)
	if !replayed && m.Type == models.TransactionTypeCommission {
		monitoring.CommissionDistributed.Add(float64(m.AvailableDelta))
	}
	return &TransactionResult{Transaction: *tx, Replayed: replayed}, nil
}

func (s *Service) observe(t models.TransactionType, err error, replayed bool) {
	result := monitoring.ResultApplied
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		result = monitoring.ResultDeclined
	case err != nil:
		result = monitoring.ResultError
	case replayed:
		result = monitoring.ResultReplayed
	}
	monitoring.LedgerOperations.WithLabelValues(string(t), result).Inc()
}

// originKeys identify what a mutation settles. A replay whose recorded origin
// differs is a reused reference, not a retry, even when the amounts agree.
var originKeys = []string{"order_id", "provider"}

func sameMutation(tx *models.LedgerTransaction, m Mutation) bool {
	if tx.BeneficiaryID != m.BeneficiaryID ||
		tx.Type != m.Type ||
		tx.Amount != m.AvailableDelta ||
		tx.HeldDelta != m.HeldDelta {
		return false
	}
	for _, k := range originKeys {
		recorded, ok1 := tx.Metadata[k]
		incoming, ok2 := m.Metadata[k]
		if ok1 && ok2 && fmt.Sprint(recorded) != fmt.Sprint(incoming) {
			return false
		}
	}
	return true
}

func optionalRef(ref string) *string {
	if ref == "" {
		return nil
	}
	return &ref
}

// BatchItem is one beneficiary's share of a batch.
type BatchItem struct {
	BeneficiaryID uuid.UUID `json:"beneficiary_id" validate:"required"`
	Amount        int64     `json:"amount" validate:"required,gt=0"`
}

type BatchItemResult struct {
	BeneficiaryID uuid.UUID          `json:"beneficiary_id"`
	ExternalRef   string             `json:"external_ref"`
	Result        *TransactionResult `json:"result,omitempty"`
	Err           error              `json:"-"`
}

type BatchResult struct {
	Items []BatchItemResult `json:"items"`
}

// Err joins the per-item errors, or returns nil when every item applied.
func (b BatchResult) Err() error {
	var errs []error
	for _, it := range b.Items {
		if it.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.BeneficiaryID, it.Err))
		}
	}
	return errors.Join(errs...)
}

// Failed lists the items that did not apply.
func (b BatchResult) Failed() []BatchItemResult {
	var out []BatchItemResult
	for _, it := range b.Items {
		if it.Err != nil {
			out = append(out, it)
		}
	}
	return out
}

// BatchRef is the per-beneficiary external reference used by ApplyBatch.
func BatchRef(prefix string, beneficiaryID uuid.UUID) string {
	return prefix + ":" + beneficiaryID.String()
}

// ApplyBatch applies each item as an independent, idempotent mutation keyed
// by BatchRef(prefix, beneficiary). Items run in parallel; one item failing
// does not undo the others. Re-running the same batch only applies items that
// are not yet recorded.
func (s *Service) ApplyBatch(ctx context.Context, items []BatchItem, prefix string, txType models.TransactionType, metadata models.JSONB) (BatchResult, error) {
	if strings.TrimSpace(prefix) == "" {
		return BatchResult{}, errors.New("batch reference prefix is required")
	}
	seen := make(map[uuid.UUID]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.BeneficiaryID]; dup {
			return BatchResult{}, fmt.Errorf("%w: %s", ErrDuplicateBeneficiary, it.BeneficiaryID)
		}
		seen[it.BeneficiaryID] = struct{}{}
	}

	res := BatchResult{Items: make([]BatchItemResult, len(items))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.parallelism, 1))

	for i, it := range items {
		res.Items[i] = BatchItemResult{BeneficiaryID: it.BeneficiaryID, ExternalRef: BatchRef(prefix, it.BeneficiaryID)}
		g.Go(func() error {
			req := Request{
				BeneficiaryID: it.BeneficiaryID,
				Amount:        it.Amount,
				Type:          txType,
				ExternalRef:   res.Items[i].ExternalRef,
				Metadata:      metadata,
			}
			var (
				r   *TransactionResult
				err error
			)
			if txType == models.TransactionTypeCommission || txType == models.TransactionTypeUnfreeze {
				r, err = s.Credit(gctx, req)
			} else {
				r, err = s.Debit(gctx, req)
			}
			res.Items[i].Result, res.Items[i].Err = r, err
			// Item failures are collected, never short-circuit the batch.
			return nil
		})
	}
	_ = g.Wait()

	for _, it := range res.Failed() {
		s.logger.WithFields(logrus.Fields{
			"beneficiary_id": it.BeneficiaryID,
			"external_ref":   it.ExternalRef,
		}).WithError(it.Err).Warn("Batch item not applied")
	}
	return res, nil
}

func (s *Service) Balance(ctx context.Context, beneficiaryID uuid.UUID) (*models.Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.GetBalance(ctx, beneficiaryID)
}

func (s *Service) Transactions(ctx context.Context, beneficiaryID uuid.UUID, limit, offset int) ([]models.LedgerTransaction, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.ListTransactions(ctx, beneficiaryID, limit, offset)
}

// Reconciliation compares the materialized balance with a recomputation from history.
type Reconciliation struct {
	BeneficiaryID     uuid.UUID `json:"beneficiary_id"`
	Available         int64     `json:"available"`
	Held              int64     `json:"held"`
	ComputedAvailable int64     `json:"computed_available"`
	ComputedHeld      int64     `json:"computed_held"`
	Consistent        bool      `json:"consistent"`
}

func (s *Service) Reconcile(ctx context.Context, beneficiaryID uuid.UUID) (*Reconciliation, error) {
	bal, err := s.Balance(ctx, beneficiaryID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	available, held, err := s.store.SumCompleted(ctx, beneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("sum ledger history: %w", err)
	}

	rec := &Reconciliation{
		BeneficiaryID:     beneficiaryID,
		Available:         bal.Available,
		Held:              bal.Held,
		ComputedAvailable: available,
		ComputedHeld:      held,
		Consistent:        bal.Available == available && bal.Held == held,
	}
	if !rec.Consistent {
		s.logger.WithFields(logrus.Fields{
			"beneficiary_id":     beneficiaryID,
			"available":          bal.Available,
			"computed_available": available,
			"held":               bal.Held,
			"computed_held":      held,
		}).Error("Ledger balance does not match transaction history")
	}
	return rec, nil
}
