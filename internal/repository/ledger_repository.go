// internal/repository/ledger_repository.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/imi-commission/internal/ledger"
	"github.com/javajoker/imi-commission/internal/models"
)

type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// UpsertBalanceAndAppendTransaction locks the balance row with SELECT ... FOR
// UPDATE so concurrent mutations of one beneficiary serialize on that row.
func (r *LedgerRepository) UpsertBalanceAndAppendTransaction(ctx context.Context, m ledger.Mutation) (*models.LedgerTransaction, bool, error) {
	var (
		result   models.LedgerTransaction
		replayed bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !m.RequireExisting {
			seed := models.Balance{BeneficiaryID: m.BeneficiaryID, UpdatedAt: time.Now()}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
				return err
			}
		}

		var bal models.Balance
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("beneficiary_id = ?", m.BeneficiaryID).
			Take(&bal).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrBeneficiaryNotFound
		}
		if err != nil {
			return err
		}

		// Checked under the row lock so a concurrent replay of the same
		// reference observes the committed entry.
		if m.ExternalRef != nil {
			prior, err := findByRef(tx, *m.ExternalRef)
			if err != nil {
				return err
			}
			if prior != nil {
				result, replayed = *prior, true
				return nil
			}
		}

		available := bal.Available + m.AvailableDelta
		held := bal.Held + m.HeldDelta
		if held < 0 || (available < 0 && !m.AllowNegative) {
			return ledger.ErrInsufficientBalance
		}

		now := time.Now()
		result = models.LedgerTransaction{
			ID:            uuid.New(),
			BeneficiaryID: m.BeneficiaryID,
			Sequence:      bal.LastSequence + 1,
			Type:          m.Type,
			Status:        models.TransactionStatusCompleted,
			Amount:        m.AvailableDelta,
			HeldDelta:     m.HeldDelta,
			BalanceBefore: bal.Available,
			BalanceAfter:  available,
			HeldBefore:    bal.Held,
			HeldAfter:     held,
			ExternalRef:   m.ExternalRef,
			Metadata:      m.Metadata,
			CreatedAt:     now,
		}
		if err := tx.Create(&result).Error; err != nil {
			return err
		}

		return tx.Model(&models.Balance{}).
			Where("beneficiary_id = ?", m.BeneficiaryID).
			Updates(map[string]interface{}{
				"available":     available,
				"held":          held,
				"last_sequence": result.Sequence,
				"updated_at":    now,
			}).Error
	})

	// The reference was taken by a mutation of another beneficiary; report the
	// recorded entry so the caller can detect the conflict.
	if err != nil && m.ExternalRef != nil && isUniqueViolation(err) {
		prior, lookupErr := findByRef(r.db.WithContext(ctx), *m.ExternalRef)
		if lookupErr == nil && prior != nil {
			return prior, true, nil
		}
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return nil, false, ledger.ErrInsufficientBalance
	}
	if errors.Is(err, ledger.ErrBeneficiaryNotFound) {
		return nil, false, ledger.ErrBeneficiaryNotFound
	}
	if err != nil {
		return nil, false, ledgerError("append ledger transaction", err)
	}
	return &result, replayed, nil
}

func findByRef(db *gorm.DB, ref string) (*models.LedgerTransaction, error) {
	var tx models.LedgerTransaction
	err := db.Where("external_ref = ?", ref).Take(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *LedgerRepository) GetBalance(ctx context.Context, id uuid.UUID) (*models.Balance, error) {
	var bal models.Balance
	err := r.db.WithContext(ctx).Where("beneficiary_id = ?", id).Take(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ledger.ErrBeneficiaryNotFound
	}
	if err != nil {
		return nil, ledgerError("get balance", err)
	}
	return &bal, nil
}

// ListTransactions returns newest first.
func (r *LedgerRepository) ListTransactions(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.LedgerTransaction, int64, error) {
	var (
		txs   []models.LedgerTransaction
		total int64
	)
	query := r.db.WithContext(ctx).Model(&models.LedgerTransaction{}).Where("beneficiary_id = ?", id)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, ledgerError("count transactions", err)
	}
	if err := query.Order("sequence DESC").Limit(limit).Offset(offset).Find(&txs).Error; err != nil {
		return nil, 0, ledgerError("list transactions", err)
	}
	return txs, total, nil
}

func (r *LedgerRepository) SumCompleted(ctx context.Context, id uuid.UUID) (int64, int64, error) {
	var sums struct {
		Available int64
		Held      int64
	}
	err := r.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Select("COALESCE(SUM(amount), 0) AS available, COALESCE(SUM(held_delta), 0) AS held").
		Where("beneficiary_id = ? AND status = ?", id, models.TransactionStatusCompleted).
		Scan(&sums).Error
	if err != nil {
		return 0, 0, ledgerError("sum transactions", err)
	}
	return sums.Available, sums.Held, nil
}

// BeneficiaryIDs lists every beneficiary with a balance row, for reconciliation sweeps.
func (r *LedgerRepository) BeneficiaryIDs(ctx context.Context, limit, offset int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&models.Balance{}).
		Order("beneficiary_id").Limit(limit).Offset(offset).
		Pluck("beneficiary_id", &ids).Error
	if err != nil {
		return nil, ledgerError("list beneficiaries", err)
	}
	return ids, nil
}
