// internal/models/transaction.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// LedgerTransaction is an immutable ledger entry. Amount is the signed change
// to the available balance and HeldDelta the signed change to the held balance.
type LedgerTransaction struct {
	ID            uuid.UUID         `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	BeneficiaryID uuid.UUID         `json:"beneficiary_id" gorm:"type:uuid;not null;uniqueIndex:ux_ledger_tx_beneficiary_seq,priority:1"`
	Sequence      int64             `json:"sequence" gorm:"not null;uniqueIndex:ux_ledger_tx_beneficiary_seq,priority:2"`
	Type          TransactionType   `json:"type" gorm:"type:varchar(20);not null;index"`
	Status        TransactionStatus `json:"status" gorm:"type:varchar(20);not null;default:'COMPLETED'"`
	Amount        int64             `json:"amount" gorm:"not null"`
	HeldDelta     int64             `json:"held_delta" gorm:"not null;default:0"`
	BalanceBefore int64             `json:"balance_before" gorm:"not null"`
	BalanceAfter  int64             `json:"balance_after" gorm:"not null"`
	HeldBefore    int64             `json:"held_before" gorm:"not null;default:0"`
	HeldAfter     int64             `json:"held_after" gorm:"not null;default:0"`
	ExternalRef   *string           `json:"external_ref,omitempty" gorm:"size:255"`
	Metadata      JSONB             `json:"metadata" gorm:"type:jsonb"`
	CreatedAt     time.Time         `json:"created_at" gorm:"index"`
}

func (LedgerTransaction) TableName() string {
	return "ledger_transactions"
}

// Consistent checks balance_after = balance_before + amount for both sub-balances.
func (t *LedgerTransaction) Consistent() bool {
	return t.BalanceAfter == t.BalanceBefore+t.Amount && t.HeldAfter == t.HeldBefore+t.HeldDelta
}

// Balance is the materialized projection of a beneficiary's ledger.
type Balance struct {
	BeneficiaryID uuid.UUID `json:"beneficiary_id" gorm:"type:uuid;primary_key"`
	Available     int64     `json:"available" gorm:"not null;default:0"`
	Held          int64     `json:"held" gorm:"not null;default:0"`
	LastSequence  int64     `json:"last_sequence" gorm:"not null;default:0"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Balance) TableName() string {
	return "ledger_balances"
}

func (b *Balance) Total() int64 {
	return b.Available + b.Held
}
