// internal/models/callback.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PaymentCallbackRecord tracks one gateway notification through processing.
// (Provider, ProviderTxID) is the deduplication key.
type PaymentCallbackRecord struct {
	BaseModel
	Provider       string         `json:"provider" gorm:"type:varchar(32);not null;uniqueIndex:ux_callbacks_provider_tx,priority:1"`
	ProviderTxID   string         `json:"provider_tx_id" gorm:"type:varchar(191);not null;uniqueIndex:ux_callbacks_provider_tx,priority:2"`
	OrderID        uuid.UUID      `json:"order_id" gorm:"type:uuid;not null;index"`
	Amount         int64          `json:"amount" gorm:"not null"`
	PaymentStatus  PaymentStatus  `json:"payment_status" gorm:"type:varchar(20);not null"`
	Status         CallbackStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	RetryCount     int            `json:"retry_count" gorm:"not null;default:0"`
	ReceivedAt     time.Time      `json:"received_at" gorm:"not null"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at" gorm:"index"`
	ClaimToken     *string        `json:"-" gorm:"size:64"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at"`
	LastError      string         `json:"last_error,omitempty" gorm:"type:text"`
	// Plan is the distribution snapshot computed on the first attempt; retries reuse it.
	Plan      DistributionPlan `json:"plan,omitempty" gorm:"type:jsonb"`
	AppliedAt *time.Time       `json:"applied_at"`
}

func (PaymentCallbackRecord) TableName() string {
	return "payment_callbacks"
}

// Key returns the externally visible dedupe key.
func (r *PaymentCallbackRecord) Key() CallbackKey {
	return CallbackKey{Provider: r.Provider, ProviderTxID: r.ProviderTxID}
}

type CallbackKey struct {
	Provider     string `json:"provider"`
	ProviderTxID string `json:"provider_tx_id"`
}

// PlannedCredit is one persisted line of a distribution plan.
type PlannedCredit struct {
	BeneficiaryID uuid.UUID `json:"beneficiary_id"`
	Level         int       `json:"level"`
	Amount        int64     `json:"amount"`
	Rate          string    `json:"rate"`
}

type DistributionPlan []PlannedCredit

func (p DistributionPlan) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func (p *DistributionPlan) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	}
	return nil
}

func (p DistributionPlan) Total() int64 {
	var sum int64
	for _, c := range p {
		sum += c.Amount
	}
	return sum
}
