// internal/models/common.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Base model with common fields
type BaseModel struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JSONB type for PostgreSQL
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}

	return json.Unmarshal(bytes, j)
}

// Rank is a closed, ordered enumeration of reward tiers.
type Rank string

const (
	RankNormal   Rank = "NORMAL"
	RankVIP      Rank = "VIP"
	RankStar1    Rank = "STAR_1"
	RankStar2    Rank = "STAR_2"
	RankStar3    Rank = "STAR_3"
	RankStar4    Rank = "STAR_4"
	RankStar5    Rank = "STAR_5"
	RankDirector Rank = "DIRECTOR"
)

// Ranks lists every rank from lowest to highest.
var Ranks = []Rank{RankNormal, RankVIP, RankStar1, RankStar2, RankStar3, RankStar4, RankStar5, RankDirector}

// Ordinal returns the position of r in Ranks, or -1 for an unknown rank.
func (r Rank) Ordinal() int {
	for i, known := range Ranks {
		if known == r {
			return i
		}
	}
	return -1
}

func (r Rank) Valid() bool {
	return r.Ordinal() >= 0
}

// ParseRank accepts the canonical names case-insensitively ("star_3", "STAR_3").
func ParseRank(s string) (Rank, error) {
	r := Rank(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown rank %q", s)
	}
	return r, nil
}

type OrderState string

const (
	OrderStateCreated  OrderState = "CREATED"
	OrderStatePaid     OrderState = "PAID"
	OrderStateSettled  OrderState = "SETTLED"
	OrderStateFailed   OrderState = "FAILED"
	OrderStateRefunded OrderState = "REFUNDED"
)

type TransactionType string

const (
	TransactionTypeCommission TransactionType = "COMMISSION"
	TransactionTypeWithdrawal TransactionType = "WITHDRAWAL"
	TransactionTypeRefund     TransactionType = "REFUND"
	TransactionTypeFreeze     TransactionType = "FREEZE"
	TransactionTypeUnfreeze   TransactionType = "UNFREEZE"
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
)

// AllowsNegative reports whether a debit of this type may take the available
// balance below zero.
func (t TransactionType) AllowsNegative() bool {
	return t == TransactionTypeAdjustment || t == TransactionTypeRefund
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

type CallbackStatus string

const (
	CallbackStatusReceived     CallbackStatus = "RECEIVED"
	CallbackStatusProcessing   CallbackStatus = "PROCESSING"
	CallbackStatusApplied      CallbackStatus = "APPLIED"
	CallbackStatusRejected     CallbackStatus = "REJECTED"
	CallbackStatusManualReview CallbackStatus = "MANUAL_REVIEW"
)

// Terminal reports whether no automatic processing will touch the record again.
func (s CallbackStatus) Terminal() bool {
	return s == CallbackStatusApplied || s == CallbackStatusRejected || s == CallbackStatusManualReview
}

// PaymentStatus is the gateway-reported outcome carried by a notification.
type PaymentStatus string

const (
	PaymentStatusPaid              PaymentStatus = "PAID"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)
