// internal/models/order.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type Order struct {
	BaseModel
	BuyerID uuid.UUID  `json:"buyer_id" gorm:"type:uuid;not null;index"`
	Amount  int64      `json:"amount" gorm:"not null"`
	State   OrderState `json:"state" gorm:"type:varchar(20);not null;default:'CREATED';index"`
	// SettlementRef binds commission settlement to one provider transaction.
	SettlementRef *string    `json:"settlement_ref,omitempty" gorm:"size:255"`
	PaidAt        *time.Time `json:"paid_at"`
	SettledAt     *time.Time `json:"settled_at"`

	Buyer User `json:"buyer,omitempty" gorm:"foreignKey:BuyerID"`
}

// CommissionEligible reports whether a payment notification may settle this order.
func (o *Order) CommissionEligible() bool {
	return o.State == OrderStateCreated || o.State == OrderStatePaid
}
