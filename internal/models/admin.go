// internal/models/admin.go
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdminNotification is an operator-facing alert (manual review, invariant breach).
type AdminNotification struct {
	BaseModel
	Type                string     `json:"type" gorm:"type:varchar(50);not null;index"`
	Title               string     `json:"title" gorm:"size:255;not null"`
	Message             string     `json:"message" gorm:"type:text;not null"`
	Priority            string     `json:"priority" gorm:"type:varchar(20);default:'medium';index"`
	Status              string     `json:"status" gorm:"type:varchar(20);default:'unread';index"`
	RelatedResourceType string     `json:"related_resource_type,omitempty" gorm:"size:50"`
	RelatedResourceID   *uuid.UUID `json:"related_resource_id" gorm:"type:uuid"`
	Details             JSONB      `json:"details" gorm:"type:jsonb"`
	ReadAt              *time.Time `json:"read_at"`
}

// RateEntry is one persisted row of a versioned commission rate table.
// BuyerRank is empty when the rate applies to any buyer.
type RateEntry struct {
	ID              uint            `json:"id" gorm:"primaryKey"`
	Version         string          `json:"version" gorm:"size:50;not null;uniqueIndex:ux_rate_entries_key,priority:1"`
	Level           int             `json:"level" gorm:"not null;uniqueIndex:ux_rate_entries_key,priority:2"`
	BeneficiaryRank Rank            `json:"beneficiary_rank" gorm:"type:varchar(20);not null;uniqueIndex:ux_rate_entries_key,priority:3"`
	BuyerRank       Rank            `json:"buyer_rank" gorm:"type:varchar(20);not null;default:'';uniqueIndex:ux_rate_entries_key,priority:4"`
	Percent         decimal.Decimal `json:"percent" gorm:"type:decimal(7,4);not null"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RateVersion marks a rate table version; at most one is active.
type RateVersion struct {
	Version     string     `json:"version" gorm:"primaryKey;size:50"`
	Active      bool       `json:"active" gorm:"not null;default:false"`
	Description string     `json:"description,omitempty" gorm:"size:255"`
	ActivatedAt *time.Time `json:"activated_at"`
	CreatedAt   time.Time  `json:"created_at"`
}
