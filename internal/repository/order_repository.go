// internal/repository/order_repository.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/models"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", callback.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// TransitionOrder is a conditional UPDATE on the current state.
func (r *OrderRepository) TransitionOrder(ctx context.Context, id uuid.UUID, from, to models.OrderState) error {
	now := time.Now()
	updates := map[string]interface{}{"state": to, "updated_at": now}
	switch to {
	case models.OrderStatePaid:
		updates["paid_at"] = now
	case models.OrderStateSettled:
		updates["settled_at"] = now
	}

	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to transition order: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: order %s is %s, expected %s", callback.ErrOrderConflict, id, current.State, from)
}

func (r *OrderRepository) ClaimSettlement(ctx context.Context, id uuid.UUID, ref string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND settlement_ref IS NULL", id).
		Updates(map[string]interface{}{"settlement_ref": ref, "updated_at": time.Now()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim settlement: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	current, err := r.GetOrder(ctx, id)
	if err != nil {
		return false, err
	}
	return current.SettlementRef != nil && *current.SettlementRef == ref, nil
}
