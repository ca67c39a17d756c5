// internal/repository/callback_repository.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/models"
)

// CallbackRepository persists payment callbacks. Every state change is a
// conditional UPDATE so competing workers cannot both win a claim.
type CallbackRepository struct {
	db *gorm.DB
}

func NewCallbackRepository(db *gorm.DB) *CallbackRepository {
	return &CallbackRepository{db: db}
}

func byKey(db *gorm.DB, key models.CallbackKey) *gorm.DB {
	return db.Where("provider = ? AND provider_tx_id = ?", key.Provider, key.ProviderTxID)
}

func notFound(key models.CallbackKey) error {
	return fmt.Errorf("%w: %s/%s", callback.ErrCallbackNotFound, key.Provider, key.ProviderTxID)
}

func (r *CallbackRepository) Register(ctx context.Context, rec *models.PaymentCallbackRecord) (*models.PaymentCallbackRecord, bool, error) {
	row := *rec
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_tx_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to register callback: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &row, true, nil
	}

	stored, err := r.Get(ctx, rec.Key())
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (r *CallbackRepository) Get(ctx context.Context, key models.CallbackKey) (*models.PaymentCallbackRecord, error) {
	var rec models.PaymentCallbackRecord
	err := byKey(r.db.WithContext(ctx), key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get callback: %w", err)
	}
	return &rec, nil
}

func (r *CallbackRepository) Claim(ctx context.Context, key models.CallbackKey, token string, now time.Time, lease time.Duration) (*models.PaymentCallbackRecord, error) {
	var claimed []models.PaymentCallbackRecord
	res := byKey(r.db.WithContext(ctx).Model(&claimed).Clauses(clause.Returning{}), key).
		Where("status = ? OR (status = ? AND lease_expires_at <= ?)",
			models.CallbackStatusReceived, models.CallbackStatusProcessing, now).
		Updates(map[string]interface{}{
			"status":           models.CallbackStatusProcessing,
			"claim_token":      token,
			"lease_expires_at": now.Add(lease),
			"updated_at":       now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim callback: %w", res.Error)
	}
	if res.RowsAffected == 1 && len(claimed) == 1 {
		return &claimed[0], nil
	}

	if _, err := r.Get(ctx, key); err != nil {
		return nil, err
	}
	return nil, callback.ErrNotClaimable
}

func (r *CallbackRepository) Save(ctx context.Context, rec *models.PaymentCallbackRecord, token string) error {
	var plan interface{}
	if rec.Plan != nil {
		plan = rec.Plan
	}
	res := byKey(r.db.WithContext(ctx).Model(&models.PaymentCallbackRecord{}), rec.Key()).
		Where("status = ? AND claim_token = ?", models.CallbackStatusProcessing, token).
		Updates(map[string]interface{}{
			"status":           rec.Status,
			"retry_count":      rec.RetryCount,
			"next_attempt_at":  rec.NextAttemptAt,
			"claim_token":      rec.ClaimToken,
			"lease_expires_at": rec.LeaseExpiresAt,
			"last_error":       rec.LastError,
			"plan":             plan,
			"applied_at":       rec.AppliedAt,
			"updated_at":       time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to save callback: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	if _, err := r.Get(ctx, rec.Key()); err != nil {
		return err
	}
	return callback.ErrClaimLost
}

func (r *CallbackRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.PaymentCallbackRecord, error) {
	var due []models.PaymentCallbackRecord
	err := r.db.WithContext(ctx).
		Where("(status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (status = ? AND lease_expires_at <= ?)",
			models.CallbackStatusReceived, now, models.CallbackStatusProcessing, now).
		Order("received_at").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due callbacks: %w", err)
	}
	return due, nil
}

func (r *CallbackRepository) ListByStatus(ctx context.Context, status models.CallbackStatus, limit, offset int) ([]models.PaymentCallbackRecord, int64, error) {
	var (
		records []models.PaymentCallbackRecord
		total   int64
	)
	query := r.db.WithContext(ctx).Model(&models.PaymentCallbackRecord{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count callbacks: %w", err)
	}
	if err := query.Order("received_at DESC").Limit(limit).Offset(offset).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list callbacks: %w", err)
	}
	return records, total, nil
}

func (r *CallbackRepository) Requeue(ctx context.Context, key models.CallbackKey, now time.Time) (*models.PaymentCallbackRecord, error) {
	var requeued []models.PaymentCallbackRecord
	res := byKey(r.db.WithContext(ctx).Model(&requeued).Clauses(clause.Returning{}), key).
		Where("status = ?", models.CallbackStatusManualReview).
		Updates(map[string]interface{}{
			"status":          models.CallbackStatusReceived,
			"retry_count":     0,
			"next_attempt_at": now,
			"last_error":      "",
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to requeue callback: %w", res.Error)
	}
	if res.RowsAffected == 1 && len(requeued) == 1 {
		return &requeued[0], nil
	}

	current, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: status is %s", callback.ErrNotRequeueable, current.Status)
}
