// internal/repository/rate_repository.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/javajoker/imi-commission/internal/commission"
	"github.com/javajoker/imi-commission/internal/models"
)

var ErrRateVersionExists = fmt.Errorf("%w: rate version already exists", ErrConflict)

// RateRepository stores versioned rate tables. Versions are immutable once
// imported; switching rates means activating another version.
type RateRepository struct {
	db *gorm.DB
}

func NewRateRepository(db *gorm.DB) *RateRepository {
	return &RateRepository{db: db}
}

func (r *RateRepository) GetRates(ctx context.Context, version string) ([]models.RateEntry, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.RateVersion{}).Where("version = ?", version).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to look up rate version: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: %s", commission.ErrRateVersionNotFound, version)
	}

	var entries []models.RateEntry
	err := r.db.WithContext(ctx).
		Where("version = ?", version).
		Order("level, beneficiary_rank, buyer_rank").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load rates: %w", err)
	}
	return entries, nil
}

func (r *RateRepository) ActiveVersion(ctx context.Context) (string, error) {
	var v models.RateVersion
	err := r.db.WithContext(ctx).Where("active").Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", commission.ErrRateVersionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load active rate version: %w", err)
	}
	return v.Version, nil
}

// ImportRates stores a validated table as a new version, optionally activating it.
func (r *RateRepository) ImportRates(ctx context.Context, table *commission.RateTable, description string, activate bool) error {
	entries := table.Entries()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version := models.RateVersion{Version: table.Version, Description: description}
		if err := tx.Create(&version).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrRateVersionExists, table.Version)
			}
			return err
		}
		if len(entries) > 0 {
			if err := tx.Create(&entries).Error; err != nil {
				return err
			}
		}
		if activate {
			return activateVersion(tx, table.Version)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to import rates: %w", err)
	}
	return nil
}

func (r *RateRepository) Activate(ctx context.Context, version string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return activateVersion(tx, version)
	})
}

func activateVersion(tx *gorm.DB, version string) error {
	if err := tx.Model(&models.RateVersion{}).Where("active").Update("active", false).Error; err != nil {
		return err
	}
	res := tx.Model(&models.RateVersion{}).Where("version = ?", version).
		Updates(map[string]interface{}{"active": true, "activated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", commission.ErrRateVersionNotFound, version)
	}
	return nil
}

func (r *RateRepository) ListVersions(ctx context.Context) ([]models.RateVersion, error) {
	var versions []models.RateVersion
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("failed to list rate versions: %w", err)
	}
	return versions, nil
}
