// internal/repository/user_repository.go
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/imi-commission/internal/hierarchy"
	"github.com/javajoker/imi-commission/internal/models"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", hierarchy.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// CreateUser inserts user below its ParentID, deriving the ancestor path from
// the parent row under a share lock.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.Rank == "" {
		user.Rank = models.RankNormal
	}
	if !user.Rank.Valid() {
		return fmt.Errorf("invalid rank %q", user.Rank)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user.AncestorPath = nil
		if user.ParentID != nil {
			var parent models.User
			err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
				Where("id = ?", *user.ParentID).Take(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: parent %s", hierarchy.ErrUserNotFound, *user.ParentID)
			}
			if err != nil {
				return err
			}
			if parent.Depth()+1 > hierarchy.MaxDepthLimit {
				return fmt.Errorf("%w: parent %s is already at depth %d", hierarchy.ErrCorruptHierarchy, parent.ID, parent.Depth())
			}
			user.AncestorPath = append(append(user.AncestorPath, parent.AncestorPath...), parent.ID.String())
		}
		if err := tx.Create(user).Error; err != nil {
			return conflictError("create user", err)
		}
		return nil
	})
}

// UpdateRank changes a user's rank; callers invalidate the resolver cache.
func (r *UserRepository) UpdateRank(ctx context.Context, id uuid.UUID, rank models.Rank) error {
	if !rank.Valid() {
		return fmt.Errorf("invalid rank %q", rank)
	}
	res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("rank", rank)
	if res.Error != nil {
		return fmt.Errorf("failed to update rank: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", hierarchy.ErrUserNotFound, id)
	}
	return nil
}
