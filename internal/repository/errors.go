// internal/repository/errors.go

// Package repository implements the store contracts on PostgreSQL through gorm.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/javajoker/imi-commission/internal/ledger"
)

// ErrConflict reports a write rejected by a uniqueness constraint.
var ErrConflict = errors.New("conflicting write")

// Postgres error codes the repositories react to.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || pgCode(err) == codeUniqueViolation
}

// gorm translates these codes into its own sentinels when TranslateError is on.
func isCheckViolation(err error) bool {
	return errors.Is(err, gorm.ErrCheckConstraintViolated) || pgCode(err) == codeCheckViolation
}

func isForeignKeyViolation(err error) bool {
	return errors.Is(err, gorm.ErrForeignKeyViolated) || pgCode(err) == codeForeignKeyViolation
}

func conflictError(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// transient reports errors worth retrying with the same input.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeQueryCanceled:
		return true
	}
	return false
}

// ledgerError maps driver failures onto the ledger's sentinel errors.
func ledgerError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrBeneficiaryNotFound):
		return err
	case transient(err):
		return fmt.Errorf("%w: %s: %v", ledger.ErrStorageConflict, op, err)
	case isCheckViolation(err):
		return fmt.Errorf("%w: %s: %v", ledger.ErrInsufficientBalance, op, err)
	case isForeignKeyViolation(err):
		return fmt.Errorf("%w: %s: %v", ledger.ErrBeneficiaryNotFound, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
