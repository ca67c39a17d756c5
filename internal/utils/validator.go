// internal/utils/validator.go
package utils

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/javajoker/imi-commission/internal/models"
)

var validate *validator.Validate

var usernamePattern = regexp.MustCompile("^[a-zA-Z0-9_]+$")

func init() {
	validate = validator.New()
	validate.RegisterValidation("rank", validateRank)
	validate.RegisterValidation("username", validateUsername)
	validate.RegisterValidation("debit_type", validateDebitType)
}

func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

func validateRank(fl validator.FieldLevel) bool {
	_, err := models.ParseRank(fl.Field().String())
	return err == nil
}

func validateUsername(fl validator.FieldLevel) bool {
	username := fl.Field().String()

	// Username should be alphanumeric and underscores, 3-50 characters
	if len(username) < 3 || len(username) > 50 {
		return false
	}
	return usernamePattern.MatchString(username)
}

// validateDebitType accepts the transaction types an operator may debit with.
func validateDebitType(fl validator.FieldLevel) bool {
	switch models.TransactionType(strings.ToUpper(fl.Field().String())) {
	case models.TransactionTypeWithdrawal, models.TransactionTypeAdjustment, models.TransactionTypeRefund:
		return true
	}
	return false
}

type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func GetValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrs {
			validationErrors = append(validationErrors, ValidationError{
				Field:   strings.ToLower(e.Field()),
				Tag:     e.Tag(),
				Message: getValidationMessage(e),
			})
		}
	}

	return validationErrors
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "gt", "min":
		return e.Field() + " must be at least " + e.Param()
	case "max":
		return e.Field() + " must be at most " + e.Param()
	case "rank":
		return e.Field() + " must be one of NORMAL, VIP, STAR_1..STAR_5, DIRECTOR"
	case "username":
		return "Username must be 3-50 characters and contain only letters, numbers, and underscores"
	case "debit_type":
		return e.Field() + " must be WITHDRAWAL, ADJUSTMENT or REFUND"
	default:
		return e.Field() + " is invalid"
	}
}
