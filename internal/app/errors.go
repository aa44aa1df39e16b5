package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"planwise/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func forbidden(message string, details any) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, details)
}

func invalidTransition(message string) *DomainError {
	return domainError(http.StatusConflict, "INVALID_TRANSITION", message, nil)
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

// securityRisk deliberately carries a generic message; matched pattern text
// stays out of responses so submitters cannot probe the rule set.
func securityRisk() *DomainError {
	return domainError(http.StatusUnprocessableEntity, "SECURITY_RISK", "input rejected by security screening", nil)
}

// MapError translates engine errors for the external HTTP layer.
func MapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrStatusConflict) {
		return http.StatusConflict, "INVALID_TRANSITION", "Document status changed concurrently", nil
	}
	return http.StatusInternalServerError, "STORAGE_ERROR", "Storage error", nil
}
