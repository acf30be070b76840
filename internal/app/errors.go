package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"labtrack/internal/access"
	"labtrack/internal/archive"
	"labtrack/internal/auth"
	"labtrack/internal/session"
	"labtrack/internal/store"
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

func invalidArgument(message string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_ARGUMENT", message, nil)
}

var (
	errUnauthorized        = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errForbidden           = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errSessionsUnavailable = domainError(http.StatusServiceUnavailable, "SESSIONS_UNAVAILABLE", "Refresh sessions are not configured", nil)
)

// mapError turns any error into the envelope fields. Storage errors that are
// not one of the known sentinels are reported as SERVER_ERROR without detail.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, access.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, store.ErrInvalidPatch):
		return http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil
	case errors.Is(err, archive.ErrUnsupportedOption), errors.Is(err, archive.ErrCycle):
		return http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "TIMEOUT", "Request timed out", nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Internal server error", nil
	}
}
