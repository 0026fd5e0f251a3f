package util

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Error codes surfaced to callers of the engine.
const (
	CodeValidation         = "VALIDATION_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeConflict           = "CONFLICT"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeNotPending         = "NOT_PENDING"
	CodeNoEligibleAgents   = "NO_ELIGIBLE_AGENTS"
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// Sentinels usable with errors.Is. Matching is by Code only.
var (
	ErrValidation         = &DomainError{Code: CodeValidation}
	ErrNotFound           = &DomainError{Code: CodeNotFound}
	ErrForbidden          = &DomainError{Code: CodeForbidden}
	ErrConflict           = &DomainError{Code: CodeConflict}
	ErrInvalidTransition  = &DomainError{Code: CodeInvalidTransition}
	ErrNotPending         = &DomainError{Code: CodeNotPending}
	ErrNoEligibleAgents   = &DomainError{Code: CodeNoEligibleAgents}
	ErrStorageUnavailable = &DomainError{Code: CodeStorageUnavailable}
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

// NewInvalidTransition reports an illegal status move. allowed lists the
// states reachable from current for the acting role.
func NewInvalidTransition(from, to string, allowed []string) error {
	sorted := append([]string(nil), allowed...)
	sort.Strings(sorted)
	msg := fmt.Sprintf("cannot move ticket from %s to %s", from, to)
	if len(sorted) > 0 {
		msg += " (allowed: " + strings.Join(sorted, ", ") + ")"
	}
	return NewDomainError(CodeInvalidTransition, msg, http.StatusConflict, map[string]any{
		"from":    from,
		"to":      to,
		"allowed": sorted,
	})
}

// NewNotPending reports a lost assignment race or a repeated decision.
func NewNotPending(requestID, state string) error {
	return NewDomainError(CodeNotPending, "assignment request is no longer pending", http.StatusConflict, map[string]any{
		"request_id": requestID,
		"state":      state,
	})
}

func NewNoEligibleAgents(ticketID int64) error {
	return NewDomainError(CodeNoEligibleAgents, "no eligible agents for ticket", http.StatusUnprocessableEntity, map[string]any{
		"ticket_id": ticketID,
	})
}

// NewStorageUnavailable wraps the last storage error after retries and
// fallbacks are exhausted.
func NewStorageUnavailable(operation string, attempts int, cause error) error {
	return &DomainError{
		Code:       CodeStorageUnavailable,
		Message:    fmt.Sprintf("storage unavailable for %s after %d attempt(s)", operation, attempts),
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{"operation": operation, "attempts": attempts},
		Err:        cause,
	}
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsCode reports whether err carries a DomainError with the given code.
func IsCode(err error, code string) bool {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		return false
	}
	return domainErr.Code == code
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func MapError(err error) error {
	if err == nil {
		return nil
	}
	return ToDomainError(err)
}
