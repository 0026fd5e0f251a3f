package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/ticket-engine/internal/domain"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update matched no row
	// because another writer changed it first.
	ErrConflict = errors.New("record changed concurrently")
	// ErrNotPending is returned when a decision targets a request that
	// already left the Pending state.
	ErrNotPending = errors.New("assignment request not pending")
)

// NotPendingError carries the state found by a failed decision.
type NotPendingError struct {
	RequestID string
	State     domain.AssignmentState
}

func (e *NotPendingError) Error() string {
	return fmt.Sprintf("assignment request %s is %s", e.RequestID, e.State)
}

func (e *NotPendingError) Is(target error) bool { return target == ErrNotPending }

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
