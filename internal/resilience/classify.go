package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/spec-kit/ticket-engine/pkg/util"
)

// Classification tells the store whether an error may be retried.
type Classification int

const (
	NonRetryable Classification = iota
	Retryable
)

func (c Classification) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "non_retryable"
}

// TransientError marks an error as belonging to the transient class.
// Storage adapters without a typed error model (the in-memory store,
// Redis scripts) wrap their outage errors with Transient.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// SQLSTATE codes and classes treated as transient.
var retryableSQLStates = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"53300": {}, // too_many_connections
	"55P03": {}, // lock_not_available
	"57014": {}, // query_canceled (statement timeout)
	"57P01": {}, // admin_shutdown
	"57P02": {}, // crash_shutdown
	"57P03": {}, // cannot_connect_now
}

// Classify maps an error to a retry classification. Unknown errors are
// non-retryable so that nothing unexpected is masked by retries.
func Classify(err error) Classification {
	if err == nil {
		return NonRetryable
	}

	var domainErr *util.DomainError
	if errors.As(err, &domainErr) {
		return NonRetryable
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return NonRetryable
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return Retryable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := retryableSQLStates[pgErr.Code]; ok {
			return Retryable
		}
		// Class 08: connection exception.
		if len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
			return Retryable
		}
		return NonRetryable
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ETIMEDOUT) {
		return Retryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}
	return NonRetryable
}
