package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Failure taxonomy for one fetch unit. Every error returned by this package,
// and by the orchestrator's units, wraps exactly one of these.
var (
	ErrTimeout          = errors.New("fetch timeout")
	ErrNetwork          = errors.New("network error")
	ErrInvalidReference = errors.New("invalid source reference")
	ErrPersist          = errors.New("persist error")
	ErrUnknown          = errors.New("unknown fetch error")
)

// StatusError carries a non-200 HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Retryable reports whether the server may succeed on a later attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// ErrorType maps an error to the stable name used in logs, metrics and the
// provenance ledger.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.Is(err, ErrInvalidReference):
		return "invalid_reference"
	case errors.Is(err, ErrPersist):
		return "persist_error"
	}
	return "unknown_error"
}

// Classify wraps err in the matching taxonomy sentinel. Errors that already
// carry one are returned as is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrTimeout, ErrNetwork, ErrInvalidReference, ErrPersist, ErrUnknown} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return fmt.Errorf("%w: %w", ErrUnknown, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
