package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("dispatch queue closed")

// ProviderError is a send failure classified by the messaging provider adapter.
//
// RetryAfter > 0 means the provider asked us to wait that long. Transient marks
// failures worth retrying without a hint (server errors, throttling with no
// delay). Any other failure is permanent.
type ProviderError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
	Transient   bool
	Err         error
}

func (e *ProviderError) Error() string {
	switch {
	case e.RetryAfter > 0:
		return fmt.Sprintf("provider error %d (retry after %s): %v", e.Code, e.RetryAfter, e.cause())
	case e.Transient:
		return fmt.Sprintf("provider error %d (transient): %v", e.Code, e.cause())
	default:
		return fmt.Sprintf("provider error %d: %v", e.Code, e.cause())
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) cause() any {
	if e.Err != nil {
		return e.Err
	}
	return e.Description
}

// RetryAfter marks err as throttled with an explicit delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &ProviderError{Code: 429, RetryAfter: after, Transient: after == 0, Err: err}
}

// Transient marks err as retryable with the queue's own backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Transient: true, Err: err}
}

// RetryHint reports how err should be retried. ok is false for permanent failures.
func RetryHint(err error) (after time.Duration, ok bool) {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return 0, false
	}
	if pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, pe.Transient
}
