package connection

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a closed supervisor.
var ErrClosed = errors.New("connection supervisor closed")

// TimeoutError reports a connect attempt that did not finish in time.
type TimeoutError struct {
	Attempt int
	After   time.Duration
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("connect attempt %d timed out after %s", e.Attempt+1, e.After)
}

// Timeout reports true so callers can treat it like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// ExhaustedError reports that every connect attempt of a sequence failed.
// Err is the last attempt's error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

// Error implements the error interface
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed to connect after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
