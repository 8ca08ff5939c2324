package relay

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNoConnectedRelays is returned when an operation needs at least one live endpoint.
	ErrNoConnectedRelays = errors.New("no connected relays")

	// ErrSessionClosed is returned by operations on a session that has ended.
	ErrSessionClosed = errors.New("relay session closed")
)

// ConnectError reports that no endpoint could be connected.
// Failures maps each endpoint URL to its dial error.
type ConnectError struct {
	Failures map[string]error
}

// Error implements the error interface
func (e *ConnectError) Error() string {
	if len(e.Failures) == 0 {
		return "failed to connect to any relay: no relays configured"
	}
	return fmt.Sprintf("failed to connect to any relay: %s", describeFailures(e.Failures))
}

// Unwrap implements multi-error unwrapping
func (e *ConnectError) Unwrap() []error {
	return failureList(e.Failures)
}

// PublishError reports that no endpoint accepted an event.
type PublishError struct {
	EventID  string
	Failures map[string]error
	Err      error // Set when the publish never reached an endpoint
}

// Error implements the error interface
func (e *PublishError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("failed to publish event %s: %v", e.EventID, e.Err)
	}
	return fmt.Sprintf("failed to publish event %s: rejected by all %d relays: %s",
		e.EventID, len(e.Failures), describeFailures(e.Failures))
}

// Unwrap implements multi-error unwrapping
func (e *PublishError) Unwrap() []error {
	errs := failureList(e.Failures)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// RejectedError is a negative OK answer from a relay.
type RejectedError struct {
	URL     string
	EventID string
	Reason  string
}

// Error implements the error interface
func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("relay %s rejected event %s", e.URL, e.EventID)
	}
	return fmt.Sprintf("relay %s rejected event %s: %s", e.URL, e.EventID, e.Reason)
}

// ClosedError is a relay-initiated end of a subscription.
type ClosedError struct {
	URL            string
	SubscriptionID string
	Reason         string
}

// Error implements the error interface
func (e *ClosedError) Error() string {
	return fmt.Sprintf("relay %s closed subscription %s: %s", e.URL, e.SubscriptionID, e.Reason)
}

func describeFailures(failures map[string]error) string {
	urls := make([]string, 0, len(failures))
	for url := range failures {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	parts := make([]string, 0, len(urls))
	for _, url := range urls {
		parts = append(parts, fmt.Sprintf("%s: %v", url, failures[url]))
	}
	return strings.Join(parts, "; ")
}

func failureList(failures map[string]error) []error {
	errs := make([]error, 0, len(failures))
	for _, err := range failures {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// QueryError reports that every endpoint failed a query.
type QueryError struct {
	Failures map[string]error
}

// Error implements the error interface
func (e *QueryError) Error() string {
	return fmt.Sprintf("failed to query any relay: %s", describeFailures(e.Failures))
}

// Unwrap implements multi-error unwrapping
func (e *QueryError) Unwrap() []error {
	return failureList(e.Failures)
}
