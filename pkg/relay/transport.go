package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Dialer opens a session to a single relay endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Session, error)
}

// Session is one live connection to a relay endpoint.
// Implementations must be safe for concurrent use.
type Session interface {
	// URL returns the endpoint this session is connected to.
	URL() string

	// Publish sends a signed event and waits for the relay's acknowledgement.
	// A negative acknowledgement is returned as *RejectedError.
	Publish(ctx context.Context, ev *nostr.Event) error

	// Query subscribes with filter until the relay signals the end of stored events.
	// A consumer that falls behind loses events rather than stalling the session.
	Query(ctx context.Context, filter nostr.Filter) (*Stream, error)

	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}

	// Err returns why the session ended, nil while it is live.
	Err() error

	// Close ends the session. Implements io.Closer.
	Close() error
}
