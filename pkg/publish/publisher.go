// Package publish turns event templates into signed events and sends them
// over the supervised relay connection.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/dyluth/herald/pkg/event"
	"github.com/dyluth/herald/pkg/relay"
	"github.com/dyluth/herald/pkg/signer"
)

// DefaultTimeout bounds a publish whose context has no deadline.
const DefaultTimeout = 30 * time.Second

// ErrNoSigner is returned when no signing capability is available.
// No connection is attempted in that case.
var ErrNoSigner = errors.New("no signer available")

// Connection is the supervised relay connection used for publishing.
// *connection.Supervisor implements it.
type Connection interface {
	Signer(ctx context.Context) (signer.Signer, bool)
	Publish(ctx context.Context, ev *nostr.Event) (*relay.Receipt, error)
}

// Result is the outcome of one publish.
type Result struct {
	EventID   string         `json:"event_id,omitempty"`
	Succeeded bool           `json:"succeeded"`
	Err       error          `json:"-"`
	Event     *nostr.Event   `json:"event,omitempty"`
	Receipt   *relay.Receipt `json:"receipt,omitempty"`
}

// Options configures a Publisher.
type Options struct {
	// Timeout applies when the caller's context has no deadline.
	// Zero means DefaultTimeout, negative disables it.
	Timeout time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Publisher builds, signs and sends events. It never retries.
type Publisher struct {
	conn    Connection
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a Publisher over conn.
func New(conn Connection, opts Options) *Publisher {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{
		conn:    conn,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Publish fills tmpl with placeholders, signs the result and sends it to the
// relays. The template itself is never modified. On failure the returned
// Result carries the same error, and the event when one was built.
func (p *Publisher) Publish(ctx context.Context, tmpl *event.Template, placeholders event.Placeholders) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if tmpl == nil {
		return failed(&Result{}, errors.New("template cannot be nil"))
	}
	if err := tmpl.Validate(); err != nil {
		return failed(&Result{}, err)
	}

	ev := event.Build(tmpl, placeholders, p.now())
	res := &Result{Event: ev}

	sg, ok := p.conn.Signer(ctx)
	if !ok {
		return failed(res, ErrNoSigner)
	}

	if err := sg.Sign(ctx, ev); err != nil {
		var signErr *signer.SignError
		if !errors.As(err, &signErr) {
			err = &signer.SignError{Reason: err.Error(), Err: err}
		}
		return failed(res, err)
	}
	res.EventID = ev.ID

	log := p.logger.With().Str("event_id", ev.ID).Int("kind", ev.Kind).Logger()

	receipt, err := p.conn.Publish(ctx, ev)
	res.Receipt = receipt
	if err != nil {
		log.Warn().Err(err).Msg("Publish failed")
		return failed(res, fmt.Errorf("failed to publish event: %w", err))
	}

	res.Succeeded = true
	log.Info().Int("accepted", len(receipt.Accepted)).Msg("Event published")
	return res, nil
}

func failed(res *Result, err error) (*Result, error) {
	res.Err = err
	return res, err
}
