// Package connection supervises the relay pool: it owns the connection state
// machine, retries failed connects with exponential backoff and caches the
// detected signer.
//
// All mutable state lives behind one mutex so concurrent callers observe a
// single connect sequence and a single signer detection.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/dyluth/herald/pkg/relay"
	"github.com/dyluth/herald/pkg/signer"
)

// Pool is the relay pool as seen by the supervisor. *relay.Pool implements it.
type Pool interface {
	Connect(ctx context.Context, urls []string) error
	LiveCount() int
	Status() []relay.EndpointStatus
	Publish(ctx context.Context, ev *nostr.Event) (*relay.Receipt, error)
	FetchOne(ctx context.Context, filter nostr.Filter) (*nostr.Event, error)
	FetchMany(ctx context.Context, filter nostr.Filter) (*relay.Stream, error)
	Close() error
}

// Options configures a Supervisor.
type Options struct {
	Relays         []string
	Retry          RetryPolicy
	ConnectTimeout time.Duration
	Logger         zerolog.Logger

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type connectCall struct {
	done chan struct{}
	err  error
}

type detectCall struct {
	done   chan struct{}
	signer signer.Signer
	ok     bool
}

// Supervisor owns the connection lifecycle of one relay pool.
type Supervisor struct {
	pool           Pool
	provider       signer.Provider
	relays         []string
	retry          RetryPolicy
	connectTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	logger         zerolog.Logger

	// ctx bounds every background goroutine; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	attempt   int
	connect   *connectCall
	signer    signer.Signer
	detecting *detectCall
	closed    bool
}

// New creates a disconnected supervisor. A nil provider means no signer is
// ever available. Zero retry and timeout options take the defaults.
func New(pool Pool, provider signer.Provider, opts Options) *Supervisor {
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		pool:           pool,
		provider:       provider,
		relays:         opts.Relays,
		retry:          opts.Retry,
		connectTimeout: opts.ConnectTimeout,
		sleep:          opts.Sleep,
		logger:         opts.Logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the index of the current attempt of an in-flight sequence.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Status returns a snapshot of every endpoint.
func (s *Supervisor) Status() []relay.EndpointStatus {
	return s.pool.Status()
}

// Connect brings the pool up. It returns immediately when already connected
// and joins the in-flight sequence when one is running, so concurrent callers
// share one attempt sequence and its result. The sequence itself is bound to
// the supervisor, not to ctx; ctx only limits how long the caller waits.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == Connected {
		s.mu.Unlock()
		return nil
	}

	call := s.connect
	if call == nil {
		call = &connectCall{done: make(chan struct{})}
		s.connect = call
		s.state = Connecting
		s.attempt = 0
		go s.run(call)
	}
	s.mu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureConnected connects unless the supervisor is connected with at least
// one live endpoint. A connected supervisor whose endpoints all dropped is
// moved back to Disconnected and reconnected.
func (s *Supervisor) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Connected {
		if s.pool.LiveCount() > 0 {
			s.mu.Unlock()
			return nil
		}
		s.logger.Warn().Msg("All relays dropped, reconnecting")
		s.state = Disconnected
	}
	s.mu.Unlock()

	return s.Connect(ctx)
}

// Disconnect closes every session and moves to Disconnected. An in-flight
// connect sequence is left to finish.
func (s *Supervisor) Disconnect() error {
	s.mu.Lock()
	if s.state == Connected {
		s.state = Disconnected
	}
	s.mu.Unlock()

	return s.pool.Close()
}

// Close stops background work and closes the pool. Implements io.Closer.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = Disconnected
	s.mu.Unlock()

	s.cancel()
	return s.pool.Close()
}

// run executes one connect sequence and publishes its result.
func (s *Supervisor) run(call *connectCall) {
	err := s.retryLoop()

	s.mu.Lock()
	if err == nil && !s.closed {
		s.state = Connected
	} else {
		s.state = Disconnected
	}
	s.attempt = 0
	s.connect = nil
	call.err = err
	s.mu.Unlock()

	close(call.done)
}

func (s *Supervisor) retryLoop() error {
	b := s.retry.NewBackOff()

	for {
		attempt := s.Attempt()
		err := s.attemptConnect(attempt)
		if err == nil {
			s.logger.Info().Int("attempt", attempt).Int("relays", s.pool.LiveCount()).Msg("Connected to relays")
			return nil
		}
		if s.ctx.Err() != nil {
			return ErrClosed
		}

		if attempt >= s.retry.MaxAttempts {
			s.logger.Error().Err(err).Int("attempts", attempt+1).Msg("Giving up connecting to relays")
			return &ExhaustedError{Attempts: attempt + 1, Err: err}
		}

		delay := b.NextBackOff()
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Connect failed, retrying")
		if err := s.sleep(s.ctx, delay); err != nil {
			return ErrClosed
		}

		s.mu.Lock()
		s.attempt++
		s.mu.Unlock()
	}
}

// attemptConnect races one pool connect against the connect timeout.
func (s *Supervisor) attemptConnect(attempt int) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.connectTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.pool.Connect(ctx, s.relays)
	}()

	select {
	case err := <-errCh:
		if err == nil || ctx.Err() == nil {
			return err
		}
	case <-ctx.Done():
	}

	if err := s.ctx.Err(); err != nil {
		return err
	}
	return &TimeoutError{Attempt: attempt, After: s.connectTimeout}
}

// Signer returns the signing capability, detecting it on first use. Only a
// positive detection is cached, so a signer that appears later is picked up
// on the next call. Concurrent callers share one detection.
func (s *Supervisor) Signer(ctx context.Context) (signer.Signer, bool) {
	if s.provider == nil {
		return nil, false
	}

	s.mu.Lock()
	if s.signer != nil {
		sg := s.signer
		s.mu.Unlock()
		return sg, true
	}

	call := s.detecting
	if call == nil {
		call = &detectCall{done: make(chan struct{})}
		s.detecting = call
		go s.detect(call)
	}
	s.mu.Unlock()

	select {
	case <-call.done:
		return call.signer, call.ok
	case <-ctx.Done():
		return nil, false
	}
}

func (s *Supervisor) detect(call *detectCall) {
	sg, ok := s.provider.Detect(s.ctx)
	ok = ok && sg != nil

	s.mu.Lock()
	if ok {
		s.signer = sg
	}
	s.detecting = nil
	call.signer, call.ok = sg, ok
	s.mu.Unlock()

	if ok {
		s.logger.Debug().Msg("Signer detected")
	}
	close(call.done)
}

// InvalidateSigner drops the cached signer.
func (s *Supervisor) InvalidateSigner() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signer = nil
}

// Publish sends a signed event over the supervised connection.
func (s *Supervisor) Publish(ctx context.Context, ev *nostr.Event) (*relay.Receipt, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return s.pool.Publish(ctx, ev)
}

// FetchOne returns the newest event matching filter over the supervised connection.
func (s *Supervisor) FetchOne(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return s.pool.FetchOne(ctx, filter)
}

// FetchMany streams every event matching filter over the supervised connection.
func (s *Supervisor) FetchMany(ctx context.Context, filter nostr.Filter) (*relay.Stream, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return s.pool.FetchMany(ctx, filter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
