// Package relay maintains connections to a set of relay endpoints and fans
// publish and query operations out across them.
//
// The Pool tolerates partial failure: it is connected as long as one endpoint
// is live, a publish succeeds once one endpoint acknowledges, and a query
// merges whatever the live endpoints return. Per-endpoint problems are
// recorded in EndpointStatus and only surface as errors when every endpoint
// fails.
package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

// Options configures a Pool.
type Options struct {
	// Dialer opens endpoint sessions. Defaults to a WebsocketDialer.
	Dialer Dialer
	Logger zerolog.Logger
}

type endpoint struct {
	status  EndpointStatus
	session Session
}

// Pool is a set of relay endpoints. It is safe for concurrent use.
type Pool struct {
	dialer Dialer
	logger zerolog.Logger

	mu        sync.RWMutex
	endpoints map[string]*endpoint
}

// NewPool creates an empty pool.
func NewPool(opts Options) *Pool {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &WebsocketDialer{Logger: opts.Logger}
	}

	return &Pool{
		dialer:    dialer,
		logger:    opts.Logger,
		endpoints: make(map[string]*endpoint),
	}
}

// NormalizeURLs canonicalizes relay URLs and drops duplicates, keeping order.
func NormalizeURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		n := nostr.NormalizeURL(u)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

type dialResult struct {
	url     string
	session Session
	err     error
}

// Connect opens sessions to every endpoint in urls that is not already live.
// Dials run concurrently. Connect succeeds when at least one endpoint of the
// pool is live afterwards; otherwise it returns a *ConnectError.
func (p *Pool) Connect(ctx context.Context, urls []string) error {
	urls = NormalizeURLs(urls)

	p.mu.Lock()
	var pending []string
	for _, url := range urls {
		ep, ok := p.endpoints[url]
		if !ok {
			ep = &endpoint{status: EndpointStatus{URL: url}}
			p.endpoints[url] = ep
		}
		if ep.session == nil {
			pending = append(pending, url)
		}
	}
	p.mu.Unlock()

	dials := pool.NewWithResults[dialResult]()
	for _, url := range pending {
		dials.Go(func() dialResult {
			s, err := p.dialer.Dial(ctx, url)
			return dialResult{url: url, session: s, err: err}
		})
	}

	failures := make(map[string]error)
	for _, res := range dials.Wait() {
		if res.err != nil {
			failures[res.url] = res.err
			p.logger.Warn().Err(res.err).Str("relay", res.url).Msg("Relay connect failed")
		} else {
			p.logger.Info().Str("relay", res.url).Msg("Relay connected")
		}
		p.attach(res)
	}

	if p.LiveCount() == 0 {
		return &ConnectError{Failures: failures}
	}
	return nil
}

// attach records a dial result and starts watching a new session.
func (p *Pool) attach(res dialResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.endpoints[res.url]
	if !ok {
		ep = &endpoint{status: EndpointStatus{URL: res.url}}
		p.endpoints[res.url] = ep
	}

	if res.err != nil {
		ep.status.Connected = false
		ep.status.LastError = res.err.Error()
		return
	}

	ep.session = res.session
	ep.status.Connected = true
	ep.status.LastError = ""
	ep.status.ConnectedAt = time.Now()

	go p.watch(res.url, res.session)
}

// watch marks the endpoint disconnected when its session ends.
func (p *Pool) watch(url string, s Session) {
	<-s.Done()

	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.endpoints[url]
	if !ok || ep.session != s {
		return
	}
	ep.session = nil
	ep.status.Connected = false
	if err := s.Err(); err != nil {
		ep.status.LastError = err.Error()
	}
	p.logger.Warn().Str("relay", url).Str("reason", ep.status.LastError).Msg("Relay disconnected")
}

// Status returns a snapshot of every endpoint, sorted by URL.
func (p *Pool) Status() []EndpointStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// LiveCount returns the number of endpoints with a live session.
func (p *Pool) LiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, ep := range p.endpoints {
		if ep.session != nil {
			n++
		}
	}
	return n
}

func (p *Pool) liveSessions() []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sessions := make([]Session, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.session != nil {
			sessions = append(sessions, ep.session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].URL() < sessions[j].URL() })
	return sessions
}

type publishOutcome struct {
	url string
	err error
}

// Publish sends a signed event to every live endpoint. It succeeds once at
// least one endpoint acknowledges. Per-endpoint failures are recorded in the
// endpoint status and the receipt; a *PublishError is returned only when no
// endpoint accepted the event.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) (*Receipt, error) {
	sessions := p.liveSessions()
	if len(sessions) == 0 {
		return nil, &PublishError{EventID: ev.ID, Err: ErrNoConnectedRelays}
	}

	sends := pool.NewWithResults[publishOutcome]()
	for _, s := range sessions {
		sends.Go(func() publishOutcome {
			return publishOutcome{url: s.URL(), err: s.Publish(ctx, ev)}
		})
	}

	receipt := &Receipt{EventID: ev.ID, Failed: make(map[string]error)}
	now := time.Now()

	outcomes := sends.Wait()
	p.mu.Lock()
	for _, out := range outcomes {
		ep := p.endpoints[out.url]
		if out.err != nil {
			receipt.Failed[out.url] = out.err
			if ep != nil {
				ep.status.LastError = out.err.Error()
			}
			continue
		}
		receipt.Accepted = append(receipt.Accepted, out.url)
		if ep != nil {
			ep.status.LastAck = now
		}
	}
	p.mu.Unlock()

	sort.Strings(receipt.Accepted)

	if len(receipt.Accepted) == 0 {
		return receipt, &PublishError{EventID: ev.ID, Failures: receipt.Failed}
	}

	if len(receipt.Failed) > 0 {
		p.logger.Debug().
			Str("event_id", ev.ID).
			Int("accepted", len(receipt.Accepted)).
			Int("failed", len(receipt.Failed)).
			Msg("Event partially accepted")
	}
	return receipt, nil
}

// FetchMany queries every live endpoint and merges the results, dropping
// duplicate ids. The stream ends once every endpoint has finished. Its Err is
// set only when every endpoint failed.
func (p *Pool) FetchMany(ctx context.Context, filter nostr.Filter) (*Stream, error) {
	sessions := p.liveSessions()
	if len(sessions) == 0 {
		return nil, ErrNoConnectedRelays
	}

	return newStream(ctx, subscriptionBuffer, func(ctx context.Context, emit emitFunc) error {
		var (
			mu     sync.Mutex
			seen   = make(map[string]bool)
			failed = make(map[string]error)
			wg     conc.WaitGroup
		)

		for _, s := range sessions {
			wg.Go(func() {
				err := p.drain(ctx, s, filter, func(ev *nostr.Event) bool {
					mu.Lock()
					dup := seen[ev.ID]
					seen[ev.ID] = true
					mu.Unlock()
					if dup {
						return true
					}
					return emit(ev)
				})
				if err != nil {
					mu.Lock()
					failed[s.URL()] = err
					mu.Unlock()
					p.logger.Debug().Err(err).Str("relay", s.URL()).Msg("Relay query failed")
				}
			})
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		if len(failed) == len(sessions) {
			return &QueryError{Failures: failed}
		}
		return nil
	}), nil
}

// drain runs one endpoint query and feeds its events to emit.
func (p *Pool) drain(ctx context.Context, s Session, filter nostr.Filter, emit emitFunc) error {
	stream, err := s.Query(ctx, filter)
	if err != nil {
		return err
	}
	defer stream.Close()

	for ev := range stream.Events() {
		if !emit(ev) {
			return ctx.Err()
		}
	}
	return stream.Err()
}

// FetchOne returns the newest event matching filter across all live
// endpoints, or nil when none matches. A zero Limit is treated as 1.
func (p *Pool) FetchOne(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	if filter.Limit == 0 {
		filter.Limit = 1
	}

	stream, err := p.FetchMany(ctx, filter)
	if err != nil {
		return nil, err
	}

	events, err := stream.Collect()
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// Close ends every session. Implements io.Closer.
func (p *Pool) Close() error {
	p.mu.Lock()
	sessions := make([]Session, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.session != nil {
			sessions = append(sessions, ep.session)
			ep.session = nil
		}
		ep.status.Connected = false
	}
	p.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}
