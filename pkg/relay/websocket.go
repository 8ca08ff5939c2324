package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/dyluth/herald/pkg/event"
)

const (
	// Time allowed to write a message to the relay.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the relay.
	pongWait = 60 * time.Second

	// Send pings to the relay with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size accepted from a relay.
	maxMessageSize = 4 << 20

	subscriptionBuffer = 64
)

// WebsocketDialer opens relay sessions over websockets.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Session, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	s := newWebsocketSession(url, conn, d.Logger.With().Str("relay", url).Logger())
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

type okResult struct {
	ok     bool
	reason string
}

// subMsg is one relay message routed to a subscription.
type subMsg struct {
	event  *nostr.Event
	eose   bool
	closed *string
}

// subscription receives routed relay messages. Events go to msgs and are
// dropped when it is full so the shared read loop never waits on a slow
// consumer. The single EOSE or CLOSED goes to end.
type subscription struct {
	id   string
	msgs chan *nostr.Event
	end  chan subMsg
	gone chan struct{}
}

type websocketSession struct {
	url    string
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string][]chan okResult
	subs    map[string]*subscription
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

func newWebsocketSession(url string, conn *websocket.Conn, logger zerolog.Logger) *websocketSession {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return &websocketSession{
		url:     url,
		conn:    conn,
		logger:  logger,
		waiters: make(map[string][]chan okResult),
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}
}

func (s *websocketSession) URL() string           { return s.url }
func (s *websocketSession) Done() <-chan struct{} { return s.done }

func (s *websocketSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements Session.
func (s *websocketSession) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.shutdown(ErrSessionClosed)
	return nil
}

// shutdown records why the session ended and releases every waiter.
func (s *websocketSession) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *websocketSession) closedErr() error {
	if err := s.Err(); err != nil && !errors.Is(err, ErrSessionClosed) {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return ErrSessionClosed
}

func (s *websocketSession) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return s.closedErr()
	default:
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.shutdown(err)
		return fmt.Errorf("failed to write to %s: %w", s.url, err)
	}
	return nil
}

// Publish implements Session.
func (s *websocketSession) Publish(ctx context.Context, ev *nostr.Event) error {
	ch := make(chan okResult, 1)

	s.mu.Lock()
	s.waiters[ev.ID] = append(s.waiters[ev.ID], ch)
	s.mu.Unlock()
	defer s.removeWaiter(ev.ID, ch)

	env := nostr.EventEnvelope{Event: *ev}
	data, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	if err := s.write(data); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if !res.ok {
			return &RejectedError{URL: s.url, EventID: ev.ID, Reason: res.reason}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.closedErr()
	}
}

func (s *websocketSession) removeWaiter(id string, ch chan okResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiters := s.waiters[id]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = waiters
	}
}

// Query implements Session.
func (s *websocketSession) Query(ctx context.Context, filter nostr.Filter) (*Stream, error) {
	select {
	case <-s.done:
		return nil, s.closedErr()
	default:
	}

	sub := &subscription{
		id:   uuid.New().String(),
		msgs: make(chan *nostr.Event, subscriptionBuffer),
		end:  make(chan subMsg, 1),
		gone: make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	req := nostr.ReqEnvelope{SubscriptionID: sub.id, Filters: nostr.Filters{filter}}
	data, err := req.MarshalJSON()
	if err != nil {
		s.unsubscribe(sub, false)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := s.write(data); err != nil {
		s.unsubscribe(sub, false)
		return nil, err
	}

	return newStream(ctx, subscriptionBuffer, func(ctx context.Context, emit emitFunc) error {
		relayClosed := false
		defer func() { s.unsubscribe(sub, !relayClosed) }()

		// accept reports false once the stream consumer has gone away.
		accept := func(ev *nostr.Event) bool {
			if err := event.Verify(ev); err != nil {
				s.logger.Debug().Err(err).Msg("Dropping invalid event")
				return true
			}
			if !filter.Matches(ev) {
				s.logger.Debug().Str("event_id", ev.ID).Msg("Dropping event outside filter")
				return true
			}
			return emit(ev)
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return s.closedErr()
			case ev := <-sub.msgs:
				if !accept(ev) {
					return ctx.Err()
				}
			case m := <-sub.end:
				if m.closed != nil {
					relayClosed = true
					return &ClosedError{URL: s.url, SubscriptionID: sub.id, Reason: *m.closed}
				}
				// Events routed before EOSE may still be buffered.
				for {
					select {
					case ev := <-sub.msgs:
						if !accept(ev) {
							return ctx.Err()
						}
					default:
						return nil
					}
				}
			}
		}
	}), nil
}

// unsubscribe forgets the subscription and optionally tells the relay.
func (s *websocketSession) unsubscribe(sub *subscription, sendClose bool) {
	s.mu.Lock()
	if _, ok := s.subs[sub.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, sub.id)
	close(sub.gone)
	s.mu.Unlock()

	if !sendClose {
		return
	}

	env := nostr.CloseEnvelope(sub.id)
	data, err := env.MarshalJSON()
	if err != nil {
		return
	}
	if err := s.write(data); err != nil {
		s.logger.Debug().Err(err).Str("subscription", sub.id).Msg("Failed to close subscription")
	}
}

func (s *websocketSession) route(id string, m subMsg) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	if m.event == nil {
		select {
		case sub.end <- m:
		default:
		}
		return
	}

	select {
	case sub.msgs <- m.event:
	default:
		s.logger.Warn().
			Str("subscription", id).
			Str("event_id", m.event.ID).
			Msg("Subscription buffer full, dropping event")
	}
}

func (s *websocketSession) deliverOK(id string, res okResult) {
	s.mu.Lock()
	waiters := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- res:
		default:
		}
	}
}

// readLoop dispatches relay messages until the connection fails.
func (s *websocketSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Relay connection lost")
			}
			s.shutdown(err)
			return
		}

		switch env := nostr.ParseMessage(data).(type) {
		case *nostr.OKEnvelope:
			s.deliverOK(env.EventID, okResult{ok: env.OK, reason: env.Reason})
		case *nostr.EventEnvelope:
			if env.SubscriptionID == nil {
				continue
			}
			ev := env.Event
			s.route(*env.SubscriptionID, subMsg{event: &ev})
		case *nostr.EOSEEnvelope:
			s.route(string(*env), subMsg{eose: true})
		case *nostr.ClosedEnvelope:
			reason := env.Reason
			s.route(env.SubscriptionID, subMsg{closed: &reason})
		case *nostr.NoticeEnvelope:
			s.logger.Info().Str("notice", string(*env)).Msg("Relay notice")
		case nil:
			s.logger.Debug().Int("bytes", len(data)).Msg("Ignoring unparseable relay message")
		}
	}
}

func (s *websocketSession) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.shutdown(err)
				return
			}
		}
	}
}
