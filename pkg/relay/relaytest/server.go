// Package relaytest provides an in-process relay for tests.
//
// The server speaks enough of the relay protocol for clients to publish
// events, receive acknowledgements and run stored-event queries. Its
// behaviour can be switched at runtime to reject events, stay silent or drop
// every connection.
package relaytest

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// Server is an in-memory relay served over a local websocket listener.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	conns        map[*websocket.Conn]*sync.Mutex
	stored       []*nostr.Event
	received     []*nostr.Event
	rejectReason string
	rejecting    bool
	silent       bool
	closeReason  string
}

// NewServer starts a relay. Call Close when done.
func NewServer() *Server {
	s := &Server{
		conns: make(map[*websocket.Conn]*sync.Mutex),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the websocket URL of the relay.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// Reject makes the relay answer every following event with a negative
// acknowledgement carrying reason. An empty reason restores acceptance.
func (s *Server) Reject(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejecting = reason != ""
	s.rejectReason = reason
}

// Silence stops the relay from acknowledging events.
func (s *Server) Silence(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// CloseSubscriptions makes the relay refuse every following query with reason.
// An empty reason restores normal queries.
func (s *Server) CloseSubscriptions(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeReason = reason
}

// Store adds events to the relay as if they had been published.
func (s *Server) Store(events ...*nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, events...)
}

// Events returns the events the relay holds.
func (s *Server) Events() []*nostr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*nostr.Event(nil), s.stored...)
}

// Received returns every event clients sent, accepted or not.
func (s *Server) Received() []*nostr.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*nostr.Event(nil), s.received...)
}

// ConnectionCount returns the number of open client connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every client connection without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[conn] = writeMu
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	send := func(data []byte, err error) {
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch env := nostr.ParseMessage(data).(type) {
		case *nostr.EventEnvelope:
			s.onEvent(&env.Event, send)
		case *nostr.ReqEnvelope:
			s.onReq(env.SubscriptionID, env.Filters, send)
		case *nostr.CloseEnvelope:
			// queries end at EOSE, nothing to release
		default:
			notice := nostr.NoticeEnvelope("unsupported message")
			send(notice.MarshalJSON())
		}
	}
}

func (s *Server) onEvent(ev *nostr.Event, send func([]byte, error)) {
	evCopy := *ev

	s.mu.Lock()
	s.received = append(s.received, &evCopy)
	silent, rejecting, reason := s.silent, s.rejecting, s.rejectReason
	if !rejecting {
		s.stored = append(s.stored, &evCopy)
	}
	s.mu.Unlock()

	if silent {
		return
	}

	ok := nostr.OKEnvelope{EventID: ev.ID, OK: !rejecting, Reason: reason}
	send(ok.MarshalJSON())
}

func (s *Server) onReq(id string, filters nostr.Filters, send func([]byte, error)) {
	s.mu.Lock()
	closeReason := s.closeReason
	stored := append([]*nostr.Event(nil), s.stored...)
	s.mu.Unlock()

	if closeReason != "" {
		closed := nostr.ClosedEnvelope{SubscriptionID: id, Reason: closeReason}
		send(closed.MarshalJSON())
		return
	}

	sort.SliceStable(stored, func(i, j int) bool { return stored[i].CreatedAt > stored[j].CreatedAt })

	sent := make(map[string]bool)
	for _, f := range filters {
		n := 0
		for _, ev := range stored {
			if f.Limit > 0 && n >= f.Limit {
				break
			}
			if !f.Matches(ev) {
				continue
			}
			n++
			if sent[ev.ID] {
				continue
			}
			sent[ev.ID] = true

			subID := id
			out := nostr.EventEnvelope{SubscriptionID: &subID, Event: *ev}
			send(out.MarshalJSON())
		}
	}

	eose := nostr.EOSEEnvelope(id)
	send(eose.MarshalJSON())
}
