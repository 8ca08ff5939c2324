package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Stream is a finite, non-restartable sequence of events produced by a query.
// The Events channel closes when the query ends; Err is meaningful afterwards.
// Callers that stop reading early must call Close.
type Stream struct {
	events <-chan *nostr.Event
	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	err error
}

// emitFunc hands an event to the consumer. It returns false once the
// stream has been cancelled.
type emitFunc func(ev *nostr.Event) bool

// newStream runs produce in a goroutine and exposes what it emits.
// Cancellation through Close is not reported as an error.
func newStream(ctx context.Context, buffer int, produce func(ctx context.Context, emit emitFunc) error) *Stream {
	sctx, cancel := context.WithCancel(ctx)
	ch := make(chan *nostr.Event, buffer)
	s := &Stream{events: ch, cancel: cancel}

	go func() {
		defer close(ch)
		defer cancel()

		emit := func(ev *nostr.Event) bool {
			select {
			case ch <- ev:
				return true
			case <-sctx.Done():
				return false
			}
		}

		err := produce(sctx, emit)
		if err != nil && sctx.Err() != nil && ctx.Err() == nil {
			// closed by the consumer
			err = nil
		}

		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()

	return s
}

// Events returns the channel of query results.
func (s *Stream) Events() <-chan *nostr.Event {
	return s.events
}

// Err returns the error that ended the stream, if any.
// Only meaningful after Events has been drained.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the query. Implements io.Closer.
// Safe to call multiple times.
func (s *Stream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Collect drains the stream and returns every event, newest first.
func (s *Stream) Collect() ([]*nostr.Event, error) {
	defer s.Close()

	var events []*nostr.Event
	for ev := range s.events {
		events = append(events, ev)
	}
	sortNewestFirst(events)
	return events, s.Err()
}

func sortNewestFirst(events []*nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

// StreamOf returns a stream that yields events in order and then ends.
func StreamOf(ctx context.Context, events ...*nostr.Event) *Stream {
	return newStream(ctx, len(events), func(ctx context.Context, emit emitFunc) error {
		for _, ev := range events {
			if !emit(ev) {
				return ctx.Err()
			}
		}
		return nil
	})
}
