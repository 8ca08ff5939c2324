package relay

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/herald/pkg/relay/relaytest"
)

func dialTestRelay(t *testing.T) (*relaytest.Server, Session) {
	t.Helper()
	srv := relaytest.NewServer()
	t.Cleanup(srv.Close)

	d := &WebsocketDialer{Logger: zerolog.Nop()}
	s, err := d.Dial(context.Background(), srv.URL())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return srv, s
}

func TestWebsocketPublish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("accepted", func(t *testing.T) {
		srv, s := dialTestRelay(t)
		ev := testEvent(t, "hello", nostr.Now())

		require.NoError(t, s.Publish(ctx, ev))
		require.Len(t, srv.Events(), 1)
		assert.Equal(t, ev.ID, srv.Events()[0].ID)
	})

	t.Run("rejected", func(t *testing.T) {
		srv, s := dialTestRelay(t)
		srv.Reject("blocked: spam")
		ev := testEvent(t, "hello", nostr.Now())

		err := s.Publish(ctx, ev)
		var rejected *RejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, "blocked: spam", rejected.Reason)
		assert.Equal(t, ev.ID, rejected.EventID)
		assert.Empty(t, srv.Events())
		assert.Len(t, srv.Received(), 1)
	})

	t.Run("silent relay times out", func(t *testing.T) {
		srv, s := dialTestRelay(t)
		srv.Silence(true)

		short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		err := s.Publish(short, testEvent(t, "hello", nostr.Now()))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("dropped connection ends the session", func(t *testing.T) {
		srv, s := dialTestRelay(t)
		srv.DropConnections()

		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("session did not end after the relay dropped it")
		}
		assert.Error(t, s.Err())

		err := s.Publish(ctx, testEvent(t, "hello", nostr.Now()))
		assert.ErrorIs(t, err, ErrSessionClosed)
	})
}

func TestWebsocketQuery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("returns stored matches", func(t *testing.T) {
		srv, s := dialTestRelay(t)
		a := testEvent(t, "a", nostr.Timestamp(1000))
		b := testEvent(t, "b", nostr.Timestamp(2000))
		reaction := &nostr.Event{Kind: 7, Content: "+", CreatedAt: 1500, Tags: nostr.Tags{}}
		require.NoError(t, reaction.Sign(nostr.GeneratePrivateKey()))
		srv.Store(a, b, reaction)

		stream, err := s.Query(ctx, nostr.Filter{Kinds: []int{1}})
		require.NoError(t, err)

		events, err := stream.Collect()
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, b.ID, events[0].ID)
		assert.Equal(t, a.ID, events[1].ID)
	})

	t.Run("respects limit", func(t *testing.T) {
		srv, s := dialTestRelay(t)
		srv.Store(testEvent(t, "a", 1000), testEvent(t, "b", 2000), testEvent(t, "c", 3000))

		stream, err := s.Query(ctx, nostr.Filter{Kinds: []int{1}, Limit: 1})
		require.NoError(t, err)

		events, err := stream.Collect()
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "c", events[0].Content)
	})

	t.Run("drops events with a bad signature", func(t *testing.T) {
		srv, s := dialTestRelay(t)
		forged := testEvent(t, "original", 1000)
		forged.Content = "tampered"
		srv.Store(forged, testEvent(t, "genuine", 2000))

		stream, err := s.Query(ctx, nostr.Filter{})
		require.NoError(t, err)

		events, err := stream.Collect()
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "genuine", events[0].Content)
	})

	t.Run("relay closed subscription", func(t *testing.T) {
		srv, s := dialTestRelay(t)
		srv.CloseSubscriptions("auth-required: sign in first")

		stream, err := s.Query(ctx, nostr.Filter{})
		require.NoError(t, err)

		_, err = stream.Collect()
		var closed *ClosedError
		require.ErrorAs(t, err, &closed)
		assert.Equal(t, "auth-required: sign in first", closed.Reason)
	})
}

func TestUnreadQueryDoesNotStallPublish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv, s := dialTestRelay(t)
	stored := make([]*nostr.Event, 0, 4*subscriptionBuffer)
	for i := 0; i < 4*subscriptionBuffer; i++ {
		stored = append(stored, testEvent(t, "backlog", nostr.Timestamp(1000+i)))
	}
	srv.Store(stored...)

	stream, err := s.Query(ctx, nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	defer stream.Close()

	// Nobody reads the stream; acks for this session must still arrive.
	short, cancelShort := context.WithTimeout(ctx, 2*time.Second)
	defer cancelShort()
	require.NoError(t, s.Publish(short, testEvent(t, "after backlog", nostr.Now())))
}

func TestPoolOverWebsockets(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepting := relaytest.NewServer()
	defer accepting.Close()
	rejecting := relaytest.NewServer()
	defer rejecting.Close()
	rejecting.Reject("restricted")

	p := NewPool(Options{Logger: zerolog.Nop()})
	defer p.Close()

	require.NoError(t, p.Connect(ctx, []string{accepting.URL(), rejecting.URL(), "ws://127.0.0.1:1"}))
	assert.Equal(t, 2, p.LiveCount())

	ev := testEvent(t, "fan out", nostr.Now())
	receipt, err := p.Publish(ctx, ev)
	require.NoError(t, err)
	assert.Len(t, receipt.Accepted, 1)
	assert.Len(t, receipt.Failed, 1)

	got, err := p.FetchOne(ctx, nostr.Filter{IDs: []string{ev.ID}})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ev.ID, got.ID)
}
