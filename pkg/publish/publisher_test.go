package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/herald/pkg/connection"
	"github.com/dyluth/herald/pkg/event"
	"github.com/dyluth/herald/pkg/relay"
	"github.com/dyluth/herald/pkg/relay/relaytest"
	"github.com/dyluth/herald/pkg/signer"
)

// fakeConnection records publishes and answers with publishErr.
type fakeConnection struct {
	signer     signer.Signer
	publishErr error
	published  []*nostr.Event
	deadline   bool
}

func (f *fakeConnection) Signer(ctx context.Context) (signer.Signer, bool) {
	return f.signer, f.signer != nil
}

func (f *fakeConnection) Publish(ctx context.Context, ev *nostr.Event) (*relay.Receipt, error) {
	_, f.deadline = ctx.Deadline()
	f.published = append(f.published, ev)
	if f.publishErr != nil {
		return &relay.Receipt{EventID: ev.ID}, f.publishErr
	}
	return &relay.Receipt{EventID: ev.ID, Accepted: []string{"wss://a.example"}}, nil
}

// refusingSigner always declines.
type refusingSigner struct{ reason string }

func (r refusingSigner) PublicKey(ctx context.Context) (string, error) { return "", nil }

func (r refusingSigner) Sign(ctx context.Context, ev *nostr.Event) error {
	return errors.New(r.reason)
}

func newKey(t *testing.T) *signer.KeySigner {
	t.Helper()
	key, err := signer.GenerateKeySigner()
	require.NoError(t, err)
	return key
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	tmpl := &event.Template{
		Kind:    1,
		Content: "reply to ${eventId}",
		Tags:    [][]string{{"e", "${eventId}"}},
	}

	t.Run("signs and publishes", func(t *testing.T) {
		conn := &fakeConnection{signer: newKey(t)}
		p := New(conn, Options{Logger: zerolog.Nop()})

		res, err := p.Publish(ctx, tmpl, event.Placeholders{"${eventId}": "abc123"})
		require.NoError(t, err)
		assert.True(t, res.Succeeded)
		assert.NoError(t, res.Err)
		require.Len(t, conn.published, 1)

		ev := conn.published[0]
		assert.Equal(t, ev.ID, res.EventID)
		assert.Equal(t, "reply to abc123", ev.Content)
		assert.Equal(t, nostr.Tags{{"e", "abc123"}}, ev.Tags)
		assert.NoError(t, event.Verify(ev))

		assert.Equal(t, "reply to ${eventId}", tmpl.Content, "template is not modified")
		assert.True(t, conn.deadline, "publish timeout applied")
	})

	t.Run("no signer", func(t *testing.T) {
		conn := &fakeConnection{}
		p := New(conn, Options{Logger: zerolog.Nop()})

		res, err := p.Publish(ctx, tmpl, nil)
		assert.ErrorIs(t, err, ErrNoSigner)
		assert.False(t, res.Succeeded)
		assert.Empty(t, conn.published)
	})

	t.Run("signer refuses", func(t *testing.T) {
		conn := &fakeConnection{signer: refusingSigner{reason: "user rejected"}}
		p := New(conn, Options{Logger: zerolog.Nop()})

		_, err := p.Publish(ctx, tmpl, nil)
		var signErr *signer.SignError
		require.ErrorAs(t, err, &signErr)
		assert.Equal(t, "user rejected", signErr.Reason)
		assert.Empty(t, conn.published)
	})

	t.Run("all relays reject", func(t *testing.T) {
		pubErr := &relay.PublishError{EventID: "x", Failures: map[string]error{"wss://a.example": errors.New("blocked")}}
		conn := &fakeConnection{signer: newKey(t), publishErr: pubErr}
		p := New(conn, Options{Logger: zerolog.Nop()})

		res, err := p.Publish(ctx, tmpl, nil)
		var got *relay.PublishError
		require.ErrorAs(t, err, &got)
		assert.False(t, res.Succeeded)
		assert.NotEmpty(t, res.EventID)
		assert.Len(t, conn.published, 1, "no retry")
	})

	t.Run("invalid template", func(t *testing.T) {
		conn := &fakeConnection{signer: newKey(t)}
		p := New(conn, Options{Logger: zerolog.Nop()})

		_, err := p.Publish(ctx, &event.Template{Kind: -1}, nil)
		require.Error(t, err)
		_, err = p.Publish(ctx, nil, nil)
		require.Error(t, err)
		assert.Empty(t, conn.published)
	})

	t.Run("caller deadline is kept", func(t *testing.T) {
		conn := &fakeConnection{signer: newKey(t)}
		p := New(conn, Options{Timeout: -1, Logger: zerolog.Nop()})

		_, err := p.Publish(ctx, tmpl, nil)
		require.NoError(t, err)
		assert.False(t, conn.deadline)
	})
}

// countingDialer counts dials and fails them all.
type countingDialer struct{ dials int }

func (d *countingDialer) Dial(ctx context.Context, url string) (relay.Session, error) {
	d.dials++
	return nil, errors.New("unreachable")
}

func TestPublishWithoutSignerNeverConnects(t *testing.T) {
	dialer := &countingDialer{}
	pool := relay.NewPool(relay.Options{Dialer: dialer, Logger: zerolog.Nop()})
	sup := connection.New(pool, signer.Static{}, connection.Options{
		Relays: []string{"wss://a.example"},
		Logger: zerolog.Nop(),
	})
	defer sup.Close()

	_, err := New(sup, Options{Logger: zerolog.Nop()}).Publish(context.Background(), &event.Template{Kind: 1}, nil)
	assert.ErrorIs(t, err, ErrNoSigner)
	assert.Zero(t, dialer.dials)
	assert.Equal(t, connection.Disconnected, sup.State())
}

func TestPublishEndToEnd(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	key := newKey(t)
	pool := relay.NewPool(relay.Options{Logger: zerolog.Nop()})
	sup := connection.New(pool, signer.Static{Signer: key}, connection.Options{
		Relays: []string{srv.URL()},
		Logger: zerolog.Nop(),
	})
	defer sup.Close()

	tmpl := &event.Template{
		Kind:    1111,
		Content: "hi ${name}",
		Tags:    [][]string{{"e", "${eventId}"}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := New(sup, Options{Logger: zerolog.Nop()}).Publish(ctx, tmpl, event.Placeholders{
		"${name}":    "there",
		"${eventId}": "deadbeef",
	})
	require.NoError(t, err)
	require.True(t, res.Succeeded)

	stored := srv.Events()
	require.Len(t, stored, 1)
	ev := stored[0]
	assert.Equal(t, res.EventID, ev.ID)
	assert.Equal(t, 1111, ev.Kind)
	assert.Equal(t, "hi there", ev.Content)
	assert.Equal(t, nostr.Tags{{"e", "deadbeef"}}, ev.Tags)
	assert.WithinDuration(t, time.Now(), ev.CreatedAt.Time(), 2*time.Second)

	pub, err := key.PublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, pub, ev.PubKey)
	assert.NoError(t, event.Verify(ev))
}
