package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/herald/internal/config"
	"github.com/dyluth/herald/pkg/connection"
	"github.com/dyluth/herald/pkg/event"
	"github.com/dyluth/herald/pkg/publish"
	"github.com/dyluth/herald/pkg/relay/relaytest"
	"github.com/dyluth/herald/pkg/signer"
)

func testConfig(relays ...string) *config.HeraldConfig {
	cfg := config.Default()
	cfg.Relays = relays
	cfg.Connection.ConnectTimeout = 2 * time.Second
	cfg.Publish.Timeout = 2 * time.Second
	return cfg
}

func newTestClient(t *testing.T, cfg *config.HeraldConfig, provider signer.Provider) *Client {
	t.Helper()
	c, err := New(cfg, Options{Logger: zerolog.Nop(), Provider: provider})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func keyProvider(t *testing.T) signer.Provider {
	t.Helper()
	key, err := signer.GenerateKeySigner()
	require.NoError(t, err)
	return signer.Static{Signer: key}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestClientConnectAndStatus(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL()), keyProvider(t))
	assert.Equal(t, connection.Disconnected, c.Status().State)

	require.NoError(t, c.Connect(context.Background()))

	status := c.Status()
	assert.Equal(t, connection.Connected, status.State)
	require.Len(t, status.Relays, 1)
	assert.True(t, status.Relays[0].Connected)
	assert.Nil(t, c.HealthChecks())
}

func TestClientPublishRecordsInCache(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL()), keyProvider(t))
	ctx := context.Background()

	tmpl := &event.Template{Kind: 1, Content: "hello ${who}"}
	result, err := c.Publish(ctx, tmpl, event.Placeholders{"${who}": "world"}, "notes")
	require.NoError(t, err)
	require.True(t, result.Succeeded)
	assert.Equal(t, "hello world", result.Event.Content)

	entries, err := c.Entries(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, result.EventID, entries[0].ID)
	assert.True(t, entries[0].Local)

	received := srv.Received()
	require.Len(t, received, 1)
	assert.Equal(t, result.EventID, received[0].ID)
}

func TestClientPublishWithoutCacheKey(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL()), keyProvider(t))
	ctx := context.Background()

	_, err := c.Publish(ctx, &event.Template{Kind: 1, Content: "plain"}, nil, "")
	require.NoError(t, err)

	entries, err := c.Entries(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientPublishWithoutSigner(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL()), signer.Static{})

	_, err := c.Publish(context.Background(), &event.Template{Kind: 1}, nil, "notes")
	require.ErrorIs(t, err, publish.ErrNoSigner)
	assert.Equal(t, 0, srv.ConnectionCount())
}

func TestClientFetch(t *testing.T) {
	srv := relaytest.NewServer()
	defer srv.Close()

	key, err := signer.GenerateKeySigner()
	require.NoError(t, err)
	ev := &nostr.Event{Kind: 1, Content: "stored", CreatedAt: nostr.Now()}
	require.NoError(t, key.Sign(context.Background(), ev))
	srv.Store(ev)

	c := newTestClient(t, testConfig(srv.URL()), signer.Static{Signer: key})
	ctx := context.Background()

	got, err := c.FetchOne(ctx, nostr.Filter{IDs: []string{ev.ID}})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "stored", got.Content)

	stream, err := c.Fetch(ctx, nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
}

func TestClientCacheEvents(t *testing.T) {
	t.Run("memory backend has none", func(t *testing.T) {
		c := newTestClient(t, testConfig("ws://127.0.0.1:1"), signer.Static{})
		_, err := c.SubscribeCacheEvents(context.Background())
		require.ErrorIs(t, err, ErrNoCacheEvents)
	})

	t.Run("redis backend", func(t *testing.T) {
		mr := miniredis.RunT(t)
		srv := relaytest.NewServer()
		defer srv.Close()

		cfg := testConfig(srv.URL())
		cfg.Cache.Backend = config.CacheRedis
		cfg.Cache.RedisURL = "redis://" + mr.Addr()

		c := newTestClient(t, cfg, keyProvider(t))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		checks := c.HealthChecks()
		require.Len(t, checks, 1)
		assert.Equal(t, "redis", checks[0].Name)
		require.NoError(t, checks[0].Run(ctx))

		sub, err := c.SubscribeCacheEvents(ctx)
		require.NoError(t, err)
		defer sub.Close()

		result, err := c.Publish(ctx, &event.Template{Kind: 1, Content: "cached"}, nil, "feed")
		require.NoError(t, err)

		select {
		case ev := <-sub.Events():
			assert.Equal(t, "feed", ev.Key)
			assert.Equal(t, []string{result.EventID}, ev.IDs)
		case <-ctx.Done():
			t.Fatal("no cache event received")
		}
	})
}
