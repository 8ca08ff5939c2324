package feed

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/herald/pkg/event"
	"github.com/dyluth/herald/pkg/reconcile"
	"github.com/dyluth/herald/pkg/relay"
)

func TestFormatContent(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"empty content", "", "-"},
		{"short single line", "gm", "gm"},
		{"exactly 40 chars", strings.Repeat("a", 40), strings.Repeat("a", 40)},
		{"41 chars - should truncate", strings.Repeat("a", 41), strings.Repeat("a", 37) + "..."},
		{"multi-line - first line only", "First line\nSecond line", "First line"},
		{"leading/trailing whitespace", "  \n  hello world  \n  ", "hello world"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatContent(tt.content))
		})
	}
}

func TestFormatKind(t *testing.T) {
	assert.Equal(t, "note", formatKind(1))
	assert.Equal(t, "comment", formatKind(1111))
	assert.Equal(t, "9735", formatKind(9735))
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "5s ago", formatAge(5*time.Second))
	assert.Equal(t, "3m ago", formatAge(3*time.Minute))
	assert.Equal(t, "2h ago", formatAge(2*time.Hour))
	assert.Equal(t, "4d ago", formatAge(100*time.Hour))
	assert.Equal(t, "0s ago", formatAge(-time.Second))
	assert.Equal(t, "-", formatTimestamp(0))
}

func signed(t *testing.T, content string, ts nostr.Timestamp) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{Kind: 1, Content: content, CreatedAt: ts, Tags: nostr.Tags{}}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))
	return ev
}

func TestFormatTable(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Equal(t, 0, FormatTable(&buf, nil))
		assert.Contains(t, buf.String(), "No events found")
	})

	t.Run("rows", func(t *testing.T) {
		ev := signed(t, "hello relays", nostr.Now())
		var buf bytes.Buffer
		assert.Equal(t, 1, FormatTable(&buf, []*nostr.Event{ev}))

		out := buf.String()
		assert.Contains(t, out, ev.ID[:8])
		assert.Contains(t, out, "note")
		assert.Contains(t, out, "hello relays")
		assert.Contains(t, out, "1 event found")
	})
}

func TestFormatJSONL(t *testing.T) {
	a := signed(t, "a", 1000)
	b := signed(t, "b", 2000)

	var buf bytes.Buffer
	require.NoError(t, FormatJSONL(&buf, []*nostr.Event{a, b}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for i, want := range []*nostr.Event{a, b} {
		got, err := event.Decode([]byte(lines[i]))
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
	}
}

func TestFormatEndpoints(t *testing.T) {
	var buf bytes.Buffer
	FormatEndpoints(&buf, []relay.EndpointStatus{
		{URL: "wss://a.example", Connected: true, LastAck: time.Now()},
		{URL: "wss://b.example", LastError: "connection refused"},
	})

	out := buf.String()
	assert.Contains(t, out, "wss://a.example")
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "1 of 2 relays connected")
}

func TestFormatEntries(t *testing.T) {
	ev := signed(t, "cached", nostr.Now())

	var buf bytes.Buffer
	FormatEntries(&buf, "thread", []reconcile.Entry{reconcile.NewEntry(ev, true)})
	assert.Contains(t, buf.String(), "local")
	assert.Contains(t, buf.String(), "cached")

	buf.Reset()
	FormatEntries(&buf, "thread", nil)
	assert.Contains(t, buf.String(), "No cached events for 'thread'")
}

// staticFetcher serves a fixed set of events.
type staticFetcher struct {
	events []*nostr.Event
	err    error
}

func (s *staticFetcher) FetchOne(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.events) == 0 {
		return nil, nil
	}
	return s.events[0], nil
}

func (s *staticFetcher) FetchMany(ctx context.Context, filter nostr.Filter) (*relay.Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return relay.StreamOf(ctx, s.events...), nil
}

func TestListEvents(t *testing.T) {
	ctx := context.Background()
	older := signed(t, "older", 1000)
	newer := signed(t, "newer", 2000)
	f := &staticFetcher{events: []*nostr.Event{newer, older}}

	t.Run("jsonl is chronological", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, ListEvents(ctx, f, nostr.Filter{}, OutputFormatJSONL, &buf))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[0], older.ID)
		assert.Contains(t, lines[1], newer.ID)
	})

	t.Run("unknown format", func(t *testing.T) {
		err := ListEvents(ctx, f, nostr.Filter{}, OutputFormat("xml"), &bytes.Buffer{})
		assert.ErrorContains(t, err, "unknown output format")
	})

	t.Run("relay failure", func(t *testing.T) {
		err := ListEvents(ctx, &staticFetcher{err: relay.ErrNoConnectedRelays}, nostr.Filter{}, OutputFormatDefault, &bytes.Buffer{})
		assert.True(t, errors.Is(err, relay.ErrNoConnectedRelays))
	})
}

func TestGetEvent(t *testing.T) {
	ctx := context.Background()
	ev := signed(t, "found", 1000)

	var buf bytes.Buffer
	require.NoError(t, GetEvent(ctx, &staticFetcher{events: []*nostr.Event{ev}}, nostr.Filter{IDs: []string{ev.ID}}, &buf))
	assert.Contains(t, buf.String(), `"content": "found"`)

	err := GetEvent(ctx, &staticFetcher{}, nostr.Filter{IDs: []string{"missing"}}, &buf)
	assert.True(t, IsNotFound(err))
}
