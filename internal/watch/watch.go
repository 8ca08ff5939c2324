package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dyluth/herald/pkg/reconcile"
)

// PollInterval is how often PollForEvent queries the relays.
const PollInterval = 200 * time.Millisecond

// EventFetcher looks up a single event. *connection.Supervisor implements it.
type EventFetcher interface {
	FetchOne(ctx context.Context, filter nostr.Filter) (*nostr.Event, error)
}

// PollForEvent polls the relays until an event with eventID is returned.
// Returns the event or an error if timeout occurs.
// Query errors are retried until the timeout; the last one is reported.
func PollForEvent(ctx context.Context, f EventFetcher, eventID string, timeout time.Duration) (*nostr.Event, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)
	filter := nostr.Filter{IDs: []string{eventID}}

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			if lastErr != nil {
				return nil, fmt.Errorf("timeout waiting for event after %v: %w", timeout, lastErr)
			}
			return nil, fmt.Errorf("timeout waiting for event after %v", timeout)

		case <-ticker.C:
			ev, err := f.FetchOne(ctx, filter)
			if err != nil {
				lastErr = err
				continue
			}
			if ev == nil {
				// Not visible yet, continue polling
				continue
			}
			return ev, nil
		}
	}
}

// OutputFormat selects how cache events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSONL   OutputFormat = "jsonl"
)

// StreamCacheEvents writes every event of sub to w until ctx is cancelled or
// the subscription ends. Subscription errors are written as warnings and do
// not stop the stream. When key is non-empty only that cache key is shown.
func StreamCacheEvents(ctx context.Context, sub *reconcile.Subscription, key string, format OutputFormat, w io.Writer) error {
	events := sub.Events()
	errs := sub.Errors()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  %v\n", err)

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if key != "" && ev.Key != key {
				continue
			}
			if err := writeCacheEvent(w, ev, format); err != nil {
				return err
			}
		}
	}
}

func writeCacheEvent(w io.Writer, ev *reconcile.CacheEvent, format OutputFormat) error {
	if format == OutputFormatJSONL {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal cache event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	_, err := fmt.Fprintln(w, FormatCacheEvent(ev))
	return err
}

// FormatCacheEvent renders a cache event as one human-readable line.
func FormatCacheEvent(ev *reconcile.CacheEvent) string {
	ids := make([]string, len(ev.IDs))
	for i, id := range ev.IDs {
		if len(id) > 8 {
			id = id[:8]
		}
		ids[i] = id
	}

	switch ev.Op {
	case reconcile.OpMerge:
		return fmt.Sprintf("📝 Cached: key=%s ids=[%s]", ev.Key, strings.Join(ids, ", "))
	case reconcile.OpReplace:
		return fmt.Sprintf("🔄 Reconciled: key=%s entries=%d", ev.Key, len(ev.IDs))
	default:
		return fmt.Sprintf("❓ %s: key=%s", ev.Op, ev.Key)
	}
}
