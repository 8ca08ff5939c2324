package feed

import (
	"context"
	"fmt"
	"io"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dyluth/herald/pkg/relay"
)

// OutputFormat specifies how to format fetched events.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with truncated content
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete events as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Fetcher runs relay queries. *connection.Supervisor implements it.
type Fetcher interface {
	FetchOne(ctx context.Context, filter nostr.Filter) (*nostr.Event, error)
	FetchMany(ctx context.Context, filter nostr.Filter) (*relay.Stream, error)
}

// ListEvents queries the relays with filter and writes the results, oldest
// first, in the requested format.
func ListEvents(ctx context.Context, f Fetcher, filter nostr.Filter, format OutputFormat, w io.Writer) error {
	if format != OutputFormatDefault && format != OutputFormatJSONL {
		return fmt.Errorf("unknown output format: %s", format)
	}

	stream, err := f.FetchMany(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to query relays: %w", err)
	}

	events, err := stream.Collect()
	if err != nil {
		return fmt.Errorf("failed to query relays: %w", err)
	}

	// Collect returns newest first; chronological output reads better.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	switch format {
	case OutputFormatJSONL:
		if err := FormatJSONL(w, events); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		FormatTable(w, events)
	}

	return nil
}

// GetEvent fetches the newest event matching filter and writes it as
// pretty-printed JSON. Returns *NotFoundError when no relay has one.
func GetEvent(ctx context.Context, f Fetcher, filter nostr.Filter, w io.Writer) error {
	ev, err := f.FetchOne(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to fetch event: %w", err)
	}
	if ev == nil {
		return &NotFoundError{Filter: filter}
	}

	if err := FormatSingleJSON(w, ev); err != nil {
		return fmt.Errorf("failed to format event: %w", err)
	}
	return nil
}

// NotFoundError reports that no relay returned a matching event.
type NotFoundError struct {
	Filter nostr.Filter
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no event matching %s found", e.Filter.String())
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
