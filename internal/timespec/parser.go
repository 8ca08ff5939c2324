package timespec

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Parse parses a time specification into an event timestamp (Unix seconds).
// Supports three formats:
//   - Go duration format: "1h", "30m", "1h30m", relative to now ("1h" means 1 hour ago)
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//   - Unix seconds: "1730206800"
func Parse(spec string) (nostr.Timestamp, error) {
	return parseAt(spec, time.Now())
}

func parseAt(spec string, now time.Time) (nostr.Timestamp, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return nostr.Timestamp(t.Unix()), nil
	}

	if secs, err := strconv.ParseInt(spec, 10, 64); err == nil && secs > 0 {
		return nostr.Timestamp(secs), nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return nostr.Timestamp(now.Add(-d).Unix()), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use duration like '1h30m', RFC3339 like '2025-10-29T13:00:00Z' or unix seconds)", spec)
}

// ParseRange parses both --since and --until flags into filter bounds.
// A nil bound means "no bound" for that end of the range.
//
// Validates that since < until if both are specified.
func ParseRange(since, until string) (*nostr.Timestamp, *nostr.Timestamp, error) {
	var sinceTS, untilTS *nostr.Timestamp

	if since != "" {
		ts, err := Parse(since)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --since: %w", err)
		}
		sinceTS = &ts
	}

	if until != "" {
		ts, err := Parse(until)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --until: %w", err)
		}
		untilTS = &ts
	}

	if sinceTS != nil && untilTS != nil && *sinceTS >= *untilTS {
		return nil, nil, fmt.Errorf("--since must be before --until")
	}

	return sinceTS, untilTS, nil
}
