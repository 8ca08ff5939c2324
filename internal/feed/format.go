package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/dyluth/herald/pkg/reconcile"
	"github.com/dyluth/herald/pkg/relay"
)

// FormatTable writes events as a formatted table to the provided writer.
// The table includes columns: ID, KIND, AUTHOR, AGE and CONTENT (truncated).
// Returns the number of events formatted.
func FormatTable(w io.Writer, events []*nostr.Event) int {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found")
		return 0
	}

	fmt.Fprintf(w, "%-10s %-10s %-10s %-8s %s\n",
		"ID", "KIND", "AUTHOR", "AGE", "CONTENT")
	fmt.Fprintf(w, "%-10s %-10s %-10s %-8s %s\n",
		"----------", "----------", "----------", "--------", "----------------------------------------")

	for _, ev := range events {
		fmt.Fprintf(w, "%-10s %-10s %-10s %-8s %s\n",
			formatID(ev.ID),
			formatKind(ev.Kind),
			formatID(ev.PubKey),
			formatTimestamp(ev.CreatedAt),
			formatContent(ev.Content),
		)
	}

	countMsg := "event"
	if len(events) != 1 {
		countMsg = "events"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(events), countMsg)

	return len(events)
}

// FormatJSONL writes events as line-delimited JSON (JSONL) to the provided writer.
// Each event is written in its wire encoding on its own line.
func FormatJSONL(w io.Writer, events []*nostr.Event) error {
	for _, ev := range events {
		data, err := ev.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to marshal event to JSON: %w", err)
		}

		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}

	return nil
}

// FormatSingleJSON writes a single event as pretty-printed JSON to the provided writer.
func FormatSingleJSON(w io.Writer, ev *nostr.Event) error {
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}

	fmt.Fprintln(w)
	return nil
}

// FormatEndpoints writes relay endpoint status as a table.
func FormatEndpoints(w io.Writer, endpoints []relay.EndpointStatus) {
	if len(endpoints) == 0 {
		fmt.Fprintln(w, "No relays configured")
		return
	}

	fmt.Fprintf(w, "%-40s %-12s %-10s %s\n", "RELAY", "STATE", "LAST ACK", "LAST ERROR")
	fmt.Fprintf(w, "%-40s %-12s %-10s %s\n",
		"----------------------------------------", "------------", "----------", "------------------------------")

	live := 0
	for _, ep := range endpoints {
		state := "down"
		if ep.Connected {
			state = "connected"
			live++
		}

		lastAck := "-"
		if !ep.LastAck.IsZero() {
			lastAck = formatAge(time.Since(ep.LastAck))
		}

		lastErr := ep.LastError
		if lastErr == "" {
			lastErr = "-"
		}

		fmt.Fprintf(w, "%-40s %-12s %-10s %s\n", ep.URL, state, lastAck, formatContent(lastErr))
	}

	fmt.Fprintf(w, "\n%d of %d relays connected\n", live, len(endpoints))
}

// FormatEntries writes read cache entries as a table.
func FormatEntries(w io.Writer, key string, entries []reconcile.Entry) {
	if len(entries) == 0 {
		fmt.Fprintf(w, "No cached events for '%s'\n", key)
		return
	}

	fmt.Fprintf(w, "Cached events for '%s':\n\n", key)
	fmt.Fprintf(w, "%-10s %-8s %-8s %s\n", "ID", "SOURCE", "AGE", "CONTENT")
	fmt.Fprintf(w, "%-10s %-8s %-8s %s\n", "----------", "--------", "--------", "----------------------------------------")

	for _, e := range entries {
		source := "relay"
		if e.Local {
			source = "local"
		}
		content := "-"
		if e.Event != nil {
			content = formatContent(e.Event.Content)
		}
		fmt.Fprintf(w, "%-10s %-8s %-8s %s\n", formatID(e.ID), source, formatTimestamp(e.CreatedAt), content)
	}
}

// formatID truncates ids and keys to the first 8 characters for compact display.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

// formatKind names well-known kinds and prints the rest as numbers.
func formatKind(kind int) string {
	switch kind {
	case 0:
		return "metadata"
	case 1:
		return "note"
	case 3:
		return "contacts"
	case 5:
		return "delete"
	case 6:
		return "repost"
	case 7:
		return "reaction"
	case 1111:
		return "comment"
	case 30023:
		return "article"
	}
	return fmt.Sprintf("%d", kind)
}

// formatContent truncates content to its first non-empty line with max 40 characters.
// Empty content returns "-".
func formatContent(content string) string {
	var firstLine string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			firstLine = trimmed
			break
		}
	}

	if firstLine == "" {
		return "-"
	}

	if len(firstLine) > 40 {
		return firstLine[:37] + "..."
	}
	return firstLine
}

// formatTimestamp formats an event timestamp as relative time like "2m ago".
func formatTimestamp(ts nostr.Timestamp) string {
	if ts == 0 {
		return "-"
	}
	return formatAge(time.Since(ts.Time()))
}

func formatAge(diff time.Duration) string {
	if diff < 0 {
		diff = 0
	}

	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
