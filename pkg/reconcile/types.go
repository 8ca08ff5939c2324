package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Entry is one cached event reference. Local entries were published by this
// process and have not yet been seen in an authoritative relay query.
type Entry struct {
	ID        string          `json:"id"`
	CreatedAt nostr.Timestamp `json:"created_at"`
	Local     bool            `json:"local"`
	Event     *nostr.Event    `json:"event,omitempty"`
}

// NewEntry builds an entry for ev.
func NewEntry(ev *nostr.Event, local bool) Entry {
	return Entry{ID: ev.ID, CreatedAt: ev.CreatedAt, Local: local, Event: ev}
}

// CacheOp names the kind of change a CacheEvent reports.
type CacheOp string

const (
	OpMerge   CacheOp = "merge"
	OpReplace CacheOp = "replace"
)

// CacheEvent is a change notification for one cache key.
type CacheEvent struct {
	Key string    `json:"key"`
	Op  CacheOp   `json:"op"`
	IDs []string  `json:"ids"`
	At  time.Time `json:"at"`
}

// Cache stores entries per key. Implementations are safe for concurrent use.
type Cache interface {
	// Get returns the entries under key, newest first. A missing key is empty.
	Get(ctx context.Context, key string) ([]Entry, error)

	// Merge adds or overwrites entries by id.
	Merge(ctx context.Context, key string, entries ...Entry) error

	// Replace swaps the whole entry set of key atomically.
	Replace(ctx context.Context, key string, entries []Entry) error

	// ReplaceCanonical atomically swaps the entries of key for canonical,
	// keeping every local entry whose id canonical lacks, including ones
	// merged after the caller last read key. Returns the number kept.
	ReplaceCanonical(ctx context.Context, key string, canonical []Entry) (int, error)
}

// ReconcileError reports a failed reconciliation. It is logged, never retried.
type ReconcileError struct {
	Key string
	Err error
}

// Error implements the error interface
func (e *ReconcileError) Error() string {
	return fmt.Sprintf("failed to reconcile %q: %v", e.Key, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *ReconcileError) Unwrap() error {
	return e.Err
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt != entries[j].CreatedAt {
			return entries[i].CreatedAt > entries[j].CreatedAt
		}
		return entries[i].ID < entries[j].ID
	})
}

func entryIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// settle merges canonical with the local entries of current that canonical
// does not contain.
func settle(current, canonical []Entry) ([]Entry, int) {
	seen := make(map[string]bool, len(canonical))
	entries := make([]Entry, 0, len(canonical)+len(current))
	for _, e := range canonical {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		entries = append(entries, e)
	}

	kept := 0
	for _, e := range current {
		if e.Local && !seen[e.ID] {
			seen[e.ID] = true
			entries = append(entries, e)
			kept++
		}
	}
	return entries, kept
}
