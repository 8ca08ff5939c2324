// Package reconcile keeps a read cache of published events consistent with
// what relays actually hold.
//
// A publish is merged into the cache immediately so the publisher reads its
// own write. After a grace delay the authoritative set for the cache key is
// fetched from the relays and replaces the cache, except that local entries
// the relays do not yet report are re-appended rather than dropped.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/dyluth/herald/pkg/relay"
)

// DefaultDelay is the grace period between a publish and its reconciliation.
const DefaultDelay = 5 * time.Second

// ErrClosed is returned by a closed Reconciler.
var ErrClosed = errors.New("reconciler closed")

// Fetcher runs authoritative queries. *connection.Supervisor implements it.
type Fetcher interface {
	FetchMany(ctx context.Context, filter nostr.Filter) (*relay.Stream, error)
}

// Options configures a Reconciler.
type Options struct {
	// Delay before a scheduled reconciliation runs. Zero means DefaultDelay.
	Delay  time.Duration
	Logger zerolog.Logger
}

// Reconciler merges published events into a Cache and later reconciles the
// cache against the relays.
type Reconciler struct {
	cache   Cache
	fetcher Fetcher
	delay   time.Duration
	logger  zerolog.Logger

	// ctx bounds scheduled reconciliations; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	filters  map[string]nostr.Filter
	keyLocks map[string]*keyLock
	closed   bool
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Reconciler.
func New(cache Cache, fetcher Fetcher, opts Options) *Reconciler {
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cache:    cache,
		fetcher:  fetcher,
		delay:    opts.Delay,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		filters:  make(map[string]nostr.Filter),
		keyLocks: make(map[string]*keyLock),
	}
}

// Register sets the query that produces the authoritative set for key.
func (r *Reconciler) Register(key string, filter nostr.Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[key] = filter
}

// OnPublished merges ev into key as a local entry and schedules one
// reconciliation of key after the grace delay.
func (r *Reconciler) OnPublished(ctx context.Context, ev *nostr.Event, key string) error {
	if err := r.cache.Merge(ctx, key, NewEntry(ev, true)); err != nil {
		return err
	}

	r.logger.Debug().Str("cache_key", key).Str("event_id", ev.ID).Msg("Cached published event")
	return r.schedule(key)
}

func (r *Reconciler) schedule(key string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(r.delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-r.ctx.Done():
			return
		}

		if err := r.Reconcile(r.ctx, key); err != nil && r.ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("cache_key", key).Msg("Reconciliation failed")
		}
	}()
	return nil
}

// Reconcile replaces the entries of key with the relays' authoritative set,
// keeping local entries the relays did not return. Reconciliations of one key
// run one at a time. Publishes are not blocked: entries merged while the
// relays are queried survive because the cache settles them atomically.
// Running it again with the same relay state leaves the cache unchanged.
func (r *Reconciler) Reconcile(ctx context.Context, key string) error {
	unlock := r.lockKey(key)
	defer unlock()

	current, err := r.cache.Get(ctx, key)
	if err != nil {
		return &ReconcileError{Key: key, Err: err}
	}

	filter, ok := r.filter(key, current)
	if !ok {
		return nil
	}

	stream, err := r.fetcher.FetchMany(ctx, filter)
	if err != nil {
		return &ReconcileError{Key: key, Err: err}
	}
	events, err := stream.Collect()
	if err != nil {
		return &ReconcileError{Key: key, Err: err}
	}

	canonical := make([]Entry, 0, len(events))
	for _, ev := range events {
		canonical = append(canonical, NewEntry(ev, false))
	}

	kept, err := r.cache.ReplaceCanonical(ctx, key, canonical)
	if err != nil {
		return &ReconcileError{Key: key, Err: err}
	}

	r.logger.Debug().
		Str("cache_key", key).
		Int("canonical", len(canonical)).
		Int("local_only", kept).
		Msg("Cache reconciled")
	return nil
}

// lockKey serializes reconciliations of key and returns the unlock func.
func (r *Reconciler) lockKey(key string) func() {
	r.mu.Lock()
	kl, ok := r.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		r.keyLocks[key] = kl
	}
	kl.refs++
	r.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()

		r.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(r.keyLocks, key)
		}
		r.mu.Unlock()
	}
}

// filter returns the registered query for key, or an id query over the local
// entries when key was never registered.
func (r *Reconciler) filter(key string, current []Entry) (nostr.Filter, bool) {
	r.mu.Lock()
	f, ok := r.filters[key]
	r.mu.Unlock()
	if ok {
		return f, true
	}

	var ids []string
	for _, e := range current {
		if e.Local {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) == 0 {
		return nostr.Filter{}, false
	}
	return nostr.Filter{IDs: ids}, true
}

// Entries returns the cached entries of key, newest first.
func (r *Reconciler) Entries(ctx context.Context, key string) ([]Entry, error) {
	return r.cache.Get(ctx, key)
}

// Close cancels pending reconciliations and waits for running ones.
// Implements io.Closer.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}
