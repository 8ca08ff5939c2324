// Package app wires configuration into a ready-to-use relay client. It is the
// boundary between the library packages and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/dyluth/herald/internal/config"
	"github.com/dyluth/herald/internal/health"
	"github.com/dyluth/herald/pkg/connection"
	"github.com/dyluth/herald/pkg/event"
	"github.com/dyluth/herald/pkg/publish"
	"github.com/dyluth/herald/pkg/reconcile"
	"github.com/dyluth/herald/pkg/relay"
	"github.com/dyluth/herald/pkg/signer"
)

// ErrNoCacheEvents is returned when cache change notifications are requested
// from a backend that does not publish them.
var ErrNoCacheEvents = errors.New("cache change events require the redis backend")

// Options overrides parts of the wiring, mainly for tests.
type Options struct {
	Logger zerolog.Logger
	// Dialer defaults to a websocket dialer.
	Dialer relay.Dialer
	// Provider defaults to the configured key file followed by the
	// configured environment variable.
	Provider signer.Provider
}

// Status is a snapshot of the client's connection.
type Status struct {
	State   connection.State       `json:"state"`
	Attempt int                    `json:"attempt"`
	Relays  []relay.EndpointStatus `json:"relays"`
}

// Client is one supervised relay connection with a publisher and a read
// cache on top.
type Client struct {
	cfg        *config.HeraldConfig
	logger     zerolog.Logger
	supervisor *connection.Supervisor
	publisher  *publish.Publisher
	cache      reconcile.Cache
	redis      *reconcile.RedisCache
	reconciler *reconcile.Reconciler
}

// New builds a client from a validated configuration. Nothing is dialled
// until the first operation that needs a connection.
func New(cfg *config.HeraldConfig, opts Options) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := opts.Logger
	provider := opts.Provider
	if provider == nil {
		provider = defaultProvider(cfg, logger)
	}

	c := &Client{cfg: cfg, logger: logger}

	switch cfg.Cache.Backend {
	case config.CacheRedis:
		rc, err := reconcile.NewRedisCacheFromURL(cfg.Cache.RedisURL, cfg.Cache.Namespace, cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis cache: %w", err)
		}
		c.cache = rc
		c.redis = rc
	default:
		c.cache = reconcile.NewMemoryCache(cfg.Cache.TTL)
	}

	pool := relay.NewPool(relay.Options{
		Dialer: opts.Dialer,
		Logger: logger.With().Str("component", "pool").Logger(),
	})

	c.supervisor = connection.New(pool, provider, connection.Options{
		Relays:         cfg.Relays,
		Retry:          cfg.RetryPolicy(),
		ConnectTimeout: cfg.Connection.ConnectTimeout,
		Logger:         logger.With().Str("component", "supervisor").Logger(),
	})

	c.publisher = publish.New(c.supervisor, publish.Options{
		Timeout: cfg.Publish.Timeout,
		Logger:  logger.With().Str("component", "publisher").Logger(),
	})

	c.reconciler = reconcile.New(c.cache, c.supervisor, reconcile.Options{
		Delay:  cfg.Reconcile.Delay,
		Logger: logger.With().Str("component", "reconciler").Logger(),
	})

	return c, nil
}

func defaultProvider(cfg *config.HeraldConfig, logger zerolog.Logger) signer.Provider {
	keyFile := cfg.Signer.KeyFile
	if keyFile == "" {
		keyFile = signer.DefaultKeyFile
	}
	return signer.Chain{
		&signer.KeyFileProvider{
			Path:        keyFile,
			GracePeriod: cfg.Signer.GracePeriod,
			Logger:      logger,
		},
		&signer.EnvProvider{
			Var:    cfg.Signer.KeyEnv,
			Logger: logger,
		},
	}
}

// Connect brings the relay pool up, retrying per the configured policy.
func (c *Client) Connect(ctx context.Context) error {
	return c.supervisor.Connect(ctx)
}

// Status reports the connection state and every endpoint.
func (c *Client) Status() Status {
	return Status{
		State:   c.supervisor.State(),
		Attempt: c.supervisor.Attempt(),
		Relays:  c.supervisor.Status(),
	}
}

// Supervisor exposes the connection supervisor, e.g. for health reporting.
func (c *Client) Supervisor() *connection.Supervisor {
	return c.supervisor
}

// Publish builds, signs and publishes an event from tmpl. When cacheKey is
// set and the publish succeeded, the event is merged into the read cache
// under that key and a reconciliation is scheduled. Cache failures are
// logged and never fail the publish.
func (c *Client) Publish(ctx context.Context, tmpl *event.Template, placeholders event.Placeholders, cacheKey string) (*publish.Result, error) {
	result, err := c.publisher.Publish(ctx, tmpl, placeholders)
	if err != nil {
		return result, err
	}

	if cacheKey != "" {
		if err := c.reconciler.OnPublished(ctx, result.Event, cacheKey); err != nil {
			c.logger.Warn().Err(err).
				Str("event_id", result.EventID).
				Str("cache_key", cacheKey).
				Msg("Failed to record published event in cache")
		}
	}

	return result, nil
}

// Register associates a cache key with the filter that reconciles it.
func (c *Client) Register(key string, filter nostr.Filter) {
	c.reconciler.Register(key, filter)
}

// Entries returns the cached entries for key, newest first.
func (c *Client) Entries(ctx context.Context, key string) ([]reconcile.Entry, error) {
	return c.reconciler.Entries(ctx, key)
}

// Reconcile replaces the cache for key with what the relays report now.
func (c *Client) Reconcile(ctx context.Context, key string) error {
	return c.reconciler.Reconcile(ctx, key)
}

// Fetch streams events matching filter from every connected relay.
func (c *Client) Fetch(ctx context.Context, filter nostr.Filter) (*relay.Stream, error) {
	return c.supervisor.FetchMany(ctx, filter)
}

// FetchOne returns the newest event matching filter, or nil.
func (c *Client) FetchOne(ctx context.Context, filter nostr.Filter) (*nostr.Event, error) {
	return c.supervisor.FetchOne(ctx, filter)
}

// SubscribeCacheEvents streams read-cache changes. Only the redis backend
// publishes them.
func (c *Client) SubscribeCacheEvents(ctx context.Context) (*reconcile.Subscription, error) {
	if c.redis == nil {
		return nil, ErrNoCacheEvents
	}
	return c.redis.SubscribeCacheEvents(ctx)
}

// HealthChecks returns the dependency probes for the health endpoint.
func (c *Client) HealthChecks() []health.Check {
	if c.redis == nil {
		return nil
	}
	return []health.Check{{Name: "redis", Run: c.redis.Ping}}
}

// Close stops scheduled reconciliations, closes every relay session and
// releases the cache.
func (c *Client) Close() error {
	var errs []error
	if err := c.reconciler.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.supervisor.Close(); err != nil {
		errs = append(errs, err)
	}
	if closer, ok := c.cache.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
