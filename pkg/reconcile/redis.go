package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache shared through Redis. Each cache key is a hash whose
// fields are event ids and whose values are JSON entries. Every change is
// announced on the namespace's cache events channel.
type RedisCache struct {
	rdb       *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisCache creates a cache in namespace. A positive ttl expires keys
// that have not been written for that long.
func NewRedisCache(redisOpts *redis.Options, namespace string, ttl time.Duration) (*RedisCache, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &RedisCache{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
		ttl:       ttl,
	}, nil
}

// NewRedisCacheFromURL parses a redis:// URL and creates a cache.
func NewRedisCacheFromURL(url, namespace string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return NewRedisCache(opts, namespace, ttl)
}

// Close closes the Redis connection. Implements io.Closer.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) ([]Entry, error) {
	hash, err := c.rdb.HGetAll(ctx, CacheKey(c.namespace, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache from Redis: %w", err)
	}

	entries, err := hashToEntries(hash)
	if err != nil {
		return nil, err
	}

	sortEntries(entries)
	return entries, nil
}

func hashToEntries(hash map[string]string) ([]Entry, error) {
	entries := make([]Entry, 0, len(hash))
	for id, raw := range hash {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to deserialize cache entry %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Merge implements Cache.
func (c *RedisCache) Merge(ctx context.Context, key string, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	fields, err := entriesToHash(entries)
	if err != nil {
		return err
	}

	redisKey := CacheKey(c.namespace, key)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisKey, fields)
		if c.ttl > 0 {
			pipe.Expire(ctx, redisKey, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write cache to Redis: %w", err)
	}

	return c.publish(ctx, CacheEvent{Key: key, Op: OpMerge, IDs: entryIDs(entries), At: time.Now()})
}

// Replace implements Cache. The delete and rewrite run in one MULTI block so
// readers never observe a partial set.
func (c *RedisCache) Replace(ctx context.Context, key string, entries []Entry) error {
	fields, err := entriesToHash(entries)
	if err != nil {
		return err
	}

	redisKey := CacheKey(c.namespace, key)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		if len(fields) > 0 {
			pipe.HSet(ctx, redisKey, fields)
			if c.ttl > 0 {
				pipe.Expire(ctx, redisKey, c.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace cache in Redis: %w", err)
	}

	return c.publish(ctx, CacheEvent{Key: key, Op: OpReplace, IDs: entryIDs(entries), At: time.Now()})
}

// maxSettleRetries bounds optimistic-lock retries of ReplaceCanonical.
const maxSettleRetries = 10

// ReplaceCanonical implements Cache. The key is WATCHed while its current
// entries are read, so a Merge from any process between the read and the
// rewrite aborts the transaction and the settle is retried.
func (c *RedisCache) ReplaceCanonical(ctx context.Context, key string, canonical []Entry) (int, error) {
	redisKey := CacheKey(c.namespace, key)

	var (
		entries []Entry
		kept    int
	)
	settleTx := func(tx *redis.Tx) error {
		hash, err := tx.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return fmt.Errorf("failed to read cache from Redis: %w", err)
		}
		current, err := hashToEntries(hash)
		if err != nil {
			return err
		}

		entries, kept = settle(current, canonical)
		fields, err := entriesToHash(entries)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, redisKey)
			if len(fields) > 0 {
				pipe.HSet(ctx, redisKey, fields)
				if c.ttl > 0 {
					pipe.Expire(ctx, redisKey, c.ttl)
				}
			}
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxSettleRetries; i++ {
		err = c.rdb.Watch(ctx, settleTx, redisKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to replace cache in Redis: %w", err)
	}

	return kept, c.publish(ctx, CacheEvent{Key: key, Op: OpReplace, IDs: entryIDs(entries), At: time.Now()})
}

func (c *RedisCache) publish(ctx context.Context, ev CacheEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal cache event: %w", err)
	}

	if err := c.rdb.Publish(ctx, CacheEventsChannel(c.namespace), data).Err(); err != nil {
		return fmt.Errorf("failed to publish cache event: %w", err)
	}
	return nil
}

func entriesToHash(entries []Entry) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize cache entry %s: %w", e.ID, err)
		}
		fields[e.ID] = string(data)
	}
	return fields, nil
}

// Subscription represents an active Pub/Sub subscription to cache events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *CacheEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of cache events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *CacheEvent {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeCacheEvents subscribes to cache changes in this namespace.
// Context cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 10). Redis Pub/Sub is
// at-most-once, so a slow subscriber may miss events.
func (c *RedisCache) SubscribeCacheEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, CacheEventsChannel(c.namespace))

	// Wait for the subscription to be confirmed so no event published after
	// this call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to cache events: %w", err)
	}

	eventsChan := make(chan *CacheEvent, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev CacheEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal cache event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
