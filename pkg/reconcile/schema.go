package reconcile

import "fmt"

// Redis key pattern helpers
//
// Keys and channels are namespaced so several herald deployments can share
// one Redis server.
//
// Key pattern: herald:{namespace}:cache:{cache_key}
// Channel pattern: herald:{namespace}:cache_events

// CacheKey returns the Redis hash holding the entries of one cache key.
func CacheKey(namespace, key string) string {
	return fmt.Sprintf("herald:%s:cache:%s", namespace, key)
}

// CacheEventsChannel returns the Pub/Sub channel carrying cache changes.
func CacheEventsChannel(namespace string) string {
	return fmt.Sprintf("herald:%s:cache_events", namespace)
}
