// Package watchcache implements the Watch-Driven Cache (spec §4.5,
// component C5): a generic, prefix-scoped, read-through local cache kept
// current by a KV watch and by acknowledged local writes.
package watchcache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mrofi/vertx-consul-clustermanager/internal/keys"
)

// Decoder decodes the raw bytes of one KV entry into a value. A decode
// failure is logged and the entry is treated as absent — it never poisons
// the rest of the cache (§4.5, §7 DecodeError, §8 property 7).
type Decoder[V any] func(raw []byte) (V, error)

// Gateway is the slice of consulkv.Gateway the cache needs to watch its
// prefix.
type Gateway interface {
	WatchPrefix(ctx context.Context, prefix string, handler func(prev, next map[string][]byte)) error
}

// Cache holds a concurrent map from the trailing key segment to the
// decoded value, kept current by a watch on prefix plus synchronous
// updates from local writes.
type Cache[V any] struct {
	prefix  string
	decode  Decoder[V]
	log     *zap.Logger
	segment func(key string) string

	mu   sync.RWMutex
	data map[string]V
}

// New constructs an empty cache for prefix. segment extracts the map key
// from a full KV key; pass keys.TrailingSegment for the default "last
// path component" rule, or a custom extractor for layouts (like the
// multimap's) keyed differently.
func New[V any](prefix string, decode Decoder[V], segment func(string) string, logger *zap.Logger) *Cache[V] {
	if segment == nil {
		segment = keys.TrailingSegment
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache[V]{
		prefix:  prefix,
		decode:  decode,
		segment: segment,
		log:     logger.With(zap.String("component", "watchcache"), zap.String("prefix", prefix)),
		data:    make(map[string]V),
	}
}

// Run subscribes to the prefix watch and blocks until ctx is cancelled,
// applying each snapshot diff to the cache. Run should be started in its
// own goroutine.
func (c *Cache[V]) Run(ctx context.Context, gw Gateway) error {
	return gw.WatchPrefix(ctx, c.prefix, c.applyDiff)
}

func (c *Cache[V]) applyDiff(prev, next map[string][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, raw := range next {
		seg := c.segment(key)
		v, err := c.decode(raw)
		if err != nil {
			c.log.Warn("decode failed, treating entry as absent", zap.String("key", key), zap.Error(err))
			continue
		}
		c.data[seg] = v
	}
	for key := range prev {
		if _, stillPresent := next[key]; !stillPresent {
			delete(c.data, c.segment(key))
		}
	}
}

// Get is a non-blocking read (§5: cache reads never suspend).
func (c *Cache[V]) Get(segment string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[segment]
	return v, ok
}

// Snapshot returns a shallow copy of every cached entry.
func (c *Cache[V]) Snapshot() map[string]V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]V, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// PutLocal updates the cache synchronously after a locally-acknowledged
// put, ensuring read-your-writes ahead of the next watch delivery for the
// same key (§4.5 local-write path, §8 property 6). A later watch update
// for the same key is idempotent.
func (c *Cache[V]) PutLocal(segment string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[segment] = v
}

// DeleteLocal removes segment from the cache synchronously after a
// locally-acknowledged delete.
func (c *Cache[V]) DeleteLocal(segment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, segment)
}
