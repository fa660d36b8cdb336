package cache

import (
	"strconv"

	"meshsync.org/internal/obs"
	"meshsync.org/internal/token"
)

// Result classifies an entity cache read.
type Result int

const (
	Miss Result = iota
	Hit
	Unauthorized
)

// EntityCache serves entity snapshots behind capability tokens. Population
// follows a populate-once, read-many pattern: the first authorized fetch
// writes the snapshot and mints a token; later reads present the token
// instead of re-querying the permission engine.
//
// Keys embed the version, and Set clears prior variants first, so at most
// one cached copy per logical id is live at any time. A verified token whose
// version no longer matches reads as a miss, which forces the caller back to
// the store of record.
type EntityCache[V any] struct {
	store  *Cache[V]
	signer *token.Signer
	name   string
}

// NewEntityCache wraps store. name labels the cache in metrics.
func NewEntityCache[V any](name string, store *Cache[V], signer *token.Signer) *EntityCache[V] {
	return &EntityCache[V]{store: store, signer: signer, name: name}
}

// Get returns the cached snapshot the token authorizes. Unauthorized when
// the token is invalid or bound to a different entity; Miss when the token
// is fine but no entry for its version is cached. Concurrent misses never
// block each other: callers fetch and re-populate independently and the last
// write wins, the store of record being authoritative.
func (c *EntityCache[V]) Get(entityType, entityID, tok string) (V, Result) {
	var zero V
	payload, ok := c.signer.Verify(tok)
	if !ok {
		return zero, Unauthorized
	}
	if payload.EntityType != entityType || payload.EntityID != entityID {
		return zero, Unauthorized
	}
	v, ok := c.store.Get(entityKey(entityType, entityID, payload.Version))
	if !ok {
		obs.CacheMisses.WithLabelValues(c.name).Inc()
		return zero, Miss
	}
	obs.CacheHits.WithLabelValues(c.name).Inc()
	return v, Hit
}

// Set caches a snapshot at the given version, removing any previous
// version's entry under the same logical id.
func (c *EntityCache[V]) Set(entityType, entityID string, version int, value V) {
	c.store.InvalidateByPrefix(logicalPrefix(entityType, entityID))
	c.store.Set(entityKey(entityType, entityID, version), value)
}

// Invalidate removes every cached variant of the logical id.
func (c *EntityCache[V]) Invalidate(entityType, entityID string) int {
	return c.store.InvalidateByPrefix(logicalPrefix(entityType, entityID))
}

func entityKey(entityType, entityID string, version int) string {
	return logicalPrefix(entityType, entityID) + "v" + strconv.Itoa(version)
}

func logicalPrefix(entityType, entityID string) string {
	return entityType + ":" + entityID + ":"
}
