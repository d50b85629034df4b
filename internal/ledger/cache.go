package ledger

import (
	"sync"
	"time"
)

// ttlCache is a small read-through cache. A zero ttl means entries never
// expire (settled matches and resolved names are immutable).
type ttlCache[K comparable, V any] struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[K]ttlEntry[V]
}

type ttlEntry[V any] struct {
	v   V
	exp time.Time
}

func newTTLCache[K comparable, V any](ttl time.Duration) *ttlCache[K, V] {
	return &ttlCache[K, V]{ttl: ttl, m: make(map[K]ttlEntry[V])}
}

func (c *ttlCache[K, V]) get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[k]
	if !ok {
		var zero V
		return zero, false
	}
	if c.ttl > 0 && time.Now().After(e.exp) {
		delete(c.m, k)
		var zero V
		return zero, false
	}
	return e.v, true
}

func (c *ttlCache[K, V]) put(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[k] = ttlEntry[V]{v: v, exp: time.Now().Add(c.ttl)}
}

func (c *ttlCache[K, V]) invalidate(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, k)
}

func (c *ttlCache[K, V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[K]ttlEntry[V])
}
