package memo

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// pending is a fallback fetch in progress. value and err are written once,
// before done is closed.
type pending[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Stats counts how Fetch calls were served.
type Stats struct {
	Hits   int64 // served from memory
	Misses int64 // went to the fallback
	Shared int64 // waited on another caller's fallback fetch for the same key
}

// InMemoryLRUCache keeps at most maxSize values and evicts the least recently
// used one. Misses go to the fallback; concurrent misses for the same key
// share a single fallback call.
type InMemoryLRUCache[K comparable, V any] struct {
	maxSize  int
	fallback Fetcher[K, V]

	mu       sync.Mutex
	order    *list.List
	index    map[K]*list.Element
	inflight map[K]*pending[V]
	stats    Stats
}

// NewInMemoryLRUCache creates an LRU cache holding at most maxSize values.
// fallback may be nil, in which case misses return ErrMiss.
func NewInMemoryLRUCache[K comparable, V any](maxSize int, fallback Fetcher[K, V]) (*InMemoryLRUCache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0, got %d", maxSize)
	}
	return &InMemoryLRUCache[K, V]{
		maxSize:  maxSize,
		fallback: fallback,
		order:    list.New(),
		index:    make(map[K]*list.Element),
		inflight: make(map[K]*pending[V]),
	}, nil
}

// Fetch returns the cached value for key or loads it from the fallback.
// Fallback errors are returned unchanged and nothing is cached for them.
func (c *InMemoryLRUCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	for {
		c.mu.Lock()
		if elem, ok := c.index[key]; ok {
			c.order.MoveToFront(elem)
			c.stats.Hits++
			c.mu.Unlock()
			return elem.Value.(*entry[K, V]).value, nil
		}
		if p, ok := c.inflight[key]; ok {
			c.stats.Shared++
			c.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return zero, context.Cause(ctx)
			}
			// The leader's own cancellation says nothing about this caller.
			if isContextErr(p.err) && ctx.Err() == nil {
				continue
			}
			return p.value, p.err
		}
		if c.fallback == nil {
			c.stats.Misses++
			c.mu.Unlock()
			return zero, fmt.Errorf("key '%v': %w", key, ErrMiss)
		}
		p := &pending[V]{done: make(chan struct{})}
		c.inflight[key] = p
		c.stats.Misses++
		c.mu.Unlock()

		return c.load(ctx, key, p)
	}
}

func (c *InMemoryLRUCache[K, V]) load(ctx context.Context, key K, p *pending[V]) (V, error) {
	value, err := c.fallback.Fetch(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
	if err == nil {
		c.store(key, value)
	}
	p.value, p.err = value, err
	close(p.done)
	return value, err
}

// store must be called with mu held.
func (c *InMemoryLRUCache[K, V]) store(key K, value V) {
	if elem, ok := c.index[key]; ok {
		elem.Value.(*entry[K, V]).value = value
		c.order.MoveToFront(elem)
		return
	}
	c.index[key] = c.order.PushFront(&entry[K, V]{key: key, value: value})
	for c.order.Len() > c.maxSize {
		oldest := c.order.Remove(c.order.Back()).(*entry[K, V])
		delete(c.index, oldest.key)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Len returns the number of cached values.
func (c *InMemoryLRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the hit and miss counters.
func (c *InMemoryLRUCache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Invalidate drops key from the cache. A fetch already in flight for key
// still stores its result.
func (c *InMemoryLRUCache[K, V]) Invalidate(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[key]; ok {
		c.order.Remove(elem)
		delete(c.index, key)
	}
	return nil
}

// Close closes the fallback.
func (c *InMemoryLRUCache[K, V]) Close() error {
	if c.fallback == nil {
		return nil
	}
	return c.fallback.Close()
}
