// Package memo holds per-key caches that sit in front of a fetch operation, so
// repeated runs over overlapping keys do not hit the remote source twice.
package memo

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
)

// ErrMiss is returned by a cache that has neither the key nor a fallback.
var ErrMiss = errors.New("key not cached and no fallback is configured")

// Fetcher retrieves a value by key. Caches implement it and accept another
// Fetcher as their fallback, so layers can be chained.
type Fetcher[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	Close() error
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

func (f FetcherFunc[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	return f(ctx, key)
}

func (f FetcherFunc[K, V]) Close() error {
	return nil
}

// FromOperation wraps a fetch operation so it can be used as a cache fallback.
func FromOperation[K comparable](op fetch.Operation[K]) Fetcher[K, table.Table] {
	return FetcherFunc[K, table.Table](op)
}

// Operation exposes a Fetcher of tables as a fetch operation.
func Operation[K comparable](f Fetcher[K, table.Table]) fetch.Operation[K] {
	return func(ctx context.Context, key K) (table.Table, error) {
		return f.Fetch(ctx, key)
	}
}
