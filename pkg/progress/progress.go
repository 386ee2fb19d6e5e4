// Package progress provides ready-made fetch.Progress adapters. Each adapter
// forwards every table it receives unchanged and in order.
package progress

import (
	"context"
	"sync/atomic"

	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
	"github.com/rs/zerolog"
)

// Observe builds an adapter that calls fn for every table before forwarding
// it. n is the 1-based completion count.
func Observe(fn func(n int, total int, t table.Table)) fetch.Progress {
	return func(ctx context.Context, in <-chan table.Table, total int) <-chan table.Table {
		out := make(chan table.Table)
		go func() {
			defer close(out)
			n := 0
			for t := range in {
				n++
				fn(n, total, t)
				// The orchestrator drains out until it is closed, so this send
				// never blocks forever.
				out <- t
			}
		}()
		return out
	}
}

// Logging reports progress through logger every `every` completions and once
// at the end of the stream.
func Logging(logger zerolog.Logger, every int) fetch.Progress {
	if every <= 0 {
		every = 1
	}
	logger = logger.With().Str("component", "FetchProgress").Logger()
	return Observe(func(n, total int, t table.Table) {
		if n%every == 0 || n == total {
			logger.Info().Int("completed", n).Int("total", total).Int("rows", t.Len()).Msg("Fetch progress.")
		}
	})
}

// Counter increments count once per completed table and adds its rows to rows.
// Either pointer may be nil.
func Counter(count, rows *atomic.Int64) fetch.Progress {
	return Observe(func(_, _ int, t table.Table) {
		if count != nil {
			count.Add(1)
		}
		if rows != nil {
			rows.Add(int64(t.Len()))
		}
	})
}

// Chain composes adapters so that the first sees the stream first.
func Chain(adapters ...fetch.Progress) fetch.Progress {
	return func(ctx context.Context, in <-chan table.Table, total int) <-chan table.Table {
		stream := in
		for _, a := range adapters {
			if a != nil {
				stream = a(ctx, stream, total)
			}
		}
		return stream
	}
}
