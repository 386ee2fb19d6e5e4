package fetch

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-fetchcache/pkg/table"
)

// ====================================================================================
// This file defines the contracts a Source Adapter supplies to the Orchestrator
// and the per-run options that shape a batch fetch.
// ====================================================================================

// Operation fetches the table for a single key. It may return a transient
// network error (already retried beneath it) or any other error, which aborts
// the run.
type Operation[K any] func(ctx context.Context, key K) (table.Table, error)

// Callback post-processes one completed table before it is counted toward the
// item ceiling and joins the aggregate. Returning an error aborts the run.
type Callback func(ctx context.Context, t table.Table) (table.Table, error)

// Progress observes the stream of completed tables. It receives tables in
// completion order plus a total-count hint, and must forward every table it
// receives, in the same order, then close its output once the input is closed.
type Progress func(ctx context.Context, in <-chan table.Table, total int) <-chan table.Table

// KeyError reports which key of a run failed.
type KeyError struct {
	Index int
	Key   any
	Err   error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("fetch key %v (index %d): %v", e.Key, e.Index, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

type runOptions struct {
	maxConcurrency int
	maxItems       int
	progress       Progress
	callback       Callback
	sortBy         string
	onError        func(*KeyError)
}

// RunOption customizes a single Run.
type RunOption func(*runOptions)

// WithMaxConcurrency overrides the orchestrator's concurrency for one run.
func WithMaxConcurrency(n int) RunOption {
	return func(o *runOptions) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithMaxItems stops submitting new keys once n results have completed.
// Results that complete beyond n are discarded.
func WithMaxItems(n int) RunOption {
	return func(o *runOptions) {
		o.maxItems = n
	}
}

// WithProgress attaches a progress adapter to the completion stream.
func WithProgress(p Progress) RunOption {
	return func(o *runOptions) {
		o.progress = p
	}
}

// WithCallback transforms each completed table before aggregation.
func WithCallback(cb Callback) RunOption {
	return func(o *runOptions) {
		o.callback = cb
	}
}

// WithSortBy sorts the aggregated table on column. Without it, rows appear in
// completion order.
func WithSortBy(column string) RunOption {
	return func(o *runOptions) {
		o.sortBy = column
	}
}

// WithSkipErrors switches the run from fail-fast to partial results: a key
// whose operation or callback fails is reported to handler and left out of the
// aggregate. Cancellation still aborts the run. Calls to handler are
// serialised, so it may write to shared state without locking, but a slow
// handler holds back other failing workers.
func WithSkipErrors(handler func(*KeyError)) RunOption {
	return func(o *runOptions) {
		if handler == nil {
			handler = func(*KeyError) {}
		}
		o.onError = handler
	}
}
