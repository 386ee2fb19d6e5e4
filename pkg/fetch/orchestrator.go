// Package fetch runs many independent per-key fetch operations with bounded
// concurrency and aggregates their tables into one.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrency is used when Config.MaxConcurrency is not positive.
const DefaultMaxConcurrency = 8

var errRunFinished = errors.New("fetch run finished")

// Config holds configuration for an Orchestrator.
type Config struct {
	// MaxConcurrency is the number of operations allowed in flight at once.
	MaxConcurrency int
}

// Orchestrator fans a list of keys out to an Operation through a counting
// gate. A slot is freed as soon as its operation completes, so the next key
// starts immediately rather than waiting for a whole batch.
type Orchestrator[K any] struct {
	cfg    Config
	logger zerolog.Logger
}

// NewOrchestrator creates an Orchestrator for keys of type K.
func NewOrchestrator[K any](cfg Config, logger zerolog.Logger) *Orchestrator[K] {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Orchestrator[K]{
		cfg:    cfg,
		logger: logger.With().Str("component", "FetchOrchestrator").Logger(),
	}
}

// Run fetches every key and returns the concatenation of the results in
// completion order (not key order).
//
// The first unrecovered error aborts the run: no further keys are started,
// in-flight operations see a cancelled context, and the error is returned
// wrapped in a *KeyError. If ctx is cancelled the context's error is returned
// instead, and no partial table is produced. Every started goroutine has
// exited and every gate slot has been released by the time Run returns.
func (o *Orchestrator[K]) Run(ctx context.Context, keys []K, op Operation[K], opts ...RunOption) (table.Table, error) {
	if op == nil {
		return table.Table{}, errors.New("operation cannot be nil")
	}
	ro := runOptions{maxConcurrency: o.cfg.MaxConcurrency}
	for _, opt := range opts {
		opt(&ro)
	}
	if err := ctx.Err(); err != nil {
		return table.Table{}, context.Cause(ctx)
	}

	total := len(keys)
	if ro.maxItems > 0 && ro.maxItems < total {
		total = ro.maxItems
	}

	logger := o.logger.With().
		Str("run_id", uuid.NewString()).
		Int("key_count", len(keys)).
		Int("max_concurrency", ro.maxConcurrency).
		Int("max_items", ro.maxItems).
		Logger()
	logger.Info().Msg("Starting fetch run.")
	start := time.Now()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(errRunFinished)

	r := &run[K]{
		opts:   ro,
		op:     op,
		cancel: cancel,
		logger: logger,
		done:   make(chan struct{}),
	}
	completed := r.dispatch(runCtx, keys)

	stream := completed
	if ro.progress != nil {
		stream = ro.progress(runCtx, completed, total)
	}

	var collected []table.Table
	for t := range stream {
		if ro.maxItems > 0 && len(collected) >= ro.maxItems {
			logger.Debug().Msg("Discarding result beyond item ceiling.")
			continue
		}
		collected = append(collected, t)
	}

	// A progress adapter that closes early must not strand workers blocked on send.
	cancel(errRunFinished)
	<-r.done

	if err := ctx.Err(); err != nil {
		logger.Warn().Err(err).Int64("started", r.started.Load()).Msg("Fetch run cancelled.")
		return table.Table{}, context.Cause(ctx)
	}
	if err := r.err(); err != nil {
		logger.Error().Err(err).Int64("started", r.started.Load()).Msg("Fetch run failed.")
		return table.Table{}, err
	}

	result, err := table.Concat(collected...)
	if err != nil {
		return table.Table{}, fmt.Errorf("aggregate results: %w", err)
	}
	if ro.sortBy != "" && len(result.Columns) > 0 {
		result, err = result.SortBy(ro.sortBy)
		if err != nil {
			return table.Table{}, fmt.Errorf("sort results: %w", err)
		}
	}

	logger.Info().
		Int64("started", r.started.Load()).
		Int("results", len(collected)).
		Int("rows", result.Len()).
		Dur("elapsed", time.Since(start)).
		Msg("Fetch run completed.")
	return result, nil
}

// RunOne fetches a single key without going through the gate. Adapters use it
// when they are asked for exactly one item.
func RunOne[K any](ctx context.Context, key K, op Operation[K], callback Callback) (table.Table, error) {
	t, err := op(ctx, key)
	if err != nil {
		return table.Table{}, err
	}
	if callback != nil {
		return callback(ctx, t)
	}
	return t, nil
}

// run holds the state of a single Run call.
type run[K any] struct {
	opts   runOptions
	op     Operation[K]
	cancel context.CancelCauseFunc
	logger zerolog.Logger

	started  atomic.Int64
	accepted atomic.Int64

	mu       sync.Mutex
	firstErr error

	// reportMu serialises calls to the skip-errors handler.
	reportMu sync.Mutex

	done chan struct{}
}

func (r *run[K]) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

func (r *run[K]) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstErr == nil {
		r.firstErr = err
		r.cancel(err)
	}
}

func (r *run[K]) limitReached() bool {
	return r.opts.maxItems > 0 && r.accepted.Load() >= int64(r.opts.maxItems)
}

// dispatch starts a goroutine that submits keys through the gate. The returned
// channel carries completed tables and is closed after every worker exits.
func (r *run[K]) dispatch(ctx context.Context, keys []K) <-chan table.Table {
	out := make(chan table.Table)
	gate := semaphore.NewWeighted(int64(r.opts.maxConcurrency))

	go func() {
		defer close(r.done)
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(out)
		}()

		for i, key := range keys {
			if err := gate.Acquire(ctx, 1); err != nil {
				return
			}
			// Acquire can succeed on an already-cancelled context.
			if ctx.Err() != nil || r.limitReached() {
				gate.Release(1)
				return
			}
			r.started.Add(1)
			wg.Add(1)
			go func(idx int, key K) {
				defer wg.Done()
				defer gate.Release(1)
				r.process(ctx, idx, key, out)
			}(i, key)
		}
	}()
	return out
}

func (r *run[K]) process(ctx context.Context, idx int, key K, out chan<- table.Table) {
	r.logger.Debug().Int("index", idx).Interface("key", key).Msg("Fetching key.")

	t, err := r.op(ctx, key)
	if err == nil && r.opts.callback != nil {
		t, err = r.opts.callback(ctx, t)
	}
	if err != nil {
		if ctx.Err() != nil {
			// Unwinding after cancellation or a sibling's failure.
			return
		}
		keyErr := &KeyError{Index: idx, Key: key, Err: err}
		if r.opts.onError != nil {
			r.logger.Warn().Err(err).Int("index", idx).Interface("key", key).Msg("Skipping failed key.")
			r.reportMu.Lock()
			r.opts.onError(keyErr)
			r.reportMu.Unlock()
			return
		}
		r.fail(keyErr)
		return
	}

	r.accepted.Add(1)
	select {
	case out <- t:
	case <-ctx.Done():
	}
}
