package progress_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/illmade-knight/go-fetchcache/pkg/progress"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func feed(tables ...table.Table) <-chan table.Table {
	in := make(chan table.Table, len(tables))
	for _, t := range tables {
		in <- t
	}
	close(in)
	return in
}

func drain(ch <-chan table.Table) []table.Table {
	var out []table.Table
	for t := range ch {
		out = append(out, t)
	}
	return out
}

func TestChain_IsTransparent(t *testing.T) {
	// Arrange
	a := table.New([]string{"code"}, []any{"1301"})
	b := table.New([]string{"code"}, []any{"1332"}, []any{"1333"})
	var count, rows atomic.Int64
	var seen []int

	adapter := progress.Chain(
		progress.Logging(zerolog.Nop(), 1),
		progress.Counter(&count, &rows),
		progress.Observe(func(n, total int, _ table.Table) {
			seen = append(seen, n)
			assert.Equal(t, 2, total)
		}),
	)

	// Act
	out := drain(adapter(context.Background(), feed(a, b), 2))

	// Assert
	assert.Equal(t, []table.Table{a, b}, out, "adapters must yield the same tables in the same order")
	assert.Equal(t, int64(2), count.Load())
	assert.Equal(t, int64(3), rows.Load())
	assert.Equal(t, []int{1, 2}, seen)
}

func TestCounter_NilPointers(t *testing.T) {
	out := drain(progress.Counter(nil, nil)(context.Background(), feed(table.Empty()), 1))
	assert.Len(t, out, 1)
}
