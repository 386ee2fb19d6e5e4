// Package table provides the in-memory columnar batch that every fetch
// operation produces and every snapshot stores.
package table

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

var (
	// ErrSchemaMismatch is returned when tables with different columns are combined.
	ErrSchemaMismatch = errors.New("table schemas do not match")
	// ErrUnsupportedCell is returned for cells that would not survive encoding unchanged.
	ErrUnsupportedCell = errors.New("unsupported cell type")
)

// Table is a batch of rows sharing one set of named columns.
//
// Cells hold JSON scalar values (string, float64, bool or nil) so that a table
// survives a snapshot round trip unchanged. A Table with no columns is the
// explicit "nothing fetched" value, distinct from a table that has columns
// but no rows.
type Table struct {
	Columns []string
	Rows    [][]any
}

// New creates a table with the given columns and rows.
func New(columns []string, rows ...[]any) Table {
	if rows == nil {
		rows = [][]any{}
	}
	return Table{Columns: columns, Rows: rows}
}

// Empty returns the explicitly-empty table: zero columns and zero rows.
func Empty() Table {
	return Table{Columns: []string{}, Rows: [][]any{}}
}

// Len returns the number of rows.
func (t Table) Len() int {
	return len(t.Rows)
}

// IsEmpty reports whether the table has neither columns nor rows.
func (t Table) IsEmpty() bool {
	return len(t.Columns) == 0 && len(t.Rows) == 0
}

// ColumnIndex returns the index of the named column, or -1.
func (t Table) ColumnIndex(name string) int {
	return slices.Index(t.Columns, name)
}

// Column returns a copy of the values held in the named column.
func (t Table) Column(name string) ([]any, error) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found", name)
	}
	values := make([]any, len(t.Rows))
	for i, row := range t.Rows {
		if idx < len(row) {
			values[i] = row[idx]
		}
	}
	return values, nil
}

// Head returns a table holding at most the first n rows.
func (t Table) Head(n int) Table {
	if n < 0 {
		n = 0
	}
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	return Table{Columns: t.Columns, Rows: t.Rows[:n:n]}
}

// Validate checks that every row has exactly one value per column and that
// every cell is a string, float64, bool or nil. Integers are rejected rather
// than silently widened to float64 by the codec.
func (t Table) Validate() error {
	if err := t.checkShape(); err != nil {
		return err
	}
	for i, row := range t.Rows {
		for j, v := range row {
			switch v.(type) {
			case nil, string, float64, bool:
			default:
				return fmt.Errorf("%w: row %d column %q holds %T", ErrUnsupportedCell, i, t.Columns[j], v)
			}
		}
	}
	return nil
}

func (t Table) checkShape() error {
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d values, expected %d", i, len(row), len(t.Columns))
		}
	}
	return nil
}

// Concat appends the rows of all tables in order. Tables without columns are
// skipped; every remaining table must have identical columns.
func Concat(tables ...Table) (Table, error) {
	var out Table
	started := false
	for i, t := range tables {
		if len(t.Columns) == 0 {
			continue
		}
		if !started {
			out.Columns = slices.Clone(t.Columns)
			out.Rows = make([][]any, 0, len(t.Rows))
			started = true
		} else if !slices.Equal(out.Columns, t.Columns) {
			return Table{}, fmt.Errorf("%w: table %d has columns [%s], expected [%s]",
				ErrSchemaMismatch, i, strings.Join(t.Columns, ","), strings.Join(out.Columns, ","))
		}
		out.Rows = append(out.Rows, t.Rows...)
	}
	if !started {
		return Empty(), nil
	}
	return out, nil
}

// SortBy returns a copy of the table stably sorted ascending on the named column.
func (t Table) SortBy(column string) (Table, error) {
	idx := t.ColumnIndex(column)
	if idx < 0 {
		return Table{}, fmt.Errorf("sort: column %q not found", column)
	}
	if err := t.checkShape(); err != nil {
		return Table{}, fmt.Errorf("sort: %w", err)
	}
	rows := slices.Clone(t.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		return compare(rows[i][idx], rows[j][idx]) < 0
	})
	return Table{Columns: t.Columns, Rows: rows}, nil
}

// FromRecords builds a table from a slice of JSON-like objects. The columns
// are the sorted union of all keys; missing values are nil.
func FromRecords(records []map[string]any) Table {
	if len(records) == 0 {
		return Empty()
	}
	seen := make(map[string]struct{})
	var columns []string
	for _, rec := range records {
		for k := range rec {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	rows := make([][]any, len(records))
	for i, rec := range records {
		row := make([]any, len(columns))
		for j, col := range columns {
			row[j] = rec[col]
		}
		rows[i] = row
	}
	return Table{Columns: columns, Rows: rows}
}

// rank orders values of different kinds: nil < bool < number < string < other.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int64, int32:
		return 2
	case string:
		return 3
	case time.Time:
		return 4
	default:
		return 5
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	}
	return 0
}

func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 3:
		return strings.Compare(a.(string), b.(string))
	case 4:
		return a.(time.Time).Compare(b.(time.Time))
	case 5:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
	return 0
}
