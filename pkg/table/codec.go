package table

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Extension is the file extension used for encoded tables.
const Extension = ".jsonl.gz"

type header struct {
	Columns []string `json:"columns"`
}

// Encode writes t as gzip-compressed JSON lines: a header object naming the
// columns followed by one JSON array per row.
func Encode(w io.Writer, t Table) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("encode table: %w", err)
	}
	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)

	columns := t.Columns
	if columns == nil {
		columns = []string{}
	}
	if err := enc.Encode(header{Columns: columns}); err != nil {
		_ = gz.Close()
		return fmt.Errorf("encode table header: %w", err)
	}
	for i, row := range t.Rows {
		if err := enc.Encode(row); err != nil {
			_ = gz.Close()
			return fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalize gzip stream: %w", err)
	}
	return nil
}

// Decode reads a table written by Encode.
func Decode(r io.Reader) (Table, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return Table{}, fmt.Errorf("open gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	dec := json.NewDecoder(bufio.NewReader(gz))
	var h header
	if err := dec.Decode(&h); err != nil {
		return Table{}, fmt.Errorf("decode table header: %w", err)
	}
	if h.Columns == nil {
		h.Columns = []string{}
	}

	t := Table{Columns: h.Columns, Rows: [][]any{}}
	for {
		var row []any
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("decode row %d: %w", len(t.Rows), err)
		}
		if len(row) != len(t.Columns) {
			return Table{}, fmt.Errorf("decode row %d: has %d values, expected %d", len(t.Rows), len(row), len(t.Columns))
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
