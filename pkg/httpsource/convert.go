package httpsource

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
)

// KeyPlaceholder is replaced by the path-escaped key in URL templates.
const KeyPlaceholder = "{key}"

// ExpandURL substitutes key into template.
func ExpandURL(template, key string) string {
	return strings.ReplaceAll(template, KeyPlaceholder, url.PathEscape(key))
}

// Records converts a decoded JSON document into a table. field names the
// member holding the array of records; an empty field means the document is
// itself the array.
func Records(doc any, field string) (table.Table, error) {
	if field != "" {
		obj, ok := doc.(map[string]any)
		if !ok {
			return table.Table{}, fmt.Errorf("expected a JSON object holding %q, got %T", field, doc)
		}
		doc, ok = obj[field]
		if !ok {
			return table.Table{}, fmt.Errorf("JSON object has no member %q", field)
		}
	}
	items, ok := doc.([]any)
	if !ok {
		return table.Table{}, fmt.Errorf("expected a JSON array of records, got %T", doc)
	}
	records := make([]map[string]any, 0, len(items))
	for i, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return table.Table{}, fmt.Errorf("record %d is %T, not an object", i, item)
		}
		records = append(records, rec)
	}
	return table.FromRecords(records), nil
}

// JSONRecordsOperation builds a fetch operation that GETs the expanded URL
// template for each key and turns the records under field into a table.
func JSONRecordsOperation(c *Client, template, field string) fetch.Operation[string] {
	return func(ctx context.Context, key string) (table.Table, error) {
		var doc any
		if err := c.GetJSON(ctx, ExpandURL(template, key), nil, &doc); err != nil {
			return table.Table{}, err
		}
		return Records(doc, field)
	}
}

// ParseHTMLTable converts the first <table> matched by selector into a table.
// Column names come from the header cells; every cell value is its trimmed
// text.
func ParseHTMLTable(doc *goquery.Document, selector string) (table.Table, error) {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return table.Table{}, fmt.Errorf("no table matches %q", selector)
	}
	if !sel.Is("table") {
		sel = sel.Find("table").First()
		if sel.Length() == 0 {
			return table.Table{}, fmt.Errorf("%q does not contain a table", selector)
		}
	}

	rows := sel.Find("tr")
	var columns []string
	headerIdx := -1
	rows.EachWithBreak(func(i int, tr *goquery.Selection) bool {
		if th := tr.Find("th"); th.Length() > 0 {
			th.Each(func(_ int, cell *goquery.Selection) {
				columns = append(columns, strings.TrimSpace(cell.Text()))
			})
			headerIdx = i
			return false
		}
		return true
	})
	if headerIdx < 0 {
		return table.Table{}, fmt.Errorf("table %q has no header row", selector)
	}

	var values [][]any
	var rowErr error
	rows.EachWithBreak(func(i int, tr *goquery.Selection) bool {
		if i == headerIdx {
			return true
		}
		cells := tr.Find("td")
		if cells.Length() == 0 {
			return true
		}
		if cells.Length() != len(columns) {
			rowErr = fmt.Errorf("row %d has %d cells, expected %d", i, cells.Length(), len(columns))
			return false
		}
		row := make([]any, 0, len(columns))
		cells.Each(func(_ int, cell *goquery.Selection) {
			row = append(row, strings.TrimSpace(cell.Text()))
		})
		values = append(values, row)
		return true
	})
	if rowErr != nil {
		return table.Table{}, rowErr
	}
	return table.New(columns, values...), nil
}

// HTMLTableOperation builds a fetch operation that GETs the expanded URL
// template for each key and parses the table matched by selector.
func HTMLTableOperation(c *Client, template, selector string) fetch.Operation[string] {
	return func(ctx context.Context, key string) (table.Table, error) {
		doc, err := c.GetDocument(ctx, ExpandURL(template, key), nil)
		if err != nil {
			return table.Table{}, err
		}
		return ParseHTMLTable(doc, selector)
	}
}
