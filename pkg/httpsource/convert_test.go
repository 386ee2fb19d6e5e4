package httpsource_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/illmade-knight/go-fetchcache/pkg/httpsource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingPage = `<html><body>
<div id="listing">
<table>
  <thead><tr><th>Code</th><th>Name</th><th>Market</th></tr></thead>
  <tbody>
    <tr><td>7203</td><td> Toyota Motor </td><td>Prime</td></tr>
    <tr><td>6758</td><td>Sony Group</td><td>Prime</td></tr>
  </tbody>
</table>
</div>
</body></html>`

func TestParseHTMLTable(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(listingPage))
	require.NoError(t, err)

	t.Run("container selector finds the nested table", func(t *testing.T) {
		got, err := httpsource.ParseHTMLTable(doc, "#listing")

		require.NoError(t, err)
		assert.Equal(t, []string{"Code", "Name", "Market"}, got.Columns)
		assert.Equal(t, [][]any{{"7203", "Toyota Motor", "Prime"}, {"6758", "Sony Group", "Prime"}}, got.Rows)
	})

	t.Run("missing table", func(t *testing.T) {
		_, err := httpsource.ParseHTMLTable(doc, "#absent")
		assert.Error(t, err)
	})

	t.Run("ragged row", func(t *testing.T) {
		ragged, err := goquery.NewDocumentFromReader(strings.NewReader(
			`<table><tr><th>a</th><th>b</th></tr><tr><td>1</td></tr></table>`))
		require.NoError(t, err)
		_, err = httpsource.ParseHTMLTable(ragged, "table")
		assert.Error(t, err)
	})
}

func TestHTMLTableOperation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/listing/prime%20market", r.URL.EscapedPath())
		_, _ = w.Write([]byte(listingPage))
	}))
	t.Cleanup(server.Close)
	c := newClient(t, httpsource.Config{BaseURL: server.URL}, 1)

	got, err := httpsource.HTMLTableOperation(c, "/listing/{key}", "#listing table")(context.Background(), "prime market")

	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())
}
