package cacheserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-fetchcache/pkg/cacheserver"
	"github.com/illmade-knight/go-fetchcache/pkg/snapshot"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tableBody struct {
	Source  string   `json:"source"`
	Group   string   `json:"group"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func seededStore(t *testing.T) (*snapshot.Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := snapshot.NewStore("/cache", zerolog.Nop(), snapshot.WithFs(fs))
	require.NoError(t, err)

	older := table.Table{Columns: []string{"code", "close"}, Rows: [][]any{{"7203", 100.0}}}
	newer := table.Table{Columns: []string{"code", "close"}, Rows: [][]any{{"7203", 101.0}, {"6758", 55.0}}}
	p1, err := store.Write("jquants", "prices", older, "20240401")
	require.NoError(t, err)
	p2, err := store.Write("jquants", "prices", newer, "20240402")
	require.NoError(t, err)

	base := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, fs.Chtimes(p1, base, base))
	require.NoError(t, fs.Chtimes(p2, base.Add(time.Hour), base.Add(time.Hour)))
	return store, fs
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServer_Healthz(t *testing.T) {
	store, _ := seededStore(t)
	h := cacheserver.New(store, ":0", zerolog.Nop()).Handler()

	rec := get(t, h, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestServer_List(t *testing.T) {
	// Arrange
	store, _ := seededStore(t)
	h := cacheserver.New(store, ":0", zerolog.Nop()).Handler()

	testCases := []struct {
		name     string
		target   string
		expected []cacheserver.Entry
	}{
		{
			name:   "everything oldest first",
			target: "/snapshots",
			expected: []cacheserver.Entry{
				{Source: "jquants", Group: "prices", Name: "20240401"},
				{Source: "jquants", Group: "prices", Name: "20240402"},
			},
		},
		{name: "unknown source is empty", target: "/snapshots?source=edinet", expected: []cacheserver.Entry{}},
		{name: "group filter", target: "/snapshots?group=prices", expected: []cacheserver.Entry{
			{Source: "jquants", Group: "prices", Name: "20240401"},
			{Source: "jquants", Group: "prices", Name: "20240402"},
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			rec := get(t, h, tc.target)

			// Assert
			require.Equal(t, http.StatusOK, rec.Code)
			var entries []cacheserver.Entry
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
			assert.Equal(t, tc.expected, entries)
		})
	}
}

func TestServer_Read(t *testing.T) {
	store, _ := seededStore(t)
	h := cacheserver.New(store, ":0", zerolog.Nop()).Handler()

	t.Run("latest by modification time", func(t *testing.T) {
		rec := get(t, h, "/snapshots/jquants/prices")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var body tableBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, []string{"code", "close"}, body.Columns)
		assert.Len(t, body.Rows, 2)
	})

	t.Run("named snapshot", func(t *testing.T) {
		rec := get(t, h, "/snapshots/jquants/prices/20240401")

		require.Equal(t, http.StatusOK, rec.Code)
		var body tableBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "jquants", body.Source)
		assert.Equal(t, [][]any{{"7203", 100.0}}, body.Rows)
	})

	t.Run("missing group is 404", func(t *testing.T) {
		rec := get(t, h, "/snapshots/jquants/volumes")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "not found")
	})

	t.Run("missing name is 404", func(t *testing.T) {
		rec := get(t, h, "/snapshots/jquants/prices/19990101")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("hidden token is 400", func(t *testing.T) {
		rec := get(t, h, "/snapshots/.tmp-x/prices")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_ReadNeverLeavesTheCache(t *testing.T) {
	// Arrange: a valid encoded table in the process working directory and an
	// empty cache rooted elsewhere on the real filesystem.
	workDir := t.TempDir()
	f, err := os.Create(filepath.Join(workDir, "private"+table.Extension))
	require.NoError(t, err)
	require.NoError(t, table.Encode(f, table.New([]string{"k"}, []any{"private"})))
	require.NoError(t, f.Close())
	t.Chdir(workDir)

	store, err := snapshot.NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	h := cacheserver.New(store, ":0", zerolog.Nop()).Handler()

	for _, target := range []string{
		"/snapshots/nosuch/nogroup/private" + table.Extension,
		"/snapshots/nosuch/nogroup/private",
	} {
		t.Run(target, func(t *testing.T) {
			// Act
			rec := get(t, h, target)

			// Assert
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.NotContains(t, rec.Body.String(), `"rows"`)
		})
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	// Arrange
	store, _ := seededStore(t)
	server := cacheserver.New(store, "127.0.0.1:0", zerolog.Nop())

	// Act
	require.NoError(t, server.Start())
	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", server.Addr()))

	// Assert
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	_, err = http.Get(fmt.Sprintf("http://%s/healthz", server.Addr()))
	assert.Error(t, err)
}
