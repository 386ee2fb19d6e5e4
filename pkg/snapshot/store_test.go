package snapshot_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/illmade-knight/go-fetchcache/pkg/chrono"
	"github.com/illmade-knight/go-fetchcache/pkg/snapshot"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const root = "/cache"

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(chrono.DefaultTimezone)
	require.NoError(t, err)
	return loc
}

func newStore(t *testing.T, fsys afero.Fs, opts ...snapshot.Option) *snapshot.Store {
	t.Helper()
	opts = append([]snapshot.Option{snapshot.WithFs(fsys)}, opts...)
	s, err := snapshot.NewStore(root, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return s
}

func sample(code string) table.Table {
	return table.New([]string{"code", "close"}, []any{code, 2150.5})
}

func TestStore_WriteAndRead(t *testing.T) {
	// Arrange
	fsys := afero.NewMemMapFs()
	clock := chrono.FixedClock{At: time.Date(2024, 3, 31, 23, 30, 0, 0, time.UTC).In(tokyo(t))}
	s := newStore(t, fsys, snapshot.WithClock(clock))
	want := sample("7203")

	// Act
	path, err := s.Write("jquants", "prices", want, "")
	require.NoError(t, err)
	got, err := s.Read("jquants", "prices", "")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "jquants", "prices", "20240401"+table.Extension), path,
		"unnamed writes are stamped with the date in the configured zone")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	t.Run("explicit names resolve with or without extension", func(t *testing.T) {
		for _, name := range []string{"20240401", "20240401" + table.Extension, path} {
			got, err := s.Read("jquants", "prices", name)
			require.NoError(t, err, name)
			assert.Equal(t, 1, got.Len())
		}
	})

	t.Run("no temporary files are left behind", func(t *testing.T) {
		entries, err := afero.ReadDir(fsys, filepath.Dir(path))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "20240401"+table.Extension, entries[0].Name())
	})
}

func TestStore_WriteSameDayReplaces(t *testing.T) {
	fsys := afero.NewMemMapFs()
	clock := chrono.FixedClock{At: time.Date(2024, 5, 10, 9, 0, 0, 0, tokyo(t))}
	s := newStore(t, fsys, snapshot.WithClock(clock))

	_, err := s.Write("edinet", "filings", sample("first"), "")
	require.NoError(t, err)
	_, err = s.Write("edinet", "filings", sample("second"), "")
	require.NoError(t, err)

	paths, err := s.Glob("edinet", "filings")
	require.NoError(t, err)
	assert.Len(t, paths, 1)
	got, err := s.Read("edinet", "filings", "")
	require.NoError(t, err)
	codes, err := got.Column("code")
	require.NoError(t, err)
	assert.Equal(t, []any{"second"}, codes)
}

func TestStore_LatestIsByModificationTime(t *testing.T) {
	// Arrange
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys)
	base := time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)
	// Lexical order is the reverse of modification order.
	for i, name := range []string{"20230103", "20230102", "20230101"} {
		path, err := s.Write("jquants", "listed", sample(name), name)
		require.NoError(t, err)
		mtime := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, fsys.Chtimes(path, mtime, mtime))
	}

	// Act
	latest, err := s.Latest("jquants", "listed")
	require.NoError(t, err)
	got, err := s.Read("jquants", "listed", "")
	require.NoError(t, err)
	paths, err := s.Glob("jquants", "listed")
	require.NoError(t, err)

	// Assert
	assert.Equal(t, filepath.Join(root, "jquants", "listed", "20230101"+table.Extension), latest)
	codes, err := got.Column("code")
	require.NoError(t, err)
	assert.Equal(t, []any{"20230101"}, codes)
	require.Len(t, paths, 3)
	assert.Equal(t, "20230103"+table.Extension, filepath.Base(paths[0]), "glob is ascending by modification time")
}

func TestStore_ReadNotFound(t *testing.T) {
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys)
	require.NoError(t, fsys.MkdirAll(filepath.Join(root, "jquants", "empty"), 0o755))

	testCases := []struct {
		name         string
		group        string
		snapshotName string
	}{
		{name: "missing group", group: "absent"},
		{name: "empty group", group: "empty"},
		{name: "missing name", group: "empty", snapshotName: "19990101"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Read("jquants", tc.group, tc.snapshotName)
			assert.ErrorIs(t, err, snapshot.ErrNotFound)
		})
	}
}

func TestStore_ReadNamedStaysInsideTheGroup(t *testing.T) {
	// Arrange: a valid snapshot file that lives outside the group.
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys)
	_, err := s.Write("jquants", "prices", sample("7203"), "20240401")
	require.NoError(t, err)
	outside := filepath.Join(root, "edinet", "filings", "secret"+table.Extension)
	_, err = s.Write("edinet", "filings", sample("secret"), "secret")
	require.NoError(t, err)

	t.Run("names inside the group resolve", func(t *testing.T) {
		for _, name := range []string{"20240401", "20240401" + table.Extension} {
			got, err := s.ReadNamed("jquants", "prices", name)
			require.NoError(t, err, name)
			assert.Equal(t, 1, got.Len())
		}
	})

	t.Run("paths are rejected even when the file exists", func(t *testing.T) {
		for _, name := range []string{outside, "../../edinet/filings/secret", ".."} {
			_, err := s.ReadNamed("jquants", "prices", name)
			assert.ErrorIs(t, err, snapshot.ErrInvalidToken, name)
		}
	})

	t.Run("a name from another group is not found", func(t *testing.T) {
		_, err := s.ReadNamed("jquants", "prices", "secret")
		assert.ErrorIs(t, err, snapshot.ErrNotFound)
	})

	t.Run("Read keeps accepting direct paths", func(t *testing.T) {
		got, err := s.Read("jquants", "prices", outside)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Len())
	})
}

func TestStore_Glob(t *testing.T) {
	// Arrange
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys)
	for _, p := range []struct{ source, group string }{
		{"jquants", "prices"},
		{"jquants", "listed"},
		{"edinet", "prices"},
	} {
		_, err := s.Write(p.source, p.group, sample(p.source), "20240101")
		require.NoError(t, err)
	}
	// Stray files that are not snapshots.
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(root, "jquants", "prices", ".tmp-abc"), []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(root, "jquants", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(root, "top"+table.Extension), []byte("x"), 0o644))

	testCases := []struct {
		name   string
		source string
		group  string
		want   int
	}{
		{name: "everything", want: 3},
		{name: "one source", source: "jquants", want: 2},
		{name: "one group", source: "jquants", group: "prices", want: 1},
		{name: "group across sources", group: "prices", want: 2},
		{name: "no match is empty", source: "nobody", want: 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Act
			paths, err := s.Glob(tc.source, tc.group)

			// Assert
			require.NoError(t, err)
			assert.Len(t, paths, tc.want)
		})
	}
}

func TestStore_InvalidTokens(t *testing.T) {
	s := newStore(t, afero.NewMemMapFs())

	_, err := s.Write("", "prices", sample("x"), "")
	assert.ErrorIs(t, err, snapshot.ErrInvalidToken)
	_, err = s.Write("jquants", "../escape", sample("x"), "")
	assert.ErrorIs(t, err, snapshot.ErrInvalidToken)
	_, err = s.Path("jquants", "prices", ".tmp-123")
	assert.ErrorIs(t, err, snapshot.ErrInvalidToken)
}

func TestStore_WriteRejectsLossyCells(t *testing.T) {
	// Arrange
	fsys := afero.NewMemMapFs()
	s := newStore(t, fsys)
	lossy := table.New([]string{"code", "volume"}, []any{"7203", int64(9007199254740993)})

	// Act
	_, err := s.Write("jquants", "prices", lossy, "20240401")

	// Assert
	assert.ErrorIs(t, err, table.ErrUnsupportedCell)
	paths, globErr := s.Glob("jquants", "prices")
	require.NoError(t, globErr)
	assert.Empty(t, paths, "a rejected table must not become a snapshot")
	entries, _ := afero.ReadDir(fsys, filepath.Join(root, "jquants", "prices"))
	assert.Empty(t, entries, "the temporary file is removed")
}

// spyFs counts every call that reaches the filesystem.
type spyFs struct {
	afero.Fs
	mu    sync.Mutex
	calls map[string]int
}

func newSpyFs() *spyFs {
	return &spyFs{Fs: afero.NewMemMapFs(), calls: make(map[string]int)}
}

func (s *spyFs) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
}

func (s *spyFs) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *spyFs) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *spyFs) Create(name string) (afero.File, error) {
	s.record("Create")
	return s.Fs.Create(name)
}

func (s *spyFs) Mkdir(name string, perm os.FileMode) error {
	s.record("Mkdir")
	return s.Fs.Mkdir(name, perm)
}

func (s *spyFs) MkdirAll(path string, perm os.FileMode) error {
	s.record("MkdirAll")
	return s.Fs.MkdirAll(path, perm)
}

func (s *spyFs) Open(name string) (afero.File, error) {
	s.record("Open")
	return s.Fs.Open(name)
}

func (s *spyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	s.record("OpenFile")
	return s.Fs.OpenFile(name, flag, perm)
}

func (s *spyFs) Remove(name string) error {
	s.record("Remove")
	return s.Fs.Remove(name)
}

func (s *spyFs) RemoveAll(path string) error {
	s.record("RemoveAll")
	return s.Fs.RemoveAll(path)
}

func (s *spyFs) Rename(oldname, newname string) error {
	s.record("Rename")
	return s.Fs.Rename(oldname, newname)
}

func (s *spyFs) Stat(name string) (os.FileInfo, error) {
	s.record("Stat")
	return s.Fs.Stat(name)
}

func (s *spyFs) Name() string {
	return "spyFs"
}

func (s *spyFs) Chmod(name string, mode os.FileMode) error {
	s.record("Chmod")
	return s.Fs.Chmod(name, mode)
}

func (s *spyFs) Chown(name string, uid, gid int) error {
	s.record("Chown")
	return s.Fs.Chown(name, uid, gid)
}

func (s *spyFs) Chtimes(name string, atime, mtime time.Time) error {
	s.record("Chtimes")
	return s.Fs.Chtimes(name, atime, mtime)
}

func TestStore_Clean(t *testing.T) {
	seed := func(t *testing.T) (*spyFs, *snapshot.Store) {
		t.Helper()
		fsys := newSpyFs()
		s := newStore(t, fsys)
		for _, p := range []struct{ source, group string }{
			{"jquants", "prices"},
			{"jquants", "listed"},
			{"edinet", "prices"},
		} {
			_, err := s.Write(p.source, p.group, sample(p.source), "20240101")
			require.NoError(t, err)
		}
		fsys.reset()
		return fsys, s
	}

	t.Run("source and group removes only that group", func(t *testing.T) {
		_, s := seed(t)
		require.NoError(t, s.Clean("jquants", "prices"))

		paths, err := s.Glob("", "")
		require.NoError(t, err)
		assert.Len(t, paths, 2)
		_, err = s.Read("jquants", "prices", "")
		assert.ErrorIs(t, err, snapshot.ErrNotFound)
	})

	t.Run("source only removes the whole source", func(t *testing.T) {
		_, s := seed(t)
		require.NoError(t, s.Clean("jquants", ""))

		paths, err := s.Glob("", "")
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Contains(t, paths[0], filepath.Join("edinet", "prices"))
	})

	t.Run("group only touches nothing", func(t *testing.T) {
		fsys, s := seed(t)

		require.NoError(t, s.Clean("", "prices"))

		assert.Zero(t, fsys.total(), "group-only clean must not reach the filesystem")
		paths, err := s.Glob("", "")
		require.NoError(t, err)
		assert.Len(t, paths, 3)
	})

	t.Run("neither removes the whole cache", func(t *testing.T) {
		_, s := seed(t)
		require.NoError(t, s.Clean("", ""))

		paths, err := s.Glob("", "")
		require.NoError(t, err)
		assert.Empty(t, paths)
	})

	t.Run("cleaning something absent is not an error", func(t *testing.T) {
		_, s := seed(t)
		assert.NoError(t, s.Clean("nobody", "nothing"))
	})
}
