// Package snapshot is the versioned local cache: an append-only file store of
// encoded tables laid out as <root>/<source>/<group>/<name>.jsonl.gz.
//
// The Store keeps no state between calls. Every operation re-resolves the
// filesystem, and "latest" always means greatest modification time, never the
// lexically greatest name.
package snapshot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-fetchcache/pkg/chrono"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

var (
	// ErrNotFound is returned when no snapshot matches a read.
	ErrNotFound = errors.New("snapshot not found")
	// ErrInvalidToken is returned for empty or path-like source, group or name values.
	ErrInvalidToken = errors.New("invalid snapshot token")
)

const tempPrefix = ".tmp-"

// Store reads and writes snapshots under a root directory.
type Store struct {
	fs     afero.Fs
	root   string
	clock  chrono.Clock
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithFs replaces the operating-system filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(s *Store) {
		s.fs = fsys
	}
}

// WithClock sets the clock used to stamp unnamed writes.
func WithClock(c chrono.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// NewStore creates a Store rooted at root.
func NewStore(root string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("snapshot root cannot be empty")
	}
	s := &Store{
		fs:     afero.NewOsFs(),
		root:   filepath.Clean(root),
		logger: logger.With().Str("component", "SnapshotStore").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		clock, err := chrono.NewClock(chrono.DefaultTimezone)
		if err != nil {
			return nil, err
		}
		s.clock = clock
	}
	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

func checkToken(kind, v string) error {
	if v == "" || v == "." || v == ".." || strings.ContainsAny(v, `/\`) || strings.HasPrefix(v, tempPrefix) {
		return fmt.Errorf("%w: %s %q", ErrInvalidToken, kind, v)
	}
	return nil
}

func (s *Store) groupDir(source, group string) string {
	return filepath.Join(s.root, source, group)
}

// Path returns the file a snapshot with the given name lives at. An empty
// name means today's date stamp.
func (s *Store) Path(source, group, name string) (string, error) {
	if err := checkToken("source", source); err != nil {
		return "", err
	}
	if err := checkToken("group", group); err != nil {
		return "", err
	}
	if name == "" {
		name = chrono.Today(s.clock)
	}
	name = strings.TrimSuffix(name, table.Extension)
	if err := checkToken("name", name); err != nil {
		return "", err
	}
	return filepath.Join(s.groupDir(source, group), name+table.Extension), nil
}

// Write stores t as a new snapshot and returns its path. Without a name the
// snapshot is stamped with today's date, so a second unnamed write on the
// same day replaces the first. No other file in the group is touched.
//
// The table is encoded into a hidden temporary file that is renamed into
// place, so readers only ever see complete snapshots.
func (s *Store) Write(source, group string, t table.Table, name string) (string, error) {
	path, err := s.Path(source, group, name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create group directory %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, tempPrefix+uuid.NewString())
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temporary snapshot: %w", err)
	}
	encodeErr := table.Encode(f, t)
	closeErr := f.Close()
	if encodeErr != nil || closeErr != nil {
		_ = s.fs.Remove(tmp)
		if encodeErr != nil {
			return "", fmt.Errorf("write snapshot %s: %w", path, encodeErr)
		}
		return "", fmt.Errorf("close snapshot %s: %w", path, closeErr)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("publish snapshot %s: %w", path, err)
	}

	s.logger.Info().
		Str("source", source).
		Str("group", group).
		Str("path", path).
		Int("rows", t.Len()).
		Msg("Snapshot written.")
	return path, nil
}

// Read returns a snapshot. With a name, the name may be a path to an existing
// file anywhere on the filesystem, a file name inside the group, or a bare
// stem. ReadNamed is the variant that never leaves the group. Without a name, the
// snapshot with the greatest modification time in the group is returned.
// Missing files and empty or absent groups yield ErrNotFound.
func (s *Store) Read(source, group, name string) (table.Table, error) {
	var path string
	var err error
	if name == "" {
		path, err = s.Latest(source, group)
	} else {
		path, err = s.resolve(source, group, name)
	}
	if err != nil {
		return table.Table{}, err
	}
	return s.readFile(path)
}

// ReadNamed is Read confined to the group directory: name must be a file
// name or bare stem inside <source>/<group>, never a path. Use it for names
// that come from untrusted callers.
func (s *Store) ReadNamed(source, group, name string) (table.Table, error) {
	if name == "" {
		return s.Read(source, group, "")
	}
	path, err := s.resolveInGroup(source, group, name)
	if err != nil {
		return table.Table{}, err
	}
	return s.readFile(path)
}

func (s *Store) readFile(path string) (table.Table, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return table.Table{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return table.Table{}, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	t, err := table.Decode(f)
	if err != nil {
		return table.Table{}, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	s.logger.Debug().Str("path", path).Int("rows", t.Len()).Msg("Snapshot read.")
	return t, nil
}

// Open returns the raw encoded bytes of the snapshot at path. It is used to
// mirror snapshots elsewhere without decoding them.
func (s *Store) Open(path string) (io.ReadCloser, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	return f, nil
}

func (s *Store) isFile(path string) bool {
	info, err := s.fs.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (s *Store) resolve(source, group, name string) (string, error) {
	if err := checkToken("source", source); err != nil {
		return "", err
	}
	if err := checkToken("group", group); err != nil {
		return "", err
	}
	if s.isFile(name) {
		return name, nil
	}
	if checkToken("name", name) != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.resolveInGroup(source, group, name)
}

func (s *Store) resolveInGroup(source, group, name string) (string, error) {
	if err := checkToken("source", source); err != nil {
		return "", err
	}
	if err := checkToken("group", group); err != nil {
		return "", err
	}
	if err := checkToken("name", name); err != nil {
		return "", err
	}
	candidate := filepath.Join(s.groupDir(source, group), name)
	if s.isFile(candidate) {
		return candidate, nil
	}
	if !strings.HasSuffix(name, table.Extension) && s.isFile(candidate+table.Extension) {
		return candidate + table.Extension, nil
	}
	return "", fmt.Errorf("%w: %s/%s/%s", ErrNotFound, source, group, name)
}

// Latest returns the path of the most recently modified snapshot in a group.
func (s *Store) Latest(source, group string) (string, error) {
	if err := checkToken("source", source); err != nil {
		return "", err
	}
	if err := checkToken("group", group); err != nil {
		return "", err
	}
	paths, err := s.Glob(source, group)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("%w: no snapshots in %s/%s", ErrNotFound, source, group)
	}
	return paths[len(paths)-1], nil
}

type entry struct {
	path    string
	modTime int64
}

// Glob lists snapshot files, optionally filtered by source and group, sorted
// ascending by modification time. Nothing matching is not an error.
func (s *Store) Glob(source, group string) ([]string, error) {
	base := s.root
	if source != "" {
		if err := checkToken("source", source); err != nil {
			return nil, err
		}
		base = filepath.Join(s.root, source)
	}
	if group != "" {
		if err := checkToken("group", group); err != nil {
			return nil, err
		}
	}

	var entries []entry
	err := afero.Walk(s.fs, base, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), table.Extension) || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		if group != "" && parts[1] != group {
			return nil
		}
		entries = append(entries, entry{path: path, modTime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots under %s: %w", base, err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].modTime != entries[j].modTime {
			return entries[i].modTime < entries[j].modTime
		}
		return entries[i].path < entries[j].path
	})
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.path
	}
	return paths, nil
}

// Clean removes cached snapshots:
//   - source and group: only that group directory
//   - source only: the whole source directory
//   - group only: nothing (group names are not unique across sources)
//   - neither: the whole cache root
//
// Removing something that does not exist is not an error.
func (s *Store) Clean(source, group string) error {
	var target string
	switch {
	case source != "" && group != "":
		if err := checkToken("source", source); err != nil {
			return err
		}
		if err := checkToken("group", group); err != nil {
			return err
		}
		target = s.groupDir(source, group)
	case source != "":
		if err := checkToken("source", source); err != nil {
			return err
		}
		target = filepath.Join(s.root, source)
	case group != "":
		s.logger.Warn().Str("group", group).Msg("Clean with a group but no source is a no-op.")
		return nil
	default:
		target = s.root
	}

	if err := s.fs.RemoveAll(target); err != nil {
		return fmt.Errorf("clean %s: %w", target, err)
	}
	s.logger.Info().Str("path", target).Msg("Snapshots cleaned.")
	return nil
}
