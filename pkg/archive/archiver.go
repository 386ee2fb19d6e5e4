// Package archive mirrors local snapshots to Google Cloud Storage. Snapshots
// are copied byte for byte, so an archived object decodes exactly like the
// local file.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sync"

	"github.com/illmade-knight/go-fetchcache/pkg/snapshot"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel uploads when Config.Concurrency is unset.
const DefaultConcurrency = 4

const contentType = "application/gzip"

// Config holds configuration for an Archiver.
type Config struct {
	BucketName   string
	ObjectPrefix string
	Concurrency  int
}

// Archiver uploads snapshot files to a bucket as <prefix>/<source>/<group>/<file>.
type Archiver struct {
	client GCSClient
	config Config
	logger zerolog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(client GCSClient, config Config, logger zerolog.Logger) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	return &Archiver{
		client: client,
		config: config,
		logger: logger.With().Str("component", "Archiver").Logger(),
	}, nil
}

// ObjectName returns the object a snapshot file is archived under. The
// source and group are taken from the file's two parent directories.
func (a *Archiver) ObjectName(file string) string {
	groupDir := filepath.Dir(file)
	source := filepath.Base(filepath.Dir(groupDir))
	return path.Join(a.config.ObjectPrefix, source, filepath.Base(groupDir), filepath.Base(file))
}

// ArchiveFile uploads a single snapshot file and returns its object name.
func (a *Archiver) ArchiveFile(ctx context.Context, store *snapshot.Store, file string) (string, error) {
	src, err := store.Open(file)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	name := a.ObjectName(file)
	w := a.client.Bucket(a.config.BucketName).Object(name).NewWriter(ctx, contentType)
	n, err := io.Copy(w, src)
	if err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s to gs://%s/%s: %w", file, a.config.BucketName, name, err)
	}
	// Close commits the object.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", a.config.BucketName, name, err)
	}
	a.logger.Debug().Str("object", name).Int64("bytes", n).Msg("Snapshot archived.")
	return name, nil
}

// ArchiveGroup uploads every snapshot matching the source and group filters
// (as for Store.Glob) with bounded parallelism, and returns the object names
// in modification-time order. The first failure cancels the remaining uploads.
func (a *Archiver) ArchiveGroup(ctx context.Context, store *snapshot.Store, source, group string) ([]string, error) {
	files, err := store.Glob(source, group)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no snapshots match %q/%q", snapshot.ErrNotFound, source, group)
	}

	names := make([]string, len(files))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.Concurrency)
	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			name, err := a.ArchiveFile(gctx, store, file)
			if err != nil {
				return err
			}
			mu.Lock()
			names[i] = name
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Error().Err(err).Str("source", source).Str("group", group).Msg("Archiving group failed.")
		return nil, err
	}
	a.logger.Info().
		Str("source", source).
		Str("group", group).
		Int("files", len(names)).
		Str("bucket", a.config.BucketName).
		Msg("Group archived.")
	return names, nil
}
