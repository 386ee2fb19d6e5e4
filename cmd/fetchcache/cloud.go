package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/illmade-knight/go-fetchcache/pkg/archive"
	"github.com/illmade-knight/go-fetchcache/pkg/table"
	"github.com/illmade-knight/go-fetchcache/pkg/warehouse"
	"github.com/spf13/cobra"
)

func newArchiveCmd(a *app) *cobra.Command {
	var bucket, prefix string
	cmd := &cobra.Command{
		Use:   "archive [source] [group]",
		Short: "Copies cached snapshots to a Google Cloud Storage bucket.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucket == "" {
				bucket = a.cfg.GCS.Bucket
			}
			if prefix == "" {
				prefix = a.cfg.GCS.Prefix
			}
			if bucket == "" {
				return errors.New("no bucket: set --bucket or FETCHCACHE_GCS_BUCKET")
			}

			client, err := archive.NewProductionGCSClient(cmd.Context(), a.cfg.GCS.CredentialsFile)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			archiver, err := archive.NewArchiver(archive.NewGCSClientAdapter(client), archive.Config{
				BucketName:   bucket,
				ObjectPrefix: prefix,
				Concurrency:  a.cfg.MaxConcurrency,
			}, a.logger)
			if err != nil {
				return err
			}
			names, err := archiver.ArchiveGroup(cmd.Context(), a.store, optionalArg(args, 0), optionalArg(args, 1))
			if err != nil {
				return err
			}
			for _, n := range names {
				_, _ = fmt.Fprintf(a.out, "gs://%s/%s\n", bucket, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bucket, "bucket", "", "destination bucket (default: $FETCHCACHE_GCS_BUCKET)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "object name prefix (default: $FETCHCACHE_GCS_PREFIX)")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var tableID string
	cmd := &cobra.Command{
		Use:   "export <source> <group> [name]",
		Short: "Streams a cached snapshot into a BigQuery table. Without a name the latest snapshot is exported.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, group := args[0], args[1]
			bq := a.cfg.BigQuery
			if bq.ProjectID == "" || bq.DatasetID == "" {
				return errors.New("set FETCHCACHE_BQ_PROJECT_ID and FETCHCACHE_BQ_DATASET_ID")
			}

			path, err := resolveSnapshot(a, source, group, optionalArg(args, 2))
			if err != nil {
				return err
			}
			snap, err := a.store.Read(source, group, path)
			if err != nil {
				return err
			}
			if tableID == "" {
				tableID = warehouse.FieldName(source + "_" + group)
			}

			client, err := warehouse.NewProductionBigQueryClient(cmd.Context(), bq.ProjectID, bq.CredentialsFile, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			loader, err := warehouse.NewBigQueryLoader(cmd.Context(), client, warehouse.DatasetConfig{
				ProjectID: bq.ProjectID,
				DatasetID: bq.DatasetID,
				TableID:   tableID,
			}, warehouse.SchemaFor(snap), bq.BatchSize, a.logger)
			if err != nil {
				return err
			}

			stem := strings.TrimSuffix(filepath.Base(path), table.Extension)
			n, err := loader.Load(cmd.Context(), snap, strings.Join([]string{source, group, stem}, "-"))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.out, "%d rows exported to %s.%s.%s\n", n, bq.ProjectID, bq.DatasetID, tableID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tableID, "table", "", "destination table (default: <source>_<group>)")
	return cmd
}

// resolveSnapshot returns the file a snapshot name refers to, or the latest.
func resolveSnapshot(a *app, source, group, name string) (string, error) {
	if name == "" {
		return a.store.Latest(source, group)
	}
	return a.store.Path(source, group, name)
}
