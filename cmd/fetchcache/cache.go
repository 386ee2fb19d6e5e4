package main

import (
	"fmt"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newTable(a *app) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(a.out)
	return t
}

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [source] [group]",
		Short: "Lists cached snapshots, oldest first.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := a.store.Glob(optionalArg(args, 0), optionalArg(args, 1))
			if err != nil {
				return err
			}
			for _, p := range paths {
				rel, err := filepath.Rel(a.store.Root(), p)
				if err != nil {
					rel = p
				}
				_, _ = fmt.Fprintln(a.out, filepath.ToSlash(rel))
			}
			return nil
		},
	}
}

func newShowCmd(a *app) *cobra.Command {
	var head int
	cmd := &cobra.Command{
		Use:   "show <source> <group> [name]",
		Short: "Prints a snapshot as a table. Without a name the latest snapshot is shown.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := a.store.Read(args[0], args[1], optionalArg(args, 2))
			if err != nil {
				return err
			}
			if head > 0 {
				snap = snap.Head(head)
			}

			t := newTable(a)
			header := make(table.Row, len(snap.Columns))
			for i, c := range snap.Columns {
				header[i] = c
			}
			t.AppendHeader(header)
			for _, r := range snap.Rows {
				t.AppendRow(table.Row(r))
			}
			t.AppendFooter(table.Row{fmt.Sprintf("%d rows", len(snap.Rows))})
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&head, "head", 0, "show at most this many rows")
	return cmd
}

func newCleanCmd(a *app) *cobra.Command {
	var source, group string
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Removes cached snapshots.",
		Long: `Removes cached snapshots.

  --source S --group G   removes that group only
  --source S             removes every group of the source
  --group G              does nothing (group names are not unique across sources)
  (no flags)             removes the whole cache`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.store.Clean(source, group)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source to clean")
	cmd.Flags().StringVar(&group, "group", "", "group to clean (requires --source)")
	return cmd
}
