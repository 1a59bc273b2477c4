package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gigapi/gigapi-lakehouse/catalog"
	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/querier"
)

func init() {
	var (
		where  map[string]string
		zorder []string
		retain time.Duration
		dryRun bool
		limit  int
	)

	optimizeCmd := &cobra.Command{
		Use:   "optimize [db.]table",
		Short: "Compact small files, optionally clustering them by Z-order",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withServer(func(ctx context.Context, s *querier.Server) error {
				db, name := catalog.ParseName(args[0], cfg.DefaultDatabase)
				tbl, err := s.Catalog.LoadTable(ctx, db, name)
				if err != nil {
					return err
				}
				rec, err := s.QueryClient.Optimizer.Compact(ctx, tbl, where, zorder)
				if err != nil {
					return err
				}
				if rec == nil {
					core.Infof(ctx, "%s.%s: nothing to compact", db, name)
					return nil
				}
				return printJSON(rec)
			})
		},
	}
	optimizeCmd.Flags().StringToStringVar(&where, "where", nil, "partition filter, e.g. --where date=2024-01-01")
	optimizeCmd.Flags().StringSliceVar(&zorder, "zorder-by", nil, "columns to cluster by")

	vacuumCmd := &cobra.Command{
		Use:   "vacuum [db.]table",
		Short: "Delete data files no longer referenced within the retention window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("retain") {
				retain = cfg.Vacuum.Retention
			}
			return withServer(func(ctx context.Context, s *querier.Server) error {
				db, name := catalog.ParseName(args[0], cfg.DefaultDatabase)
				tbl, err := s.Catalog.LoadTable(ctx, db, name)
				if err != nil {
					return err
				}
				res, err := tbl.Vacuum(ctx, retain, dryRun)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	vacuumCmd.Flags().DurationVar(&retain, "retain", 0, "retention window (default from config)")
	vacuumCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list files without deleting them")

	historyCmd := &cobra.Command{
		Use:   "history [db.]table",
		Short: "Print the commit history of a table, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withServer(func(ctx context.Context, s *querier.Server) error {
				db, name := catalog.ParseName(args[0], cfg.DefaultDatabase)
				tbl, err := s.Catalog.LoadTable(ctx, db, name)
				if err != nil {
					return err
				}
				history, err := tbl.History(ctx, limit)
				if err != nil {
					return fmt.Errorf("failed to read history of %s.%s: %w", db, name, err)
				}
				return printJSON(history)
			})
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 0, "number of versions to print, 0 for all")

	rootCmd.AddCommand(optimizeCmd, vacuumCmd, historyCmd)
}
