package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/querier"
)

// withServer opens the warehouse for a one-shot command.
func withServer(fn func(ctx context.Context, s *querier.Server) error) error {
	ctx := core.WithDefaultLogger(context.Background(), "cli")
	s, err := querier.NewServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(ctx, s)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	var db string
	cmd := &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a single statement and print the results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if db == "" {
				db = cfg.DefaultDatabase
			}
			return withServer(func(ctx context.Context, s *querier.Server) error {
				results, err := s.QueryClient.Query(ctx, strings.Join(args, " "), db)
				if err != nil {
					return err
				}
				return printJSON(querier.ProcessResultsForJSON(results))
			})
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "database to query")

	rootCmd.AddCommand(cmd)
}
