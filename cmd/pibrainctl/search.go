package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
)

var (
	searchProject  string
	searchType     string
	searchOutcome  string
	searchComputer string
	searchSince    string
	searchLimit    int
	searchOffset   int
)

// searchCmd is the one caller of Store.SearchNodesAdvanced, spec.md §4.1's
// full-text search operation: every flag maps directly to one field of
// sqlite.SearchOptions.
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "full-text search over node summaries, decisions, lessons, tags, and topics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		store, err := sqlite.Open(ctx, cfg.DBPath(), sqlite.DefaultOptions(), logging.NewNop())
		if err != nil {
			return fmt.Errorf("pibrainctl: open store: %w", err)
		}
		defer func() { _ = store.Close() }()

		opts := sqlite.SearchOptions{
			Project:  searchProject,
			Type:     searchType,
			Outcome:  searchOutcome,
			Computer: searchComputer,
			Limit:    searchLimit,
			Offset:   searchOffset,
		}
		if searchSince != "" {
			since, err := time.Parse("2006-01-02", searchSince)
			if err != nil {
				return fmt.Errorf("pibrainctl: --since must be YYYY-MM-DD: %w", err)
			}
			opts.AnalyzedAfter = since
		}

		hits, err := store.SearchNodesAdvanced(ctx, args[0], opts)
		if err != nil {
			return fmt.Errorf("pibrainctl: search: %w", err)
		}
		if len(hits) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, h := range hits {
			fmt.Printf("%s  [%s]  %s\n", h.NodeID, h.Column, h.Snippet)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchProject, "project", "", "filter by project")
	searchCmd.Flags().StringVar(&searchType, "type", "", "filter by node type")
	searchCmd.Flags().StringVar(&searchOutcome, "outcome", "", "filter by outcome")
	searchCmd.Flags().StringVar(&searchComputer, "computer", "", "filter by originating computer")
	searchCmd.Flags().StringVar(&searchSince, "since", "", "only nodes analyzed on or after this date (YYYY-MM-DD)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 25, "max results")
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "result offset, for pagination")
}
