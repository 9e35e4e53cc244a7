package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
)

// statusCmd reports queue depth and graph size by reading the database
// directly, the same way cmd/bd's own status commands read storage rather
// than talking to a running daemon over IPC.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show queue depth and graph size",
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

		q := queue.New(store.DB(), logging.NewNop())
		counts, err := q.GetJobCounts(ctx)
		if err != nil {
			return fmt.Errorf("pibrainctl: job counts: %w", err)
		}

		nodes, err := store.CountCurrentNodes(ctx)
		if err != nil {
			return fmt.Errorf("pibrainctl: count nodes: %w", err)
		}
		edges, err := store.CountEdges(ctx)
		if err != nil {
			return fmt.Errorf("pibrainctl: count edges: %w", err)
		}

		fmt.Printf("database:  %s\n", cfg.DBPath())
		fmt.Printf("nodes:     %d\n", nodes)
		fmt.Printf("edges:     %d\n", edges)
		fmt.Printf("jobs:      pending=%d running=%d completed=%d failed=%d\n",
			counts.Pending, counts.Running, counts.Completed, counts.Failed)
		return nil
	},
}
