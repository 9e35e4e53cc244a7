package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
	"github.com/pi-brain/pi-brain/internal/types"
)

// rescanCmd enqueues a connection-discovery job for every current node in
// the graph. The scheduler's own connection_discovery pass only walks nodes
// created since its last run (internal/scheduler.runConnectionDiscovery), by
// design, so picking up a changed discovery.jaccardThreshold against
// historical nodes is this deliberate, explicit operator action instead.
var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "re-run connection discovery against every existing node",
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

		ids, err := store.ListAllCurrentNodeIDs(ctx)
		if err != nil {
			return fmt.Errorf("pibrainctl: list nodes: %w", err)
		}

		q := queue.New(store.DB(), logging.NewNop())
		enqueued := 0
		for _, id := range ids {
			if _, err := q.Enqueue(ctx, types.EnqueueInput{
				Type:     types.JobTypeConnectionDiscovery,
				Priority: types.PriorityConnectionDiscovery,
				Context: types.JobContext{
					NodeID: id,
				},
			}); err != nil {
				return fmt.Errorf("pibrainctl: enqueue node %s: %w", id, err)
			}
			enqueued++
		}

		fmt.Printf("enqueued connection discovery for %d nodes\n", enqueued)
		return nil
	},
}
