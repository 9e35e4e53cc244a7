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

var enqueueSessionFile string

// enqueueCmd manually enqueues an initial-analysis job for a session file
// the watcher already saw, or missed (e.g. the daemon was down when it went
// idle). Priority mirrors what the watcher itself would assign.
var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "manually enqueue an analysis job for a session file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueSessionFile == "" {
			return fmt.Errorf("pibrainctl: --session-file is required")
		}

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
		id, err := q.Enqueue(ctx, types.EnqueueInput{
			Type:     types.JobTypeInitial,
			Priority: types.PriorityInitial,
			Context: types.JobContext{
				SessionFile: enqueueSessionFile,
			},
		})
		if err != nil {
			return fmt.Errorf("pibrainctl: enqueue: %w", err)
		}

		fmt.Printf("enqueued job %s for %s\n", id, enqueueSessionFile)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueSessionFile, "session-file", "", "path to the session file to analyze")
}
