package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
)

// migrateCmd applies pending migrations without starting the daemon.
// sqlite.Open already runs every migration on open (internal/storage/sqlite/db.go),
// so this command exists purely so a deploy pipeline or a first-time operator
// can provision the schema ahead of the first pibraind start, the same way
// cmd/bd's migrate command can be run standalone from a sync/deploy step.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create the data directory and apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("pibrainctl: create data dir: %w", err)
		}

		ctx := context.Background()
		store, err := sqlite.Open(ctx, cfg.DBPath(), sqlite.DefaultOptions(), logging.NewNop())
		if err != nil {
			return fmt.Errorf("pibrainctl: migrate: %w", err)
		}
		defer func() { _ = store.Close() }()

		fmt.Printf("migrated %s\n", cfg.DBPath())
		return nil
	},
}
