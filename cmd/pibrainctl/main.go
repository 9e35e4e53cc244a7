// Command pibrainctl is the operator CLI for an existing pi-brain data
// directory: it reads the same SQLite database pibraind writes, without any
// IPC to a running daemon process. Grounded on the teacher's cmd/bd command
// tree (one cobra root command, subcommands in their own files, persistent
// flags shared by every subcommand).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pi-brain/pi-brain/internal/config"
)

var configPath string
var dataDir string

var rootCmd = &cobra.Command{
	Use:   "pibrainctl",
	Short: "operate on a pi-brain data directory",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data_dir")

	rootCmd.AddCommand(statusCmd, migrateCmd, enqueueCmd, rescanCmd, initConfigCmd, searchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath, func(v *viper.Viper) error {
		if dataDir != "" {
			v.Set("data_dir", dataDir)
		}
		return nil
	})
}
