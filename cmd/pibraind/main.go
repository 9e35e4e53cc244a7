// Command pibraind is the long-running pi-brain daemon: it watches a
// sessions directory, analyzes idle session files through an external
// analyzer subprocess, and maintains the knowledge graph in the
// background. Grounded on the teacher's cmd/bd root-command setup (flag
// values applied as viper overrides through config.Load's bind callback)
// and cmd/bd/daemon.go's daemon-start flow; signal handling is left to
// internal/daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/daemon"
	"github.com/pi-brain/pi-brain/internal/logging"
)

// Version is stamped at build time via -ldflags, the way the teacher
// stamps its own cmd/bd Version variable.
var Version = "dev"

var (
	configPath string
	dataDir    string
	sessDir    string
	logLevel   string
	logPath    string
)

func main() {
	root := &cobra.Command{
		Use:   "pibraind",
		Short: "pi-brain background knowledge-graph daemon",
		RunE:  runDaemon,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.Flags().StringVar(&dataDir, "data-dir", "", "override data_dir")
	root.Flags().StringVar(&sessDir, "sessions-dir", "", "override sessions_dir")
	root.Flags().StringVar(&logLevel, "log-level", "", "override logging.level")
	root.Flags().StringVar(&logPath, "log-file", "", "override logging.path")
	root.Flags().Bool("version", false, "print version and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetBool("version"); v {
		fmt.Printf("pibraind version %s\n", Version)
		return nil
	}

	cfg, err := config.Load(configPath, func(v *viper.Viper) error {
		if dataDir != "" {
			v.Set("data_dir", dataDir)
		}
		if sessDir != "" {
			v.Set("sessions_dir", sessDir)
		}
		if logLevel != "" {
			v.Set("logging.level", logLevel)
		}
		if logPath != "" {
			v.Set("logging.path", logPath)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pibraind: load config: %w", err)
	}

	log, closeLog, err := logging.New(cfg.Logging.Level, cfg.Logging.Path)
	if err != nil {
		return fmt.Errorf("pibraind: init logging: %w", err)
	}
	defer func() { _ = closeLog() }()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("pibraind: create data dir: %w", err)
	}

	// daemon.Run installs its own SIGTERM/SIGINT/SIGHUP handling
	// (internal/daemon/daemon.go's awaitSignal) and treats SIGHUP
	// distinctly from a shutdown signal, so this context is not wrapped
	// in signal.NotifyContext here — a second independent signal
	// listener for the same signals would just be redundant.
	ctx := context.Background()

	d, err := daemon.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("pibraind: build daemon: %w", err)
	}

	daemon.Version = Version
	return d.Run(ctx)
}
