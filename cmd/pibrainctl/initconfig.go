package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// scaffoldConfig is a deliberately small subset of config.Config: only the
// values an operator is likely to want to change by hand before the first
// run. Everything else keeps internal/config's built-in defaults. Grounded
// on the teacher's internal/config/local_config.go, which also reads/writes
// its own narrow YAML struct directly with gopkg.in/yaml.v3 rather than
// going through the viper singleton.
type scaffoldConfig struct {
	DataDir     string `yaml:"data_dir"`
	SessionsDir string `yaml:"sessions_dir"`
	Analyzer    struct {
		Binary string `yaml:"binary"`
	} `yaml:"analyzer"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "write a starter config.yaml an operator can edit by hand",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("pibrainctl: %s already exists, not overwriting", path)
		}

		scaffold := scaffoldConfig{
			DataDir:     "./.pi-brain",
			SessionsDir: "./sessions",
		}
		scaffold.Analyzer.Binary = "pi-brain-analyzer"
		scaffold.Logging.Level = "info"

		data, err := yaml.Marshal(scaffold)
		if err != nil {
			return fmt.Errorf("pibrainctl: marshal config scaffold: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("pibrainctl: write %s: %w", path, err)
		}

		fmt.Printf("wrote %s\n", path)
		return nil
	},
}
