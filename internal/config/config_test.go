package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Daemon.WorkerCount)
	assert.Equal(t, "pi-brain-analyzer", cfg.Analyzer.Binary)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
data_dir: /tmp/pi-brain-data
daemon:
  worker_count: 8
discovery:
  jaccard_threshold: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pi-brain-data", cfg.DataDir)
	assert.Equal(t, 8, cfg.Daemon.WorkerCount)
	assert.Equal(t, 0.5, cfg.Discovery.JaccardThreshold)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from-yaml\n"), 0o600))

	t.Setenv("PIBRAIN_DATA_DIR", "/from-env")
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/from-env", cfg.DataDir)
}

func TestValidate_RejectsBadCron(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	job := cfg.Scheduler.Jobs["reanalysis"]
	job.Cron = "not a cron expression"
	cfg.Scheduler.Jobs["reanalysis"] = job

	err = cfg.Validate()
	assert.Error(t, err)
}

func TestValidate_RejectsZeroWorkers(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	cfg.Daemon.WorkerCount = 0
	assert.Error(t, cfg.Validate())
}

func TestDBPath(t *testing.T) {
	cfg := &Config{DataDir: "/data"}
	assert.Equal(t, "/data/pi-brain.db", cfg.DBPath())
	assert.Equal(t, "/data/pi-brain.pid", cfg.PIDPath())
}
