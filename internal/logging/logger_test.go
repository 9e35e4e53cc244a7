package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesToFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "pi-brain.log")

	logger, closeFn, err := New("info", logPath)
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	child := logger.Named("worker.1")
	child.Info("hello", "key", "value")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "worker.1")
}

func TestNew_NoLogPathStillWorks(t *testing.T) {
	logger, closeFn, err := New("debug", "")
	require.NoError(t, err)
	defer func() { _ = closeFn() }()
	logger.Debug("no file sink")
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	l.Info("ignored")
	l.Named("x").Warn("still ignored")
}
