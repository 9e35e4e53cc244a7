package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/metrics"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
	"github.com/pi-brain/pi-brain/internal/types"
	"github.com/pi-brain/pi-brain/internal/watcher"
)

func TestAcquireLock_SecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "pi-brain.pid")

	l1, err := AcquireLock(pidPath, "db.sqlite", "test")
	require.NoError(t, err)
	defer func() { _ = l1.Release() }()

	_, err = AcquireLock(pidPath, "db.sqlite", "test")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquireLock_ReleaseThenReacquire(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "pi-brain.pid")

	l1, err := AcquireLock(pidPath, "db.sqlite", "test")
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := AcquireLock(pidPath, "db.sqlite", "test")
	require.NoError(t, err)
	defer func() { _ = l2.Release() }()

	pid, db, version, _, err := ReadLockInfo(pidPath)
	require.NoError(t, err)
	assert.Equal(t, "db.sqlite", db)
	assert.Equal(t, "test", version)
	assert.NotZero(t, pid)
}

func TestWireWatcherToQueue_EnqueuesInitialJobOnIdle(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	q := queue.New(store.DB(), logging.NewNop())
	sessionsDir := t.TempDir()
	w, err := watcher.New(config.WatcherConfig{
		Globs: []string{"*.jsonl"}, IdleThreshold: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond,
	}, sessionsDir, logging.NewNop())
	require.NoError(t, err)

	d := &Daemon{log: logging.NewNop(), queue: q, watcher: w, metrics: metrics.New()}
	d.wireWatcherToQueue(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, w.Start(runCtx))

	require.NoError(t, os.WriteFile(filepath.Join(sessionsDir, "a.jsonl"), []byte("{}\n"), 0o644))

	var job *types.Job
	require.Eventually(t, func() bool {
		job, err = q.ClaimNext(ctx, "w1")
		return err == nil && job != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.JobTypeInitial, job.Type)
	assert.Contains(t, job.Context.SessionFile, "a.jsonl")
}
