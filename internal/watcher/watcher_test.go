package watcher

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
)

func newTestWatcher(t *testing.T, idleThreshold time.Duration) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.WatcherConfig{
		Globs:         []string{"*.jsonl"},
		IdleThreshold: idleThreshold,
		PollInterval:  20 * time.Millisecond,
	}
	w, err := New(cfg, dir, logging.NewNop())
	require.NoError(t, err)
	return w, dir
}

func waitFor(t *testing.T, ch <-chan Event, name EventName, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", name)
		}
	}
}

func TestWatcher_EmitsReadyAfterInitialScan(t *testing.T) {
	w, dir := newTestWatcher(t, time.Second)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"), []byte("{}"), 0o644))

	events := make(chan Event, 16)
	w.On(EventReady, func(e Event) { events <- e })
	w.On(EventSessionNew, func(e Event) { events <- e })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	waitFor(t, events, EventSessionNew, time.Second)
	waitFor(t, events, EventReady, time.Second)
}

func TestWatcher_EmitsSessionIdleAfterThreshold(t *testing.T) {
	w, dir := newTestWatcher(t, 50*time.Millisecond)
	path := filepath.Join(dir, "a.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	events := make(chan Event, 16)
	w.On(EventSessionIdle, func(e Event) { events <- e })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	ev := waitFor(t, events, EventSessionIdle, 2*time.Second)
	assert.Equal(t, path, ev.SessionPath)
}

func TestWatcher_DoesNotMatchUnrelatedFiles(t *testing.T) {
	w, dir := newTestWatcher(t, time.Second)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	assert.False(t, w.matches(filepath.Join(dir, "notes.txt")))
	assert.True(t, w.matches(filepath.Join(dir, "a.jsonl")))
}

func TestWatcher_OffRemovesHandler(t *testing.T) {
	w, _ := newTestWatcher(t, time.Second)
	calls := 0
	handler := func(e Event) { calls++ }

	w.On(EventReady, handler)
	w.emit(Event{Name: EventReady})
	assert.Equal(t, 1, calls)

	w.Off(EventReady, handler)
	w.emit(Event{Name: EventReady})
	assert.Equal(t, 1, calls, "handler should not fire after Off")
}
