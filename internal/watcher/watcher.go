// Package watcher implements the session watcher (spec.md §4.4): it
// boundary-detects session log files becoming ready for analysis and emits
// typed events, without parsing their contents. It is grounded on the
// teacher's fsnotify + debounce-timer idiom (cmd/bd/list.go's watch loop),
// generalized from a single directory refresh into a typed event bus with
// per-file idle tracking.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/logging"
)

// EventName enumerates the typed events the watcher publishes.
type EventName string

const (
	EventSessionNew     EventName = "session:new"
	EventSessionChanged EventName = "session:changed"
	EventSessionIdle    EventName = "session:idle"
	EventSessionRemoved EventName = "session:removed"
	EventError          EventName = "error"
	EventReady          EventName = "ready"
)

// Event is the payload delivered to subscribers. Exactly one of
// SessionPath or Err is set, matching spec.md §4.4's type-guarded detail
// payload (`{sessionPath}` or `{error}`); EventReady carries neither.
type Event struct {
	Name        EventName
	SessionPath string
	Err         error
}

type fileState struct {
	size          int64
	lastChangedAt time.Time
	lastEmittedAt time.Time
	analyzed      bool
	idleFired     bool
}

// Watcher tracks session files under Config.SessionsDir matching
// Config.Watcher.Globs and emits readiness events per spec.md §4.4.
type Watcher struct {
	sessionsDir   string
	globs         []string
	idleThreshold time.Duration
	pollInterval  time.Duration
	log           logging.Logger

	fsw *fsnotify.Watcher

	mu        sync.Mutex
	files     map[string]*fileState
	listeners map[EventName][]func(Event)
}

func New(cfg config.WatcherConfig, sessionsDir string, log logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	return &Watcher{
		sessionsDir:   sessionsDir,
		globs:         cfg.Globs,
		idleThreshold: cfg.IdleThreshold,
		pollInterval:  cfg.PollInterval,
		log:           log.Named("watcher"),
		fsw:           fsw,
		files:         map[string]*fileState{},
		listeners:     map[EventName][]func(Event){},
	}, nil
}

// On subscribes handler to name. There is no Unsubscribe by handle; callers
// that need to stop listening should stop the Watcher instead — the daemon
// is the only subscriber in practice (spec.md §4.9 wires session:* directly
// into enqueue), and its lifetime matches the watcher's.
func (w *Watcher) On(name EventName, handler func(Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners[name] = append(w.listeners[name], handler)
}

// Off removes a previously registered handler, compared by the %p
// formatting of the func values since they aren't otherwise comparable; exposed because
// spec.md §4.4 names subscribe/unsubscribe as the watcher's public surface.
func (w *Watcher) Off(name EventName, handler func(Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	handlers := w.listeners[name]
	for i, h := range handlers {
		if sameFunc(h, handler) {
			w.listeners[name] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	handlers := append([]func(Event){}, w.listeners[ev.Name]...)
	w.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Start performs the initial scan, begins watching sessionsDir for fsnotify
// events, and runs the idle-detection poll loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.sessionsDir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", w.sessionsDir, err)
	}
	if err := w.initialScan(); err != nil {
		return err
	}
	w.emit(Event{Name: EventReady})

	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	defer func() { _ = w.fsw.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.emit(Event{Name: EventError, Err: err})
		case <-ticker.C:
			w.checkIdle()
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if !w.matches(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.files, event.Name)
		w.mu.Unlock()
		w.emit(Event{Name: EventSessionRemoved, SessionPath: event.Name})

	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		size, err := fileSize(event.Name)
		if err != nil {
			w.emit(Event{Name: EventError, Err: err})
			return
		}
		w.mu.Lock()
		st, known := w.files[event.Name]
		now := time.Now()
		if !known {
			w.files[event.Name] = &fileState{size: size, lastChangedAt: now}
			w.mu.Unlock()
			w.emit(Event{Name: EventSessionNew, SessionPath: event.Name})
			return
		}
		sizeChanged := st.size != size
		st.size = size
		st.lastChangedAt = now
		st.idleFired = false
		w.mu.Unlock()
		if sizeChanged {
			w.emit(Event{Name: EventSessionChanged, SessionPath: event.Name})
		}
	}
}

// checkIdle implements readiness rule (c): a file inactive for at least
// idleThreshold fires session:idle exactly once per idle period. It does not
// check whether the file has unanalyzed entries; every idle file fires.
func (w *Watcher) checkIdle() {
	now := time.Now()
	w.mu.Lock()
	var toEmit []string
	for path, st := range w.files {
		if st.idleFired {
			continue
		}
		if now.Sub(st.lastChangedAt) >= w.idleThreshold {
			st.idleFired = true
			toEmit = append(toEmit, path)
		}
	}
	w.mu.Unlock()

	for _, path := range toEmit {
		w.emit(Event{Name: EventSessionIdle, SessionPath: path})
	}
}

// initialScan discovers pre-existing session files on boot and treats each
// as session:new, since the watcher has no record of having analyzed them.
func (w *Watcher) initialScan() error {
	matches, err := w.globMatches()
	if err != nil {
		return err
	}
	w.mu.Lock()
	for _, path := range matches {
		size, err := fileSize(path)
		if err != nil {
			continue
		}
		w.files[path] = &fileState{size: size, lastChangedAt: time.Now()}
	}
	w.mu.Unlock()
	for _, path := range matches {
		w.emit(Event{Name: EventSessionNew, SessionPath: path})
	}
	return nil
}

func (w *Watcher) globMatches() ([]string, error) {
	var out []string
	for _, pattern := range w.globs {
		matches, err := filepath.Glob(filepath.Join(w.sessionsDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("watcher: bad glob %q: %w", pattern, err)
		}
		out = append(out, matches...)
	}
	return out, nil
}

func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.sessionsDir, path)
	if err != nil {
		return false
	}
	for _, pattern := range w.globs {
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func sameFunc(a, b func(Event)) bool {
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("watcher: stat %s: %w", path, err)
	}
	return info.Size(), nil
}
