package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrAlreadyRunning is returned by AcquireLock when another process already
// holds the PID lock, grounded on the teacher's daemonrunner.ErrDaemonLocked.
var ErrAlreadyRunning = errors.New("pi-brain: daemon already running (lock held)")

// lockInfo is the JSON metadata written into the lock file, mirroring the
// teacher's DaemonLockInfo.
type lockInfo struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"startedAt"`
}

// Lock represents a held exclusive lock on the daemon's PID file for the
// lifetime of one daemon process.
type Lock struct {
	file *os.File
	path string
}

// Release closes the lock file, dropping the OS-level flock and leaving the
// file on disk (its content is ignored once unlocked; AcquireLock truncates
// and rewrites it on next start).
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// AcquireLock takes an exclusive, non-blocking lock on pidPath, recording
// the current PID, database path, and daemon version so ReadLockInfo can
// report who holds it. Adapted from the teacher's
// daemonrunner.acquireDaemonLock/flockExclusive idiom, generalized into a
// self-contained type (the teacher's version lived on an undefined *Daemon
// receiver split across daemonrunner/process.go and daemonrunner/fingerprint.go).
func AcquireLock(pidPath, dbPath, version string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create pid dir: %w", err)
	}

	f, err := os.OpenFile(pidPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("daemon: open pid file: %w", err)
	}

	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrAlreadyRunning) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("daemon: lock pid file: %w", err)
	}

	info := lockInfo{PID: os.Getpid(), Database: dbPath, Version: version, StartedAt: time.Now().UTC()}
	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: truncate pid file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: seek pid file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(info); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: write pid file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("daemon: sync pid file: %w", err)
	}

	return &Lock{file: f, path: pidPath}, nil
}

// ReadLockInfo reads the metadata of a (possibly stale) pid file without
// taking the lock, so a caller can report on a daemon it isn't running as.
func ReadLockInfo(pidPath string) (pid int, database, version string, startedAt time.Time, err error) {
	raw, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, "", "", time.Time{}, err
	}
	var info lockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return 0, "", "", time.Time{}, fmt.Errorf("daemon: parse pid file: %w", err)
	}
	return info.PID, info.Database, info.Version, info.StartedAt, nil
}
