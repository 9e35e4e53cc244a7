package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// immediateRetryAttempts and immediateRetryBaseDelay bound how long a writer
// waits for SQLite's RESERVED lock before giving up. busy_timeout on the DSN
// handles most contention; this loop exists for the window where two
// goroutines both issue "BEGIN IMMEDIATE" in the same instant and SQLite's
// internal busy handler has already been exhausted by the first one.
const (
	immediateRetryAttempts  = 6
	immediateRetryBaseDelay = 25 * time.Millisecond
)

// isBusyOrLocked reports whether err is SQLite's SQLITE_BUSY or
// SQLITE_LOCKED, the two codes that mean "retry, another writer has the
// lock" rather than "this statement is wrong."
func isBusyOrLocked(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	// Fallback string match: the cgo-free build tag swaps the driver's error
	// type in some environments, so match the message too.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// beginImmediateWithRetry starts an IMMEDIATE transaction on conn, retrying
// with jittered backoff on SQLITE_BUSY. IMMEDIATE acquires the RESERVED lock
// up front so two writers never interleave partial transactions; database/sql
// can't request IMMEDIATE mode through BeginTx, so this issues the raw
// statement on a connection pinned via db.Conn.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn) error {
	var lastErr error
	for attempt := 0; attempt < immediateRetryAttempts; attempt++ {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if !isBusyOrLocked(err) {
			return err
		}
		lastErr = err
		delay := immediateRetryBaseDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("sqlite: begin immediate: exhausted %d retries: %w", immediateRetryAttempts, lastErr)
}

// withImmediateTx acquires a dedicated connection, starts an IMMEDIATE
// transaction with retry, and runs fn. fn's error rolls the transaction
// back; a nil error commits. The dedicated connection is required because
// the pool may otherwise hand "COMMIT" to a different physical connection
// than the one that ran "BEGIN IMMEDIATE".
func (s *Store) withImmediateTx(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return wrapDBError("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn); err != nil {
		return wrapDBError("begin immediate", err)
	}

	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(ctx, conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return wrapDBError("commit", err)
	}
	committed = true
	return nil
}
