// Package queue is the priority job queue described in spec.md §4.3: every
// unit of background work (initial analysis, reanalysis, connection
// discovery) is a row in the jobs table, claimed atomically by a worker
// goroutine and retried with backoff on transient failure.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pi-brain/pi-brain/internal/errs"
	"github.com/pi-brain/pi-brain/internal/idgen"
	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/types"
)

// ErrEmpty is returned by ClaimNext when no job is ready to run.
var ErrEmpty = errors.New("queue: no job ready")

// Queue wraps the jobs table. It shares the daemon's single *sql.DB rather
// than owning a connection of its own, so job claims and node writes are
// serialized by the same SQLite writer lock.
type Queue struct {
	db  *sql.DB
	log logging.Logger
}

func New(db *sql.DB, log logging.Logger) *Queue {
	return &Queue{db: db, log: log}
}

const timeLayout = time.RFC3339Nano

// Enqueue inserts a new pending job under a freshly generated id and
// returns the id.
func (q *Queue) Enqueue(ctx context.Context, in types.EnqueueInput) (string, error) {
	id := idgen.MustGenerateRandomID()
	ctxJSON, err := json.Marshal(in.Context)
	if err != nil {
		return "", fmt.Errorf("queue: marshal job context: %w", err)
	}
	maxRetries := in.MaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}
	now := time.Now().UTC()
	availableAt := now
	if !in.AvailableAt.IsZero() {
		availableAt = in.AvailableAt.UTC()
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, status, priority, context, retry_count, max_retries, queued_at, available_at, worker_id, last_error)
		VALUES (?, ?, 'pending', ?, ?, 0, ?, ?, ?, '', '')
	`, id, string(in.Type), in.Priority, string(ctxJSON), maxRetries,
		now.Format(timeLayout), availableAt.Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", in.Type, err)
	}
	return id, nil
}

// EnqueueMany inserts every job in ins inside a single transaction, per
// spec.md §4.3's "enqueueMany is transactional": a batch either lands in
// full or, on any single insert's failure, none of it lands, so a crash
// mid-batch (e.g. the scheduler's reanalysis pass) never leaves a partial
// set of stale-node jobs queued. Returns the generated ids in the same
// order as ins.
func (q *Queue) EnqueueMany(ctx context.Context, ins []types.EnqueueInput) ([]string, error) {
	if len(ins) == 0 {
		return nil, nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin enqueue many: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(ins))
	for _, in := range ins {
		id := idgen.MustGenerateRandomID()
		ctxJSON, err := json.Marshal(in.Context)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal job context: %w", err)
		}
		maxRetries := in.MaxRetries
		if maxRetries == 0 {
			maxRetries = 5
		}
		now := time.Now().UTC()
		availableAt := now
		if !in.AvailableAt.IsZero() {
			availableAt = in.AvailableAt.UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, job_type, status, priority, context, retry_count, max_retries, queued_at, available_at, worker_id, last_error)
			VALUES (?, ?, 'pending', ?, ?, 0, ?, ?, ?, '', '')
		`, id, string(in.Type), in.Priority, string(ctxJSON), maxRetries, now.Format(timeLayout), availableAt.Format(timeLayout))
		if err != nil {
			return nil, fmt.Errorf("queue: enqueue many %s: %w", in.Type, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit enqueue many: %w", err)
	}
	return ids, nil
}

// ClaimNext atomically claims the highest-priority ready job for workerID:
// lowest priority number first, then oldest queued_at, restricted to jobs
// whose available_at has passed. The UPDATE...RETURNING form makes the
// claim and the read a single statement, so two workers racing on the same
// row can never both believe they won.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*types.Job, error) {
	now := time.Now().UTC().Format(timeLayout)
	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', worker_id = ?, claimed_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND (available_at IS NULL OR available_at <= ?)
			ORDER BY priority ASC, queued_at ASC
			LIMIT 1
		)
		RETURNING id, job_type, status, priority, context, retry_count, max_retries, queued_at, available_at, worker_id, last_error
	`, workerID, now, now)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim next: %w", err)
	}
	return job, nil
}

func scanJob(row *sql.Row) (*types.Job, error) {
	var j types.Job
	var jobType, status, ctxJSON, queuedAt, workerID, lastError string
	var availableAt sql.NullString
	if err := row.Scan(&j.ID, &jobType, &status, &j.Priority, &ctxJSON, &j.RetryCount, &j.MaxRetries,
		&queuedAt, &availableAt, &workerID, &lastError); err != nil {
		return nil, err
	}
	j.Type = types.JobType(jobType)
	j.Status = types.JobStatus(status)
	j.WorkerID = workerID
	j.LastError = lastError
	if err := json.Unmarshal([]byte(ctxJSON), &j.Context); err != nil {
		return nil, fmt.Errorf("unmarshal job context for %s: %w", j.ID, err)
	}
	t, err := time.Parse(timeLayout, queuedAt)
	if err != nil {
		return nil, fmt.Errorf("parse queued_at for %s: %w", j.ID, err)
	}
	j.QueuedAt = t
	if availableAt.Valid {
		at, err := time.Parse(timeLayout, availableAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse available_at for %s: %w", j.ID, err)
		}
		j.AvailableAt = &at
	}
	return &j, nil
}

// Complete marks a claimed job completed.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', completed_at = ? WHERE id = ?`, now, jobID)
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", jobID, err)
	}
	return nil
}

// Fail records a job failure. If the error is retryable and the job hasn't
// exhausted max_retries, it is rescheduled pending with an exponential
// backoff delay; otherwise it's marked failed terminally.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error, retryCount, maxRetries int, policy errs.RetryPolicy) error {
	stored := errs.FormatStoredError(classify(jobErr), time.Now().UTC())
	if errs.ShouldRetry(jobErr, retryCount, maxRetries) {
		delayMin := errs.CalculateRetryDelayMinutes(retryCount, policy)
		availableAt := time.Now().UTC().Add(time.Duration(delayMin * float64(time.Minute))).Format(timeLayout)
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
			       available_at = ?, last_error = ?, worker_id = ''
			WHERE id = ?
		`, availableAt, stored, jobID)
		if err != nil {
			return fmt.Errorf("queue: reschedule %s: %w", jobID, err)
		}
		return nil
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', completed_at = ?, last_error = ? WHERE id = ?
	`, now, stored, jobID)
	if err != nil {
		return fmt.Errorf("queue: fail %s: %w", jobID, err)
	}
	return nil
}

func classify(err error) *errs.ClassifiedError {
	var ce *errs.ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return errs.CreateTypedError(err.Error(), errs.Classify(err))
}

// GetJobCounts returns the number of jobs in each status, used by
// pibrainctl status and the daemon's queue-depth reporting.
func (q *Queue) GetJobCounts(ctx context.Context) (types.JobCounts, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return types.JobCounts{}, fmt.Errorf("queue: job counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts types.JobCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return types.JobCounts{}, fmt.Errorf("queue: scan job count: %w", err)
		}
		switch types.JobStatus(status) {
		case types.JobStatusPending:
			counts.Pending = n
		case types.JobStatusRunning:
			counts.Running = n
		case types.JobStatusCompleted:
			counts.Completed = n
		case types.JobStatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return types.JobCounts{}, fmt.Errorf("queue: iterate job counts: %w", err)
	}
	return counts, nil
}
