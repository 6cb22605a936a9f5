package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/carecall/carecall/internal/database/models"
)

// JobStore is the durable scheduler queue backed by SQLite. A Postgres
// implementation with the same shape lives in the scheduler package for
// multi-node deployments.
type JobStore struct {
	db *DB
}

// NewJobStore creates a SQLite-backed job store.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, kind, payload, lock_key, run_at, leased_until, status,
	attempts, last_error, created_at`

// Enqueue inserts a pending job. When lockKey is non-empty and a pending or
// leased job with the same key already exists, the insert is skipped so one
// schedule cannot stack duplicate fires.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	if job.LockKey != "" {
		var count int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE lock_key = ? AND status IN ('pending', 'leased')`,
			job.LockKey).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking lock key: %w", err)
		}
		if count > 0 {
			return tx.Commit()
		}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (kind, payload, lock_key, run_at, status)
		 VALUES (?, ?, ?, ?, ?)`,
		job.Kind, job.Payload, job.LockKey, job.RunAt.UTC(), job.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	job.ID = id

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing enqueue transaction: %w", err)
	}
	return nil
}

// LeaseDue claims up to limit due jobs for leaseFor and returns them.
// Jobs whose lease expired are reclaimed the same way.
func (s *JobStore) LeaseDue(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE run_at <= ?
		   AND (status = 'pending' OR (status = 'leased' AND leased_until < ?))
		 ORDER BY run_at LIMIT ?`,
		now.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due jobs: %w", err)
	}

	var jobs []models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.LockKey, &j.RunAt,
			&j.LeasedUntil, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	rows.Close()

	until := now.Add(leaseFor).UTC()
	for i := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'leased', leased_until = ?, attempts = attempts + 1
			 WHERE id = ?`, until, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("leasing job %d: %w", jobs[i].ID, err)
		}
		jobs[i].Status = models.JobLeased
		jobs[i].LeasedUntil = &until
		jobs[i].Attempts++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing lease transaction: %w", err)
	}
	return jobs, nil
}

// Complete marks a leased job done.
func (s *JobStore) Complete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', leased_until = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

// Fail records an error on a leased job. A non-nil retryAt returns the job
// to pending for another attempt; nil marks it failed for good.
func (s *JobStore) Fail(ctx context.Context, id int64, errMsg string, retryAt *time.Time) error {
	var err error
	if retryAt != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'pending', leased_until = NULL,
			 run_at = ?, last_error = ? WHERE id = ?`,
			retryAt.UTC(), errMsg, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'failed', leased_until = NULL,
			 last_error = ? WHERE id = ?`, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	return nil
}

// Cancel cancels a pending job by lock key, if any.
func (s *JobStore) Cancel(ctx context.Context, lockKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled' WHERE lock_key = ? AND status = 'pending'`,
		lockKey)
	if err != nil {
		return fmt.Errorf("cancelling job: %w", err)
	}
	return nil
}

// GetJob returns one job by id, or nil when absent.
func (s *JobStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var j models.Job
	err := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Kind, &j.Payload, &j.LockKey, &j.RunAt, &j.LeasedUntil,
		&j.Status, &j.Attempts, &j.LastError, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	return &j, nil
}
