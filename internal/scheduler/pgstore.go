package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carecall/carecall/internal/database/models"
)

// PGStore is a Postgres job store for multi-node deployments. Leasing
// uses FOR UPDATE SKIP LOCKED so concurrent nodes never double-claim.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to the Postgres job store and ensures its schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to job store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging job store: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id           BIGSERIAL PRIMARY KEY,
			kind         TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '',
			lock_key     TEXT NOT NULL DEFAULT '',
			run_at       TIMESTAMPTZ NOT NULL,
			leased_until TIMESTAMPTZ,
			status       TEXT NOT NULL DEFAULT 'pending',
			attempts     INT NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs (status, run_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_lock_key ON jobs (lock_key);
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring job schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// Enqueue inserts a pending job, skipping the insert when a pending or
// leased job with the same lock key already exists.
func (s *PGStore) Enqueue(ctx context.Context, job *models.Job) error {
	if job.Status == "" {
		job.Status = models.JobPending
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if job.LockKey != "" {
		var count int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM jobs WHERE lock_key = $1 AND status IN ('pending', 'leased')`,
			job.LockKey).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking lock key: %w", err)
		}
		if count > 0 {
			return tx.Commit(ctx)
		}
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO jobs (kind, payload, lock_key, run_at, status)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		job.Kind, job.Payload, job.LockKey, job.RunAt.UTC(), job.Status,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing enqueue transaction: %w", err)
	}
	return nil
}

// LeaseDue claims up to limit due jobs for leaseFor. Expired leases are
// reclaimed the same way.
func (s *PGStore) LeaseDue(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, kind, payload, lock_key, run_at, leased_until, status,
		        attempts, last_error, created_at
		 FROM jobs
		 WHERE run_at <= $1
		   AND (status = 'pending' OR (status = 'leased' AND leased_until < $1))
		 ORDER BY run_at LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now.UTC(), limit)
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
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}

	until := now.Add(leaseFor).UTC()
	for i := range jobs {
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET status = 'leased', leased_until = $1, attempts = attempts + 1
			 WHERE id = $2`, until, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("leasing job %d: %w", jobs[i].ID, err)
		}
		jobs[i].Status = models.JobLeased
		jobs[i].LeasedUntil = &until
		jobs[i].Attempts++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing lease transaction: %w", err)
	}
	return jobs, nil
}

// Complete marks a leased job done.
func (s *PGStore) Complete(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'done', leased_until = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return nil
}

// Fail records an error on a leased job. A non-nil retryAt returns the
// job to pending; nil marks it failed for good.
func (s *PGStore) Fail(ctx context.Context, id int64, errMsg string, retryAt *time.Time) error {
	var err error
	if retryAt != nil {
		_, err = s.pool.Exec(ctx,
			`UPDATE jobs SET status = 'pending', leased_until = NULL,
			 run_at = $1, last_error = $2 WHERE id = $3`,
			retryAt.UTC(), errMsg, id)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE jobs SET status = 'failed', leased_until = NULL,
			 last_error = $1 WHERE id = $2`, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	return nil
}

// Cancel cancels a pending job by lock key, if any.
func (s *PGStore) Cancel(ctx context.Context, lockKey string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled' WHERE lock_key = $1 AND status = 'pending'`,
		lockKey)
	if err != nil {
		return fmt.Errorf("cancelling job: %w", err)
	}
	return nil
}

// GetJob returns one job by id, or nil when absent.
func (s *PGStore) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, payload, lock_key, run_at, leased_until, status,
		        attempts, last_error, created_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.Kind, &j.Payload, &j.LockKey, &j.RunAt, &j.LeasedUntil,
		&j.Status, &j.Attempts, &j.LastError, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	return &j, nil
}
