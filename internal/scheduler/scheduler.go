// Package scheduler fires recurring call schedules and the daily billing
// rollup through a durable at-least-once job store.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carecall/carecall/internal/config"
	"github.com/carecall/carecall/internal/database"
	"github.com/carecall/carecall/internal/database/models"
)

const (
	pollInterval = 15 * time.Second
	leaseFor     = 2 * time.Minute
	leaseBatch   = 32
	jobRetryWait = 5 * time.Minute
	maxAttempts  = 5
)

// JobStore is the durable queue the scheduler drains. Both the SQLite
// store in the database package and the Postgres store in this package
// satisfy it.
type JobStore interface {
	Enqueue(ctx context.Context, job *models.Job) error
	LeaseDue(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]models.Job, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string, retryAt *time.Time) error
	Cancel(ctx context.Context, lockKey string) error
}

// Launcher starts calls; the orchestrator registry satisfies it.
type Launcher interface {
	Initiate(ctx context.Context, patientID int64, agentID *int64) (*models.Conversation, error)
	Launch(ctx context.Context, conversationID int64) error
}

// BillingRunner executes one rollup window; the billing package
// satisfies it.
type BillingRunner interface {
	RollupWindow(ctx context.Context, from, to time.Time) error
}

// CallJob is the payload for call-kind jobs. Schedule fires carry a
// patient; retry launches carry the pre-created conversation.
type CallJob struct {
	ConversationID int64 `json:"conversation_id,omitempty"`
	PatientID      int64 `json:"patient_id,omitempty"`
	ScheduleID     int64 `json:"schedule_id,omitempty"`
}

// BillingJob is the payload for billing-kind jobs.
type BillingJob struct {
	Day string `json:"day"` // YYYY-MM-DD, the day to roll up
}

// Scheduler owns the fire loop: due schedules become jobs, due jobs
// become calls or rollups.
type Scheduler struct {
	cfg       *config.Config
	schedules database.ScheduleRepository
	jobs      JobStore
	launcher  Launcher
	billing   BillingRunner
	logger    *slog.Logger

	// lastBillingDay is the most recent day a rollup job was enqueued
	// for; only the poll goroutine touches it.
	lastBillingDay string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(cfg *config.Config, schedules database.ScheduleRepository, jobs JobStore, launcher Launcher, billing BillingRunner) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		schedules: schedules,
		jobs:      jobs,
		launcher:  launcher,
		billing:   billing,
		logger:    slog.Default().With("component", "scheduler"),
	}
}

// Start begins the poll loop. Non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				s.fireDue(ctx, now)
				s.enqueueBilling(ctx, now)
				s.processJobs(ctx, now)
			}
		}
	}()
}

// Stop halts the poll loop. Leased jobs are reclaimed by lease expiry.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// fireDue turns due schedules into call jobs and advances their next
// fire date. The job's lock key keeps one schedule from stacking
// duplicate fires inside the grace window.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	due, err := s.schedules.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("listing due schedules failed", "error", err)
		return
	}

	for i := range due {
		sched := &due[i]
		payload, err := json.Marshal(CallJob{PatientID: sched.PatientID, ScheduleID: sched.ID})
		if err != nil {
			s.logger.Error("encoding schedule payload failed", "schedule_id", sched.ID, "error", err)
			continue
		}
		runAt := now
		if sched.NextCallDate != nil {
			runAt = *sched.NextCallDate
		}
		job := &models.Job{
			Kind:    models.JobKindCall,
			Payload: string(payload),
			LockKey: fmt.Sprintf("schedule:%d", sched.ID),
			RunAt:   runAt,
			Status:  models.JobPending,
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			s.logger.Error("enqueueing schedule fire failed", "schedule_id", sched.ID, "error", err)
			continue
		}

		next, err := NextCallDate(sched, now)
		if err != nil {
			s.logger.Error("computing next call date failed", "schedule_id", sched.ID, "error", err)
			continue
		}
		if err := s.schedules.SetNextCallDate(ctx, sched.ID, next); err != nil {
			s.logger.Error("advancing schedule failed", "schedule_id", sched.ID, "error", err)
			continue
		}
		s.logger.Info("schedule fired",
			"schedule_id", sched.ID, "patient_id", sched.PatientID, "next", next)
	}
}

// enqueueBilling creates the previous day's rollup job once the billing
// hour has passed. The lock key dedups against a pending or leased job;
// lastBillingDay keeps the poll loop from re-enqueueing the same day
// after that job completes.
func (s *Scheduler) enqueueBilling(ctx context.Context, now time.Time) {
	if now.Hour() < s.cfg.BillingHourUTC {
		return
	}
	day := now.AddDate(0, 0, -1).Format("2006-01-02")
	if day == s.lastBillingDay {
		return
	}
	payload, err := json.Marshal(BillingJob{Day: day})
	if err != nil {
		s.logger.Error("encoding billing payload failed", "error", err)
		return
	}
	job := &models.Job{
		Kind:    models.JobKindBilling,
		Payload: string(payload),
		LockKey: "billing:" + day,
		RunAt:   now,
		Status:  models.JobPending,
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		s.logger.Error("enqueueing billing job failed", "day", day, "error", err)
		return
	}
	s.lastBillingDay = day
}

// processJobs leases due jobs and dispatches them by kind.
func (s *Scheduler) processJobs(ctx context.Context, now time.Time) {
	jobs, err := s.jobs.LeaseDue(ctx, now, leaseFor, leaseBatch)
	if err != nil {
		s.logger.Error("leasing jobs failed", "error", err)
		return
	}

	for _, job := range jobs {
		var runErr error
		switch job.Kind {
		case models.JobKindCall:
			runErr = s.runCallJob(ctx, job)
		case models.JobKindBilling:
			runErr = s.runBillingJob(ctx, job)
		default:
			runErr = fmt.Errorf("unknown job kind %q", job.Kind)
		}

		if runErr == nil {
			if err := s.jobs.Complete(ctx, job.ID); err != nil {
				s.logger.Error("completing job failed", "job_id", job.ID, "error", err)
			}
			continue
		}

		s.logger.Error("job failed", "job_id", job.ID, "kind", job.Kind,
			"attempt", job.Attempts, "error", runErr)
		var retryAt *time.Time
		if job.Attempts < maxAttempts {
			at := now.Add(jobRetryWait)
			retryAt = &at
		}
		if err := s.jobs.Fail(ctx, job.ID, runErr.Error(), retryAt); err != nil {
			s.logger.Error("recording job failure failed", "job_id", job.ID, "error", err)
		}
	}
}

func (s *Scheduler) runCallJob(ctx context.Context, job models.Job) error {
	var p CallJob
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("decoding call payload: %w", err)
	}
	if p.ConversationID != 0 {
		return s.launcher.Launch(ctx, p.ConversationID)
	}
	if p.PatientID == 0 {
		return fmt.Errorf("call job without conversation or patient")
	}
	_, err := s.launcher.Initiate(ctx, p.PatientID, nil)
	return err
}

func (s *Scheduler) runBillingJob(ctx context.Context, job models.Job) error {
	var p BillingJob
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("decoding billing payload: %w", err)
	}
	day, err := time.ParseInLocation("2006-01-02", p.Day, time.UTC)
	if err != nil {
		return fmt.Errorf("parsing billing day: %w", err)
	}
	return s.billing.RollupWindow(ctx, day, day.AddDate(0, 0, 1))
}
