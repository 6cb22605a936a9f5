package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/carecall/carecall/internal/database/models"
)

// scheduleRepo implements ScheduleRepository.
type scheduleRepo struct {
	db *DB
}

// NewScheduleRepository creates a new ScheduleRepository.
func NewScheduleRepository(db *DB) ScheduleRepository {
	return &scheduleRepo{db: db}
}

const scheduleColumns = `id, patient_id, frequency, time_of_day, day_of_week,
	every_n_weeks, day_of_month, is_active, next_call_date, created_at, updated_at`

func (r *scheduleRepo) Create(ctx context.Context, s *models.Schedule) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO schedules (patient_id, frequency, time_of_day, day_of_week,
		 every_n_weeks, day_of_month, is_active, next_call_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.PatientID, s.Frequency, s.TimeOfDay, s.DayOfWeek,
		s.EveryNWeeks, s.DayOfMonth, s.IsActive, s.NextCallDate,
	)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	s.ID = id
	return nil
}

func (r *scheduleRepo) GetByID(ctx context.Context, id int64) (*models.Schedule, error) {
	var s models.Schedule
	err := r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id,
	).Scan(&s.ID, &s.PatientID, &s.Frequency, &s.TimeOfDay, &s.DayOfWeek,
		&s.EveryNWeeks, &s.DayOfMonth, &s.IsActive, &s.NextCallDate,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning schedule: %w", err)
	}
	return &s, nil
}

func (r *scheduleRepo) ListActive(ctx context.Context) ([]models.Schedule, error) {
	return r.list(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE is_active = 1 ORDER BY id`)
}

func (r *scheduleRepo) ListDue(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	return r.list(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE is_active = 1 AND next_call_date IS NOT NULL AND next_call_date <= ?
		 ORDER BY next_call_date`, now.UTC())
}

func (r *scheduleRepo) Update(ctx context.Context, s *models.Schedule) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE schedules SET frequency = ?, time_of_day = ?, day_of_week = ?,
		 every_n_weeks = ?, day_of_month = ?, is_active = ?, next_call_date = ?,
		 updated_at = datetime('now') WHERE id = ?`,
		s.Frequency, s.TimeOfDay, s.DayOfWeek, s.EveryNWeeks, s.DayOfMonth,
		s.IsActive, s.NextCallDate, s.ID,
	)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	return nil
}

func (r *scheduleRepo) SetNextCallDate(ctx context.Context, id int64, next time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE schedules SET next_call_date = ?, updated_at = datetime('now') WHERE id = ?`,
		next.UTC(), id)
	if err != nil {
		return fmt.Errorf("setting next call date: %w", err)
	}
	return nil
}

func (r *scheduleRepo) list(ctx context.Context, query string, args ...any) ([]models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer rows.Close()

	var ss []models.Schedule
	for rows.Next() {
		var s models.Schedule
		if err := rows.Scan(&s.ID, &s.PatientID, &s.Frequency, &s.TimeOfDay,
			&s.DayOfWeek, &s.EveryNWeeks, &s.DayOfMonth, &s.IsActive,
			&s.NextCallDate, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning schedule row: %w", err)
		}
		ss = append(ss, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating schedule rows: %w", err)
	}
	return ss, nil
}
