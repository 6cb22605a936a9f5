package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/carecall/carecall/internal/database/models"
)

// alertRepo implements AlertRepository.
type alertRepo struct {
	db *DB
}

// NewAlertRepository creates a new AlertRepository.
func NewAlertRepository(db *DB) AlertRepository {
	return &alertRepo{db: db}
}

func (r *alertRepo) Create(ctx context.Context, a *models.Alert) error {
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO alerts (patient_id, severity, category, phrase, utterance,
		 detected_at, suppressed, suppress_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.PatientID, a.Severity, a.Category, a.Phrase, a.Utterance,
		a.DetectedAt.UTC(), a.Suppressed, a.SuppressReason,
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	a.ID = id
	return nil
}

func (r *alertRepo) GetByID(ctx context.Context, id int64) (*models.Alert, error) {
	var a models.Alert
	err := r.db.QueryRowContext(ctx,
		`SELECT id, patient_id, severity, category, phrase, utterance, detected_at,
		 suppressed, suppress_reason FROM alerts WHERE id = ?`, id,
	).Scan(&a.ID, &a.PatientID, &a.Severity, &a.Category, &a.Phrase,
		&a.Utterance, &a.DetectedAt, &a.Suppressed, &a.SuppressReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning alert: %w", err)
	}
	return &a, nil
}

func (r *alertRepo) ListByPatient(ctx context.Context, patientID int64, limit int) ([]models.Alert, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, patient_id, severity, category, phrase, utterance, detected_at,
		 suppressed, suppress_reason FROM alerts
		 WHERE patient_id = ? ORDER BY detected_at DESC LIMIT ?`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.ID, &a.PatientID, &a.Severity, &a.Category,
			&a.Phrase, &a.Utterance, &a.DetectedAt, &a.Suppressed,
			&a.SuppressReason); err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alert rows: %w", err)
	}
	return alerts, nil
}

func (r *alertRepo) CountFannedOutSince(ctx context.Context, patientID int64, cutoff time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts
		 WHERE patient_id = ? AND suppressed = 0 AND detected_at > ?`,
		patientID, cutoff.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting recent alerts: %w", err)
	}
	return count, nil
}

func (r *alertRepo) CreateDelivery(ctx context.Context, d *models.AlertDelivery) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO alert_deliveries (alert_id, caregiver_id, transport, status,
		 detail, attempts, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.AlertID, d.CaregiverID, d.Transport, d.Status, d.Detail, d.Attempts,
		d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("inserting alert delivery: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	d.ID = id
	return nil
}

func (r *alertRepo) UpdateDelivery(ctx context.Context, d *models.AlertDelivery) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE alert_deliveries SET status = ?, detail = ?, attempts = ?,
		 delivered_at = ? WHERE id = ?`,
		d.Status, d.Detail, d.Attempts, d.DeliveredAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating alert delivery: %w", err)
	}
	return nil
}

func (r *alertRepo) ListDeliveries(ctx context.Context, alertID int64) ([]models.AlertDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, alert_id, caregiver_id, transport, status, detail, attempts,
		 delivered_at FROM alert_deliveries WHERE alert_id = ? ORDER BY id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("listing alert deliveries: %w", err)
	}
	defer rows.Close()

	var ds []models.AlertDelivery
	for rows.Next() {
		var d models.AlertDelivery
		if err := rows.Scan(&d.ID, &d.AlertID, &d.CaregiverID, &d.Transport,
			&d.Status, &d.Detail, &d.Attempts, &d.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scanning alert delivery row: %w", err)
		}
		ds = append(ds, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alert delivery rows: %w", err)
	}
	return ds, nil
}
