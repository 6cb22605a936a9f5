package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/carecall/carecall/internal/database/models"
)

// patientRepo implements PatientRepository.
type patientRepo struct {
	db *DB
}

// NewPatientRepository creates a new PatientRepository.
func NewPatientRepository(db *DB) PatientRepository {
	return &patientRepo{db: db}
}

func (r *patientRepo) Create(ctx context.Context, p *models.Patient) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO patients (org_id, name, phone, language, medical_notes)
		 VALUES (?, ?, ?, ?, ?)`,
		p.OrgID, p.Name, p.Phone, p.Language, p.MedicalNotes,
	)
	if err != nil {
		return fmt.Errorf("inserting patient: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	p.ID = id
	return nil
}

func (r *patientRepo) GetByID(ctx context.Context, id int64) (*models.Patient, error) {
	var p models.Patient
	err := r.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, phone, language, medical_notes, created_at, updated_at
		 FROM patients WHERE id = ?`, id,
	).Scan(&p.ID, &p.OrgID, &p.Name, &p.Phone, &p.Language, &p.MedicalNotes,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning patient: %w", err)
	}
	return &p, nil
}

func (r *patientRepo) ListByOrg(ctx context.Context, orgID int64) ([]models.Patient, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, org_id, name, phone, language, medical_notes, created_at, updated_at
		 FROM patients WHERE org_id = ? ORDER BY name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing patients: %w", err)
	}
	defer rows.Close()

	var ps []models.Patient
	for rows.Next() {
		var p models.Patient
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Phone, &p.Language,
			&p.MedicalNotes, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning patient row: %w", err)
		}
		ps = append(ps, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating patient rows: %w", err)
	}
	return ps, nil
}

func (r *patientRepo) Update(ctx context.Context, p *models.Patient) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE patients SET name = ?, phone = ?, language = ?, medical_notes = ?,
		 updated_at = datetime('now') WHERE id = ?`,
		p.Name, p.Phone, p.Language, p.MedicalNotes, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating patient: %w", err)
	}
	return nil
}
