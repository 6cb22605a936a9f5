package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/carecall/carecall/internal/database/models"
)

// caregiverRepo implements CaregiverRepository.
type caregiverRepo struct {
	db *DB
}

// NewCaregiverRepository creates a new CaregiverRepository.
func NewCaregiverRepository(db *DB) CaregiverRepository {
	return &caregiverRepo{db: db}
}

const caregiverColumns = `id, org_id, name, email, phone, role, email_verified,
	phone_verified, push_token, push_platform, verify_pin_hash, created_at, updated_at`

func (r *caregiverRepo) Create(ctx context.Context, cg *models.Caregiver) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO caregivers (org_id, name, email, phone, role, push_token, push_platform)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cg.OrgID, cg.Name, cg.Email, cg.Phone, cg.Role, cg.PushToken, cg.PushPlatform,
	)
	if err != nil {
		return fmt.Errorf("inserting caregiver: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cg.ID = id
	return nil
}

func (r *caregiverRepo) GetByID(ctx context.Context, id int64) (*models.Caregiver, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+caregiverColumns+` FROM caregivers WHERE id = ?`, id)
	cg, err := scanCaregiver(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning caregiver: %w", err)
	}
	return cg, nil
}

func (r *caregiverRepo) ListByPatient(ctx context.Context, patientID int64) ([]models.Caregiver, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT c.id, c.org_id, c.name, c.email, c.phone, c.role, c.email_verified,
		 c.phone_verified, c.push_token, c.push_platform, c.verify_pin_hash,
		 c.created_at, c.updated_at
		 FROM caregivers c
		 JOIN caregiver_patients cp ON cp.caregiver_id = c.id
		 WHERE cp.patient_id = ?
		 ORDER BY c.name`, patientID)
	if err != nil {
		return nil, fmt.Errorf("listing caregivers for patient: %w", err)
	}
	defer rows.Close()

	var cgs []models.Caregiver
	for rows.Next() {
		var cg models.Caregiver
		if err := rows.Scan(&cg.ID, &cg.OrgID, &cg.Name, &cg.Email, &cg.Phone,
			&cg.Role, &cg.EmailVerified, &cg.PhoneVerified, &cg.PushToken,
			&cg.PushPlatform, &cg.VerifyPINHash, &cg.CreatedAt, &cg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning caregiver row: %w", err)
		}
		cgs = append(cgs, cg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating caregiver rows: %w", err)
	}
	return cgs, nil
}

func (r *caregiverRepo) Update(ctx context.Context, cg *models.Caregiver) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE caregivers SET name = ?, email = ?, phone = ?, role = ?,
		 push_token = ?, push_platform = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		cg.Name, cg.Email, cg.Phone, cg.Role, cg.PushToken, cg.PushPlatform, cg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating caregiver: %w", err)
	}
	return nil
}

func (r *caregiverRepo) Assign(ctx context.Context, caregiverID, patientID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO caregiver_patients (caregiver_id, patient_id) VALUES (?, ?)`,
		caregiverID, patientID)
	if err != nil {
		return fmt.Errorf("assigning caregiver to patient: %w", err)
	}
	return nil
}

func (r *caregiverRepo) Unassign(ctx context.Context, caregiverID, patientID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM caregiver_patients WHERE caregiver_id = ? AND patient_id = ?`,
		caregiverID, patientID)
	if err != nil {
		return fmt.Errorf("unassigning caregiver from patient: %w", err)
	}
	return nil
}

func (r *caregiverRepo) SetVerificationPIN(ctx context.Context, id int64, pinHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE caregivers SET verify_pin_hash = ?, updated_at = datetime('now') WHERE id = ?`,
		pinHash, id)
	if err != nil {
		return fmt.Errorf("setting verification pin: %w", err)
	}
	return nil
}

func (r *caregiverRepo) MarkVerified(ctx context.Context, id int64, transport string) error {
	var column string
	switch transport {
	case "email":
		column = "email_verified"
	case "sms":
		column = "phone_verified"
	default:
		return fmt.Errorf("unknown verification transport %q", transport)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE caregivers SET `+column+` = 1, verify_pin_hash = '',
		 updated_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking caregiver verified: %w", err)
	}
	return nil
}

func scanCaregiver(row *sql.Row) (*models.Caregiver, error) {
	var cg models.Caregiver
	err := row.Scan(&cg.ID, &cg.OrgID, &cg.Name, &cg.Email, &cg.Phone,
		&cg.Role, &cg.EmailVerified, &cg.PhoneVerified, &cg.PushToken,
		&cg.PushPlatform, &cg.VerifyPINHash, &cg.CreatedAt, &cg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &cg, nil
}
