package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/carecall/carecall/internal/database/models"
)

// orgRepo implements OrganizationRepository.
type orgRepo struct {
	db *DB
}

// NewOrganizationRepository creates a new OrganizationRepository.
func NewOrganizationRepository(db *DB) OrganizationRepository {
	return &orgRepo{db: db}
}

func (r *orgRepo) Create(ctx context.Context, org *models.Organization) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO organizations (name, contact_email, retry_count,
		 retry_interval_minutes, alert_on_all_missed_calls)
		 VALUES (?, ?, ?, ?, ?)`,
		org.Name, org.ContactEmail, org.RetryCount,
		org.RetryIntervalMinutes, org.AlertOnAllMissedCalls,
	)
	if err != nil {
		return fmt.Errorf("inserting organization: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	org.ID = id
	return nil
}

func (r *orgRepo) GetByID(ctx context.Context, id int64) (*models.Organization, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, name, contact_email, retry_count, retry_interval_minutes,
		 alert_on_all_missed_calls, invoice_seq, created_at, updated_at
		 FROM organizations WHERE id = ?`, id,
	))
}

func (r *orgRepo) List(ctx context.Context) ([]models.Organization, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, contact_email, retry_count, retry_interval_minutes,
		 alert_on_all_missed_calls, invoice_seq, created_at, updated_at
		 FROM organizations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing organizations: %w", err)
	}
	defer rows.Close()

	var orgs []models.Organization
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.ContactEmail, &o.RetryCount,
			&o.RetryIntervalMinutes, &o.AlertOnAllMissedCalls, &o.InvoiceSeq,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning organization row: %w", err)
		}
		orgs = append(orgs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating organization rows: %w", err)
	}
	return orgs, nil
}

func (r *orgRepo) Update(ctx context.Context, org *models.Organization) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE organizations SET name = ?, contact_email = ?, retry_count = ?,
		 retry_interval_minutes = ?, alert_on_all_missed_calls = ?,
		 updated_at = datetime('now')
		 WHERE id = ?`,
		org.Name, org.ContactEmail, org.RetryCount,
		org.RetryIntervalMinutes, org.AlertOnAllMissedCalls, org.ID,
	)
	if err != nil {
		return fmt.Errorf("updating organization: %w", err)
	}
	return nil
}

// NextInvoiceNumber bumps the org's invoice sequence and returns the new
// value. The increment and read happen in one transaction so concurrent
// rollups never observe the same number.
func (r *orgRepo) NextInvoiceNumber(ctx context.Context, orgID int64) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning invoice number transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE organizations SET invoice_seq = invoice_seq + 1 WHERE id = ?`, orgID)
	if err != nil {
		return 0, fmt.Errorf("incrementing invoice sequence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking invoice sequence update: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("organization %d not found", orgID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT invoice_seq FROM organizations WHERE id = ?`, orgID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading invoice sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing invoice number transaction: %w", err)
	}
	return seq, nil
}

func (r *orgRepo) scanOne(row *sql.Row) (*models.Organization, error) {
	var o models.Organization
	err := row.Scan(&o.ID, &o.Name, &o.ContactEmail, &o.RetryCount,
		&o.RetryIntervalMinutes, &o.AlertOnAllMissedCalls, &o.InvoiceSeq,
		&o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning organization: %w", err)
	}
	return &o, nil
}
