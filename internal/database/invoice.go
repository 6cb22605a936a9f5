package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/carecall/carecall/internal/database/models"
)

// invoiceRepo implements InvoiceRepository.
type invoiceRepo struct {
	db *DB
}

// NewInvoiceRepository creates a new InvoiceRepository.
func NewInvoiceRepository(db *DB) InvoiceRepository {
	return &invoiceRepo{db: db}
}

func (r *invoiceRepo) Create(ctx context.Context, inv *models.Invoice) error {
	if inv.Status == "" {
		inv.Status = models.InvoiceDraft
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO invoices (org_id, invoice_number, issue_date, due_date, status, total_amount)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inv.OrgID, inv.InvoiceNumber, inv.IssueDate.UTC(), inv.DueDate.UTC(),
		inv.Status, inv.TotalAmount,
	)
	if err != nil {
		return fmt.Errorf("inserting invoice: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	inv.ID = id
	return nil
}

func (r *invoiceRepo) GetByID(ctx context.Context, id int64) (*models.Invoice, error) {
	var inv models.Invoice
	err := r.db.QueryRowContext(ctx,
		`SELECT id, org_id, invoice_number, issue_date, due_date, status, total_amount
		 FROM invoices WHERE id = ?`, id,
	).Scan(&inv.ID, &inv.OrgID, &inv.InvoiceNumber, &inv.IssueDate, &inv.DueDate,
		&inv.Status, &inv.TotalAmount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning invoice: %w", err)
	}
	return &inv, nil
}

func (r *invoiceRepo) ListByOrg(ctx context.Context, orgID int64) ([]models.Invoice, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, org_id, invoice_number, issue_date, due_date, status, total_amount
		 FROM invoices WHERE org_id = ? ORDER BY invoice_number DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	var invs []models.Invoice
	for rows.Next() {
		var inv models.Invoice
		if err := rows.Scan(&inv.ID, &inv.OrgID, &inv.InvoiceNumber, &inv.IssueDate,
			&inv.DueDate, &inv.Status, &inv.TotalAmount); err != nil {
			return nil, fmt.Errorf("scanning invoice row: %w", err)
		}
		invs = append(invs, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invoice rows: %w", err)
	}
	return invs, nil
}

func (r *invoiceRepo) UpdateTotal(ctx context.Context, id int64, total float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invoices SET total_amount = ? WHERE id = ?`, total, id)
	if err != nil {
		return fmt.Errorf("updating invoice total: %w", err)
	}
	return nil
}

func (r *invoiceRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE invoices SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating invoice status: %w", err)
	}
	return nil
}

func (r *invoiceRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting invoice: %w", err)
	}
	return nil
}

func (r *invoiceRepo) CreateLineItem(ctx context.Context, li *models.LineItem) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO line_items (invoice_id, patient_id, amount, quantity, unit_price,
		 period_start, period_end, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		li.InvoiceID, li.PatientID, li.Amount, li.Quantity, li.UnitPrice,
		li.PeriodStart.UTC(), li.PeriodEnd.UTC(), li.Description,
	)
	if err != nil {
		return fmt.Errorf("inserting line item: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	li.ID = id
	return nil
}

func (r *invoiceRepo) ListLineItems(ctx context.Context, invoiceID int64) ([]models.LineItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, invoice_id, patient_id, amount, quantity, unit_price,
		 period_start, period_end, description
		 FROM line_items WHERE invoice_id = ? ORDER BY id`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("listing line items: %w", err)
	}
	defer rows.Close()

	var lis []models.LineItem
	for rows.Next() {
		var li models.LineItem
		if err := rows.Scan(&li.ID, &li.InvoiceID, &li.PatientID, &li.Amount,
			&li.Quantity, &li.UnitPrice, &li.PeriodStart, &li.PeriodEnd,
			&li.Description); err != nil {
			return nil, fmt.Errorf("scanning line item row: %w", err)
		}
		lis = append(lis, li)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating line item rows: %w", err)
	}
	return lis, nil
}

// DeleteLineItems removes an invoice's line items after unlinking the
// conversations they billed. Used only when compensating a failed rollup.
func (r *invoiceRepo) DeleteLineItems(ctx context.Context, invoiceID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning line item delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET line_item_id = NULL
		 WHERE line_item_id IN (SELECT id FROM line_items WHERE invoice_id = ?)`,
		invoiceID); err != nil {
		return fmt.Errorf("unlinking billed conversations: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM line_items WHERE invoice_id = ?`, invoiceID); err != nil {
		return fmt.Errorf("deleting line items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing line item delete transaction: %w", err)
	}
	return nil
}
