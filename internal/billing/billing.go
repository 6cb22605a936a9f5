// Package billing rolls terminal, unbilled conversations up into per-org
// invoices with one line item per patient.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/carecall/carecall/internal/config"
	"github.com/carecall/carecall/internal/database"
	"github.com/carecall/carecall/internal/database/models"
)

const invoiceDueDays = 30

// Rollup turns a window of finished calls into invoices. The in-process
// per-org lock keeps concurrent rollups from racing each other locally;
// the MarkBilled precondition in the store is the lock of record.
type Rollup struct {
	cfg      *config.Config
	orgs     database.OrganizationRepository
	convs    database.ConversationRepository
	invoices database.InvoiceRepository
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates a rollup runner.
func New(cfg *config.Config, orgs database.OrganizationRepository, convs database.ConversationRepository, invoices database.InvoiceRepository) *Rollup {
	return &Rollup{
		cfg:      cfg,
		orgs:     orgs,
		convs:    convs,
		invoices: invoices,
		logger:   slog.Default().With("component", "billing"),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// RollupWindow invoices every organization's unbilled conversations that
// ended inside [from, to). One org's failure does not stop the others.
func (r *Rollup) RollupWindow(ctx context.Context, from, to time.Time) error {
	orgs, err := r.orgs.List(ctx)
	if err != nil {
		return fmt.Errorf("listing organizations: %w", err)
	}

	var firstErr error
	for i := range orgs {
		if err := r.RollupOrg(ctx, orgs[i].ID, from, to); err != nil {
			r.logger.Error("org rollup failed",
				"org_id", orgs[i].ID, "from", from, "to", to, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RollupOrg invoices one organization's window. When another node billed
// part of the set first, the invoice is compensated away, the set is
// recomputed without the stolen conversations, and the rollup retries.
func (r *Rollup) RollupOrg(ctx context.Context, orgID int64, from, to time.Time) error {
	lock := r.lockFor(orgID)
	lock.Lock()
	defer lock.Unlock()

	attempts := r.cfg.BillingMaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err := r.tryRollup(ctx, orgID, from, to)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrAlreadyBilled) {
			return err
		}
		r.logger.Warn("rollup lost billing race, recomputing",
			"org_id", orgID, "attempt", attempt)
	}
	return fmt.Errorf("rollup for org %d: retries exhausted: %w", orgID, database.ErrAlreadyBilled)
}

// tryRollup performs one invoice attempt over the current unbilled set.
// An ErrAlreadyBilled from MarkBilled compensates the invoice and
// bubbles up so the caller can retry on a fresh set.
func (r *Rollup) tryRollup(ctx context.Context, orgID int64, from, to time.Time) error {
	convs, err := r.convs.FindUnbilled(ctx, orgID, from, to)
	if err != nil {
		return fmt.Errorf("finding unbilled conversations: %w", err)
	}
	if len(convs) == 0 {
		return nil
	}

	groups := groupByPatient(convs)

	number, err := r.orgs.NextInvoiceNumber(ctx, orgID)
	if err != nil {
		return fmt.Errorf("allocating invoice number: %w", err)
	}

	now := time.Now().UTC()
	inv := &models.Invoice{
		OrgID:         orgID,
		InvoiceNumber: number,
		IssueDate:     now,
		DueDate:       now.AddDate(0, 0, invoiceDueDays),
		Status:        models.InvoicePending,
	}
	if err := r.invoices.Create(ctx, inv); err != nil {
		return fmt.Errorf("creating invoice: %w", err)
	}

	var total float64
	for _, g := range groups {
		li := &models.LineItem{
			InvoiceID:   inv.ID,
			PatientID:   g.patientID,
			Amount:      g.amount,
			Quantity:    len(g.ids),
			UnitPrice:   g.amount / float64(len(g.ids)),
			PeriodStart: from,
			PeriodEnd:   to,
			Description: fmt.Sprintf("%d wellness call(s)", len(g.ids)),
		}
		if err := r.invoices.CreateLineItem(ctx, li); err != nil {
			r.compensate(ctx, inv.ID)
			return fmt.Errorf("creating line item: %w", err)
		}
		if err := r.convs.MarkBilled(ctx, g.ids, li.ID); err != nil {
			r.compensate(ctx, inv.ID)
			if errors.Is(err, database.ErrAlreadyBilled) {
				return err
			}
			return fmt.Errorf("marking conversations billed: %w", err)
		}
		total += g.amount
	}

	if err := r.invoices.UpdateTotal(ctx, inv.ID, total); err != nil {
		return fmt.Errorf("setting invoice total: %w", err)
	}
	r.logger.Info("rollup invoiced",
		"org_id", orgID, "invoice_number", number,
		"line_items", len(groups), "total", total)
	return nil
}

// compensate removes a half-built invoice. Deleting the line items also
// unlinks any conversations this attempt had already marked, so the
// retry sees them as unbilled again.
func (r *Rollup) compensate(ctx context.Context, invoiceID int64) {
	if err := r.invoices.DeleteLineItems(ctx, invoiceID); err != nil {
		r.logger.Error("compensation: deleting line items failed",
			"invoice_id", invoiceID, "error", err)
	}
	if err := r.invoices.Delete(ctx, invoiceID); err != nil {
		r.logger.Error("compensation: deleting invoice failed",
			"invoice_id", invoiceID, "error", err)
	}
}

func (r *Rollup) lockFor(orgID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[orgID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[orgID] = lock
	}
	return lock
}

type patientGroup struct {
	patientID int64
	ids       []int64
	amount    float64
}

// groupByPatient buckets conversations per patient in stable patient-id
// order. Zero-cost conversations stay in: they appear as zero-amount
// contributions so the invoice accounts for every call placed.
func groupByPatient(convs []models.Conversation) []patientGroup {
	byPatient := make(map[int64]*patientGroup)
	for i := range convs {
		c := &convs[i]
		g, ok := byPatient[c.PatientID]
		if !ok {
			g = &patientGroup{patientID: c.PatientID}
			byPatient[c.PatientID] = g
		}
		g.ids = append(g.ids, c.ID)
		g.amount += c.Cost
	}

	groups := make([]patientGroup, 0, len(byPatient))
	for _, g := range byPatient {
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].patientID < groups[j].patientID })
	return groups
}
