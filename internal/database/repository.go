package database

import (
	"context"
	"errors"
	"time"

	"github.com/carecall/carecall/internal/database/models"
)

// ErrAlreadyBilled is returned by MarkBilled when any conversation in the
// set already carries a line item. The whole operation is rolled back.
var ErrAlreadyBilled = errors.New("conversation already billed")

// ErrStatusRegression is returned by UpdateCallStatus when the requested
// transition would move a conversation backwards or out of a terminal state.
var ErrStatusRegression = errors.New("call status may not move backwards")

// OrganizationRepository manages tenant organizations.
type OrganizationRepository interface {
	Create(ctx context.Context, org *models.Organization) error
	GetByID(ctx context.Context, id int64) (*models.Organization, error)
	List(ctx context.Context) ([]models.Organization, error)
	Update(ctx context.Context, org *models.Organization) error
	// NextInvoiceNumber atomically increments and returns the org's
	// invoice sequence. Numbers are unique and monotone per org.
	NextInvoiceNumber(ctx context.Context, orgID int64) (int64, error)
}

// CaregiverRepository manages caregivers and their patient assignments.
type CaregiverRepository interface {
	Create(ctx context.Context, cg *models.Caregiver) error
	GetByID(ctx context.Context, id int64) (*models.Caregiver, error)
	ListByPatient(ctx context.Context, patientID int64) ([]models.Caregiver, error)
	Update(ctx context.Context, cg *models.Caregiver) error
	Assign(ctx context.Context, caregiverID, patientID int64) error
	Unassign(ctx context.Context, caregiverID, patientID int64) error
	// SetVerification stores a fresh verification PIN hash, or marks the
	// given transport verified once the PIN has been confirmed.
	SetVerificationPIN(ctx context.Context, id int64, pinHash string) error
	MarkVerified(ctx context.Context, id int64, transport string) error
}

// PatientRepository manages call targets.
type PatientRepository interface {
	Create(ctx context.Context, p *models.Patient) error
	GetByID(ctx context.Context, id int64) (*models.Patient, error)
	ListByOrg(ctx context.Context, orgID int64) ([]models.Patient, error)
	Update(ctx context.Context, p *models.Patient) error
}

// ScheduleRepository manages recurring call intents.
type ScheduleRepository interface {
	Create(ctx context.Context, s *models.Schedule) error
	GetByID(ctx context.Context, id int64) (*models.Schedule, error)
	ListActive(ctx context.Context) ([]models.Schedule, error)
	// ListDue returns active schedules whose next_call_date is at or
	// before now.
	ListDue(ctx context.Context, now time.Time) ([]models.Schedule, error)
	Update(ctx context.Context, s *models.Schedule) error
	SetNextCallDate(ctx context.Context, id int64, next time.Time) error
}

// StatusUpdate carries the optional fields persisted alongside a call
// status transition. Nil fields are left untouched.
type StatusUpdate struct {
	EndTime  *time.Time
	Duration *int
	Cost     *float64
	Outcome  string
	Notes    string
}

// ConversationRepository is the conversation store: durable messages, call
// metadata, and billing state. Cost is written only through
// UpdateCallStatus; no other component owns it.
type ConversationRepository interface {
	Create(ctx context.Context, c *models.Conversation) error
	GetByID(ctx context.Context, id int64) (*models.Conversation, error)
	GetByCallSid(ctx context.Context, callSid string) (*models.Conversation, error)
	SetCallSid(ctx context.Context, id int64, callSid string) error
	SetChannelID(ctx context.Context, id int64, channelID string) error
	// UpdateCallStatus enforces forward-only transitions per the call
	// state machine; terminal states are absorbing.
	UpdateCallStatus(ctx context.Context, id int64, newStatus string, upd StatusUpdate) error
	// AppendMessage is append-only and returns the conversation-local
	// position of the new message.
	AppendMessage(ctx context.Context, conversationID int64, role, content string) (int, error)
	Messages(ctx context.Context, conversationID int64) ([]models.Message, error)
	// FindUnbilled returns terminal conversations for the org that ended
	// inside the window and carry no line item yet.
	FindUnbilled(ctx context.Context, orgID int64, from, to time.Time) ([]models.Conversation, error)
	// MarkBilled links the set to a line item atomically. If any member
	// already has a line item the whole operation fails with
	// ErrAlreadyBilled and nothing is written.
	MarkBilled(ctx context.Context, ids []int64, lineItemID int64) error
	// ListOrphaned returns in_progress conversations that started before
	// the cutoff; the janitor moves them to failed.
	ListOrphaned(ctx context.Context, cutoff time.Time) ([]models.Conversation, error)
	// RetryChain returns the root conversation and every retry linked to
	// it, ordered by retry attempt.
	RetryChain(ctx context.Context, rootID int64) ([]models.Conversation, error)
}

// AlertRepository persists detected emergencies and their delivery audit.
type AlertRepository interface {
	Create(ctx context.Context, a *models.Alert) error
	GetByID(ctx context.Context, id int64) (*models.Alert, error)
	ListByPatient(ctx context.Context, patientID int64, limit int) ([]models.Alert, error)
	// CountFannedOutSince counts non-suppressed alerts for the patient
	// detected after the cutoff; feeds the per-hour cap.
	CountFannedOutSince(ctx context.Context, patientID int64, cutoff time.Time) (int, error)
	CreateDelivery(ctx context.Context, d *models.AlertDelivery) error
	UpdateDelivery(ctx context.Context, d *models.AlertDelivery) error
	ListDeliveries(ctx context.Context, alertID int64) ([]models.AlertDelivery, error)
}

// PhraseRepository manages the detector vocabulary.
type PhraseRepository interface {
	Create(ctx context.Context, p *models.EmergencyPhrase) error
	ListAll(ctx context.Context) ([]models.EmergencyPhrase, error)
	ListByLanguage(ctx context.Context, language string) ([]models.EmergencyPhrase, error)
	Delete(ctx context.Context, id int64) error
}

// InvoiceRepository manages invoices and their line items. Deletes exist
// for billing compensation only.
type InvoiceRepository interface {
	Create(ctx context.Context, inv *models.Invoice) error
	GetByID(ctx context.Context, id int64) (*models.Invoice, error)
	ListByOrg(ctx context.Context, orgID int64) ([]models.Invoice, error)
	UpdateTotal(ctx context.Context, id int64, total float64) error
	UpdateStatus(ctx context.Context, id int64, status string) error
	Delete(ctx context.Context, id int64) error
	CreateLineItem(ctx context.Context, li *models.LineItem) error
	ListLineItems(ctx context.Context, invoiceID int64) ([]models.LineItem, error)
	DeleteLineItems(ctx context.Context, invoiceID int64) error
}
