package models

import "time"

// Call status values for a Conversation. The orchestrator owns the
// transitions; the store enforces that status only moves forward.
const (
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in_progress"
	CallStatusCompleted  = "completed"
	CallStatusFailed     = "failed"
	CallStatusMissed     = "missed"
	CallStatusCancelled  = "cancelled"
)

// LanguageAny marks emergency phrases that apply regardless of the
// patient's language.
const LanguageAny = "*"

// Alert severities, ordered CRITICAL > HIGH > MEDIUM.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
)

// Message roles.
const (
	RolePatient   = "patient"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Caregiver roles.
const (
	RoleStaff      = "staff"
	RoleOrgAdmin   = "orgAdmin"
	RoleSuperAdmin = "superAdmin"
)

// Invoice statuses.
const (
	InvoiceDraft   = "draft"
	InvoicePending = "pending"
	InvoicePaid    = "paid"
	InvoiceVoid    = "void"
	InvoiceOverdue = "overdue"
)

// SeverityRank orders severities for comparison; higher is more severe.
// Unknown severities rank lowest.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// TerminalStatus reports whether a call status is absorbing.
func TerminalStatus(status string) bool {
	switch status {
	case CallStatusCompleted, CallStatusFailed, CallStatusMissed, CallStatusCancelled:
		return true
	}
	return false
}

// Organization is the tenant boundary. It owns patients, caregivers,
// schedules, and invoices, and carries the per-tenant retry policy.
type Organization struct {
	ID                    int64
	Name                  string
	ContactEmail          string
	RetryCount            int // retries after a missed call, 0..10
	RetryIntervalMinutes  int // 1..1440
	AlertOnAllMissedCalls bool
	InvoiceSeq            int64 // last issued invoice number
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Caregiver is a human recipient of alerts.
type Caregiver struct {
	ID            int64
	OrgID         int64
	Name          string
	Email         string
	Phone         string
	Role          string // staff | orgAdmin | superAdmin
	EmailVerified bool
	PhoneVerified bool
	PushToken     string
	PushPlatform  string // "fcm" when a device is registered
	VerifyPINHash string // argon2id hash of the current verification PIN
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Patient is a call target.
type Patient struct {
	ID           int64
	OrgID        int64
	Name         string
	Phone        string // E.164
	Language     string // BCP 47-ish language code, e.g. "en"
	MedicalNotes string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Schedule frequencies.
const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
)

// Schedule is a recurring call intent for one patient.
// NextCallDate is always in the future after a successful fire or recompute.
type Schedule struct {
	ID           int64
	PatientID    int64
	Frequency    string // daily | weekly | monthly
	TimeOfDay    string // "15:04" in UTC
	DayOfWeek    int    // weekly: 0=Sunday .. 6=Saturday
	EveryNWeeks  int    // weekly: repetition period, >= 1
	DayOfMonth   int    // monthly: 1..31, clamped to month end
	IsActive     bool
	NextCallDate *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation records one call attempt. Retry attempts link back to the
// root attempt through OriginalCallID; the root has RetryAttempt 0 and a
// nil OriginalCallID. Once LineItemID is set, duration and cost are frozen.
type Conversation struct {
	ID               int64
	OrgID            int64
	PatientID        int64
	AgentID          *int64 // caregiver that initiated a manual call
	CallSid          string // opaque handle from the telephony gateway
	ChannelID        string // opaque handle from the media bridge
	CallStatus       string
	StartTime        time.Time
	EndTime          *time.Time
	Duration         int     // seconds, never negative
	Cost             float64 // >= 0
	LineItemID       *int64  // nil means unbilled
	RetryAttempt     int
	MaxRetries       int
	OriginalCallID   *int64
	RetryScheduledAt *time.Time
	Outcome          string
	CallNotes        string
}

// Message is one utterance in a Conversation; immutable once appended.
type Message struct {
	ID             int64
	ConversationID int64
	Role           string // patient | assistant | system
	Content        string
	Position       int // conversation-local insertion order
	CreatedAt      time.Time
}

// Alert is a detected emergency instance.
type Alert struct {
	ID             int64
	PatientID      int64
	Severity       string
	Category       string
	Phrase         string // matched (normalized) phrase
	Utterance      string // raw utterance text
	DetectedAt     time.Time
	Suppressed     bool
	SuppressReason string // set when recorded but not fanned out
}

// AlertDelivery records the outcome of one (alert, caregiver, transport)
// dispatch for audit.
type AlertDelivery struct {
	ID          int64
	AlertID     int64
	CaregiverID int64
	Transport   string // sms | email | push
	Status      string // pending | delivered | failed
	Detail      string
	Attempts    int
	DeliveredAt *time.Time
}

// EmergencyPhrase is one detector vocabulary entry, keyed by (language, phrase).
type EmergencyPhrase struct {
	ID       int64
	Language string // "*" for language-agnostic fallback patterns
	Severity string
	Category string
	Phrase   string
}

// Invoice is the billing aggregate for an organization and period.
// InvoiceNumber is unique and monotone per org.
type Invoice struct {
	ID            int64
	OrgID         int64
	InvoiceNumber int64
	IssueDate     time.Time
	DueDate       time.Time
	Status        string
	TotalAmount   float64
}

// LineItem is one billable group, owned by exactly one Invoice.
type LineItem struct {
	ID          int64
	InvoiceID   int64
	PatientID   int64
	Amount      float64
	Quantity    int
	UnitPrice   float64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Description string
}

// Job kinds and statuses.
const (
	JobKindCall    = "call"
	JobKindBilling = "billing"

	JobPending   = "pending"
	JobLeased    = "leased"
	JobDone      = "done"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job is one entry in the scheduler's durable queue.
type Job struct {
	ID          int64
	Kind        string // "call" | "billing"
	Payload     string // JSON
	LockKey     string // serializes fires for one schedule within the grace window
	RunAt       time.Time
	LeasedUntil *time.Time
	Status      string // pending | leased | done | failed | cancelled
	Attempts    int
	LastError   string
	CreatedAt   time.Time
}
