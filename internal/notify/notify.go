// Package notify fans detected alerts out to caregivers over SMS, email,
// and push, with per-transport retry and a delivery audit trail.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/carecall/carecall/internal/config"
	"github.com/carecall/carecall/internal/database"
	"github.com/carecall/carecall/internal/database/models"
	"github.com/carecall/carecall/internal/email"
	"github.com/carecall/carecall/internal/metrics"
	"github.com/carecall/carecall/internal/push"
)

// Transport names, recorded on AlertDelivery rows.
const (
	TransportSMS   = "sms"
	TransportEmail = "email"
	TransportPush  = "push"
)

const (
	maxAttempts        = 3
	defaultBackoffBase = 2 * time.Second
)

// SMSSender sends a text message; the telephony client satisfies it.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// EmailSender sends an alert email; the email package satisfies it.
type EmailSender interface {
	SendAlert(ctx context.Context, cfg email.SMTPConfig, alert email.AlertEmail) error
}

// PushSender delivers an alert to a device; the push package satisfies it.
type PushSender interface {
	SendAlert(ctx context.Context, token string, alert push.AlertPush) error
}

// Fanout resolves an alert's recipients and dispatches to each verified
// transport. It satisfies the detector's Notifier interface. Any nil
// transport is simply unavailable; delivery to the others continues.
type Fanout struct {
	cfg        *config.Config
	smtp       email.SMTPConfig
	patients   database.PatientRepository
	caregivers database.CaregiverRepository
	alerts     database.AlertRepository
	sms        SMSSender
	email      EmailSender
	push       PushSender
	counters   *metrics.Counters
	logger     *slog.Logger

	backoffBase time.Duration
	baseCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates the fan-out. counters may be nil.
func New(cfg *config.Config, patients database.PatientRepository, caregivers database.CaregiverRepository, alerts database.AlertRepository, sms SMSSender, emailSender EmailSender, pushSender PushSender, counters *metrics.Counters) *Fanout {
	ctx, cancel := context.WithCancel(context.Background())
	return &Fanout{
		cfg: cfg,
		smtp: email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		},
		patients:    patients,
		caregivers:  caregivers,
		alerts:      alerts,
		sms:         sms,
		email:       emailSender,
		push:        pushSender,
		counters:    counters,
		logger:      slog.Default().With("component", "notify"),
		backoffBase: defaultBackoffBase,
		baseCtx:     ctx,
		cancel:      cancel,
	}
}

// Close stops new deliveries and waits for in-flight ones.
func (f *Fanout) Close() {
	f.cancel()
	f.wg.Wait()
}

type task struct {
	transport string
	caregiver models.Caregiver
}

// Dispatch resolves recipients and starts one delivery goroutine per
// (caregiver, transport). It returns once the deliveries are launched;
// outcomes land in AlertDelivery rows.
func (f *Fanout) Dispatch(ctx context.Context, alert models.Alert) {
	if f.counters != nil {
		f.counters.AlertsDispatched.WithLabelValues(alert.Severity).Inc()
	}

	patient, err := f.patients.GetByID(ctx, alert.PatientID)
	if err != nil {
		f.logger.Error("fan-out: loading patient failed",
			"alert_id", alert.ID, "patient_id", alert.PatientID, "error", err)
		return
	}
	if patient == nil {
		f.logger.Error("fan-out: patient not found",
			"alert_id", alert.ID, "patient_id", alert.PatientID)
		return
	}
	cgs, err := f.caregivers.ListByPatient(ctx, alert.PatientID)
	if err != nil {
		f.logger.Error("fan-out: listing caregivers failed",
			"alert_id", alert.ID, "patient_id", alert.PatientID, "error", err)
		return
	}

	var tasks []task
	for _, transport := range channelsFor(alert.Severity) {
		if !f.available(transport) {
			continue
		}
		for _, cg := range cgs {
			if eligible(cg, transport) {
				tasks = append(tasks, task{transport: transport, caregiver: cg})
			}
		}
	}

	if len(tasks) == 0 {
		if alert.Severity == models.SeverityCritical {
			f.logger.Error("CRITICAL alert has no verified recipient on any transport",
				"alert_id", alert.ID, "patient_id", alert.PatientID, "category", alert.Category)
			if f.counters != nil {
				f.counters.CriticalNoRecipients.Inc()
			}
		}
		return
	}

	deadline := f.cfg.ResponseTime(alert.Severity)
	for _, t := range tasks {
		f.wg.Add(1)
		go func(t task) {
			defer f.wg.Done()
			f.deliver(t, alert, patient, deadline)
		}(t)
	}
}

// deliver attempts one (caregiver, transport) delivery with exponential
// backoff inside the severity's latency target, recording the outcome.
func (f *Fanout) deliver(t task, alert models.Alert, patient *models.Patient, deadline time.Duration) {
	ctx, cancel := context.WithTimeout(f.baseCtx, deadline)
	defer cancel()

	rec := &models.AlertDelivery{
		AlertID:     alert.ID,
		CaregiverID: t.caregiver.ID,
		Transport:   t.transport,
		Status:      "pending",
	}
	if err := f.alerts.CreateDelivery(ctx, rec); err != nil {
		f.logger.Error("fan-out: creating delivery record failed",
			"alert_id", alert.ID, "caregiver_id", t.caregiver.ID, "error", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec.Attempts = attempt
		lastErr = f.send(ctx, t, alert, patient)
		if lastErr == nil {
			now := time.Now().UTC()
			rec.Status = "delivered"
			rec.DeliveredAt = &now
			f.finish(rec, "delivered")
			return
		}
		if attempt == maxAttempts {
			break
		}
		wait := f.backoffBase << (attempt - 1)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(wait):
		}
		if ctx.Err() != nil {
			break
		}
	}

	rec.Status = "failed"
	rec.Detail = lastErr.Error()
	f.finish(rec, "failed")
	f.logger.Warn("fan-out delivery failed",
		"alert_id", alert.ID, "caregiver_id", t.caregiver.ID,
		"transport", t.transport, "attempts", rec.Attempts, "error", lastErr)
}

func (f *Fanout) finish(rec *models.AlertDelivery, outcome string) {
	if f.counters != nil {
		f.counters.NotificationResults.WithLabelValues(rec.Transport, outcome).Inc()
	}
	// Updates use the base context so a delivery that timed out can
	// still record its failure.
	uctx, cancel := context.WithTimeout(f.baseCtx, 5*time.Second)
	defer cancel()
	if err := f.alerts.UpdateDelivery(uctx, rec); err != nil {
		f.logger.Error("fan-out: updating delivery record failed",
			"alert_id", rec.AlertID, "delivery_id", rec.ID, "error", err)
	}
}

func (f *Fanout) send(ctx context.Context, t task, alert models.Alert, patient *models.Patient) error {
	switch t.transport {
	case TransportSMS:
		return f.sms.SendSMS(ctx, t.caregiver.Phone, smsBody(alert, patient))
	case TransportEmail:
		return f.email.SendAlert(ctx, f.smtp, email.AlertEmail{
			To:          t.caregiver.Email,
			PatientName: patient.Name,
			Severity:    alert.Severity,
			Category:    alert.Category,
			Phrase:      alert.Phrase,
			Utterance:   alert.Utterance,
			DetectedAt:  alert.DetectedAt,
		})
	case TransportPush:
		return f.push.SendAlert(ctx, t.caregiver.PushToken, push.AlertPush{
			AlertID:     strconv.FormatInt(alert.ID, 10),
			PatientName: patient.Name,
			Severity:    alert.Severity,
			Category:    alert.Category,
		})
	}
	return nil
}

func (f *Fanout) available(transport string) bool {
	switch transport {
	case TransportSMS:
		return f.sms != nil
	case TransportEmail:
		return f.email != nil && f.smtp.Valid()
	case TransportPush:
		return f.push != nil
	}
	return false
}

// channelsFor maps severity to delivery channels: CRITICAL goes out on
// everything, HIGH on sms+push, MEDIUM on push+email.
func channelsFor(severity string) []string {
	switch severity {
	case models.SeverityCritical:
		return []string{TransportSMS, TransportPush, TransportEmail}
	case models.SeverityHigh:
		return []string{TransportSMS, TransportPush}
	default:
		return []string{TransportPush, TransportEmail}
	}
}

func eligible(cg models.Caregiver, transport string) bool {
	switch transport {
	case TransportSMS:
		return cg.PhoneVerified && cg.Phone != ""
	case TransportEmail:
		return cg.EmailVerified && cg.Email != ""
	case TransportPush:
		return cg.PushToken != ""
	}
	return false
}

func smsBody(alert models.Alert, patient *models.Patient) string {
	return "[" + alert.Severity + "] Wellness alert for " + patient.Name +
		": " + alert.Category + " (\"" + alert.Phrase + "\"). Please check on them."
}
