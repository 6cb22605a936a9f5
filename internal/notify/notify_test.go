package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/carecall/carecall/internal/config"
	"github.com/carecall/carecall/internal/database/models"
	"github.com/carecall/carecall/internal/email"
	"github.com/carecall/carecall/internal/metrics"
	"github.com/carecall/carecall/internal/push"
)

type fakePatients struct {
	missing bool
}

func (f *fakePatients) Create(ctx context.Context, p *models.Patient) error { return nil }
func (f *fakePatients) Update(ctx context.Context, p *models.Patient) error { return nil }
func (f *fakePatients) ListByOrg(ctx context.Context, orgID int64) ([]models.Patient, error) {
	return nil, nil
}
func (f *fakePatients) GetByID(ctx context.Context, id int64) (*models.Patient, error) {
	if f.missing {
		return nil, nil
	}
	return &models.Patient{ID: id, OrgID: 1, Name: "Mary Jones", Phone: "+15550100"}, nil
}

type fakeCaregivers struct {
	byPatient []models.Caregiver
}

func (f *fakeCaregivers) Create(ctx context.Context, cg *models.Caregiver) error { return nil }
func (f *fakeCaregivers) GetByID(ctx context.Context, id int64) (*models.Caregiver, error) {
	return nil, nil
}
func (f *fakeCaregivers) Update(ctx context.Context, cg *models.Caregiver) error          { return nil }
func (f *fakeCaregivers) Assign(ctx context.Context, caregiverID, patientID int64) error  { return nil }
func (f *fakeCaregivers) Unassign(ctx context.Context, caregiverID, patientID int64) error {
	return nil
}
func (f *fakeCaregivers) SetVerificationPIN(ctx context.Context, id int64, pinHash string) error {
	return nil
}
func (f *fakeCaregivers) MarkVerified(ctx context.Context, id int64, transport string) error {
	return nil
}
func (f *fakeCaregivers) ListByPatient(ctx context.Context, patientID int64) ([]models.Caregiver, error) {
	return f.byPatient, nil
}

type fakeAlertRepo struct {
	mu         sync.Mutex
	nextID     int64
	deliveries map[int64]models.AlertDelivery
}

func (f *fakeAlertRepo) Create(ctx context.Context, a *models.Alert) error        { return nil }
func (f *fakeAlertRepo) GetByID(ctx context.Context, id int64) (*models.Alert, error) {
	return nil, nil
}
func (f *fakeAlertRepo) ListByPatient(ctx context.Context, patientID int64, limit int) ([]models.Alert, error) {
	return nil, nil
}
func (f *fakeAlertRepo) CountFannedOutSince(ctx context.Context, patientID int64, cutoff time.Time) (int, error) {
	return 0, nil
}
func (f *fakeAlertRepo) ListDeliveries(ctx context.Context, alertID int64) ([]models.AlertDelivery, error) {
	return nil, nil
}

func (f *fakeAlertRepo) CreateDelivery(ctx context.Context, d *models.AlertDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliveries == nil {
		f.deliveries = make(map[int64]models.AlertDelivery)
	}
	f.nextID++
	d.ID = f.nextID
	f.deliveries[d.ID] = *d
	return nil
}

func (f *fakeAlertRepo) UpdateDelivery(ctx context.Context, d *models.AlertDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries[d.ID] = *d
	return nil
}

func (f *fakeAlertRepo) all() []models.AlertDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.AlertDelivery, 0, len(f.deliveries))
	for _, d := range f.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fakeSMS struct {
	mu       sync.Mutex
	sent     []string
	failures int // fail this many calls before succeeding
	always   bool
}

func (f *fakeSMS) SendSMS(ctx context.Context, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.always {
		return errors.New("provider rejected message")
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("transient provider error")
	}
	f.sent = append(f.sent, to)
	return nil
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []email.AlertEmail
}

func (f *fakeEmail) SendAlert(ctx context.Context, cfg email.SMTPConfig, alert email.AlertEmail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, alert)
	return nil
}

type fakePush struct {
	mu   sync.Mutex
	sent []string // tokens
}

func (f *fakePush) SendAlert(ctx context.Context, token string, alert push.AlertPush) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, token)
	return nil
}

func verifiedCaregiver() models.Caregiver {
	return models.Caregiver{
		ID:            3,
		OrgID:         1,
		Name:          "Pat Smith",
		Email:         "pat@example.com",
		Phone:         "+15550200",
		EmailVerified: true,
		PhoneVerified: true,
		PushToken:     "tok-3",
	}
}

func testAlert(severity string) models.Alert {
	return models.Alert{
		ID:         11,
		PatientID:  7,
		Severity:   severity,
		Category:   "fall",
		Phrase:     "i've fallen",
		Utterance:  "I've fallen and I can't get up",
		DetectedAt: time.Now().UTC(),
	}
}

type harness struct {
	fanout   *Fanout
	patients *fakePatients
	alerts   *fakeAlertRepo
	sms      *fakeSMS
	email    *fakeEmail
	push     *fakePush
}

func newHarness(cgs []models.Caregiver, counters *metrics.Counters) *harness {
	cfg := &config.Config{
		SMTPHost:             "mail.example.com",
		SMTPPort:             "587",
		SMTPFrom:             "alerts@example.com",
		CriticalResponseTime: time.Second,
		HighResponseTime:     time.Second,
		MediumResponseTime:   time.Second,
	}
	h := &harness{
		patients: &fakePatients{},
		alerts:   &fakeAlertRepo{},
		sms:      &fakeSMS{},
		email:    &fakeEmail{},
		push:     &fakePush{},
	}
	h.fanout = New(cfg, h.patients, &fakeCaregivers{byPatient: cgs}, h.alerts,
		h.sms, h.email, h.push, counters)
	h.fanout.backoffBase = time.Millisecond
	return h
}

// wait blocks until all launched deliveries have settled.
func (h *harness) wait() {
	h.fanout.wg.Wait()
}

func transports(deliveries []models.AlertDelivery) map[string]models.AlertDelivery {
	out := make(map[string]models.AlertDelivery)
	for _, d := range deliveries {
		out[d.Transport] = d
	}
	return out
}

func TestDispatchForMissingPatientDeliversNothing(t *testing.T) {
	h := newHarness([]models.Caregiver{verifiedCaregiver()}, nil)
	defer h.fanout.Close()
	h.patients.missing = true

	h.fanout.Dispatch(context.Background(), testAlert(models.SeverityCritical))
	h.wait()

	if n := len(h.sms.sent) + len(h.push.sent) + len(h.email.sent); n != 0 {
		t.Errorf("got %d deliveries for a missing patient, want 0", n)
	}
	if got := h.alerts.all(); len(got) != 0 {
		t.Errorf("delivery records = %v, want none", got)
	}
}

func TestCriticalFansOutAllTransports(t *testing.T) {
	h := newHarness([]models.Caregiver{verifiedCaregiver()}, nil)
	defer h.fanout.Close()

	h.fanout.Dispatch(context.Background(), testAlert(models.SeverityCritical))
	h.wait()

	if len(h.sms.sent) != 1 || h.sms.sent[0] != "+15550200" {
		t.Errorf("sms sent = %v", h.sms.sent)
	}
	if len(h.push.sent) != 1 || h.push.sent[0] != "tok-3" {
		t.Errorf("push sent = %v", h.push.sent)
	}
	if len(h.email.sent) != 1 || h.email.sent[0].To != "pat@example.com" {
		t.Errorf("email sent = %v", h.email.sent)
	}
	if h.email.sent[0].PatientName != "Mary Jones" {
		t.Errorf("email patient = %q", h.email.sent[0].PatientName)
	}

	got := transports(h.alerts.all())
	for _, tr := range []string{TransportSMS, TransportEmail, TransportPush} {
		d, ok := got[tr]
		if !ok {
			t.Fatalf("no delivery record for %s", tr)
		}
		if d.Status != "delivered" || d.DeliveredAt == nil || d.Attempts != 1 {
			t.Errorf("%s delivery = %+v", tr, d)
		}
	}
}

func TestChannelsBySeverity(t *testing.T) {
	tests := []struct {
		severity string
		want     []string
	}{
		{models.SeverityCritical, []string{TransportEmail, TransportPush, TransportSMS}},
		{models.SeverityHigh, []string{TransportPush, TransportSMS}},
		{models.SeverityMedium, []string{TransportEmail, TransportPush}},
	}
	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			h := newHarness([]models.Caregiver{verifiedCaregiver()}, nil)
			defer h.fanout.Close()

			h.fanout.Dispatch(context.Background(), testAlert(tt.severity))
			h.wait()

			var got []string
			for _, d := range h.alerts.all() {
				got = append(got, d.Transport)
			}
			sort.Strings(got)
			if len(got) != len(tt.want) {
				t.Fatalf("transports = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("transports = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestUnverifiedTransportsAreSkipped(t *testing.T) {
	cg := verifiedCaregiver()
	cg.PhoneVerified = false
	cg.PushToken = ""
	h := newHarness([]models.Caregiver{cg}, nil)
	defer h.fanout.Close()

	h.fanout.Dispatch(context.Background(), testAlert(models.SeverityCritical))
	h.wait()

	if len(h.sms.sent) != 0 {
		t.Errorf("sms sent to unverified phone: %v", h.sms.sent)
	}
	if len(h.push.sent) != 0 {
		t.Errorf("push sent without a registered device: %v", h.push.sent)
	}
	if len(h.email.sent) != 1 {
		t.Errorf("email sent = %v, want 1", h.email.sent)
	}
}

func TestRetriesWithBackoffThenSucceeds(t *testing.T) {
	h := newHarness([]models.Caregiver{verifiedCaregiver()}, nil)
	defer h.fanout.Close()
	h.sms.failures = 2

	h.fanout.Dispatch(context.Background(), testAlert(models.SeverityHigh))
	h.wait()

	if len(h.sms.sent) != 1 {
		t.Fatalf("sms sent = %v, want 1 after retries", h.sms.sent)
	}
	d := transports(h.alerts.all())[TransportSMS]
	if d.Status != "delivered" || d.Attempts != 3 {
		t.Errorf("sms delivery = %+v, want delivered on attempt 3", d)
	}
}

func TestOneTransportFailureDoesNotCancelOthers(t *testing.T) {
	h := newHarness([]models.Caregiver{verifiedCaregiver()}, nil)
	defer h.fanout.Close()
	h.sms.always = true

	h.fanout.Dispatch(context.Background(), testAlert(models.SeverityCritical))
	h.wait()

	got := transports(h.alerts.all())
	if d := got[TransportSMS]; d.Status != "failed" || d.Attempts != maxAttempts || d.Detail == "" {
		t.Errorf("sms delivery = %+v, want failed with detail", d)
	}
	if d := got[TransportPush]; d.Status != "delivered" {
		t.Errorf("push delivery = %+v, want delivered", d)
	}
	if d := got[TransportEmail]; d.Status != "delivered" {
		t.Errorf("email delivery = %+v, want delivered", d)
	}
}

func TestCriticalWithNoRecipientsIsCounted(t *testing.T) {
	counters := metrics.NewCounters(prometheus.NewRegistry())
	h := newHarness(nil, counters)
	defer h.fanout.Close()

	h.fanout.Dispatch(context.Background(), testAlert(models.SeverityCritical))
	h.wait()

	if got := testutil.ToFloat64(counters.CriticalNoRecipients); got != 1 {
		t.Errorf("critical-no-recipients counter = %v, want 1", got)
	}
	if len(h.alerts.all()) != 0 {
		t.Errorf("deliveries = %v, want none", h.alerts.all())
	}

	// MEDIUM with no recipients is quiet.
	h.fanout.Dispatch(context.Background(), testAlert(models.SeverityMedium))
	h.wait()
	if got := testutil.ToFloat64(counters.CriticalNoRecipients); got != 1 {
		t.Errorf("counter moved for a MEDIUM alert: %v", got)
	}
}

func TestMultipleCaregiversEachGetDeliveries(t *testing.T) {
	second := verifiedCaregiver()
	second.ID = 4
	second.Phone = "+15550300"
	second.PushToken = "tok-4"
	h := newHarness([]models.Caregiver{verifiedCaregiver(), second}, nil)
	defer h.fanout.Close()

	h.fanout.Dispatch(context.Background(), testAlert(models.SeverityHigh))
	h.wait()

	if len(h.sms.sent) != 2 {
		t.Errorf("sms sent = %v, want both caregivers", h.sms.sent)
	}
	if len(h.push.sent) != 2 {
		t.Errorf("push sent = %v, want both caregivers", h.push.sent)
	}
	if len(h.alerts.all()) != 4 {
		t.Errorf("got %d delivery records, want 4", len(h.alerts.all()))
	}
}
