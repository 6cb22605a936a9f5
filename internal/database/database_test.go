package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carecall/carecall/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedPatient creates an org and patient and returns both ids.
func seedPatient(t *testing.T, db *DB) (orgID, patientID int64) {
	t.Helper()
	ctx := context.Background()
	org := &models.Organization{Name: "Sunrise Care", RetryCount: 2, RetryIntervalMinutes: 15}
	if err := NewOrganizationRepository(db).Create(ctx, org); err != nil {
		t.Fatalf("creating org: %v", err)
	}
	p := &models.Patient{OrgID: org.ID, Name: "Edna", Phone: "+15551230001", Language: "en"}
	if err := NewPatientRepository(db).Create(ctx, p); err != nil {
		t.Fatalf("creating patient: %v", err)
	}
	return org.ID, p.ID
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	// Verify database file was created.
	dbPath := filepath.Join(dir, "carecall.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	// Verify WAL mode is active.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	// Verify all tables exist.
	tables := []string{
		"schema_migrations", "organizations", "caregivers", "patients",
		"caregiver_patients", "schedules", "conversations", "messages",
		"alerts", "alert_deliveries", "emergency_phrases", "invoices",
		"line_items", "jobs",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestNextInvoiceNumber(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	repo := NewOrganizationRepository(db)
	org := &models.Organization{Name: "Meadow Health", RetryIntervalMinutes: 15}
	if err := repo.Create(ctx, org); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		got, err := repo.NextInvoiceNumber(ctx, org.ID)
		if err != nil {
			t.Fatalf("NextInvoiceNumber() error: %v", err)
		}
		if got != want {
			t.Errorf("NextInvoiceNumber() = %d, want %d", got, want)
		}
	}

	if _, err := repo.NextInvoiceNumber(ctx, 9999); err == nil {
		t.Error("NextInvoiceNumber(unknown org) succeeded, want error")
	}
}

func TestUpdateCallStatusTransitions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	orgID, patientID := seedPatient(t, db)
	repo := NewConversationRepository(db)

	newConv := func() int64 {
		c := &models.Conversation{OrgID: orgID, PatientID: patientID}
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		return c.ID
	}

	tests := []struct {
		name    string
		path    []string
		wantErr bool
	}{
		{"happy path", []string{"ringing", "in_progress", "completed"}, false},
		{"skip ringing", []string{"in_progress", "completed"}, false},
		{"straight to missed", []string{"ringing", "missed"}, false},
		{"backwards", []string{"in_progress", "ringing"}, true},
		{"terminal absorbs", []string{"completed", "failed"}, true},
		{"cancelled then completed", []string{"cancelled", "completed"}, false},
		{"cancelled then failed", []string{"cancelled", "failed"}, true},
		{"same status", []string{"ringing", "ringing"}, true},
		{"unknown status", []string{"answered"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := newConv()
			var err error
			for _, st := range tt.path {
				err = repo.UpdateCallStatus(ctx, id, st, StatusUpdate{})
				if err != nil {
					break
				}
			}
			if tt.wantErr && err == nil {
				t.Errorf("path %v succeeded, want error", tt.path)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("path %v error: %v", tt.path, err)
			}
		})
	}

	// Regressions return the sentinel so callers can tell them from IO errors.
	id := newConv()
	if err := repo.UpdateCallStatus(ctx, id, models.CallStatusCompleted, StatusUpdate{}); err != nil {
		t.Fatalf("completing: %v", err)
	}
	err := repo.UpdateCallStatus(ctx, id, models.CallStatusInProgress, StatusUpdate{})
	if !errors.Is(err, ErrStatusRegression) {
		t.Errorf("terminal regression error = %v, want ErrStatusRegression", err)
	}
}

func TestUpdateCallStatusPersistsFields(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	orgID, patientID := seedPatient(t, db)
	repo := NewConversationRepository(db)

	c := &models.Conversation{OrgID: orgID, PatientID: patientID}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	end := time.Now().UTC().Truncate(time.Second)
	dur := 95
	cost := 0.24
	upd := StatusUpdate{EndTime: &end, Duration: &dur, Cost: &cost, Outcome: "routine"}
	if err := repo.UpdateCallStatus(ctx, c.ID, models.CallStatusCompleted, upd); err != nil {
		t.Fatalf("UpdateCallStatus() error: %v", err)
	}

	got, err := repo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.CallStatus != models.CallStatusCompleted {
		t.Errorf("status = %q, want completed", got.CallStatus)
	}
	if got.Duration != dur || got.Cost != cost || got.Outcome != "routine" {
		t.Errorf("fields = (%d, %v, %q), want (%d, %v, routine)",
			got.Duration, got.Cost, got.Outcome, dur, cost)
	}
	if got.EndTime == nil || !got.EndTime.Equal(end) {
		t.Errorf("end time = %v, want %v", got.EndTime, end)
	}
}

func TestAppendMessagePositions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	orgID, patientID := seedPatient(t, db)
	repo := NewConversationRepository(db)

	c := &models.Conversation{OrgID: orgID, PatientID: patientID}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	contents := []string{"Hello Edna", "Hello dear", "How did you sleep?"}
	roles := []string{models.RoleAssistant, models.RolePatient, models.RoleAssistant}
	for i := range contents {
		pos, err := repo.AppendMessage(ctx, c.ID, roles[i], contents[i])
		if err != nil {
			t.Fatalf("AppendMessage() error: %v", err)
		}
		if pos != i {
			t.Errorf("position = %d, want %d", pos, i)
		}
	}

	msgs, err := repo.Messages(ctx, c.ID)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Position != i || m.Content != contents[i] {
			t.Errorf("msgs[%d] = (%d, %q), want (%d, %q)", i, m.Position, m.Content, i, contents[i])
		}
	}
}

func TestMarkBilledAtMostOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	orgID, patientID := seedPatient(t, db)
	repo := NewConversationRepository(db)

	end := time.Now().UTC()
	var ids []int64
	for i := 0; i < 3; i++ {
		c := &models.Conversation{OrgID: orgID, PatientID: patientID}
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		if err := repo.UpdateCallStatus(ctx, c.ID, models.CallStatusCompleted,
			StatusUpdate{EndTime: &end}); err != nil {
			t.Fatalf("completing: %v", err)
		}
		ids = append(ids, c.ID)
	}

	if err := repo.MarkBilled(ctx, ids[:2], 101); err != nil {
		t.Fatalf("MarkBilled() error: %v", err)
	}

	// Re-billing a claimed conversation fails and leaves the third untouched.
	err := repo.MarkBilled(ctx, []int64{ids[1], ids[2]}, 102)
	if !errors.Is(err, ErrAlreadyBilled) {
		t.Fatalf("MarkBilled() error = %v, want ErrAlreadyBilled", err)
	}
	got, err := repo.GetByID(ctx, ids[2])
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.LineItemID != nil {
		t.Errorf("conversation %d billed by rolled-back batch", ids[2])
	}

	unbilled, err := repo.FindUnbilled(ctx, orgID, end.Add(-time.Hour), end.Add(time.Hour))
	if err != nil {
		t.Fatalf("FindUnbilled() error: %v", err)
	}
	if len(unbilled) != 1 || unbilled[0].ID != ids[2] {
		t.Errorf("FindUnbilled() = %v, want only conversation %d", unbilled, ids[2])
	}
}

func TestComputeCost(t *testing.T) {
	tests := []struct {
		name        string
		rate        float64
		minBillable int
		duration    int
		want        float64
	}{
		{"exact minute", 0.15, 30, 60, 0.15},
		{"floored to minimum", 0.15, 30, 10, 0.08},
		{"zero duration floored", 0.15, 30, 0, 0.08},
		{"rounds half up", 0.10, 0, 33, 0.06},
		{"long call", 0.15, 30, 600, 1.50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.rate, tt.minBillable, tt.duration)
			if got != tt.want {
				t.Errorf("ComputeCost(%v, %d, %d) = %v, want %v",
					tt.rate, tt.minBillable, tt.duration, got, tt.want)
			}
		})
	}
}

func TestRetryChain(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	orgID, patientID := seedPatient(t, db)
	repo := NewConversationRepository(db)

	root := &models.Conversation{OrgID: orgID, PatientID: patientID, MaxRetries: 2}
	if err := repo.Create(ctx, root); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		retry := &models.Conversation{
			OrgID: orgID, PatientID: patientID,
			RetryAttempt: attempt, MaxRetries: 2, OriginalCallID: &root.ID,
		}
		if err := repo.Create(ctx, retry); err != nil {
			t.Fatalf("Create() retry error: %v", err)
		}
	}

	chain, err := repo.RetryChain(ctx, root.ID)
	if err != nil {
		t.Fatalf("RetryChain() error: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("len(chain) = %d, want 3", len(chain))
	}
	for i, c := range chain {
		if c.RetryAttempt != i {
			t.Errorf("chain[%d].RetryAttempt = %d, want %d", i, c.RetryAttempt, i)
		}
	}
}

func TestListOrphaned(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	orgID, patientID := seedPatient(t, db)
	repo := NewConversationRepository(db)

	old := &models.Conversation{
		OrgID: orgID, PatientID: patientID,
		StartTime: time.Now().Add(-3 * time.Hour).UTC(),
	}
	if err := repo.Create(ctx, old); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := repo.UpdateCallStatus(ctx, old.ID, models.CallStatusInProgress, StatusUpdate{}); err != nil {
		t.Fatalf("UpdateCallStatus() error: %v", err)
	}

	fresh := &models.Conversation{OrgID: orgID, PatientID: patientID}
	if err := repo.Create(ctx, fresh); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	orphans, err := repo.ListOrphaned(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListOrphaned() error: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != old.ID {
		t.Errorf("ListOrphaned() = %v, want only conversation %d", orphans, old.ID)
	}
}

func TestJobStoreLeasing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := NewJobStore(db)
	now := time.Now().UTC()

	due := &models.Job{Kind: "call", Payload: `{"scheduleId":1}`, LockKey: "schedule:1", RunAt: now.Add(-time.Minute)}
	if err := store.Enqueue(ctx, due); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	future := &models.Job{Kind: "call", Payload: `{"scheduleId":2}`, LockKey: "schedule:2", RunAt: now.Add(time.Hour)}
	if err := store.Enqueue(ctx, future); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	// Duplicate lock key is a no-op while the first job is outstanding.
	dup := &models.Job{Kind: "call", LockKey: "schedule:1", RunAt: now}
	if err := store.Enqueue(ctx, dup); err != nil {
		t.Fatalf("Enqueue() duplicate error: %v", err)
	}
	if dup.ID != 0 {
		t.Error("duplicate lock key job was inserted")
	}

	leased, err := store.LeaseDue(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("LeaseDue() error: %v", err)
	}
	if len(leased) != 1 || leased[0].ID != due.ID {
		t.Fatalf("LeaseDue() = %v, want only job %d", leased, due.ID)
	}

	// While leased the job is invisible.
	again, err := store.LeaseDue(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("LeaseDue() error: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("LeaseDue() while leased = %v, want none", again)
	}

	// An expired lease is reclaimed.
	reclaimed, err := store.LeaseDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
	if err != nil {
		t.Fatalf("LeaseDue() error: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != due.ID {
		t.Fatalf("expired lease not reclaimed: %v", reclaimed)
	}

	if err := store.Complete(ctx, due.ID); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	job, err := store.GetJob(ctx, due.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if job.Status != "done" {
		t.Errorf("status = %q, want done", job.Status)
	}
}

func TestJobStoreFailAndRetry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := NewJobStore(db)
	now := time.Now().UTC()

	job := &models.Job{Kind: "billing", RunAt: now.Add(-time.Minute)}
	if err := store.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if _, err := store.LeaseDue(ctx, now, time.Minute, 1); err != nil {
		t.Fatalf("LeaseDue() error: %v", err)
	}

	retryAt := now.Add(5 * time.Minute)
	if err := store.Fail(ctx, job.ID, "transport timeout", &retryAt); err != nil {
		t.Fatalf("Fail() error: %v", err)
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if got.Status != "pending" || got.LastError != "transport timeout" {
		t.Errorf("after retryable fail: status=%q lastError=%q", got.Status, got.LastError)
	}

	if _, err := store.LeaseDue(ctx, retryAt.Add(time.Second), time.Minute, 1); err != nil {
		t.Fatalf("LeaseDue() error: %v", err)
	}
	if err := store.Fail(ctx, job.ID, "gave up", nil); err != nil {
		t.Fatalf("Fail() error: %v", err)
	}
	got, err = store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if got.Status != "failed" {
		t.Errorf("after permanent fail: status = %q, want failed", got.Status)
	}
}

func TestCaregiverVerification(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	orgID, patientID := seedPatient(t, db)
	repo := NewCaregiverRepository(db)

	cg := &models.Caregiver{OrgID: orgID, Name: "Sam", Email: "sam@example.com", Role: models.RoleStaff}
	if err := repo.Create(ctx, cg); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := repo.Assign(ctx, cg.ID, patientID); err != nil {
		t.Fatalf("Assign() error: %v", err)
	}
	// Assign is idempotent.
	if err := repo.Assign(ctx, cg.ID, patientID); err != nil {
		t.Fatalf("repeat Assign() error: %v", err)
	}

	pin, err := GeneratePIN()
	if err != nil {
		t.Fatalf("GeneratePIN() error: %v", err)
	}
	if len(pin) != 6 {
		t.Errorf("pin = %q, want 6 digits", pin)
	}
	hash, err := HashPIN(pin)
	if err != nil {
		t.Fatalf("HashPIN() error: %v", err)
	}
	if err := repo.SetVerificationPIN(ctx, cg.ID, hash); err != nil {
		t.Fatalf("SetVerificationPIN() error: %v", err)
	}

	got, err := repo.GetByID(ctx, cg.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	ok, err := CheckPIN(pin, got.VerifyPINHash)
	if err != nil {
		t.Fatalf("CheckPIN() error: %v", err)
	}
	if !ok {
		t.Error("CheckPIN() = false for correct pin")
	}
	ok, err = CheckPIN("000000", got.VerifyPINHash)
	if err != nil {
		t.Fatalf("CheckPIN() error: %v", err)
	}
	if ok && pin != "000000" {
		t.Error("CheckPIN() = true for wrong pin")
	}

	if err := repo.MarkVerified(ctx, cg.ID, "email"); err != nil {
		t.Fatalf("MarkVerified() error: %v", err)
	}
	got, err = repo.GetByID(ctx, cg.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if !got.EmailVerified || got.VerifyPINHash != "" {
		t.Errorf("after verify: emailVerified=%v pinHash=%q", got.EmailVerified, got.VerifyPINHash)
	}

	listed, err := repo.ListByPatient(ctx, patientID)
	if err != nil {
		t.Fatalf("ListByPatient() error: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != cg.ID {
		t.Errorf("ListByPatient() = %v, want caregiver %d", listed, cg.ID)
	}
}

func TestScheduleListDue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, patientID := seedPatient(t, db)
	repo := NewScheduleRepository(db)

	past := time.Now().Add(-time.Hour).UTC()
	dueSched := &models.Schedule{
		PatientID: patientID, Frequency: "daily", TimeOfDay: "09:00",
		EveryNWeeks: 1, DayOfMonth: 1, IsActive: true, NextCallDate: &past,
	}
	if err := repo.Create(ctx, dueSched); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	future := time.Now().Add(time.Hour).UTC()
	notDue := &models.Schedule{
		PatientID: patientID, Frequency: "daily", TimeOfDay: "09:00",
		EveryNWeeks: 1, DayOfMonth: 1, IsActive: true, NextCallDate: &future,
	}
	if err := repo.Create(ctx, notDue); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	inactive := &models.Schedule{
		PatientID: patientID, Frequency: "daily", TimeOfDay: "09:00",
		EveryNWeeks: 1, DayOfMonth: 1, IsActive: false, NextCallDate: &past,
	}
	if err := repo.Create(ctx, inactive); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	due, err := repo.ListDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListDue() error: %v", err)
	}
	if len(due) != 1 || due[0].ID != dueSched.ID {
		t.Errorf("ListDue() = %v, want only schedule %d", due, dueSched.ID)
	}

	next := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	if err := repo.SetNextCallDate(ctx, dueSched.ID, next); err != nil {
		t.Fatalf("SetNextCallDate() error: %v", err)
	}
	got, err := repo.GetByID(ctx, dueSched.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.NextCallDate == nil || !got.NextCallDate.Equal(next) {
		t.Errorf("next call date = %v, want %v", got.NextCallDate, next)
	}
}
