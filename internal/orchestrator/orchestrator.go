// Package orchestrator owns the per-call state machine. One goroutine per
// live conversation selects over telephony progress events, bridge media
// events, AI session events, and timers; every terminal path funnels
// through one guarded cleanup sequence.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carecall/carecall/internal/aisession"
	"github.com/carecall/carecall/internal/bridge"
	"github.com/carecall/carecall/internal/config"
	"github.com/carecall/carecall/internal/database"
	"github.com/carecall/carecall/internal/database/models"
	"github.com/carecall/carecall/internal/detector"
	"github.com/carecall/carecall/internal/telephony"
)

// ErrCallActive is returned when a second orchestrator is requested for a
// callSid that already has one.
var ErrCallActive = errors.New("call already has a live orchestrator")

// ErrNoSuchCall is returned when cancelling a callSid with no live
// orchestrator.
var ErrNoSuchCall = errors.New("no live call with that sid")

// MediaChannel is the slice of a bridge channel the orchestrator drives.
type MediaChannel interface {
	WritePCM(pcm []byte) error
	PCM(frame []byte) []byte
	Frames() <-chan []byte
	DTMF() <-chan string
	FlushOutbound() int
	LastActivity() time.Time
	Done() <-chan struct{}
}

// Bridge hands out media channels and tears them down.
type Bridge interface {
	Channel(id string) MediaChannel
	CloseChannel(id, reason string)
}

// Session is the live model duplex for one call.
type Session interface {
	AppendAudio(pcm []byte) error
	Commit() error
	Cancel() error
	Events() <-chan aisession.Event
	Close() error
}

// SessionOpener opens the model session once a call is answered.
type SessionOpener func(ctx context.Context, patient *models.Patient, callSid string) (Session, error)

// Screener is the fire-and-forget detector intake.
type Screener interface {
	Submit(u detector.Utterance)
}

// Dialer places and ends provider calls.
type Dialer interface {
	PlaceCall(ctx context.Context, to, answerURL, statusURL string, ringTimeout time.Duration) (string, error)
	Hangup(ctx context.Context, callSid string)
}

// JobEnqueuer schedules deferred work; retries ride the job store.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// CallReleaser drops webhook ordering state once a call is finished.
type CallReleaser interface {
	ReleaseCall(callSid string)
}

// CallPayload is the job-store payload for deferred call launches.
type CallPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// Registry enforces one orchestrator per callSid, routes inbound events
// to runners, and sweeps orphans. It implements telephony.StatusSink.
type Registry struct {
	cfg           *config.Config
	conversations database.ConversationRepository
	orgs          database.OrganizationRepository
	patients      database.PatientRepository
	alerts        database.AlertRepository
	dialer        Dialer
	bridge        Bridge
	openSession   SessionOpener
	screener      Screener
	notifier      detector.Notifier
	jobs          JobEnqueuer
	releaser      CallReleaser
	logger        *slog.Logger

	mu        sync.Mutex
	active    map[string]*callRunner // by callSid
	cancel    context.CancelFunc
	baseCtx   context.Context
	wg        sync.WaitGroup // router + janitor
	runnersWG sync.WaitGroup // one per live call
}

// Deps bundles the registry's collaborators.
type Deps struct {
	Conversations database.ConversationRepository
	Orgs          database.OrganizationRepository
	Patients      database.PatientRepository
	Alerts        database.AlertRepository
	Dialer        Dialer
	Bridge        Bridge
	OpenSession   SessionOpener
	Screener      Screener
	Notifier      detector.Notifier
	Jobs          JobEnqueuer
	Releaser      CallReleaser
}

// NewRegistry creates the orchestrator registry.
func NewRegistry(cfg *config.Config, deps Deps) *Registry {
	return &Registry{
		cfg:           cfg,
		conversations: deps.Conversations,
		orgs:          deps.Orgs,
		patients:      deps.Patients,
		alerts:        deps.Alerts,
		dialer:        deps.Dialer,
		bridge:        deps.Bridge,
		openSession:   deps.OpenSession,
		screener:      deps.Screener,
		notifier:      deps.Notifier,
		jobs:          deps.Jobs,
		releaser:      deps.Releaser,
		logger:        slog.Default().With("component", "orchestrator"),
		active:        make(map[string]*callRunner),
	}
}

// Run starts the bridge event router and the orphan janitor. Non-blocking.
func (r *Registry) Run(ctx context.Context, bridgeEvents <-chan bridge.Event) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.baseCtx = ctx

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-bridgeEvents:
				r.routeBridgeEvent(ctx, ev)
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepOrphans(ctx)
			}
		}
	}()
}

// Shutdown cancels every live call gracefully and waits up to the
// deadline for runners to finish their cleanup.
func (r *Registry) Shutdown(deadline time.Duration) {
	r.mu.Lock()
	runners := make([]*callRunner, 0, len(r.active))
	for _, cr := range r.active {
		runners = append(runners, cr)
	}
	r.mu.Unlock()

	for _, cr := range runners {
		cr.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		r.runnersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		r.logger.Warn("shutdown deadline exceeded with live calls", "remaining", len(runners))
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Initiate opens a conversation for the patient and places the call.
// agentID is set for manual caregiver-initiated calls.
func (r *Registry) Initiate(ctx context.Context, patientID int64, agentID *int64) (*models.Conversation, error) {
	patient, err := r.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("loading patient %d: %w", patientID, err)
	}
	if patient == nil {
		return nil, fmt.Errorf("patient %d not found", patientID)
	}
	org, err := r.orgs.GetByID(ctx, patient.OrgID)
	if err != nil {
		return nil, fmt.Errorf("loading org %d: %w", patient.OrgID, err)
	}
	if org == nil {
		return nil, fmt.Errorf("organization %d not found", patient.OrgID)
	}

	conv := &models.Conversation{
		OrgID:      org.ID,
		PatientID:  patient.ID,
		AgentID:    agentID,
		CallStatus: models.CallStatusInitiated,
		StartTime:  time.Now().UTC(),
		MaxRetries: org.RetryCount,
	}
	if err := r.conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("opening conversation: %w", err)
	}

	if err := r.place(ctx, conv, patient, org); err != nil {
		return conv, err
	}
	return conv, nil
}

// Launch places the call for an already-created conversation; retry
// attempts arrive here when their job fires.
func (r *Registry) Launch(ctx context.Context, conversationID int64) error {
	conv, err := r.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation %d: %w", conversationID, err)
	}
	if conv == nil {
		return fmt.Errorf("conversation %d not found", conversationID)
	}
	if models.TerminalStatus(conv.CallStatus) {
		return fmt.Errorf("conversation %d already terminal (%s)", conversationID, conv.CallStatus)
	}
	patient, err := r.patients.GetByID(ctx, conv.PatientID)
	if err != nil {
		return fmt.Errorf("loading patient %d: %w", conv.PatientID, err)
	}
	if patient == nil {
		return fmt.Errorf("patient %d not found", conv.PatientID)
	}
	org, err := r.orgs.GetByID(ctx, conv.OrgID)
	if err != nil {
		return fmt.Errorf("loading org %d: %w", conv.OrgID, err)
	}
	if org == nil {
		return fmt.Errorf("organization %d not found", conv.OrgID)
	}
	return r.place(ctx, conv, patient, org)
}

// place dials the provider and hands the conversation to a fresh runner.
func (r *Registry) place(ctx context.Context, conv *models.Conversation, patient *models.Patient, org *models.Organization) error {
	statusURL := r.cfg.PublicURL + "/webhooks/telephony/status"
	answerURL := r.cfg.PublicURL + "/webhooks/telephony/voice"

	callSid, err := r.dialer.PlaceCall(ctx, patient.Phone, answerURL, statusURL, r.cfg.RingTimeout)
	if err != nil {
		r.logger.Error("call placement failed",
			"conversation_id", conv.ID, "patient_id", patient.ID, "error", err)
		cr := newRunner(r, conv, patient, org, "")
		cr.finalize(ctx, models.CallStatusFailed, "placement_failed", err.Error())
		return fmt.Errorf("placing call: %w", err)
	}
	if err := r.conversations.SetCallSid(ctx, conv.ID, callSid); err != nil {
		return fmt.Errorf("binding call sid: %w", err)
	}
	conv.CallSid = callSid

	cr := newRunner(r, conv, patient, org, callSid)
	r.mu.Lock()
	if _, exists := r.active[callSid]; exists {
		r.mu.Unlock()
		return ErrCallActive
	}
	r.active[callSid] = cr
	r.mu.Unlock()

	runCtx := r.baseCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	r.runnersWG.Add(1)
	go func() {
		defer r.runnersWG.Done()
		cr.run(runCtx)
	}()

	r.logger.Info("call placed",
		"conversation_id", conv.ID,
		"patient_id", patient.ID,
		"call_sid", callSid,
		"retry_attempt", conv.RetryAttempt,
	)
	return nil
}

// ActiveCallCount reports the number of live call runners.
func (r *Registry) ActiveCallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Cancelrequests teardown of a live call. A second cancel inside the
// force-close grace window makes the teardown abortive.
func (r *Registry) Cancel(callSid string) error {
	r.mu.Lock()
	cr := r.active[callSid]
	r.mu.Unlock()
	if cr == nil {
		return ErrNoSuchCall
	}
	cr.requestCancel()
	return nil
}

// HandleCallStatus implements telephony.StatusSink. Events for live calls
// go to their runner's mailbox; events for calls without a runner are
// applied straight to the store, which enforces monotonicity.
func (r *Registry) HandleCallStatus(ctx context.Context, ev telephony.StatusEvent) error {
	r.mu.Lock()
	cr := r.active[ev.CallSid]
	r.mu.Unlock()

	if cr != nil {
		select {
		case cr.statusCh <- ev:
		case <-cr.done:
		}
		return nil
	}

	conv, err := r.conversations.GetByCallSid(ctx, ev.CallSid)
	if err != nil {
		return fmt.Errorf("loading call sid %q: %w", ev.CallSid, err)
	}
	if conv == nil {
		return fmt.Errorf("unknown call sid %q", ev.CallSid)
	}
	upd := database.StatusUpdate{}
	if models.TerminalStatus(ev.Status) {
		end := ev.Timestamp
		upd.EndTime = &end
		if ev.Duration > 0 {
			d := ev.Duration
			upd.Duration = &d
		}
	}
	return r.conversations.UpdateCallStatus(ctx, conv.ID, ev.Status, upd)
}

// VoiceDocument renders the provider answer document for a connecting
// call, pointing its media leg at the bridge.
func (r *Registry) VoiceDocument(ctx context.Context, callSid string) ([]byte, error) {
	conv, err := r.conversations.GetByCallSid(ctx, callSid)
	if err != nil {
		return nil, fmt.Errorf("loading call sid %q: %w", callSid, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("unknown call sid %q", callSid)
	}
	uri := telephony.BridgeURI(r.cfg.SIPHost, r.cfg.SIPPort, callSid, conv.PatientID)
	return telephony.VoiceDocument("Connecting your wellness check.", uri)
}

func (r *Registry) routeBridgeEvent(ctx context.Context, ev bridge.Event) {
	r.mu.Lock()
	cr := r.active[ev.CallSid]
	r.mu.Unlock()
	if cr == nil {
		if ev.Type == bridge.EventChannelUp {
			r.logger.Warn("channel up for unknown call, closing", "call_sid", ev.CallSid)
			r.bridge.CloseChannel(ev.ChannelID, "no_orchestrator")
		}
		return
	}
	select {
	case cr.bridgeCh <- ev:
	case <-cr.done:
	}
}

// sweepOrphans moves in_progress conversations with no live runner that
// started before the orphan cutoff to failed.
func (r *Registry) sweepOrphans(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.orphanTimeout())
	orphans, err := r.conversations.ListOrphaned(ctx, cutoff)
	if err != nil {
		r.logger.Error("orphan sweep query failed", "error", err)
		return
	}
	for _, conv := range orphans {
		r.mu.Lock()
		_, live := r.active[conv.CallSid]
		r.mu.Unlock()
		if live {
			continue
		}
		end := time.Now().UTC()
		err := r.conversations.UpdateCallStatus(ctx, conv.ID, models.CallStatusFailed, database.StatusUpdate{
			EndTime: &end,
			Outcome: "orphaned",
		})
		if err != nil && !errors.Is(err, database.ErrStatusRegression) {
			r.logger.Error("orphan reap failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		r.logger.Warn("orphaned conversation reaped", "conversation_id", conv.ID)
	}
}

func (r *Registry) orphanTimeout() time.Duration {
	if r.cfg.OrphanTimeout > 0 {
		return r.cfg.OrphanTimeout
	}
	return 2 * r.cfg.MaxCallDuration
}

func (r *Registry) remove(callSid string) {
	r.mu.Lock()
	delete(r.active, callSid)
	r.mu.Unlock()
	if r.releaser != nil {
		r.releaser.ReleaseCall(callSid)
	}
}

// scheduleRetry creates the chained retry conversation and enqueues its
// launch job. Returns the retry conversation, or nil when the chain is
// exhausted.
func (r *Registry) scheduleRetry(ctx context.Context, prev *models.Conversation, org *models.Organization) (*models.Conversation, error) {
	if prev.RetryAttempt >= org.RetryCount {
		return nil, nil
	}

	root := prev.ID
	if prev.OriginalCallID != nil {
		root = *prev.OriginalCallID
	}
	retryAt := time.Now().UTC().Add(time.Duration(org.RetryIntervalMinutes) * time.Minute)

	retry := &models.Conversation{
		OrgID:            prev.OrgID,
		PatientID:        prev.PatientID,
		AgentID:          prev.AgentID,
		CallStatus:       models.CallStatusInitiated,
		StartTime:        retryAt,
		MaxRetries:       org.RetryCount,
		RetryAttempt:     prev.RetryAttempt + 1,
		OriginalCallID:   &root,
		RetryScheduledAt: &retryAt,
	}
	if err := r.conversations.Create(ctx, retry); err != nil {
		return nil, fmt.Errorf("creating retry conversation: %w", err)
	}

	payload, err := json.Marshal(CallPayload{ConversationID: retry.ID})
	if err != nil {
		return nil, fmt.Errorf("encoding retry payload: %w", err)
	}
	job := &models.Job{
		Kind:    models.JobKindCall,
		Payload: string(payload),
		LockKey: fmt.Sprintf("retry:%d", retry.ID),
		RunAt:   retryAt,
		Status:  models.JobPending,
	}
	if err := r.jobs.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing retry job: %w", err)
	}

	r.logger.Info("retry scheduled",
		"conversation_id", retry.ID,
		"original_call_id", root,
		"retry_attempt", retry.RetryAttempt,
		"run_at", retryAt,
	)
	return retry, nil
}

// chainExhausted raises the MEDIUM missed-call alert when a retry chain
// ends without a completed call and the org opted in.
func (r *Registry) chainExhausted(ctx context.Context, conv *models.Conversation, org *models.Organization) {
	if !org.AlertOnAllMissedCalls {
		return
	}
	alert := models.Alert{
		PatientID:  conv.PatientID,
		Severity:   models.SeverityMedium,
		Category:   "missed_call_chain",
		Phrase:     "",
		Utterance:  fmt.Sprintf("call chain exhausted after %d attempts", conv.RetryAttempt+1),
		DetectedAt: time.Now().UTC(),
	}
	if err := r.alerts.Create(ctx, &alert); err != nil {
		r.logger.Error("failed to persist missed-call alert",
			"patient_id", conv.PatientID, "error", err)
		return
	}
	r.logger.Warn("missed call chain exhausted",
		"patient_id", conv.PatientID,
		"conversation_id", conv.ID,
		"attempts", conv.RetryAttempt+1,
	)
	r.notifier.Dispatch(ctx, alert)
}
