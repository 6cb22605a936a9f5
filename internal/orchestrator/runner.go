package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carecall/carecall/internal/aisession"
	"github.com/carecall/carecall/internal/bridge"
	"github.com/carecall/carecall/internal/database"
	"github.com/carecall/carecall/internal/database/models"
	"github.com/carecall/carecall/internal/detector"
	"github.com/carecall/carecall/internal/telephony"
)

const silenceCheckInterval = 5 * time.Second

// callRunner drives one live conversation through the call state machine.
// All events funnel through a single select loop; no state is shared with
// other calls.
type callRunner struct {
	reg     *Registry
	conv    *models.Conversation
	patient *models.Patient
	org     *models.Organization
	callSid string
	logger  *slog.Logger

	statusCh chan telephony.StatusEvent
	bridgeCh chan bridge.Event
	cancelCh chan struct{}
	done     chan struct{}

	channel   MediaChannel
	channelID string
	// session is written by the runner goroutine and read by the media
	// pump, which may start before the session opens.
	session atomic.Pointer[sessionRef]

	status     string
	connected  bool
	answeredAt time.Time

	cancelMu    sync.Mutex
	firstCancel time.Time
	abort       atomic.Bool

	cleanupOnce sync.Once
}

type sessionRef struct {
	s Session
}

// currentSession returns the open model session, or nil before it opens.
func (cr *callRunner) currentSession() Session {
	if ref := cr.session.Load(); ref != nil {
		return ref.s
	}
	return nil
}

func newRunner(r *Registry, conv *models.Conversation, patient *models.Patient, org *models.Organization, callSid string) *callRunner {
	return &callRunner{
		reg:      r,
		conv:     conv,
		patient:  patient,
		org:      org,
		callSid:  callSid,
		logger:   r.logger.With("conversation_id", conv.ID, "call_sid", callSid),
		statusCh: make(chan telephony.StatusEvent, 8),
		bridgeCh: make(chan bridge.Event, 8),
		cancelCh: make(chan struct{}, 2),
		done:     make(chan struct{}),
		status:   conv.CallStatus,
	}
}

// requestCancel asks the runner to tear the call down. A second request
// inside the force-close grace window flips the in-flight teardown to
// abortive: the session drain is skipped.
func (cr *callRunner) requestCancel() {
	cr.cancelMu.Lock()
	first := cr.firstCancel.IsZero()
	if first {
		cr.firstCancel = time.Now()
	}
	within := !first && time.Since(cr.firstCancel) <= cr.reg.cfg.ForceCloseGrace
	cr.cancelMu.Unlock()

	if first {
		select {
		case cr.cancelCh <- struct{}{}:
		default:
		}
		return
	}
	if within {
		cr.abort.Store(true)
		cr.logger.Warn("second cancel inside grace window, aborting teardown")
	}
}

func (cr *callRunner) run(ctx context.Context) {
	defer close(cr.done)

	ringTimer := time.NewTimer(cr.reg.cfg.RingTimeout)
	defer ringTimer.Stop()
	deadline := time.NewTimer(cr.reg.cfg.MaxCallDuration)
	defer deadline.Stop()
	silence := time.NewTicker(silenceCheckInterval)
	defer silence.Stop()

	// Nil until the session opens; a nil channel never fires in select.
	var sessEvents <-chan aisession.Event

	for {
		if s := cr.currentSession(); s != nil {
			sessEvents = s.Events()
		}

		select {
		case <-ctx.Done():
			cr.finalize(context.Background(), models.CallStatusFailed, "shutdown", "")
			return

		case ev := <-cr.statusCh:
			if terminal := cr.handleStatus(ctx, ev, ringTimer); terminal {
				return
			}

		case ev := <-cr.bridgeCh:
			cr.handleBridgeEvent(ctx, ev)

		case ev := <-sessEvents:
			if terminal := cr.handleSessionEvent(ctx, ev); terminal {
				return
			}

		case <-ringTimer.C:
			if cr.status == models.CallStatusInitiated || cr.status == models.CallStatusRinging {
				cr.logger.Warn("ring timeout, abandoning call")
				cr.finalize(ctx, models.CallStatusFailed, "ring_timeout", "")
				return
			}

		case <-silence.C:
			if cr.status == models.CallStatusInProgress && cr.channel != nil &&
				time.Since(cr.channel.LastActivity()) > cr.reg.cfg.SilenceTimeout {
				cr.logger.Warn("silence timeout, failing call")
				cr.finalize(ctx, models.CallStatusFailed, "silence_timeout", "")
				return
			}

		case <-deadline.C:
			cr.logger.Warn("max call duration reached")
			cr.finalize(ctx, models.CallStatusCompleted, "max_duration", "")
			return

		case <-cr.cancelCh:
			cr.cancelled(ctx)
			return
		}
	}
}

// handleStatus applies one provider progress event. Returns true when the
// call reached a terminal state and the runner must exit.
func (cr *callRunner) handleStatus(ctx context.Context, ev telephony.StatusEvent, ringTimer *time.Timer) bool {
	if ev.Status == cr.status {
		return false
	}

	switch ev.Status {
	case models.CallStatusRinging:
		cr.updateStatus(ctx, models.CallStatusRinging, database.StatusUpdate{})
		return false

	case models.CallStatusInProgress:
		ringTimer.Stop()
		cr.connected = true
		cr.answeredAt = time.Now().UTC()
		cr.updateStatus(ctx, models.CallStatusInProgress, database.StatusUpdate{})
		cr.openSession(ctx)
		return false

	case models.CallStatusCompleted:
		cr.providerDuration(ev)
		cr.finalize(ctx, models.CallStatusCompleted, "provider_ended", "")
		return true

	case models.CallStatusMissed:
		cr.finalize(ctx, models.CallStatusMissed, "not_answered", "")
		return true

	case models.CallStatusFailed:
		cr.finalize(ctx, models.CallStatusFailed, "provider_failed", "")
		return true

	case models.CallStatusCancelled:
		cr.cancelled(ctx)
		return true
	}
	return false
}

func (cr *callRunner) handleBridgeEvent(ctx context.Context, ev bridge.Event) {
	switch ev.Type {
	case bridge.EventChannelUp:
		cr.channelID = ev.ChannelID
		cr.channel = cr.reg.bridge.Channel(ev.ChannelID)
		if cr.channel == nil {
			cr.logger.Warn("channel up but channel gone", "channel_id", ev.ChannelID)
			return
		}
		if err := cr.reg.conversations.SetChannelID(ctx, cr.conv.ID, ev.ChannelID); err != nil {
			cr.logger.Error("failed to bind channel id", "error", err)
		}
		cr.startMediaPump()

	case bridge.EventChannelDown:
		// Remote hangup; the provider's terminal status event follows,
		// but do not wait on it.
		if cr.status == models.CallStatusInProgress {
			cr.logger.Info("media channel down", "reason", ev.Reason)
		}

	case bridge.EventDTMF:
		cr.logger.Debug("dtmf digit", "digit", ev.Digit)
	}
}

// handleSessionEvent applies one model event. Returns true when the call
// reached a terminal state.
func (cr *callRunner) handleSessionEvent(ctx context.Context, ev aisession.Event) bool {
	switch ev.Type {
	case aisession.EventAudioDelta:
		if cr.channel != nil {
			if err := cr.channel.WritePCM(ev.Audio); err != nil {
				cr.logger.Debug("dropping assistant audio", "error", err)
			}
		}

	case aisession.EventUserPartial:
		cr.reg.screener.Submit(detector.Utterance{
			PatientID: cr.patient.ID,
			Text:      ev.Text,
			Language:  cr.patient.Language,
		})

	case aisession.EventUserCompleted:
		if _, err := cr.reg.conversations.AppendMessage(ctx, cr.conv.ID, models.RolePatient, ev.Text); err != nil {
			cr.logger.Error("failed to append patient message", "error", err)
		}
		cr.reg.screener.Submit(detector.Utterance{
			PatientID: cr.patient.ID,
			Text:      ev.Text,
			Language:  cr.patient.Language,
		})

	case aisession.EventAssistantCompleted:
		if _, err := cr.reg.conversations.AppendMessage(ctx, cr.conv.ID, models.RoleAssistant, ev.Text); err != nil {
			cr.logger.Error("failed to append assistant message", "error", err)
		}

	case aisession.EventSpeechStarted:
		if ev.Barge && cr.channel != nil {
			flushed := cr.channel.FlushOutbound()
			cr.logger.Debug("barge-in flush", "frames", flushed)
		}

	case aisession.EventSpeechStopped:
		if s := cr.currentSession(); s != nil {
			if err := s.Commit(); err != nil {
				cr.logger.Debug("commit failed", "error", err)
			}
		}

	case aisession.EventFatal:
		cr.logger.Error("model session fatal", "error", ev.Err)
		cr.finalize(ctx, models.CallStatusFailed, "session_fatal", "")
		return true
	}
	return false
}

// openSession dials the model once the call is answered.
func (cr *callRunner) openSession(ctx context.Context) {
	if cr.currentSession() != nil {
		return
	}
	sess, err := cr.reg.openSession(ctx, cr.patient, cr.callSid)
	if err != nil {
		cr.logger.Error("failed to open model session", "error", err)
		cr.finalize(ctx, models.CallStatusFailed, "session_open_failed", err.Error())
		return
	}
	cr.session.Store(&sessionRef{s: sess})
}

// startMediaPump forwards inbound patient audio to the model session.
// Assistant audio flows the other way through the main select loop.
func (cr *callRunner) startMediaPump() {
	ch := cr.channel
	go func() {
		for {
			select {
			case <-cr.done:
				return
			case <-ch.Done():
				return
			case frame, ok := <-ch.Frames():
				if !ok {
					return
				}
				s := cr.currentSession()
				if s == nil {
					continue
				}
				if err := s.AppendAudio(ch.PCM(frame)); err != nil {
					return
				}
			}
		}
	}()
}

// cancelled runs the agent-hangup path: mark cancelled, clean up, then
// settle as completed.
func (cr *callRunner) cancelled(ctx context.Context) {
	cr.updateStatus(ctx, models.CallStatusCancelled, database.StatusUpdate{})
	cr.finalize(ctx, models.CallStatusCompleted, "agent_hangup", "")
}

func (cr *callRunner) providerDuration(ev telephony.StatusEvent) {
	if ev.Duration > 0 {
		cr.conv.Duration = ev.Duration
	}
}

// finalize is the single cleanup path: hangup telephony, close the media
// channel, close the model session, persist terminal fields, then settle
// retries. Idempotent; every step tolerates the previous crash leaving
// partial state.
func (cr *callRunner) finalize(ctx context.Context, status, outcome, notes string) {
	cr.cleanupOnce.Do(func() {
		if cr.callSid != "" {
			cr.reg.dialer.Hangup(ctx, cr.callSid)
		}
		if cr.channelID != "" {
			cr.reg.bridge.CloseChannel(cr.channelID, outcome)
		}
		if s := cr.currentSession(); s != nil && !cr.abort.Load() {
			s.Close()
		}

		end := time.Now().UTC()
		duration := cr.conv.Duration
		if duration == 0 && cr.connected {
			// Measure from answer, not dialing; ring time is not billable.
			from := cr.answeredAt
			if from.IsZero() {
				from = cr.conv.StartTime
			}
			duration = int(end.Sub(from).Seconds())
			if duration < 0 {
				duration = 0
			}
		}
		cost := cr.cost(duration)

		upd := database.StatusUpdate{
			EndTime:  &end,
			Duration: &duration,
			Cost:     &cost,
			Outcome:  outcome,
			Notes:    notes,
		}
		if err := cr.reg.conversations.UpdateCallStatus(ctx, cr.conv.ID, status, upd); err != nil &&
			!errors.Is(err, database.ErrStatusRegression) {
			cr.logger.Error("failed to persist terminal status", "status", status, "error", err)
		}
		cr.status = status

		if status == models.CallStatusMissed || status == models.CallStatusFailed {
			cr.settleRetry(ctx)
		}

		cr.logger.Info("call finalized",
			"status", status,
			"outcome", outcome,
			"duration_s", duration,
			"cost", cost,
			"connected", cr.connected,
		)
		cr.reg.remove(cr.callSid)
	})
}

// cost applies the billing rule for this terminal transition. A call that
// never connected costs nothing when the org alerts on all missed calls;
// otherwise the minimum billable floor applies.
func (cr *callRunner) cost(duration int) float64 {
	if !cr.connected {
		if cr.org.AlertOnAllMissedCalls {
			return 0
		}
		return database.ComputeCost(cr.reg.cfg.RatePerMinute, cr.reg.cfg.MinBillableSecs, 0)
	}
	return database.ComputeCost(cr.reg.cfg.RatePerMinute, cr.reg.cfg.MinBillableSecs, duration)
}

func (cr *callRunner) settleRetry(ctx context.Context) {
	retry, err := cr.reg.scheduleRetry(ctx, cr.conv, cr.org)
	if err != nil {
		cr.logger.Error("failed to schedule retry", "error", err)
		return
	}
	if retry == nil {
		cr.reg.chainExhausted(ctx, cr.conv, cr.org)
	}
}

func (cr *callRunner) updateStatus(ctx context.Context, status string, upd database.StatusUpdate) {
	err := cr.reg.conversations.UpdateCallStatus(ctx, cr.conv.ID, status, upd)
	if err != nil {
		if errors.Is(err, database.ErrStatusRegression) {
			cr.logger.Debug("status update out of order", "status", status)
			return
		}
		cr.logger.Error("failed to update call status", "status", status, "error", err)
		return
	}
	cr.status = status
}
