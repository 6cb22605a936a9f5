// Package detector runs the two-stage emergency detector off the live
// transcript stream: localized phrase match, hypothetical-framing filter,
// severity grading, then dedup and rate capping before fan-out. The
// detector never blocks the call; utterances are accepted fire-and-forget
// on a bounded queue.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/carecall/carecall/internal/database"
	"github.com/carecall/carecall/internal/database/models"
)

const (
	defaultQueueSize = 256
	dedupEntries     = 32 // per patient (category, phrase) pairs
)

// Notifier receives alerts that survived dedup and rate capping.
// Dispatch must be quick; the fan-out package does its own queuing.
type Notifier interface {
	Dispatch(ctx context.Context, alert models.Alert)
}

// Utterance is one completed (or partial) patient utterance to screen.
type Utterance struct {
	PatientID int64
	Text      string
	Language  string
}

// Config tunes detector behavior.
type Config struct {
	DebounceMinutes  int
	MaxAlertsPerHour int
	// CriticalSkipsHypoCheck bypasses the hypothetical-framing filter
	// for CRITICAL phrases. Default off: the filter applies everywhere.
	CriticalSkipsHypoCheck bool
	QueueSize              int
}

// Detector screens utterances against the compiled phrase vocabulary.
type Detector struct {
	cfg      Config
	phrases  database.PhraseRepository
	alerts   database.AlertRepository
	notifier Notifier
	logger   *slog.Logger

	vocab atomic.Pointer[vocabulary]
	queue chan Utterance

	// patientsMu guards only the map itself; each patient's dedup cache
	// and limiter sit behind that patient's own lock.
	patientsMu sync.Mutex
	patients   map[int64]*patientState

	overflow atomic.Uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// patientState is the per-patient suppression state.
type patientState struct {
	mu      sync.Mutex
	dedup   *lru.Cache[string, time.Time]
	limiter *rate.Limiter
}

// New creates a detector. Call Reload before Start to load the initial
// vocabulary.
func New(cfg Config, phrases database.PhraseRepository, alerts database.AlertRepository, notifier Notifier) *Detector {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	d := &Detector{
		cfg:      cfg,
		phrases:  phrases,
		alerts:   alerts,
		notifier: notifier,
		logger:   slog.Default().With("component", "detector"),
		queue:    make(chan Utterance, cfg.QueueSize),
		patients: make(map[int64]*patientState),
	}
	d.vocab.Store(compile(nil))
	return d
}

// Reload compiles a fresh vocabulary snapshot from the phrase repository
// and swaps it in. Admin phrase edits take effect on the next utterance.
func (d *Detector) Reload(ctx context.Context) error {
	phrases, err := d.phrases.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("loading emergency phrases: %w", err)
	}
	v := compile(phrases)
	d.vocab.Store(v)

	n := 0
	for _, set := range v.byLanguage {
		n += len(set)
	}
	d.logger.Info("vocabulary reloaded", "phrases", n, "languages", len(v.byLanguage))
	return nil
}

// Start launches the screening worker.
func (d *Detector) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-d.queue:
				d.screen(ctx, u)
			}
		}
	}()
}

// Stop shuts the worker down. Queued utterances are discarded.
func (d *Detector) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Submit hands an utterance to the detector without blocking. On queue
// overflow the utterance is dropped and counted; detections are never
// worth back-pressuring a live call.
func (d *Detector) Submit(u Utterance) {
	select {
	case d.queue <- u:
	default:
		d.overflow.Add(1)
		d.logger.Warn("detector queue full, utterance dropped", "patient_id", u.PatientID)
	}
}

// Overflow returns the count of utterances dropped on submit.
func (d *Detector) Overflow() uint64 {
	return d.overflow.Load()
}

func (d *Detector) screen(ctx context.Context, u Utterance) {
	norm := normalize(u.Text)
	if norm == "" {
		return
	}

	matches := d.vocab.Load().match(norm, u.Language)
	if len(matches) == 0 {
		return
	}

	survivors := matches[:0]
	for _, c := range matches {
		if c.severity == models.SeverityCritical && d.cfg.CriticalSkipsHypoCheck {
			survivors = append(survivors, c)
			continue
		}
		if isHypothetical(u.Text, norm, c.tokenOffset, u.Language) {
			d.logger.Debug("match rejected as hypothetical",
				"patient_id", u.PatientID, "phrase", c.phrase)
			continue
		}
		survivors = append(survivors, c)
	}

	best, ok := grade(survivors)
	if !ok {
		return
	}

	alert := models.Alert{
		PatientID:  u.PatientID,
		Severity:   best.severity,
		Category:   best.category,
		Phrase:     best.phrase,
		Utterance:  u.Text,
		DetectedAt: time.Now().UTC(),
	}
	switch {
	case d.debounced(u.PatientID, best):
		alert.Suppressed = true
		alert.SuppressReason = "debounce"
	case !d.allow(u.PatientID):
		alert.Suppressed = true
		alert.SuppressReason = "hourly_cap"
	}

	if err := d.alerts.Create(ctx, &alert); err != nil {
		d.logger.Error("failed to persist alert",
			"patient_id", u.PatientID, "severity", alert.Severity, "error", err)
		return
	}
	if alert.Suppressed {
		d.logger.Warn("alert suppressed",
			"patient_id", u.PatientID, "alert_id", alert.ID,
			"severity", alert.Severity, "reason", alert.SuppressReason)
		return
	}

	d.logger.Info("emergency detected",
		"patient_id", u.PatientID,
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"category", alert.Category,
	)
	d.notifier.Dispatch(ctx, alert)
}

// patient returns the suppression state for the patient, creating it on
// first sight.
func (d *Detector) patient(patientID int64) *patientState {
	d.patientsMu.Lock()
	defer d.patientsMu.Unlock()
	ps, ok := d.patients[patientID]
	if !ok {
		cache, _ := lru.New[string, time.Time](dedupEntries)
		ps = &patientState{dedup: cache}
		if d.cfg.MaxAlertsPerHour > 0 {
			ps.limiter = rate.NewLimiter(
				rate.Every(time.Hour/time.Duration(d.cfg.MaxAlertsPerHour)),
				d.cfg.MaxAlertsPerHour,
			)
		}
		d.patients[patientID] = ps
	}
	return ps
}

// debounced records the firing and reports whether the same (category,
// phrase) fired for this patient within the debounce window.
func (d *Detector) debounced(patientID int64, c candidate) bool {
	window := time.Duration(d.cfg.DebounceMinutes) * time.Minute
	key := c.category + "\x00" + c.phrase
	now := time.Now()

	ps := d.patient(patientID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if last, ok := ps.dedup.Get(key); ok && window > 0 && now.Sub(last) < window {
		return true
	}
	ps.dedup.Add(key, now)
	return false
}

// allow consumes one token from the patient's hourly alert budget.
func (d *Detector) allow(patientID int64) bool {
	ps := d.patient(patientID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.limiter == nil {
		return true
	}
	return ps.limiter.Allow()
}
