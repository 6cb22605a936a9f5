package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/carecall/carecall/internal/database"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body keyed
// with the shared provider secret.
const SignatureHeader = "X-Carecall-Signature"

// seenEvents bounds the replay dedup set.
const seenEvents = 4096

// StatusEvent is one normalized provider lifecycle callback.
type StatusEvent struct {
	CallSid   string
	Status    string // models.CallStatus* value
	Timestamp time.Time
	Duration  int // seconds, provider-reported, terminal events only
}

// StatusSink consumes status events. Events for one callSid are delivered
// one at a time in arrival order.
type StatusSink interface {
	HandleCallStatus(ctx context.Context, ev StatusEvent) error
}

// VoiceFunc renders the answer document for a connecting call.
type VoiceFunc func(ctx context.Context, callSid string) ([]byte, error)

// Handler serves the provider-facing HTTP surface: status callbacks and the
// voice document.
type Handler struct {
	secret  []byte
	sink    StatusSink
	voice   VoiceFunc
	limiter *rate.Limiter

	mu        sync.Mutex
	callLocks map[string]*sync.Mutex
	seen      map[seenKey]struct{}
	seenOrder []seenKey
}

type seenKey struct {
	callSid   string
	status    string
	timestamp string
}

// NewHandler creates the webhook handler. secret signs every callback;
// voice serves the answer document.
func NewHandler(secret string, sink StatusSink, voice VoiceFunc) *Handler {
	return &Handler{
		secret:    []byte(secret),
		sink:      sink,
		voice:     voice,
		limiter:   rate.NewLimiter(rate.Limit(50), 100),
		callLocks: make(map[string]*sync.Mutex),
		seen:      make(map[seenKey]struct{}),
	}
}

// Routes mounts the provider endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.rateLimit)
	r.Post("/webhooks/telephony/status", h.handleStatus)
	r.Post("/webhooks/telephony/voice", h.handleVoice)
	return r
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusPayload accepts both the form-encoded and JSON callback dialects.
type statusPayload struct {
	CallSid   string `json:"call_sid"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Duration  string `json:"duration"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		slog.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	p, err := parseStatusPayload(r.Header.Get("Content-Type"), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, ok := normalizeStatus(p.Status)
	if !ok {
		// Unknown statuses are acknowledged so the provider stops retrying.
		slog.Debug("ignoring unknown call status", "status", p.Status, "call_sid", p.CallSid)
		w.WriteHeader(http.StatusOK)
		return
	}

	key := seenKey{callSid: p.CallSid, status: p.Status, timestamp: p.Timestamp}
	if h.replayed(key) {
		w.WriteHeader(http.StatusOK)
		return
	}

	ev := StatusEvent{CallSid: p.CallSid, Status: status}
	if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
		ev.Timestamp = ts
	} else {
		ev.Timestamp = time.Now().UTC()
	}
	if p.Duration != "" {
		if d, err := strconv.Atoi(p.Duration); err == nil && d >= 0 {
			ev.Duration = d
		}
	}

	// Events for one call are applied one at a time. The store's monotone
	// status guard makes a late non-terminal event after a terminal one a
	// benign no-op rather than an error worth retrying.
	lock := h.lockFor(p.CallSid)
	lock.Lock()
	err = h.sink.HandleCallStatus(r.Context(), ev)
	lock.Unlock()

	if err != nil {
		if errors.Is(err, database.ErrStatusRegression) {
			slog.Debug("late status callback ignored", "call_sid", p.CallSid, "status", status)
			w.WriteHeader(http.StatusOK)
			return
		}
		slog.Error("handling status callback", "call_sid", p.CallSid, "status", status, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "parsing form", http.StatusBadRequest)
		return
	}
	callSid := r.FormValue("CallSid")
	if callSid == "" {
		callSid = r.URL.Query().Get("callSid")
	}
	if callSid == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	doc, err := h.voice(r.Context(), callSid)
	if err != nil {
		slog.Error("rendering voice document", "call_sid", callSid, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	if len(h.secret) == 0 || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(header))
}

// Sign computes the callback signature for a body. Exported for tests and
// for provider simulators.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseStatusPayload(contentType string, body []byte) (statusPayload, error) {
	var p statusPayload
	if contentType == "application/json" {
		if err := json.Unmarshal(body, &p); err != nil {
			return p, errors.New("decoding json payload")
		}
	} else {
		values, err := parseForm(body)
		if err != nil {
			return p, errors.New("decoding form payload")
		}
		p.CallSid = values.Get("CallSid")
		p.Status = values.Get("CallStatus")
		p.Timestamp = values.Get("Timestamp")
		p.Duration = values.Get("CallDuration")
	}
	if p.CallSid == "" {
		return p, errors.New("missing call sid")
	}
	if p.Status == "" {
		return p, errors.New("missing call status")
	}
	return p, nil
}

func parseForm(body []byte) (url.Values, error) {
	return url.ParseQuery(string(body))
}

// normalizeStatus maps provider status names onto the call state machine.
func normalizeStatus(provider string) (string, bool) {
	switch provider {
	case "queued", "initiated":
		return "initiated", true
	case "ringing":
		return "ringing", true
	case "answered", "in-progress":
		return "in_progress", true
	case "completed":
		return "completed", true
	case "busy", "no-answer":
		return "missed", true
	case "failed":
		return "failed", true
	case "canceled", "cancelled":
		return "cancelled", true
	}
	return "", false
}

// replayed records the event key and reports whether it was seen before.
// The set is bounded; oldest keys are evicted first.
func (h *Handler) replayed(key seenKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[key]; ok {
		return true
	}
	h.seen[key] = struct{}{}
	h.seenOrder = append(h.seenOrder, key)
	if len(h.seenOrder) > seenEvents {
		evict := h.seenOrder[0]
		h.seenOrder = h.seenOrder[1:]
		delete(h.seen, evict)
	}
	return false
}

func (h *Handler) lockFor(callSid string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	lock, ok := h.callLocks[callSid]
	if !ok {
		lock = &sync.Mutex{}
		h.callLocks[callSid] = lock
	}
	return lock
}

// ReleaseCall drops the per-call ordering lock once the orchestrator has
// torn the call down.
func (h *Handler) ReleaseCall(callSid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.callLocks, callSid)
}
