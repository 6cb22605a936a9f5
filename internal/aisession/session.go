// Package aisession maintains one bidirectional duplex per call to the
// realtime voice model. It forwards patient audio toward the model and
// surfaces synthesized audio, transcripts, and speech-boundary events.
package aisession

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	dialTimeout        = 10 * time.Second
	closeDrainDeadline = 2 * time.Second
	eventBuffer        = 256
)

// DialFunc opens the raw connection the websocket frames flow over.
// Injectable so tests can run against an in-memory pipe.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Config carries everything needed to open and resume a model session.
type Config struct {
	Endpoint        string
	APIKey          string
	ReconnectWindow time.Duration

	// Instructions is the per-call system prompt built from the patient
	// profile. Language selects transcription and synthesis language.
	Instructions string
	Language     string
	Voice        string

	// Dial overrides the websocket dialer. Nil means dial Endpoint.
	Dial DialFunc
}

// Session is one live duplex to the model. All methods are safe for
// concurrent use. Callers must call Close when the call ends.
type Session struct {
	cfg     Config
	callSid string
	dial    DialFunc
	logger  *slog.Logger

	mu   sync.Mutex // guards conn for writes and reconnect swaps
	conn net.Conn

	events chan Event
	closed chan struct{}

	lastTurn        atomic.Int64
	staleThrough    atomic.Int64 // deltas with turn <= this are discarded
	assistantActive atomic.Bool
	droppedDeltas   atomic.Uint64

	partialMu sync.Mutex
	partial   string // latest assistant partial transcript

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open dials the model endpoint, declares the session state, and starts
// the receive loop.
func Open(ctx context.Context, cfg Config, callSid string) (*Session, error) {
	s := &Session{
		cfg:     cfg,
		callSid: callSid,
		dial:    cfg.Dial,
		logger:  slog.Default().With("component", "aisession", "call_sid", callSid),
		events:  make(chan Event, eventBuffer),
		closed:  make(chan struct{}),
	}
	if s.dial == nil {
		s.dial = func(ctx context.Context) (net.Conn, error) {
			header := http.Header{}
			header.Set("Authorization", "Bearer "+cfg.APIKey)
			d := ws.Dialer{
				Header:  ws.HandshakeHeaderHTTP(header),
				Timeout: dialTimeout,
			}
			conn, _, _, err := d.Dial(ctx, cfg.Endpoint)
			return conn, err
		}
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dialing model endpoint: %w", err)
	}
	s.conn = conn

	if err := s.declare(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring session state: %w", err)
	}

	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

// Events returns the inbound event stream. The stream is never closed;
// select against Done to detect teardown.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// AppendAudio delivers one raw PCM frame of patient audio to the model.
func (s *Session) AppendAudio(pcm []byte) error {
	return s.send(clientEvent{
		Type:  typeAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit marks the end of an audio segment so the model can respond.
func (s *Session) Commit() error {
	return s.send(clientEvent{Type: typeAudioCommit})
}

// Cancel interrupts the in-flight assistant response. Deltas already on
// the wire for the cancelled turn are discarded on arrival.
func (s *Session) Cancel() error {
	s.staleThrough.Store(s.lastTurn.Load())
	s.assistantActive.Store(false)
	return s.send(clientEvent{Type: typeResponseCancel})
}

// DroppedDeltas returns the count of stale or overflowed audio deltas.
func (s *Session) DroppedDeltas() uint64 {
	return s.droppedDeltas.Load()
}

// Close cancels any in-flight generation and drains the receive loop with
// a bounded deadline. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.send(clientEvent{Type: typeResponseCancel})
		close(s.closed)

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeDrainDeadline):
			s.logger.Warn("session drain deadline exceeded")
		}
	})
	return nil
}

func (s *Session) declare() error {
	return s.send(clientEvent{
		Type: typeSessionUpdate,
		Session: &sessionState{
			CallSid:      s.callSid,
			Instructions: s.cfg.Instructions,
			Language:     s.cfg.Language,
			Voice:        s.cfg.Voice,
			ResumeTurn:   s.lastTurn.Load(),
		},
	})
}

func (s *Session) send(ev clientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding client event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return net.ErrClosed
	}
	if err := wsutil.WriteClientText(s.conn, data); err != nil {
		return fmt.Errorf("writing client event: %w", err)
	}
	return nil
}

func (s *Session) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		data, err := wsutil.ReadServerText(s.currentConn())
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if s.reconnect() {
				continue
			}
			s.fatal(fmt.Errorf("session lost: %w", err))
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("unparseable server event", "error", err)
			continue
		}
		if !s.handle(ev) {
			return
		}
	}
}

// handle dispatches one server event. Returns false when the session has
// gone fatal and the loop must stop.
func (s *Session) handle(ev serverEvent) bool {
	switch ev.Type {
	case typeAudioDelta:
		if ev.Turn > s.lastTurn.Load() {
			s.lastTurn.Store(ev.Turn)
		}
		if ev.Turn <= s.staleThrough.Load() {
			s.droppedDeltas.Add(1)
			return true
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Audio)
		if err != nil {
			s.logger.Warn("undecodable audio delta", "error", err)
			return true
		}
		s.assistantActive.Store(true)
		s.emitAudio(Event{Type: EventAudioDelta, Audio: pcm, Turn: ev.Turn})

	case typeTranscriptPartial:
		if ev.Role == "assistant" {
			s.partialMu.Lock()
			s.partial = ev.Text
			s.partialMu.Unlock()
			return true
		}
		s.emit(Event{Type: EventUserPartial, Text: ev.Text, Turn: ev.Turn})

	case typeTranscriptCompleted:
		if ev.Role == "assistant" {
			s.partialMu.Lock()
			s.partial = ""
			s.partialMu.Unlock()
			s.assistantActive.Store(false)
			s.emit(Event{Type: EventAssistantCompleted, Text: ev.Text, Turn: ev.Turn})
			return true
		}
		s.emit(Event{Type: EventUserCompleted, Text: ev.Text, Turn: ev.Turn})

	case typeSpeechStarted:
		barge := s.assistantActive.Load()
		if barge {
			if err := s.Cancel(); err != nil {
				s.logger.Debug("barge-in cancel failed", "error", err)
			}
		}
		s.emit(Event{Type: EventSpeechStarted, Barge: barge})

	case typeSpeechStopped:
		s.emit(Event{Type: EventSpeechStopped})

	case typeError:
		s.fatal(fmt.Errorf("model error: %s", ev.Message))
		return false

	default:
		s.logger.Debug("unknown server event", "type", ev.Type)
	}
	return true
}

// reconnect tries to re-establish the duplex within the configured window,
// re-declaring session state on each fresh connection.
func (s *Session) reconnect() bool {
	deadline := time.Now().Add(s.cfg.ReconnectWindow)
	backoff := 500 * time.Millisecond

	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		conn, err := s.dial(ctx)
		cancel()
		if err == nil {
			s.mu.Lock()
			old := s.conn
			s.conn = conn
			s.mu.Unlock()
			if old != nil {
				old.Close()
			}
			if err := s.declare(); err == nil {
				s.logger.Info("session reconnected", "resume_turn", s.lastTurn.Load())
				return true
			}
			conn.Close()
		}

		select {
		case <-s.closed:
			return false
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return false
}

// fatal flushes any accumulated assistant partial as a completed message,
// then reports the session unrecoverable.
func (s *Session) fatal(err error) {
	s.partialMu.Lock()
	partial := strings.TrimSpace(s.partial)
	s.partial = ""
	s.partialMu.Unlock()
	if partial != "" {
		s.emit(Event{Type: EventAssistantCompleted, Text: partial, Turn: s.lastTurn.Load()})
	}

	s.logger.Error("session fatal", "error", err)
	s.emit(Event{Type: EventFatal, Err: err})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// emitAudio never blocks the receive loop; a stalled consumer loses audio,
// not transcripts.
func (s *Session) emitAudio(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.droppedDeltas.Add(1)
	}
}
