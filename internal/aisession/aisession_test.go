package aisession

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
)

// fakeModel is the server side of an in-memory duplex. Client frames are
// decoded onto a channel; server frames are written on demand.
type fakeModel struct {
	t    *testing.T
	conn net.Conn
	recv chan clientEvent
}

func newFakeModel(t *testing.T, conn net.Conn) *fakeModel {
	t.Helper()
	m := &fakeModel{t: t, conn: conn, recv: make(chan clientEvent, 32)}
	go func() {
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				close(m.recv)
				return
			}
			var ev clientEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				m.t.Errorf("unparseable client frame: %v", err)
				return
			}
			m.recv <- ev
		}
	}()
	return m
}

func (m *fakeModel) send(ev serverEvent) {
	m.t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		m.t.Fatalf("marshalling server event: %v", err)
	}
	if err := wsutil.WriteServerText(m.conn, data); err != nil {
		m.t.Fatalf("writing server event: %v", err)
	}
}

func (m *fakeModel) expect(typ string) clientEvent {
	m.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-m.recv:
			if !ok {
				m.t.Fatalf("connection closed while waiting for %q", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			m.t.Fatalf("no %q frame within deadline", typ)
		}
	}
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no session event within deadline")
	}
	return Event{}
}

func openTestSession(t *testing.T, cfg Config) (*Session, *fakeModel) {
	t.Helper()
	client, server := net.Pipe()
	model := newFakeModel(t, server)
	cfg.Dial = func(ctx context.Context) (net.Conn, error) {
		return client, nil
	}
	s, err := Open(context.Background(), cfg, "CA100")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	model.expect(typeSessionUpdate)
	return s, model
}

func TestSessionDeclaresStateOnOpen(t *testing.T) {
	client, server := net.Pipe()
	model := newFakeModel(t, server)

	cfg := Config{
		Instructions: "daily wellness check",
		Language:     "es",
		Voice:        "warm",
		Dial: func(ctx context.Context) (net.Conn, error) {
			return client, nil
		},
	}
	s, err := Open(context.Background(), cfg, "CA200")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	ev := model.expect(typeSessionUpdate)
	if ev.Session == nil {
		t.Fatal("session.update without state")
	}
	if ev.Session.CallSid != "CA200" || ev.Session.Language != "es" {
		t.Errorf("declared state = (%q, %q), want (CA200, es)", ev.Session.CallSid, ev.Session.Language)
	}
}

func TestSessionAppendAudio(t *testing.T) {
	s, model := openTestSession(t, Config{})

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	if err := s.AppendAudio(pcm); err != nil {
		t.Fatalf("AppendAudio() error: %v", err)
	}
	ev := model.expect(typeAudioAppend)
	got, err := base64.StdEncoding.DecodeString(ev.Audio)
	if err != nil {
		t.Fatalf("decoding audio field: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("audio payload = %v, want %v", got, pcm)
	}

	if err := s.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	model.expect(typeAudioCommit)
}

func TestSessionBargeInCancelsAndDropsStaleDeltas(t *testing.T) {
	s, model := openTestSession(t, Config{})

	audio := base64.StdEncoding.EncodeToString(make([]byte, 320))
	model.send(serverEvent{Type: typeAudioDelta, Audio: audio, Turn: 1})
	if ev := nextEvent(t, s); ev.Type != EventAudioDelta || ev.Turn != 1 {
		t.Fatalf("event = (%v, %d), want (EventAudioDelta, 1)", ev.Type, ev.Turn)
	}

	// Patient speaks while assistant audio is in flight.
	model.send(serverEvent{Type: typeSpeechStarted})
	if ev := nextEvent(t, s); ev.Type != EventSpeechStarted || !ev.Barge {
		t.Fatalf("event = (%v, barge=%v), want barge-in speech start", ev.Type, ev.Barge)
	}
	model.expect(typeResponseCancel)

	// A straggler delta for the cancelled turn is discarded; the next
	// turn flows through.
	model.send(serverEvent{Type: typeAudioDelta, Audio: audio, Turn: 1})
	model.send(serverEvent{Type: typeAudioDelta, Audio: audio, Turn: 2})
	if ev := nextEvent(t, s); ev.Type != EventAudioDelta || ev.Turn != 2 {
		t.Fatalf("event = (%v, %d), want fresh turn 2", ev.Type, ev.Turn)
	}
	if s.DroppedDeltas() != 1 {
		t.Errorf("DroppedDeltas() = %d, want 1", s.DroppedDeltas())
	}
}

func TestSessionSpeechStartWithoutAssistantAudioIsNotBargeIn(t *testing.T) {
	s, model := openTestSession(t, Config{})

	model.send(serverEvent{Type: typeSpeechStarted})
	if ev := nextEvent(t, s); ev.Type != EventSpeechStarted || ev.Barge {
		t.Fatalf("event = (%v, barge=%v), want plain speech start", ev.Type, ev.Barge)
	}
	model.send(serverEvent{Type: typeSpeechStopped})
	if ev := nextEvent(t, s); ev.Type != EventSpeechStopped {
		t.Fatalf("event = %v, want EventSpeechStopped", ev.Type)
	}
}

func TestSessionTranscripts(t *testing.T) {
	s, model := openTestSession(t, Config{})

	model.send(serverEvent{Type: typeTranscriptPartial, Role: "user", Text: "I feel", Turn: 1})
	if ev := nextEvent(t, s); ev.Type != EventUserPartial || ev.Text != "I feel" {
		t.Fatalf("event = (%v, %q), want user partial", ev.Type, ev.Text)
	}

	model.send(serverEvent{Type: typeTranscriptCompleted, Role: "user", Text: "I feel fine today", Turn: 1})
	if ev := nextEvent(t, s); ev.Type != EventUserCompleted || ev.Text != "I feel fine today" {
		t.Fatalf("event = (%v, %q), want user completed", ev.Type, ev.Text)
	}

	model.send(serverEvent{Type: typeTranscriptCompleted, Role: "assistant", Text: "Glad to hear it", Turn: 1})
	if ev := nextEvent(t, s); ev.Type != EventAssistantCompleted || ev.Text != "Glad to hear it" {
		t.Fatalf("event = (%v, %q), want assistant completed", ev.Type, ev.Text)
	}
}

func TestSessionFlushesPartialOnFatal(t *testing.T) {
	s, model := openTestSession(t, Config{})

	model.send(serverEvent{Type: typeTranscriptPartial, Role: "assistant", Text: "Remember to take", Turn: 1})
	model.send(serverEvent{Type: typeError, Message: "upstream overloaded"})

	if ev := nextEvent(t, s); ev.Type != EventAssistantCompleted || ev.Text != "Remember to take" {
		t.Fatalf("event = (%v, %q), want flushed partial", ev.Type, ev.Text)
	}
	if ev := nextEvent(t, s); ev.Type != EventFatal || ev.Err == nil {
		t.Fatalf("event = (%v, %v), want fatal", ev.Type, ev.Err)
	}
}

func TestSessionReconnectsWithinWindow(t *testing.T) {
	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	conns := make(chan net.Conn, 2)
	conns <- client1
	conns <- client2

	model1 := newFakeModel(t, server1)

	cfg := Config{
		ReconnectWindow: 2 * time.Second,
		Dial: func(ctx context.Context) (net.Conn, error) {
			return <-conns, nil
		},
	}
	s, err := Open(context.Background(), cfg, "CA300")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()
	model1.expect(typeSessionUpdate)

	// Drop the first connection; the session must redial and re-declare.
	server1.Close()
	model2 := newFakeModel(t, server2)
	model2.expect(typeSessionUpdate)

	model2.send(serverEvent{Type: typeTranscriptCompleted, Role: "user", Text: "still here", Turn: 3})
	if ev := nextEvent(t, s); ev.Type != EventUserCompleted || ev.Text != "still here" {
		t.Fatalf("event = (%v, %q), want post-reconnect transcript", ev.Type, ev.Text)
	}
}

func TestSessionFatalWhenReconnectExhausted(t *testing.T) {
	client, server := net.Pipe()
	model := newFakeModel(t, server)

	first := true
	cfg := Config{
		ReconnectWindow: 50 * time.Millisecond,
		Dial: func(ctx context.Context) (net.Conn, error) {
			if first {
				first = false
				return client, nil
			}
			return nil, context.DeadlineExceeded
		},
	}
	s, err := Open(context.Background(), cfg, "CA400")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()
	model.expect(typeSessionUpdate)

	server.Close()
	if ev := nextEvent(t, s); ev.Type != EventFatal {
		t.Fatalf("event = %v, want EventFatal", ev.Type)
	}
}
