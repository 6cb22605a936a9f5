package aisession

// Wire schema for the realtime voice model duplex. Client frames carry
// audio toward the model; server frames carry synthesized audio,
// transcripts, and speech boundaries back.

// clientEvent is one frame sent toward the model.
type clientEvent struct {
	Type    string        `json:"type"`
	Audio   string        `json:"audio,omitempty"` // base64 PCM16LE 8kHz
	Session *sessionState `json:"session,omitempty"`
}

// sessionState is declared on connect and re-declared on reconnect so the
// model can resume an interrupted session.
type sessionState struct {
	CallSid      string `json:"call_sid"`
	Instructions string `json:"instructions"`
	Language     string `json:"language"`
	Voice        string `json:"voice,omitempty"`
	ResumeTurn   int64  `json:"resume_turn,omitempty"`
}

// serverEvent is one frame received from the model.
type serverEvent struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Role    string `json:"role,omitempty"`
	Text    string `json:"text,omitempty"`
	Turn    int64  `json:"turn,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	typeAudioAppend         = "audio.append"
	typeAudioCommit         = "audio.commit"
	typeResponseCancel      = "response.cancel"
	typeSessionUpdate       = "session.update"
	typeAudioDelta          = "audio.delta"
	typeTranscriptPartial   = "transcript.partial"
	typeTranscriptCompleted = "transcript.completed"
	typeSpeechStarted       = "speech.started"
	typeSpeechStopped       = "speech.stopped"
	typeError               = "error"
)

// EventType classifies session events delivered to the consumer.
type EventType int

const (
	// EventAudioDelta carries one chunk of synthesized assistant audio,
	// decoded to raw PCM.
	EventAudioDelta EventType = iota
	// EventUserPartial is an in-progress user transcript. Emitted so the
	// emergency detector can screen speech before the utterance completes.
	EventUserPartial
	// EventUserCompleted is a finalized user utterance.
	EventUserCompleted
	// EventAssistantCompleted is a finalized assistant response.
	EventAssistantCompleted
	// EventSpeechStarted marks the patient starting to speak. Barge is set
	// when assistant audio was in flight and the session cancelled it; the
	// consumer must flush its outbound jitter queue.
	EventSpeechStarted
	// EventSpeechStopped marks the end of patient speech.
	EventSpeechStopped
	// EventFatal means the session is unrecoverable. The call transitions
	// to failed. No further events follow.
	EventFatal
)

// Event is one session notification.
type Event struct {
	Type  EventType
	Audio []byte
	Text  string
	Turn  int64
	Barge bool
	Err   error
}
