package protocol

import (
	"encoding/json"
	"time"
)

const (
	SubjectSTTRequest       = "interpreter.stt.request"
	SubjectTranslateRequest = "interpreter.translate.request"
	SubjectTTSRequest       = "interpreter.tts.request"
	SubjectSessionPrefix    = "interpreter.session"
)

// SessionSubject is the mirror subject for one session event.
func SessionSubject(sessionID, event string) string {
	return SubjectSessionPrefix + "." + sessionID + "." + event
}

// TranscribeRequest asks a remote recognizer to transcribe one utterance.
type TranscribeRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	Seq        uint64 `json:"seq"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

type TranscribeReply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type TranslateRequest struct {
	SessionID string   `json:"session_id,omitempty"`
	Seq       uint64   `json:"seq"`
	Text      string   `json:"text"`
	Mode      Mode     `json:"mode"`
	Topic     string   `json:"topic,omitempty"`
	Context   []string `json:"context,omitempty"`
}

type TranslateReply struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type SynthesizeRequest struct {
	SessionID string  `json:"session_id,omitempty"`
	Seq       uint64  `json:"seq"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`
	Speed     float64 `json:"speed"`
}

// SynthesizeReply carries raw PCM16 audio for the whole request.
type SynthesizeReply struct {
	PCM        []byte `json:"pcm"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Error      string `json:"error,omitempty"`
}

// SessionEvent mirrors one outbound session message on the bus.
type SessionEvent struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
