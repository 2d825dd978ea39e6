package protocol

// Outbound message types sent over the session socket.
const (
	TypeSessionStarted = "session_started"
	TypeTranscription  = "transcription"
	TypeTranslation    = "translation"
	TypeAudioOutput    = "audio_output"
	TypeMetrics        = "metrics"
	TypeError          = "error"
	TypeConfigChanged  = "config_changed"
	TypeSessionStopped = "session_stopped"
)

// Error codes carried by ServerError.
const (
	CodeBadRequest        = "bad_request"
	CodeUnsupported       = "unsupported"
	CodeInvalidState      = "invalid_state"
	CodeUnknownVoice      = "unknown_voice"
	CodeModeLocked        = "mode_locked"
	CodeAdapterTimeout    = "adapter_timeout"
	CodeAdapterFailure    = "adapter_failure"
	CodeAdmissionOverflow = "admission_overflow"
	CodeCancelled         = "cancelled"
)

type ServerSessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Mode      Mode   `json:"mode"`
}

type ServerTranscription struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	Text string `json:"text"`
}

type ServerTranslation struct {
	Type       string `json:"type"`
	Seq        uint64 `json:"seq"`
	Original   string `json:"original"`
	Translated string `json:"translated"`
}

// ServerAudioOutput carries a base64 WAV clip; Duration is in seconds.
type ServerAudioOutput struct {
	Type     string  `json:"type"`
	Seq      uint64  `json:"seq"`
	Data     []byte  `json:"data"`
	Duration float64 `json:"duration"`
}

type Latency struct {
	STT         float64 `json:"stt"`
	Translation float64 `json:"translation"`
	TTS         float64 `json:"tts"`
	E2E         float64 `json:"e2e"`
}

type SlotStatus struct {
	Slot   int    `json:"slot"`
	Status string `json:"status"`
	Seq    uint64 `json:"seq,omitempty"`
}

// MetricsData is the session metrics snapshot. Durations are in seconds.
type MetricsData struct {
	Latency          Latency      `json:"latency"`
	LatencyAvg       Latency      `json:"latency_avg"`
	BatchesProcessed uint64       `json:"batches_processed"`
	BatchesFailed    uint64       `json:"batches_failed"`
	BatchesDropped   uint64       `json:"batches_dropped"`
	Uptime           float64      `json:"uptime"`
	Pending          int          `json:"pending"`
	Gap              float64      `json:"gap"`
	Slots            []SlotStatus `json:"slots"`
}

type ServerMetrics struct {
	Type string      `json:"type"`
	Data MetricsData `json:"data"`
}

type ServerError struct {
	Type    string  `json:"type"`
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Param   string  `json:"param,omitempty"`
	Seq     *uint64 `json:"seq,omitempty"`
}

type ServerConfigChanged struct {
	Type  string  `json:"type"`
	Speed float64 `json:"speed"`
	Voice string  `json:"voice"`
	Mode  Mode    `json:"mode"`
}

type ServerSessionStopped struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	BatchesProcessed uint64 `json:"batches_processed"`
}

// ErrorFromDecode converts a decode failure into its outbound form.
func ErrorFromDecode(err *DecodeError) ServerError {
	return ServerError{Type: TypeError, Code: err.Code, Message: err.Message, Param: err.Param}
}
