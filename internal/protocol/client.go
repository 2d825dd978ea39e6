package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Mode selects how utterances are segmented and translated.
type Mode string

const (
	ModeContextual Mode = "contextual"
	ModeLiteral    Mode = "literal"
)

// ParseMode validates a client supplied mode. Empty means contextual.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(strings.TrimSpace(raw)) {
	case "", ModeContextual:
		return ModeContextual, true
	case ModeLiteral:
		return ModeLiteral, true
	default:
		return "", false
	}
}

const MaxSpeed = 4.0

// DecodeError is returned for any inbound frame that cannot be acted on.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: CodeUnsupported, Message: message, Param: param}
}

type ClientStart struct {
	Type  string  `json:"type"`
	Mode  Mode    `json:"mode"`
	Topic *string `json:"topic,omitempty"`
}

// TopicValue returns the topic or an empty string when the client sent null.
func (m ClientStart) TopicValue() string {
	if m.Topic == nil {
		return ""
	}
	return strings.TrimSpace(*m.Topic)
}

type ClientAudio struct {
	Type string `json:"type"`
	Data string `json:"data"`
	PCM  []byte `json:"-"`
}

type ClientStop struct {
	Type string `json:"type"`
}

type ClientSetSpeed struct {
	Type  string  `json:"type"`
	Speed float64 `json:"speed"`
}

type ClientSetVoice struct {
	Type  string `json:"type"`
	Voice string `json:"voice"`
}

type ClientSetMode struct {
	Type string `json:"type"`
	Mode Mode   `json:"mode"`
}

// DecodeClientMessage parses one inbound frame into its typed message.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start":
		var msg ClientStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start", "")
		}
		mode, ok := ParseMode(string(msg.Mode))
		if !ok {
			return nil, unsupported("unsupported mode", "mode")
		}
		msg.Mode = mode
		return msg, nil
	case "audio":
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio", "")
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, badRequest("audio.data is required", "data")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, badRequest("audio.data must be base64", "data")
		}
		if len(pcm)%2 != 0 {
			return nil, badRequest("audio.data must be 16-bit PCM", "data")
		}
		msg.PCM = pcm
		return msg, nil
	case "stop":
		return ClientStop{Type: typ}, nil
	case "set_speed":
		var msg ClientSetSpeed
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid set_speed", "")
		}
		if msg.Speed <= 0 || msg.Speed > MaxSpeed {
			return nil, badRequest("set_speed.speed must be in (0, 4]", "speed")
		}
		return msg, nil
	case "set_voice":
		var msg ClientSetVoice
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid set_voice", "")
		}
		msg.Voice = strings.TrimSpace(msg.Voice)
		if msg.Voice == "" {
			return nil, badRequest("set_voice.voice is required", "voice")
		}
		return msg, nil
	case "set_mode":
		var msg ClientSetMode
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid set_mode", "")
		}
		if strings.TrimSpace(string(msg.Mode)) == "" {
			return nil, badRequest("set_mode.mode is required", "mode")
		}
		mode, ok := ParseMode(string(msg.Mode))
		if !ok {
			return nil, unsupported("unsupported mode", "mode")
		}
		msg.Mode = mode
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}
