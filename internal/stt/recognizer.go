package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
)

// Request is one utterance to transcribe.
type Request struct {
	SessionID  string
	Seq        uint64
	PCM        []byte
	SampleRate int
	Channels   int
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig, client *bus.Client) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "bus":
		if client == nil {
			return nil, fmt.Errorf("stt mode bus requires a bus connection")
		}
		return NewBusRecognizer(client), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
