package translate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

// Request describes one utterance to translate.
type Request struct {
	SessionID string
	Seq       uint64
	Text      string
	Mode      protocol.Mode
	Topic     string
	Context   []string
}

// Translator defines a pluggable translation backend.
type Translator interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// New builds the translator selected by cfg.Mode.
func New(cfg config.TranslateConfig, client *bus.Client, logger *slog.Logger) (Translator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockTranslator(cfg.TargetLanguage), nil
	case "ollama":
		return NewOllamaTranslator(cfg, logger), nil
	case "exec":
		return NewExecTranslator(cfg)
	case "bus":
		if client == nil {
			return nil, fmt.Errorf("translate mode bus requires a bus connection")
		}
		return NewBusTranslator(client), nil
	default:
		return nil, fmt.Errorf("unsupported translate mode %q", cfg.Mode)
	}
}

// Prompt returns the system and user prompts for a request.
func Prompt(cfg config.TranslateConfig, req Request) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a professional interpreter translating live speech from %s to %s.\n",
		cfg.SourceLanguage, cfg.TargetLanguage)
	if req.Mode == protocol.ModeLiteral {
		b.WriteString("Translate literally and keep the sentence structure of the speaker.\n")
	} else {
		b.WriteString("Translate naturally and idiomatically, preserving meaning and tone rather than word order.\n")
	}
	if req.Topic != "" {
		fmt.Fprintf(&b, "The conversation is about %s; use its terminology.\n", req.Topic)
	}
	if len(req.Context) > 0 {
		b.WriteString("Previous sentences are given only for understanding. Do not translate or repeat them.\n")
	}
	fmt.Fprintf(&b, "Reply with the %s translation of the new text only, without explanations.", cfg.TargetLanguage)

	user = req.Text
	if len(req.Context) > 0 {
		var ctxLines strings.Builder
		ctxLines.WriteString("Context (previous sentences):\n")
		for _, sentence := range req.Context {
			ctxLines.WriteString("- ")
			ctxLines.WriteString(sentence)
			ctxLines.WriteString("\n")
		}
		user = ctxLines.String() + "\nTranslate: " + req.Text
	}
	return b.String(), user
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
