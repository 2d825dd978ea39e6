package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/mattn/go-shellwords"
)

type execTranslator struct {
	cmd []string
	cfg config.TranslateConfig
}

type execRequest struct {
	Text           string   `json:"text"`
	Mode           string   `json:"mode"`
	Topic          string   `json:"topic,omitempty"`
	Context        []string `json:"context,omitempty"`
	SourceLanguage string   `json:"source_language"`
	TargetLanguage string   `json:"target_language"`
	System         string   `json:"system"`
	Prompt         string   `json:"prompt"`
}

type execResponse struct {
	Text string `json:"text"`
}

// NewExecTranslator pipes a JSON request to an external command's stdin and
// reads {"text": ...} from its stdout.
func NewExecTranslator(cfg config.TranslateConfig) (Translator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse translate command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translate command empty")
	}
	return &execTranslator{cmd: args, cfg: cfg}, nil
}

func (t *execTranslator) Translate(ctx context.Context, req Request) (string, error) {
	system, prompt := Prompt(t.cfg, req)
	input, err := json.Marshal(execRequest{
		Text:           req.Text,
		Mode:           string(req.Mode),
		Topic:          req.Topic,
		Context:        req.Context,
		SourceLanguage: t.cfg.SourceLanguage,
		TargetLanguage: t.cfg.TargetLanguage,
		System:         system,
		Prompt:         prompt,
	})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, t.cmd[0], t.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("translate exec command: %w", ctxErr)
		}
		return "", fmt.Errorf("translate exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translate exec response: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
