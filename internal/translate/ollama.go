package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-interpreter/internal/config"
)

type ollamaTranslator struct {
	cfg          config.TranslateConfig
	client       *http.Client
	logger       *slog.Logger
	retryInitial time.Duration
}

// NewOllamaTranslator calls an Ollama server's generate endpoint, retrying
// transient failures with exponential backoff.
func NewOllamaTranslator(cfg config.TranslateConfig, logger *slog.Logger) Translator {
	return &ollamaTranslator{
		cfg:          cfg,
		client:       http.DefaultClient,
		logger:       logger.With(slog.String("component", "ollama-translator")),
		retryInitial: 500 * time.Millisecond,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (t *ollamaTranslator) Translate(ctx context.Context, req Request) (string, error) {
	system, prompt := Prompt(t.cfg, req)
	body, err := json.Marshal(ollamaRequest{
		Model:  t.cfg.Model,
		Prompt: prompt,
		System: system,
		Stream: true,
		Options: ollamaOptions{
			Temperature: t.cfg.Temperature,
			NumPredict:  t.cfg.MaxTokens,
		},
	})
	if err != nil {
		return "", err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.retryInitial
	attempts := t.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return backoff.Retry(ctx, func() (string, error) {
		return t.generate(ctx, body)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			t.logger.Warn("translation attempt failed, retrying",
				slogError(err),
				slog.Uint64("seq", req.Seq),
				slog.Duration("wait", wait))
		}),
	)
}

func (t *ollamaTranslator) generate(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("ollama returned status %s", resp.Status)
	}
	if resp.StatusCode >= 300 {
		return "", backoff.Permanent(fmt.Errorf("ollama returned status %s", resp.Status))
	}

	scanner := bufio.NewScanner(resp.Body)
	var accumulated strings.Builder
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", backoff.Permanent(fmt.Errorf("decode ollama chunk: %w", err))
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama: %s", chunk.Error)
		}
		accumulated.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	text := strings.TrimSpace(accumulated.String())
	if text == "" {
		return "", fmt.Errorf("ollama returned an empty translation")
	}
	return text, nil
}
