package translate

import (
	"context"
	"strings"
	"time"
)

type mockTranslator struct {
	target string
}

func NewMockTranslator(target string) Translator {
	return &mockTranslator{target: target}
}

func (m *mockTranslator) Translate(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return "[" + m.target + "] " + strings.TrimSpace(req.Text), nil
}
