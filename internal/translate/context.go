package translate

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

// ContextWindow keeps the last few source sentences of a session ordered by
// sequence number, capped by total characters when read. Sentences enter when
// their translation starts, so a request sees its predecessors even while
// they are still being translated.
type ContextWindow struct {
	mu       sync.Mutex
	size     int
	maxChars int
	items    []sentence
}

type sentence struct {
	seq  uint64
	text string
}

func NewContextWindow(size, maxChars int) *ContextWindow {
	return &ContextWindow{size: size, maxChars: maxChars}
}

// Put records the source text of seq. Only the size newest sequence numbers
// are kept.
func (w *ContextWindow) Put(seq uint64, text string) {
	if w == nil || w.size <= 0 || text == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	i := sort.Search(len(w.items), func(i int) bool { return w.items[i].seq >= seq })
	if i < len(w.items) && w.items[i].seq == seq {
		w.items[i].text = text
		return
	}
	w.items = slices.Insert(w.items, i, sentence{seq: seq, text: text})
	if len(w.items) > w.size {
		w.items = append([]sentence(nil), w.items[len(w.items)-w.size:]...)
	}
}

// Drop forgets seq, used when its translation failed.
func (w *ContextWindow) Drop(seq uint64) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = slices.DeleteFunc(w.items, func(s sentence) bool { return s.seq == seq })
}

// Before returns the sentences preceding seq, newest last, trimmed from the
// oldest end to fit maxChars.
func (w *ContextWindow) Before(seq uint64) []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	end := sort.Search(len(w.items), func(i int) bool { return w.items[i].seq >= seq })
	return w.trimmed(w.items[:end])
}

// Snapshot returns every kept sentence, trimmed to maxChars.
func (w *ContextWindow) Snapshot() []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trimmed(w.items)
}

func (w *ContextWindow) trimmed(items []sentence) []string {
	total := 0
	for _, s := range items {
		total += len(s.text)
	}
	start := 0
	for w.maxChars > 0 && total > w.maxChars && start < len(items) {
		total -= len(items[start].text)
		start++
	}
	if start == len(items) {
		return nil
	}
	out := make([]string, 0, len(items)-start)
	for _, s := range items[start:] {
		out = append(out, s.text)
	}
	return out
}

func (w *ContextWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.items = nil
	w.mu.Unlock()
}

// WithContext wraps a translator so contextual requests carry the source
// sentences that precede them in the session. Failed translations leave the
// window.
func WithContext(next Translator, window *ContextWindow) Translator {
	return &contextual{next: next, window: window}
}

type contextual struct {
	next   Translator
	window *ContextWindow
}

func (c *contextual) Translate(ctx context.Context, req Request) (string, error) {
	if req.Mode != protocol.ModeContextual {
		return c.next.Translate(ctx, req)
	}
	req.Context = c.window.Before(req.Seq)
	c.window.Put(req.Seq, req.Text)
	text, err := c.next.Translate(ctx, req)
	if err != nil {
		c.window.Drop(req.Seq)
		return "", err
	}
	return text, nil
}
