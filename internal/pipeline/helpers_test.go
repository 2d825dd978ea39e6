package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/segment"
)

const testRate = 16000

// script controls one stage of fakeStages per sequence number.
type script struct {
	delay map[uint64]time.Duration
	err   map[uint64]error
	block map[uint64]bool
}

func (s script) run(ctx context.Context, seq uint64) error {
	if s.block[seq] {
		<-ctx.Done()
		return ctx.Err()
	}
	if d := s.delay[seq]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err[seq]
}

type fakeStages struct {
	stt       script
	translate script
	tts       script
	clip      time.Duration

	synthStarted chan uint64

	active    atomic.Int64
	maxActive atomic.Int64
}

func newFakeStages() *fakeStages {
	return &fakeStages{clip: 100 * time.Millisecond, synthStarted: make(chan uint64, 64)}
}

func (f *fakeStages) stages() Stages {
	return Stages{Transcriber: f, Translator: f, Synthesizer: f}
}

func (f *fakeStages) Transcribe(ctx context.Context, seq uint64, utt segment.Utterance) (string, error) {
	n := f.active.Add(1)
	for {
		cur := f.maxActive.Load()
		if n <= cur || f.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if err := f.stt.run(ctx, seq); err != nil {
		return "", err
	}
	return fmt.Sprintf("utterance %d", seq), nil
}

func (f *fakeStages) Translate(ctx context.Context, seq uint64, text string, mode protocol.Mode, topic string) (string, error) {
	if err := f.translate.run(ctx, seq); err != nil {
		return "", err
	}
	return "translated " + text, nil
}

func (f *fakeStages) Synthesize(ctx context.Context, seq uint64, text, voice string, speed float64) (audio.Clip, error) {
	f.synthStarted <- seq
	if err := f.tts.run(ctx, seq); err != nil {
		return audio.Clip{}, err
	}
	frames := int(int64(f.clip) * testRate / int64(time.Second))
	return audio.Clip{PCM: make([]byte, frames*2), SampleRate: testRate, Channels: 1}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	emitted []*Batch
	failed  []*Batch
	dropped []uint64
	stages  *fakeStages
}

func (s *recordingSink) Emit(b *Batch) {
	s.mu.Lock()
	s.emitted = append(s.emitted, b)
	s.mu.Unlock()
	if s.stages != nil {
		s.stages.active.Add(-1)
	}
}

func (s *recordingSink) Failed(b *Batch) {
	s.mu.Lock()
	s.failed = append(s.failed, b)
	s.mu.Unlock()
}

func (s *recordingSink) Dropped(seq uint64, err error) {
	s.mu.Lock()
	s.dropped = append(s.dropped, seq)
	s.mu.Unlock()
}

func (s *recordingSink) emittedSeqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.emitted))
	for i, b := range s.emitted {
		out[i] = b.Seq
	}
	return out
}

func (s *recordingSink) emittedBatch(seq uint64) *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.emitted {
		if b.Seq == seq {
			return b
		}
	}
	return nil
}

func (s *recordingSink) failedBatches() []*Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Batch(nil), s.failed...)
}

func (s *recordingSink) droppedSeqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.dropped...)
}

func (s *recordingSink) terminal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emitted) + len(s.failed) + len(s.dropped)
}

func testOptions(slots int) Options {
	return Options{
		Slots:            slots,
		MaxPending:       16,
		STTTimeout:       time.Second,
		TranslateTimeout: time.Second,
		TTSTimeout:       time.Second,
		DrainTimeout:     2 * time.Second,
	}
}

func testSettings() *SettingsStore {
	return NewSettingsStore(Settings{Voice: "default", Speed: 1, Mode: protocol.ModeLiteral})
}

func startOrchestrator(t *testing.T, opts Options, f *fakeStages, sink *recordingSink, settings *SettingsStore) *Orchestrator {
	t.Helper()
	if settings == nil {
		settings = testSettings()
	}
	o := New("test-session", opts, Deps{
		Stages:   f.stages(),
		Settings: settings,
		Sink:     sink,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(o.Stop)
	return o
}

func utterance() segment.Utterance {
	return segment.Utterance{PCM: make([]byte, 3200), SampleRate: testRate}
}

func submit(t *testing.T, o *Orchestrator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := o.Submit(utterance()); err != nil {
			t.Fatalf("submit %d: %v", i+1, err)
		}
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func equalSeqs(got []uint64, want ...uint64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
