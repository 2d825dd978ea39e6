package session

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/pipeline"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/segment"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
)

const testRate = 16000

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type synthCall struct {
	seq   uint64
	voice string
	speed float64
}

type fakeStages struct {
	block chan struct{}

	mu     sync.Mutex
	synths []synthCall
}

func (f *fakeStages) stages() pipeline.Stages {
	return pipeline.Stages{Transcriber: f, Translator: f, Synthesizer: f}
}

func (f *fakeStages) Transcribe(ctx context.Context, seq uint64, utt segment.Utterance) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return fmt.Sprintf("hello %d", seq), nil
}

func (f *fakeStages) Translate(ctx context.Context, seq uint64, text string, mode protocol.Mode, topic string) (string, error) {
	return "hola " + strings.TrimPrefix(text, "hello "), nil
}

func (f *fakeStages) Synthesize(ctx context.Context, seq uint64, text, voice string, speed float64) (audio.Clip, error) {
	f.mu.Lock()
	f.synths = append(f.synths, synthCall{seq: seq, voice: voice, speed: speed})
	f.mu.Unlock()
	frames := testRate / 20
	return audio.Clip{PCM: make([]byte, frames*2), SampleRate: testRate, Channels: 1}, nil
}

func (f *fakeStages) synthCalls() []synthCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]synthCall(nil), f.synths...)
}

func testConfig() Config {
	literal := segment.Profile{
		MinChunk:   200 * time.Millisecond,
		MaxChunk:   2 * time.Second,
		MinSilence: 100 * time.Millisecond,
		MinSpeech:  100 * time.Millisecond,
	}
	contextual := literal
	contextual.MinChunk = time.Second
	return Config{
		Pipeline: pipeline.Options{
			Slots:            3,
			MaxPending:       16,
			STTTimeout:       2 * time.Second,
			TranslateTimeout: 2 * time.Second,
			TTSTimeout:       2 * time.Second,
			DrainTimeout:     2 * time.Second,
		},
		Segmenter: config.SegmenterConfig{SampleRate: testRate, FrameDurationMS: 20, Threshold: 0.02},
		Profiles: map[protocol.Mode]segment.Profile{
			protocol.ModeLiteral:    literal,
			protocol.ModeContextual: contextual,
		},
		DefaultVoice:    "default",
		DefaultSpeed:    1,
		MetricsInterval: time.Hour,
		WriteTimeout:    2 * time.Second,
		PingInterval:    time.Minute,
	}
}

type testServer struct {
	url      string
	registry *Registry
}

func startServer(t *testing.T, stages *fakeStages, catalog *tts.Catalog, mirror *Mirror) *testServer {
	t.Helper()
	registry := NewRegistry()
	h := NewHandler(testConfig(), Deps{
		Stages:   func(string) pipeline.Stages { return stages.stages() },
		Catalog:  catalog,
		Mirror:   mirror,
		Registry: registry,
		Logger:   discardLogger(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		registry.CancelAll()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.Wait(ctx)
		srv.Close()
	})
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), registry: registry}
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, srv *testServer) *wsClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(srv.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	if err := c.ws.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *wsClient) sendAudio(pcm []byte) {
	c.t.Helper()
	c.send(map[string]any{"type": "audio", "data": base64.StdEncoding.EncodeToString(pcm)})
}

// next reads the next message of any type.
func (c *wsClient) next() map[string]any {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := c.ws.ReadJSON(&msg); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return msg
}

// expect reads the next message that is not a metrics push and checks its type.
func (c *wsClient) expect(typ string) map[string]any {
	c.t.Helper()
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var msg map[string]any
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg["type"] == protocol.TypeMetrics {
			continue
		}
		if msg["type"] != typ {
			c.t.Fatalf("expected %s, got %v", typ, msg)
		}
		return msg
	}
}

func seqOf(msg map[string]any) uint64 {
	v, _ := msg["seq"].(float64)
	return uint64(v)
}

func pcm(d time.Duration, amplitude int16) []byte {
	n := int(d / time.Millisecond * testRate / 1000)
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// utterances returns n voiced phrases, each followed by enough silence for a
// literal-mode cut.
func utterances(n int) []byte {
	var out []byte
	for i := 0; i < n; i++ {
		out = append(out, pcm(300*time.Millisecond, 6000)...)
		out = append(out, pcm(200*time.Millisecond, 0)...)
	}
	return out
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
