package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
)

func TestSessionTranslatesUtterancesInOrder(t *testing.T) {
	stages := &fakeStages{}
	srv := startServer(t, stages, nil, nil)
	c := dial(t, srv)

	c.send(map[string]any{"type": "start", "mode": "literal", "topic": "weather"})
	started := c.expect(protocol.TypeSessionStarted)
	if started["mode"] != "literal" || started["session_id"] == "" {
		t.Fatalf("unexpected session_started: %v", started)
	}

	c.sendAudio(utterances(3))
	for seq := uint64(1); seq <= 3; seq++ {
		tr := c.expect(protocol.TypeTranscription)
		if seqOf(tr) != seq {
			t.Fatalf("expected transcription %d, got %v", seq, tr)
		}
		tl := c.expect(protocol.TypeTranslation)
		if seqOf(tl) != seq || tl["original"] != tr["text"] {
			t.Fatalf("unexpected translation: %v", tl)
		}
		out := c.expect(protocol.TypeAudioOutput)
		if seqOf(out) != seq {
			t.Fatalf("expected audio %d, got seq %d", seq, seqOf(out))
		}
		raw, err := base64.StdEncoding.DecodeString(out["data"].(string))
		if err != nil {
			t.Fatalf("decode audio data: %v", err)
		}
		clip, err := audio.DecodeWAV(raw)
		if err != nil {
			t.Fatalf("audio_output is not a wav clip: %v", err)
		}
		if clip.Duration() != 50*time.Millisecond {
			t.Fatalf("unexpected clip duration %s", clip.Duration())
		}

		// Every emission is followed by a metrics push counting it.
		metrics := c.next()
		if metrics["type"] != protocol.TypeMetrics {
			t.Fatalf("expected metrics after audio %d, got %v", seq, metrics)
		}
		data, _ := metrics["data"].(map[string]any)
		if data["batches_processed"] != float64(seq) {
			t.Fatalf("expected batches_processed %d, got %v", seq, data)
		}
	}

	c.send(map[string]any{"type": "stop"})
	stopped := c.expect(protocol.TypeSessionStopped)
	if stopped["session_id"] != started["session_id"] || stopped["batches_processed"] != float64(3) {
		t.Fatalf("unexpected session_stopped: %v", stopped)
	}
}

func TestSpeedAndVoiceApplyToLaterSynthesis(t *testing.T) {
	stages := &fakeStages{}
	srv := startServer(t, stages, nil, nil)
	c := dial(t, srv)

	c.send(map[string]any{"type": "start", "mode": "literal"})
	c.expect(protocol.TypeSessionStarted)

	c.sendAudio(utterances(1))
	c.expect(protocol.TypeTranscription)
	c.expect(protocol.TypeTranslation)
	c.expect(protocol.TypeAudioOutput)

	c.send(map[string]any{"type": "set_speed", "speed": 1.5})
	changed := c.expect(protocol.TypeConfigChanged)
	if changed["speed"] != 1.5 || changed["voice"] != "default" {
		t.Fatalf("unexpected config_changed: %v", changed)
	}
	c.send(map[string]any{"type": "set_voice", "voice": "narrator"})
	c.expect(protocol.TypeConfigChanged)

	c.sendAudio(utterances(1))
	c.expect(protocol.TypeTranscription)
	c.expect(protocol.TypeTranslation)
	c.expect(protocol.TypeAudioOutput)

	calls := stages.synthCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 synth calls, got %d", len(calls))
	}
	if calls[0].speed != 1 || calls[0].voice != "default" {
		t.Fatalf("first batch should keep original settings: %+v", calls[0])
	}
	if calls[1].speed != 1.5 || calls[1].voice != "narrator" {
		t.Fatalf("second batch should see new settings: %+v", calls[1])
	}
}

func TestSetModeRejectedWhileBatchesInFlight(t *testing.T) {
	stages := &fakeStages{block: make(chan struct{})}
	srv := startServer(t, stages, nil, nil)
	c := dial(t, srv)

	c.send(map[string]any{"type": "set_mode", "mode": "literal"})
	if changed := c.expect(protocol.TypeConfigChanged); changed["mode"] != "literal" {
		t.Fatalf("expected set_mode accepted while idle: %v", changed)
	}

	c.send(map[string]any{"type": "start", "mode": "literal"})
	c.expect(protocol.TypeSessionStarted)
	c.sendAudio(utterances(1))

	c.send(map[string]any{"type": "set_mode", "mode": "contextual"})
	rejected := c.expect(protocol.TypeError)
	if rejected["code"] != protocol.CodeModeLocked {
		t.Fatalf("expected mode_locked, got %v", rejected)
	}

	close(stages.block)
	c.expect(protocol.TypeTranscription)
	c.expect(protocol.TypeTranslation)
	c.expect(protocol.TypeAudioOutput)
	waitUntil(t, 2*time.Second, func() bool {
		st := srv.registry.Statuses()
		return len(st) == 1 && st[0].Active == 0
	})

	c.send(map[string]any{"type": "set_mode", "mode": "contextual"})
	if changed := c.expect(protocol.TypeConfigChanged); changed["mode"] != "contextual" {
		t.Fatalf("expected set_mode accepted once idle: %v", changed)
	}
}

func TestSetVoiceValidatedAgainstCatalog(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "deep_narrator.wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write voice: %v", err)
	}
	catalog, err := tts.LoadCatalog(dir)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	srv := startServer(t, &fakeStages{}, catalog, nil)
	c := dial(t, srv)

	c.send(map[string]any{"type": "set_voice", "voice": "robot"})
	if msg := c.expect(protocol.TypeError); msg["code"] != protocol.CodeUnknownVoice || msg["param"] != "voice" {
		t.Fatalf("expected unknown_voice, got %v", msg)
	}
	c.send(map[string]any{"type": "set_voice", "voice": "deep_narrator"})
	if msg := c.expect(protocol.TypeConfigChanged); msg["voice"] != "deep_narrator" {
		t.Fatalf("unexpected config_changed: %v", msg)
	}
}

func TestStopIsIdempotentAndStartOpensNewSession(t *testing.T) {
	srv := startServer(t, &fakeStages{}, nil, nil)
	c := dial(t, srv)

	c.send(map[string]any{"type": "stop"})
	c.send(map[string]any{"type": "start", "mode": "literal"})
	first := c.expect(protocol.TypeSessionStarted)

	c.send(map[string]any{"type": "start"})
	if msg := c.expect(protocol.TypeError); msg["code"] != protocol.CodeInvalidState {
		t.Fatalf("expected invalid_state for second start, got %v", msg)
	}

	c.send(map[string]any{"type": "stop"})
	c.send(map[string]any{"type": "stop"})
	c.expect(protocol.TypeSessionStopped)

	c.send(map[string]any{"type": "start", "mode": "contextual"})
	second := c.expect(protocol.TypeSessionStarted)
	if second["session_id"] == first["session_id"] {
		t.Fatal("expected a fresh session id after stop")
	}
	if second["mode"] != "contextual" {
		t.Fatalf("unexpected mode: %v", second)
	}
}

func TestProtocolErrorsDoNotCloseConnection(t *testing.T) {
	srv := startServer(t, &fakeStages{}, nil, nil)
	c := dial(t, srv)

	c.send(map[string]any{"type": "rewind"})
	if msg := c.expect(protocol.TypeError); msg["code"] != protocol.CodeBadRequest || msg["param"] != "type" {
		t.Fatalf("unexpected error: %v", msg)
	}
	c.send(map[string]any{"type": "set_speed", "speed": 9})
	if msg := c.expect(protocol.TypeError); msg["param"] != "speed" {
		t.Fatalf("unexpected error: %v", msg)
	}
	c.send(map[string]any{"type": "start", "mode": "literal"})
	c.expect(protocol.TypeSessionStarted)
}

func TestConnectionLossDrainsAndRecordsTimeline(t *testing.T) {
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	mirror := NewMirror(store, nil, discardLogger())

	stages := &fakeStages{block: make(chan struct{})}
	srv := startServer(t, stages, nil, mirror)
	c := dial(t, srv)

	c.send(map[string]any{"type": "start", "mode": "literal"})
	started := c.expect(protocol.TypeSessionStarted)
	sessionID := started["session_id"].(string)
	c.sendAudio(utterances(1))
	waitUntil(t, 2*time.Second, func() bool {
		st := srv.registry.Statuses()
		return len(st) == 1 && st[0].Active == 1
	})

	_ = c.ws.UnderlyingConn().Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !srv.registry.Wait(ctx) {
		t.Fatal("connection was not released after the socket dropped")
	}
	mirror.Close()

	sess, err := store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.StoppedAt.IsZero() || sess.Mode != "literal" {
		t.Fatalf("unexpected session row: %+v", sess)
	}
	events, err := store.ListSessionEvents(context.Background(), sessionID, 20)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var cancelled bool
	for _, evt := range events {
		if evt.Type != protocol.TypeError {
			continue
		}
		var msg protocol.ServerError
		if err := json.Unmarshal(evt.Payload, &msg); err != nil {
			t.Fatalf("decode event payload: %v", err)
		}
		if msg.Code == protocol.CodeCancelled && evt.Seq == 1 {
			cancelled = true
		}
	}
	if !cancelled {
		t.Fatalf("expected cancelled batch on the timeline, got %+v", events)
	}
	if events[0].Type != protocol.TypeSessionStarted || events[len(events)-1].Type != protocol.TypeSessionStopped {
		t.Fatalf("unexpected timeline order: first %s last %s", events[0].Type, events[len(events)-1].Type)
	}
}
