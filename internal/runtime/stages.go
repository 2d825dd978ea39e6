package runtime

import (
	"context"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/pipeline"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/segment"
	"github.com/loqalabs/loqa-interpreter/internal/session"
	"github.com/loqalabs/loqa-interpreter/internal/stt"
	"github.com/loqalabs/loqa-interpreter/internal/translate"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
)

// backends are the process-wide stage implementations shared by sessions.
type backends struct {
	recognizer  stt.Recognizer
	translator  translate.Translator
	synthesizer tts.Synthesizer
}

// stageFactory adapts the shared backends to one session. Each session gets
// its own translation context window.
func stageFactory(cfg config.Config, b backends) session.StageFactory {
	return func(sessionID string) pipeline.Stages {
		window := translate.NewContextWindow(cfg.Translate.ContextWindow, cfg.Translate.ContextChars)
		return pipeline.Stages{
			Transcriber: &sttStage{recognizer: b.recognizer, sessionID: sessionID, channels: cfg.STT.Channels},
			Translator:  &translateStage{translator: translate.WithContext(b.translator, window), sessionID: sessionID},
			Synthesizer: &ttsStage{synth: b.synthesizer, sessionID: sessionID},
		}
	}
}

type sttStage struct {
	recognizer stt.Recognizer
	sessionID  string
	channels   int
}

func (s *sttStage) Transcribe(ctx context.Context, seq uint64, utt segment.Utterance) (string, error) {
	res, err := s.recognizer.Transcribe(ctx, stt.Request{
		SessionID:  s.sessionID,
		Seq:        seq,
		PCM:        utt.PCM,
		SampleRate: utt.SampleRate,
		Channels:   s.channels,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

type translateStage struct {
	translator translate.Translator
	sessionID  string
}

func (t *translateStage) Translate(ctx context.Context, seq uint64, text string, mode protocol.Mode, topic string) (string, error) {
	return t.translator.Translate(ctx, translate.Request{
		SessionID: t.sessionID,
		Seq:       seq,
		Text:      text,
		Mode:      mode,
		Topic:     topic,
	})
}

type ttsStage struct {
	synth     tts.Synthesizer
	sessionID string
}

func (t *ttsStage) Synthesize(ctx context.Context, seq uint64, text, voice string, speed float64) (audio.Clip, error) {
	return tts.Collect(ctx, t.synth, tts.SynthRequest{
		SessionID: t.sessionID,
		Seq:       seq,
		Text:      text,
		Voice:     voice,
		Speed:     speed,
	})
}
