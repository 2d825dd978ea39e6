package pipeline

import (
	"context"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/segment"
)

type Transcriber interface {
	Transcribe(ctx context.Context, seq uint64, utt segment.Utterance) (string, error)
}

type Translator interface {
	Translate(ctx context.Context, seq uint64, text string, mode protocol.Mode, topic string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, seq uint64, text, voice string, speed float64) (audio.Clip, error)
}

// Stages is the adapter set one session's pipeline drives.
type Stages struct {
	Transcriber Transcriber
	Translator  Translator
	Synthesizer Synthesizer
}

// Sink receives batch outcomes. Emit is called in sequence order at the
// start of playback.
type Sink interface {
	Emit(b *Batch)
	Failed(b *Batch)
	Dropped(seq uint64, err error)
}
