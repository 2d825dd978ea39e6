package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	d := audio.PCMDuration(len(req.PCM), req.SampleRate, req.Channels)
	return TranscriptResult{
		Text:       fmt.Sprintf("utterance %d lasting %.1f seconds", req.Seq, d.Seconds()),
		Confidence: 1,
	}, nil
}
