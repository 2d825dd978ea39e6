package tts

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

type busSynth struct {
	client *bus.Client
}

// NewBusSynth asks a remote Service for the whole clip and replays it as a
// single final chunk.
func NewBusSynth(client *bus.Client) Synthesizer {
	return &busSynth{client: client}
}

func (b *busSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		var reply protocol.SynthesizeReply
		err := b.client.Request(ctx, protocol.SubjectTTSRequest, protocol.SynthesizeRequest{
			SessionID: req.SessionID,
			Seq:       req.Seq,
			Text:      req.Text,
			Voice:     req.Voice,
			Speed:     req.Speed,
		}, &reply)
		if err != nil {
			errs <- err
			return
		}
		if reply.Error != "" {
			errs <- errors.New(reply.Error)
			return
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			SampleRate: reply.SampleRate,
			Channels:   reply.Channels,
			PCM:        reply.PCM,
			Final:      true,
		}
	}()
	return chunks, errs
}
