package tts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Seq       uint64
	Text      string
	Voice     string
	Speed     float64
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, client *bus.Client) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, cfg.ChunkDurationMS), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "bus":
		if client == nil {
			return nil, fmt.Errorf("tts mode bus requires a bus connection")
		}
		return NewBusSynth(client), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// Collect drains a streaming synthesis into one clip.
func Collect(ctx context.Context, synth Synthesizer, req SynthRequest) (audio.Clip, error) {
	chunks, errs := synth.Synthesize(ctx, req)
	var clip audio.Clip
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if clip.SampleRate == 0 {
				clip.SampleRate = chunk.SampleRate
				clip.Channels = chunk.Channels
			}
			clip.PCM = append(clip.PCM, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return audio.Clip{}, err
			}
		case <-ctx.Done():
			return audio.Clip{}, ctx.Err()
		}
	}
	if len(clip.PCM) == 0 {
		return audio.Clip{}, fmt.Errorf("synthesizer produced no audio")
	}
	return clip, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
