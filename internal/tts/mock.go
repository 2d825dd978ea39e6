package tts

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"time"
)

const mockWordDuration = 300 * time.Millisecond

type mockSynth struct {
	sampleRate int
	channels   int
	chunk      time.Duration
}

// NewMockSynth produces a quiet tone roughly as long as the text would take
// to read at the requested speed.
func NewMockSynth(sampleRate, channels, chunkDurationMS int) Synthesizer {
	if channels <= 0 {
		channels = 1
	}
	chunk := time.Duration(chunkDurationMS) * time.Millisecond
	if chunk <= 0 {
		chunk = 400 * time.Millisecond
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunk: chunk}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(20 * time.Millisecond):
		}

		pcm := m.tone(MockDuration(req.Text, req.Speed))
		step := m.bytesFor(m.chunk)
		for seq, off := 0, 0; off < len(pcm); seq, off = seq+1, off+step {
			end := off + step
			if end > len(pcm) {
				end = len(pcm)
			}
			select {
			case chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   seq,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm[off:end],
				Final:      end == len(pcm),
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

// MockDuration is the length of mock audio for text at speed.
func MockDuration(text string, speed float64) time.Duration {
	if speed <= 0 {
		speed = 1
	}
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	return time.Duration(float64(time.Duration(words)*mockWordDuration) / speed)
}

func (m *mockSynth) bytesFor(d time.Duration) int {
	frames := int(int64(d) * int64(m.sampleRate) / int64(time.Second))
	if frames <= 0 {
		frames = 1
	}
	return frames * m.channels * 2
}

func (m *mockSynth) tone(d time.Duration) []byte {
	frames := m.bytesFor(d) / (2 * m.channels)
	pcm := make([]byte, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		v := int16(2000 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+c)*2:], uint16(v))
		}
	}
	return pcm
}
