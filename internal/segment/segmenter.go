package segment

import (
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/config"
)

// Utterance is one cut of the inbound stream ready for transcription.
type Utterance struct {
	PCM        []byte
	SampleRate int
	Start      time.Duration
	End        time.Duration
}

// Duration reports the length of the utterance audio.
func (u Utterance) Duration() time.Duration {
	return audio.PCMDuration(len(u.PCM), u.SampleRate, 1)
}

// Segmenter turns raw PCM16 mono chunks into utterance boundaries.
type Segmenter interface {
	Push(chunk []byte) []Utterance
	Reset()
}

// Profile controls where utterances are cut.
type Profile struct {
	MinChunk   time.Duration
	MaxChunk   time.Duration
	MinSilence time.Duration
	MinSpeech  time.Duration
}

func ProfileFromConfig(p config.SegmenterProfile) Profile {
	return Profile{
		MinChunk:   time.Duration(p.MinChunkMS) * time.Millisecond,
		MaxChunk:   time.Duration(p.MaxChunkMS) * time.Millisecond,
		MinSilence: time.Duration(p.MinSilenceMS) * time.Millisecond,
		MinSpeech:  time.Duration(p.MinSpeechMS) * time.Millisecond,
	}
}

// EnergySegmenter is an RMS-threshold voice activity segmenter. Once speech
// starts, everything (speech and pauses) is accumulated; a cut is only
// considered after MinChunk, taken at the first MinSilence pause, and forced
// at MaxChunk.
type EnergySegmenter struct {
	sampleRate int
	frameBytes int
	frameDur   time.Duration
	threshold  float64
	profile    Profile

	carry    []byte
	phrase   []byte
	inPhrase bool
	start    time.Duration
	silence  time.Duration
	speech   time.Duration
	clock    time.Duration
}

func NewEnergySegmenter(cfg config.SegmenterConfig, profile Profile) *EnergySegmenter {
	frameSamples := cfg.SampleRate * cfg.FrameDurationMS / 1000
	if frameSamples <= 0 {
		frameSamples = 1
	}
	return &EnergySegmenter{
		sampleRate: cfg.SampleRate,
		frameBytes: frameSamples * 2,
		frameDur:   audio.PCMDuration(frameSamples*2, cfg.SampleRate, 1),
		threshold:  cfg.Threshold,
		profile:    profile,
	}
}

func (s *EnergySegmenter) Push(chunk []byte) []Utterance {
	data := chunk
	if len(s.carry) > 0 {
		data = append(s.carry, chunk...)
		s.carry = nil
	}
	var out []Utterance
	for len(data) >= s.frameBytes {
		frame := data[:s.frameBytes]
		data = data[s.frameBytes:]
		if u, ok := s.frame(frame); ok {
			out = append(out, u)
		}
	}
	if len(data) > 0 {
		s.carry = append([]byte(nil), data...)
	}
	return out
}

func (s *EnergySegmenter) Reset() {
	s.carry = nil
	s.phrase = nil
	s.inPhrase = false
	s.silence = 0
	s.speech = 0
}

func (s *EnergySegmenter) frame(frame []byte) (Utterance, bool) {
	at := s.clock
	s.clock += s.frameDur
	speech := audio.RMS(frame) > s.threshold

	if !s.inPhrase {
		if !speech {
			return Utterance{}, false
		}
		s.inPhrase = true
		s.start = at
	}

	s.phrase = append(s.phrase, frame...)
	if speech {
		s.speech += s.frameDur
		s.silence = 0
	} else {
		s.silence += s.frameDur
	}

	length := s.clock - s.start
	switch {
	case length >= s.profile.MaxChunk:
	case length < s.profile.MinChunk:
		return Utterance{}, false
	case s.silence == 0 || s.silence < s.profile.MinSilence:
		return Utterance{}, false
	}
	return s.cut()
}

func (s *EnergySegmenter) cut() (Utterance, bool) {
	u := Utterance{
		PCM:        s.phrase,
		SampleRate: s.sampleRate,
		Start:      s.start,
		End:        s.clock,
	}
	enough := s.speech >= s.profile.MinSpeech
	s.phrase = nil
	s.inPhrase = false
	s.silence = 0
	s.speech = 0
	return u, enough
}
