package pipeline

import (
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/segment"
)

// Stage is the lifecycle position of a Batch.
type Stage int

const (
	StageCaptured Stage = iota
	StageTranscribing
	StageTranscribed
	StageTranslating
	StageTranslated
	StageSynthesizing
	StageReady
	StageEmitted
	StageFailed
)

var stageNames = [...]string{
	"captured",
	"transcribing",
	"transcribed",
	"translating",
	"translated",
	"synthesizing",
	"ready",
	"emitted",
	"failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageEmitted || s == StageFailed
}

// Step names one adapter call in the stage sequence.
type Step int

const (
	StepTranscribe Step = iota
	StepTranslate
	StepSynthesize
	numSteps
)

func (s Step) String() string {
	switch s {
	case StepTranscribe:
		return "stt"
	case StepTranslate:
		return "translation"
	case StepSynthesize:
		return "tts"
	default:
		return "unknown"
	}
}

// Timing is the wall clock span of one step.
type Timing struct {
	Start time.Time
	End   time.Time
}

func (t Timing) Duration() time.Duration {
	if t.Start.IsZero() || t.End.IsZero() {
		return 0
	}
	return t.End.Sub(t.Start)
}

// Batch is one utterance moving through the pipeline. It is only mutated by
// the goroutine currently driving it.
type Batch struct {
	Seq       uint64
	SessionID string
	Utterance segment.Utterance
	Mode      protocol.Mode
	Topic     string

	Transcript  string
	Translation string
	Audio       audio.Clip
	Voice       string
	Speed       float64

	Stage    Stage
	Timings  [numSteps]Timing
	Captured time.Time
	Emitted  time.Time
	Err      error

	slot      int
	completed [numSteps]bool
}

// Timing returns the recorded span of step.
func (b *Batch) Timing(step Step) Timing {
	return b.Timings[step]
}

// recordSteps adds the latency of every completed step to m.
func (b *Batch) recordSteps(m *Metrics) {
	for step := Step(0); step < numSteps; step++ {
		if b.completed[step] {
			m.RecordStep(step, b.Timings[step].Duration())
		}
	}
}

// E2E is the time from the first stage start to emission.
func (b *Batch) E2E() time.Duration {
	start := b.Timings[StepTranscribe].Start
	if start.IsZero() || b.Emitted.IsZero() {
		return 0
	}
	return b.Emitted.Sub(start)
}
