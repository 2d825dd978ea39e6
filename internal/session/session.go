package session

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/pipeline"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/segment"
)

// ErrConnectionLost is reported when the client socket fails. The session is
// stopped with a drain.
var ErrConnectionLost = errors.New("connection lost")

type State int32

const (
	StateIdle State = iota
	StateActive
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the per-connection settings derived from the process config.
type Config struct {
	Pipeline        pipeline.Options
	Segmenter       config.SegmenterConfig
	Profiles        map[protocol.Mode]segment.Profile
	DefaultVoice    string
	DefaultSpeed    float64
	MetricsInterval time.Duration
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Pipeline:  pipeline.OptionsFromConfig(cfg.Pipeline),
		Segmenter: cfg.Segmenter,
		Profiles: map[protocol.Mode]segment.Profile{
			protocol.ModeContextual: segment.ProfileFromConfig(cfg.Segmenter.Contextual),
			protocol.ModeLiteral:    segment.ProfileFromConfig(cfg.Segmenter.Literal),
		},
		DefaultVoice:    cfg.TTS.Voice,
		DefaultSpeed:    cfg.TTS.Speed,
		MetricsInterval: time.Duration(cfg.Pipeline.MetricsIntervalMS) * time.Millisecond,
		MaxMessageBytes: cfg.HTTP.MaxMessageBytes,
		WriteTimeout:    time.Duration(cfg.HTTP.WriteTimeoutMS) * time.Millisecond,
		PingInterval:    time.Duration(cfg.HTTP.PingIntervalMS) * time.Millisecond,
	}
}

// readTimeout bounds the silence allowed between inbound frames or pongs.
func (c Config) readTimeout() time.Duration {
	ping := c.PingInterval
	if ping <= 0 {
		ping = 20 * time.Second
	}
	return 2*ping + c.WriteTimeout
}

// StageFactory builds the stage adapters for one session. Stateful adapters
// such as the translation context window are created fresh per session.
type StageFactory func(sessionID string) pipeline.Stages

// Session is one start..stop lifetime on a connection.
type Session struct {
	ID      string
	Mode    protocol.Mode
	Topic   string
	Started time.Time

	state atomic.Int32
	orch  *pipeline.Orchestrator
	seg   segment.Segmenter
	conn  *connection
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Active is the number of non-terminal batches.
func (s *Session) Active() int {
	if s.orch == nil {
		return 0
	}
	return s.orch.Active()
}

func (s *Session) resegment(mode protocol.Mode) {
	s.seg = segment.NewEnergySegmenter(s.conn.cfg.Segmenter, s.conn.cfg.Profiles[mode])
}

// pushAudio feeds PCM to the segmenter and submits every cut utterance.
func (s *Session) pushAudio(pcm []byte) {
	for _, utt := range s.seg.Push(pcm) {
		seq, err := s.orch.Submit(utt)
		if err != nil {
			continue
		}
		s.conn.log.Debug("utterance submitted",
			slog.String("session_id", s.ID),
			slog.Uint64("seq", seq),
			slog.Duration("duration", utt.Duration()))
	}
}

// Emit implements pipeline.Sink. Text is sent at playback start so the
// client sees it aligned with the audio.
func (s *Session) Emit(b *pipeline.Batch) {
	c := s.conn
	c.emit(s, protocol.TypeTranscription, b.Seq, protocol.ServerTranscription{
		Type: protocol.TypeTranscription,
		Seq:  b.Seq,
		Text: b.Transcript,
	})
	c.emit(s, protocol.TypeTranslation, b.Seq, protocol.ServerTranslation{
		Type:       protocol.TypeTranslation,
		Seq:        b.Seq,
		Original:   b.Transcript,
		Translated: b.Translation,
	})
	wav, err := audio.EncodeWAV(b.Audio.PCM, b.Audio.SampleRate, b.Audio.Channels)
	if err != nil {
		c.log.Error("encode audio output failed", slog.String("session_id", s.ID), slog.Uint64("seq", b.Seq), slogError(err))
		c.emitError(s, protocol.CodeAdapterFailure, "encode audio: "+err.Error(), "", &b.Seq)
	} else {
		c.emit(s, protocol.TypeAudioOutput, b.Seq, protocol.ServerAudioOutput{
			Type:     protocol.TypeAudioOutput,
			Seq:      b.Seq,
			Data:     wav,
			Duration: b.Audio.Duration().Seconds(),
		})
	}
	c.sendMetrics(s)
}

// Failed implements pipeline.Sink.
func (s *Session) Failed(b *pipeline.Batch) {
	var (
		code  string
		param string
	)
	switch pipeline.KindOf(b.Err) {
	case pipeline.AdapterTimeout:
		code = protocol.CodeAdapterTimeout
	case pipeline.Cancelled:
		code = protocol.CodeCancelled
	default:
		code = protocol.CodeAdapterFailure
	}
	var stageErr *pipeline.StageError
	if errors.As(b.Err, &stageErr) {
		param = stageErr.Step.String()
	}
	s.conn.emitError(s, code, b.Err.Error(), param, &b.Seq)
	s.conn.sendMetrics(s)
}

// Dropped implements pipeline.Sink.
func (s *Session) Dropped(seq uint64, err error) {
	code := protocol.CodeCancelled
	if errors.Is(err, pipeline.ErrAdmissionOverflow) {
		code = protocol.CodeAdmissionOverflow
	}
	s.conn.emitError(s, code, err.Error(), "", &seq)
}

func (s *Session) status() (string, *protocol.MetricsData) {
	if s.orch == nil {
		return s.State().String(), nil
	}
	data := s.orch.MetricsData()
	return s.State().String(), &data
}
