package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service synthesizes speech for other interpreter processes.
type Service struct {
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Serve(protocol.SubjectTTSRequest, "tts", s.handleRequest)
	if err != nil {
		return fmt.Errorf("serve tts: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		_ = bus.Respond(msg, protocol.SynthesizeReply{Error: "invalid request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		var reply protocol.SynthesizeReply
		clip, err := Collect(ctx, s.synth, SynthRequest{
			SessionID: req.SessionID,
			Seq:       req.Seq,
			Text:      req.Text,
			Voice:     req.Voice,
			Speed:     req.Speed,
		})
		if err != nil {
			s.logger.Warn("tts synthesis error", slogError(err), slog.Uint64("seq", req.Seq))
			reply.Error = err.Error()
		} else {
			reply.PCM = clip.PCM
			reply.SampleRate = clip.SampleRate
			reply.Channels = clip.Channels
		}
		if err := bus.Respond(msg, reply); err != nil {
			s.logger.Warn("failed to reply to tts request", slogError(err))
		}
	}()
}
