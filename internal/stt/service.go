package stt

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

const serviceTimeout = 45 * time.Second

// Service answers transcription requests from other interpreter processes.
type Service struct {
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
}

func NewService(parent context.Context, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:        busClient,
		recognizer: recognizer,
		log:        busClient.Logger().With(slog.String("component", "stt-service")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Serve(protocol.SubjectSTTRequest, "stt", s.handleRequest)
	if err != nil {
		return fmt.Errorf("serve stt: %w", err)
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
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode transcribe request", slogError(err))
		_ = bus.Respond(msg, protocol.TranscribeReply{Error: "invalid request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, serviceTimeout)
		defer cancel()

		var reply protocol.TranscribeReply
		result, err := s.recognizer.Transcribe(ctx, Request{
			SessionID:  req.SessionID,
			Seq:        req.Seq,
			PCM:        req.PCM,
			SampleRate: req.SampleRate,
			Channels:   req.Channels,
		})
		if err != nil {
			s.log.Warn("stt transcription failed", slogError(err), slog.Uint64("seq", req.Seq))
			reply.Error = err.Error()
		} else {
			reply.Text = result.Text
			reply.Confidence = result.Confidence
		}
		if err := bus.Respond(msg, reply); err != nil {
			s.log.Warn("failed to reply to transcribe request", slogError(err))
		}
	}()
}
