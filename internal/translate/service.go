package translate

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

// Service answers translation requests from other interpreter processes.
type Service struct {
	bus        *bus.Client
	translator Translator
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, translator Translator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:        busClient,
		translator: translator,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "translate-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Serve(protocol.SubjectTranslateRequest, "translate", s.handleRequest)
	if err != nil {
		return fmt.Errorf("serve translate: %w", err)
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
	var req protocol.TranslateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode translate request", slogError(err))
		_ = bus.Respond(msg, protocol.TranslateReply{Error: "invalid request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 60*time.Second)
		defer cancel()

		start := time.Now()
		var reply protocol.TranslateReply
		text, err := s.translator.Translate(ctx, Request{
			SessionID: req.SessionID,
			Seq:       req.Seq,
			Text:      req.Text,
			Mode:      req.Mode,
			Topic:     req.Topic,
			Context:   req.Context,
		})
		if err != nil {
			s.logger.Warn("translation failed", slogError(err), slog.Uint64("seq", req.Seq))
			reply.Error = err.Error()
		} else {
			reply.Text = text
			s.logger.Debug("translation complete", slog.Duration("latency", time.Since(start)))
		}
		if err := bus.Respond(msg, reply); err != nil {
			s.logger.Warn("failed to reply to translate request", slogError(err))
		}
	}()
}
