package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-interpreter/internal/pipeline"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
)

const outboundQueueSize = 64

// Deps are the shared collaborators of every connection.
type Deps struct {
	Stages      StageFactory
	Catalog     *tts.Catalog
	Instruments *pipeline.Instruments
	Mirror      *Mirror
	Registry    *Registry
	Logger      *slog.Logger
}

// Handler upgrades /ws/translate requests and runs one connection per socket.
type Handler struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(cfg Config, deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		log:  logger.With(slog.String("component", "session")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	c := h.newConnection(ws)
	unregister := h.deps.Registry.Register(c.id, Handle{Cancel: c.cancel, Status: c.status})
	defer unregister()
	c.run()
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// connection owns one socket. The command loop in run is the only goroutine
// that changes session state.
type connection struct {
	id       string
	ws       *websocket.Conn
	cfg      Config
	deps     Deps
	log      *slog.Logger
	settings *pipeline.SettingsStore

	ctx    context.Context
	cancel context.CancelFunc

	out        chan []byte
	writerDone chan struct{}
	stopped    chan *Session

	session atomic.Pointer[Session]
}

func (h *Handler) newConnection(ws *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &connection{
		id:   id,
		ws:   ws,
		cfg:  h.cfg,
		deps: h.deps,
		log:  h.log.With(slog.String("connection_id", id)),
		settings: pipeline.NewSettingsStore(pipeline.Settings{
			Voice: h.cfg.DefaultVoice,
			Speed: h.cfg.DefaultSpeed,
			Mode:  protocol.ModeContextual,
		}),
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan []byte, outboundQueueSize),
		writerDone: make(chan struct{}),
		stopped:    make(chan *Session, 1),
	}
}

func (c *connection) run() {
	defer c.cancel()
	c.log.Info("connection opened")

	writer := &outboundWriter{
		ws:           c.ws,
		frames:       c.out,
		pingInterval: c.cfg.PingInterval,
		writeTimeout: c.cfg.WriteTimeout,
	}
	go func() {
		defer close(c.writerDone)
		if err := writer.Run(); err != nil {
			c.log.Warn("outbound writer stopped", slogError(err))
		}
	}()

	if c.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	}
	readTimeout := c.cfg.readTimeout()
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	inbound := make(chan inboundFrame, 16)
	go c.readLoop(inbound, readTimeout)

	interval := c.cfg.MetricsInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-inbound:
			if !ok {
				c.shutdown(nil)
				return
			}
			if frame.err != nil {
				c.shutdown(fmt.Errorf("%w: %w", ErrConnectionLost, frame.err))
				return
			}
			c.handleFrame(frame)
		case s := <-c.stopped:
			c.finishStop(s)
		case <-ticker.C:
			if s := c.session.Load(); s != nil && s.State() == StateActive {
				c.sendMetrics(s)
			}
		case <-c.ctx.Done():
			c.shutdown(nil)
			return
		}
	}
}

func (c *connection) readLoop(out chan<- inboundFrame, readTimeout time.Duration) {
	defer close(out)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-c.ctx.Done():
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

// shutdown drains the current session, flushes the writer and closes the
// socket.
func (c *connection) shutdown(cause error) {
	if cause != nil {
		var closeErr *websocket.CloseError
		if errors.As(cause, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
			c.log.Info("client closed connection")
		} else {
			c.log.Warn("connection lost", slogError(cause))
		}
	}
	if s := c.session.Load(); s != nil {
		switch s.State() {
		case StateActive:
			c.beginStop(s)
			c.finishStop(<-c.stopped)
		case StateStopping:
			c.finishStop(<-c.stopped)
		}
	}
	close(c.out)
	<-c.writerDone
	c.log.Info("connection closed")
}

func (c *connection) handleFrame(frame inboundFrame) {
	if frame.messageType != websocket.TextMessage {
		c.emitError(nil, protocol.CodeBadRequest, "frames must be JSON text", "", nil)
		return
	}
	decoded, err := protocol.DecodeClientMessage(frame.data)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			c.log.Warn("invalid client message", slogError(err))
			c.send(protocol.ErrorFromDecode(decodeErr))
		}
		return
	}

	switch msg := decoded.(type) {
	case protocol.ClientStart:
		c.handleStart(msg)
	case protocol.ClientAudio:
		c.handleAudio(msg)
	case protocol.ClientStop:
		if s := c.session.Load(); s != nil && s.State() == StateActive {
			c.beginStop(s)
		}
	case protocol.ClientSetSpeed:
		c.handleSetSpeed(msg)
	case protocol.ClientSetVoice:
		c.handleSetVoice(msg)
	case protocol.ClientSetMode:
		c.handleSetMode(msg)
	}
}

func (c *connection) handleStart(msg protocol.ClientStart) {
	if s := c.session.Load(); s != nil && (s.State() == StateActive || s.State() == StateStopping) {
		c.emitError(nil, protocol.CodeInvalidState, "session already "+s.State().String(), "type", nil)
		return
	}
	topic := msg.TopicValue()
	settings := c.settings.Update(func(st *pipeline.Settings) {
		st.Mode = msg.Mode
		st.Topic = topic
	})

	s := &Session{
		ID:      uuid.NewString(),
		Mode:    settings.Mode,
		Topic:   topic,
		Started: time.Now(),
		conn:    c,
	}
	s.resegment(settings.Mode)
	s.orch = pipeline.New(s.ID, c.cfg.Pipeline, pipeline.Deps{
		Stages:      c.deps.Stages(s.ID),
		Settings:    c.settings,
		Sink:        s,
		Instruments: c.deps.Instruments,
		Logger:      c.deps.Logger,
	})
	s.setState(StateActive)
	c.session.Store(s)

	c.deps.Mirror.StartSession(s.ID, s.Mode, s.Topic)
	c.log.Info("session started",
		slog.String("session_id", s.ID),
		slog.String("mode", string(s.Mode)),
		slog.String("topic", s.Topic))
	c.emit(s, protocol.TypeSessionStarted, 0, protocol.ServerSessionStarted{
		Type:      protocol.TypeSessionStarted,
		SessionID: s.ID,
		Mode:      s.Mode,
	})
}

func (c *connection) handleAudio(msg protocol.ClientAudio) {
	s := c.session.Load()
	if s == nil || s.State() != StateActive {
		c.log.Debug("audio ignored outside an active session", slog.Int("bytes", len(msg.PCM)))
		return
	}
	s.pushAudio(msg.PCM)
}

// beginStop closes admission and drains in the background so the command
// loop keeps serving the socket. finishStop runs once the drain completes.
func (c *connection) beginStop(s *Session) {
	s.setState(StateStopping)
	s.seg.Reset()
	c.log.Info("session stopping", slog.String("session_id", s.ID), slog.Int("active", s.Active()))
	go func() {
		s.orch.Stop()
		c.stopped <- s
	}()
}

func (c *connection) finishStop(s *Session) {
	s.setState(StateClosed)
	processed := s.orch.Metrics().Snapshot().Processed
	c.sendMetrics(s)
	c.emit(s, protocol.TypeSessionStopped, 0, protocol.ServerSessionStopped{
		Type:             protocol.TypeSessionStopped,
		SessionID:        s.ID,
		BatchesProcessed: processed,
	})
	c.deps.Mirror.StopSession(s.ID, processed)
	c.log.Info("session stopped",
		slog.String("session_id", s.ID),
		slog.Uint64("batches_processed", processed),
		slog.Duration("duration", time.Since(s.Started)))
}

func (c *connection) handleSetSpeed(msg protocol.ClientSetSpeed) {
	settings := c.settings.Update(func(st *pipeline.Settings) { st.Speed = msg.Speed })
	c.configChanged(settings)
}

func (c *connection) handleSetVoice(msg protocol.ClientSetVoice) {
	if c.deps.Catalog != nil && !c.deps.Catalog.Allows(msg.Voice) {
		c.emitError(c.session.Load(), protocol.CodeUnknownVoice, "unknown voice "+msg.Voice, "voice", nil)
		return
	}
	settings := c.settings.Update(func(st *pipeline.Settings) { st.Voice = msg.Voice })
	c.configChanged(settings)
}

// handleSetMode is rejected while any batch of the current session is not
// terminal, including batches waiting for admission.
func (c *connection) handleSetMode(msg protocol.ClientSetMode) {
	s := c.session.Load()
	if s != nil && s.Active() > 0 {
		c.emitError(s, protocol.CodeModeLocked, fmt.Sprintf("mode is locked while %d batches are in flight", s.Active()), "mode", nil)
		return
	}
	settings := c.settings.Update(func(st *pipeline.Settings) { st.Mode = msg.Mode })
	if s != nil && s.State() == StateActive {
		s.Mode = msg.Mode
		s.resegment(msg.Mode)
	}
	c.configChanged(settings)
}

func (c *connection) configChanged(settings pipeline.Settings) {
	c.log.Info("session config changed",
		slog.Float64("speed", settings.Speed),
		slog.String("voice", settings.Voice),
		slog.String("mode", string(settings.Mode)))
	c.emit(c.session.Load(), protocol.TypeConfigChanged, 0, protocol.ServerConfigChanged{
		Type:  protocol.TypeConfigChanged,
		Speed: settings.Speed,
		Voice: settings.Voice,
		Mode:  settings.Mode,
	})
}

func (c *connection) sendMetrics(s *Session) {
	c.send(protocol.ServerMetrics{Type: protocol.TypeMetrics, Data: s.orch.MetricsData()})
}

func (c *connection) emitError(s *Session, code, message, param string, seq *uint64) {
	msg := protocol.ServerError{Type: protocol.TypeError, Code: code, Message: message, Param: param, Seq: seq}
	var n uint64
	if seq != nil {
		n = *seq
	}
	c.emit(s, protocol.TypeError, n, msg)
}

// emit sends v and records it on the session timeline when a session exists.
func (c *connection) emit(s *Session, eventType string, seq uint64, v any) {
	if s != nil {
		c.deps.Mirror.Record(s.ID, eventType, seq, v)
	}
	c.send(v)
}

// send queues one outbound frame. It blocks while the writer is behind and
// gives up once the writer has exited.
func (c *connection) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("encode outbound message failed", slogError(err))
		return err
	}
	select {
	case <-c.writerDone:
		return ErrConnectionLost
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.writerDone:
		return ErrConnectionLost
	}
}

func (c *connection) status() Status {
	settings := c.settings.Load()
	st := Status{
		ConnectionID: c.id,
		State:        StateIdle.String(),
		Mode:         settings.Mode,
		Voice:        settings.Voice,
		Speed:        settings.Speed,
	}
	if s := c.session.Load(); s != nil {
		st.SessionID = s.ID
		st.Active = s.Active()
		st.State, st.Metrics = s.status()
	}
	return st
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
