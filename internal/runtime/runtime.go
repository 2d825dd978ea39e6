package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/natsserver"
	"github.com/loqalabs/loqa-interpreter/internal/pipeline"
	"github.com/loqalabs/loqa-interpreter/internal/session"
	"github.com/loqalabs/loqa-interpreter/internal/stt"
	"github.com/loqalabs/loqa-interpreter/internal/translate"
	"github.com/loqalabs/loqa-interpreter/internal/tts"
	"go.opentelemetry.io/otel"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	mirror   *session.Mirror
	registry *session.Registry
	catalog  *tts.Catalog
	services []interface{ Close() }
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		registry: session.NewRegistry(),
	}
}

// Start brings up every component, serves HTTP until ctx is cancelled, then
// drains live sessions and tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	instruments, err := pipeline.NewInstruments(otel.Meter("github.com/loqalabs/loqa-interpreter/pipeline"))
	if err != nil {
		return fmt.Errorf("failed to create pipeline instruments: %w", err)
	}

	defer r.closeInfra()
	if err := r.startInfra(ctx); err != nil {
		return err
	}

	b, err := r.startStages(ctx)
	if err != nil {
		return err
	}

	handler := session.NewHandler(session.ConfigFrom(r.cfg), session.Deps{
		Stages:      stageFactory(r.cfg, b),
		Catalog:     r.catalog,
		Instruments: instruments,
		Mirror:      r.mirror,
		Registry:    r.registry,
		Logger:      r.logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("GET /status", r.handleStatus)
	mux.HandleFunc("GET /voices", r.handleVoices)
	mux.HandleFunc("GET /sessions/{id}/events", r.handleSessionEvents)
	mux.Handle("/ws/translate", handler)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	if r.store.Enabled() {
		r.wg.Add(1)
		go r.pruneLoop(ctx)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Int("slots", r.cfg.Pipeline.Slots))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping", slog.Int("connections", r.registry.Count()))

	drain := time.Duration(r.cfg.Pipeline.DrainTimeoutMS)*time.Millisecond + 10*time.Second
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), drain)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	// Hijacked websocket connections are not covered by Shutdown.
	r.registry.CancelAll()
	if !r.registry.Wait(shutdownCtx) {
		r.logger.Warn("sessions still draining at shutdown deadline", slog.Int("connections", r.registry.Count()))
	}
	r.wg.Wait()
	return nil
}

// startInfra brings up the bus, the event store and the voice catalog.
func (r *Runtime) startInfra(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.embedded = embedded
		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	var mirrorBus *bus.Client
	if r.cfg.Bus.MirrorEvents {
		mirrorBus = r.bus
	}
	r.mirror = session.NewMirror(store, mirrorBus, r.logger)

	catalog, err := tts.LoadCatalog(r.cfg.TTS.VoicesDir)
	if err != nil {
		return fmt.Errorf("failed to load voice catalog: %w", err)
	}
	r.catalog = catalog
	r.logger.Info("voice catalog loaded", slog.Int("voices", len(catalog.Voices())), slog.String("dir", r.cfg.TTS.VoicesDir))
	return nil
}

// startStages builds the stage backends and hosts the ones marked serve on
// the bus.
func (r *Runtime) startStages(ctx context.Context) (backends, error) {
	var b backends
	var err error
	if b.recognizer, err = stt.New(r.cfg.STT, r.bus); err != nil {
		return b, fmt.Errorf("failed to init stt: %w", err)
	}
	if b.translator, err = translate.New(r.cfg.Translate, r.bus, r.logger); err != nil {
		return b, fmt.Errorf("failed to init translator: %w", err)
	}
	if b.synthesizer, err = tts.New(r.cfg.TTS, r.bus); err != nil {
		return b, fmt.Errorf("failed to init tts: %w", err)
	}

	if r.cfg.STT.Serve {
		svc := stt.NewService(ctx, r.bus, b.recognizer)
		if err := svc.Start(); err != nil {
			return b, err
		}
		r.services = append(r.services, svc)
	}
	if r.cfg.Translate.Serve {
		svc := translate.NewService(ctx, r.bus, b.translator, r.logger)
		if err := svc.Start(); err != nil {
			return b, err
		}
		r.services = append(r.services, svc)
	}
	if r.cfg.TTS.Serve {
		svc := tts.NewService(ctx, r.bus, b.synthesizer, r.logger)
		if err := svc.Start(); err != nil {
			return b, err
		}
		r.services = append(r.services, svc)
	}
	r.logger.Info("stages ready",
		slog.String("stt", r.cfg.STT.Mode),
		slog.String("translate", r.cfg.Translate.Mode),
		slog.String("tts", r.cfg.TTS.Mode),
		slog.Int("served", len(r.services)))
	return b, nil
}

func (r *Runtime) closeInfra() {
	for i := len(r.services) - 1; i >= 0; i-- {
		r.services[i].Close()
	}
	r.mirror.Close()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": r.registry.Statuses(),
		"slots":       r.cfg.Pipeline.Slots,
		"max_pending": r.cfg.Pipeline.MaxPending,
	})
}

func (r *Runtime) handleVoices(w http.ResponseWriter, _ *http.Request) {
	voices := r.catalog.Voices()
	if voices == nil {
		voices = []tts.Voice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"voices":  voices,
		"default": r.cfg.TTS.Voice,
	})
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit := 500
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	sess, err := r.store.GetSession(req.Context(), id)
	if errors.Is(err, eventstore.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		r.logger.Error("load session failed", slog.String("session_id", id), slogError(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load session"})
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, limit)
	if err != nil {
		r.logger.Error("list session events failed", slog.String("session_id", id), slogError(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
		return
	}
	writeJSON(w, http.StatusOK, sessionEventsResponse(sess, events))
}

type eventView struct {
	Seq       uint64          `json:"seq,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type sessionView struct {
	SessionID        string      `json:"session_id"`
	Mode             string      `json:"mode"`
	Topic            string      `json:"topic,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	StoppedAt        *time.Time  `json:"stopped_at,omitempty"`
	BatchesProcessed uint64      `json:"batches_processed"`
	Events           []eventView `json:"events"`
}

func sessionEventsResponse(sess eventstore.Session, events []eventstore.Event) sessionView {
	view := sessionView{
		SessionID:        sess.ID,
		Mode:             sess.Mode,
		Topic:            sess.Topic,
		StartedAt:        sess.StartedAt.UTC(),
		BatchesProcessed: sess.BatchesProcessed,
		Events:           make([]eventView, 0, len(events)),
	}
	if !sess.StoppedAt.IsZero() {
		stopped := sess.StoppedAt.UTC()
		view.StoppedAt = &stopped
	}
	for _, e := range events {
		view.Events = append(view.Events, eventView{
			Seq:       e.Seq,
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.UTC(),
		})
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
