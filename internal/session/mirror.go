package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/eventstore"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

const mirrorQueueSize = 256

type recordKind int

const (
	recordStart recordKind = iota
	recordEvent
	recordStop
)

type record struct {
	kind      recordKind
	sessionID string
	mode      protocol.Mode
	topic     string
	eventType string
	seq       uint64
	payload   any
	processed uint64
	at        time.Time
}

// Mirror copies session events to the event store and the bus off the hot
// path. Audio payloads are never mirrored. A nil Mirror discards everything.
type Mirror struct {
	store  *eventstore.Store
	bus    *bus.Client
	log    *slog.Logger
	queue  chan record
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewMirror starts the mirror worker. Either sink may be nil.
func NewMirror(store *eventstore.Store, client *bus.Client, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		store:  store,
		bus:    client,
		log:    logger.With(slog.String("component", "session-mirror")),
		queue:  make(chan record, mirrorQueueSize),
		closed: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Mirror) StartSession(sessionID string, mode protocol.Mode, topic string) {
	m.enqueue(record{kind: recordStart, sessionID: sessionID, mode: mode, topic: topic})
}

func (m *Mirror) Record(sessionID, eventType string, seq uint64, payload any) {
	if a, ok := payload.(protocol.ServerAudioOutput); ok {
		a.Data = nil
		payload = a
	}
	m.enqueue(record{kind: recordEvent, sessionID: sessionID, eventType: eventType, seq: seq, payload: payload})
}

func (m *Mirror) StopSession(sessionID string, processed uint64) {
	m.enqueue(record{kind: recordStop, sessionID: sessionID, processed: processed})
}

func (m *Mirror) enqueue(r record) {
	if m == nil {
		return
	}
	r.at = time.Now()
	select {
	case <-m.closed:
		return
	default:
	}
	select {
	case m.queue <- r:
	case <-m.closed:
	default:
		m.log.Warn("mirror queue full, event dropped",
			slog.String("session_id", r.sessionID),
			slog.String("type", r.eventType))
	}
}

// Close flushes queued records and stops the worker.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.closed) })
	m.wg.Wait()
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case r := <-m.queue:
			m.write(r)
		case <-m.closed:
			for {
				select {
				case r := <-m.queue:
					m.write(r)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) write(r record) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	switch r.kind {
	case recordStart:
		sess := eventstore.Session{ID: r.sessionID, Mode: string(r.mode), Topic: r.topic, StartedAt: r.at}
		if err := m.store.StartSession(ctx, sess); err != nil {
			m.log.Warn("record session start failed", slog.String("session_id", r.sessionID), slogError(err))
		}
	case recordStop:
		if err := m.store.StopSession(ctx, r.sessionID, r.processed); err != nil {
			m.log.Warn("record session stop failed", slog.String("session_id", r.sessionID), slogError(err))
		}
	case recordEvent:
		payload, err := json.Marshal(r.payload)
		if err != nil {
			m.log.Warn("encode mirrored event failed", slog.String("type", r.eventType), slogError(err))
			return
		}
		evt := eventstore.Event{SessionID: r.sessionID, Seq: r.seq, Type: r.eventType, Payload: payload, CreatedAt: r.at}
		if err := m.store.AppendEvent(ctx, evt); err != nil {
			m.log.Warn("append event failed", slog.String("session_id", r.sessionID), slogError(err))
		}
		if m.bus != nil {
			msg := protocol.SessionEvent{
				SessionID: r.sessionID,
				Type:      r.eventType,
				Seq:       r.seq,
				Payload:   payload,
				Timestamp: r.at.UTC(),
			}
			if err := m.bus.Publish(protocol.SessionSubject(r.sessionID, r.eventType), msg); err != nil {
				m.log.Warn("publish session event failed", slog.String("session_id", r.sessionID), slogError(err))
			}
		}
	}
}
