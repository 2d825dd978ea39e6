package session

import (
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the only goroutine that writes to the socket. It drains
// frames until the channel is closed, then sends a close frame.
type outboundWriter struct {
	ws           wsWriter
	frames       <-chan []byte
	pingInterval time.Duration
	writeTimeout time.Duration
}

func (w *outboundWriter) Run() error {
	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				_ = w.ws.Close()
				return err
			}
		case frame, ok := <-w.frames:
			if !ok {
				w.close(writeTimeout)
				return nil
			}
			if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				_ = w.ws.Close()
				return err
			}
			if err := w.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = w.ws.Close()
				return err
			}
		}
	}
}

func (w *outboundWriter) close(writeTimeout time.Duration) {
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	_ = w.ws.Close()
}
