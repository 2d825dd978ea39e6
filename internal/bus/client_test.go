package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/natsserver"
	"github.com/nats-io/nats.go"
)

type echo struct {
	Text string `json:"text"`
}

func startBus(t *testing.T) *Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default().Bus
	cfg.Embedded = true
	cfg.Port = -1
	srv, err := natsserver.Start(cfg, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRequestReply(t *testing.T) {
	client := startBus(t)
	_, err := client.Serve("test.echo", "workers", func(msg *nats.Msg) {
		_ = Respond(msg, echo{Text: "pong:" + string(msg.Data)})
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply echo
	if err := client.Request(ctx, "test.echo", echo{Text: "ping"}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Text != `pong:{"text":"ping"}` {
		t.Fatalf("unexpected reply %q", reply.Text)
	}
	if !client.Healthy() {
		t.Fatalf("expected healthy client")
	}
}

func TestRequestHonoursDeadline(t *testing.T) {
	client := startBus(t)
	_, err := client.Serve("test.slow", "workers", func(msg *nats.Msg) {
		time.Sleep(300 * time.Millisecond)
		_ = Respond(msg, echo{})
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var reply echo
	if err := client.Request(ctx, "test.slow", echo{}, &reply); err == nil {
		t.Fatalf("expected deadline error")
	}
}

func TestConnectRequiresServers(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Servers = nil
	if _, err := Connect(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error without servers")
	}
}
