package translate

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

type busTranslator struct {
	client *bus.Client
}

func NewBusTranslator(client *bus.Client) Translator {
	return &busTranslator{client: client}
}

func (t *busTranslator) Translate(ctx context.Context, req Request) (string, error) {
	var reply protocol.TranslateReply
	err := t.client.Request(ctx, protocol.SubjectTranslateRequest, protocol.TranslateRequest{
		SessionID: req.SessionID,
		Seq:       req.Seq,
		Text:      req.Text,
		Mode:      req.Mode,
		Topic:     req.Topic,
		Context:   req.Context,
	}, &reply)
	if err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", errors.New(reply.Error)
	}
	return reply.Text, nil
}
