package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-interpreter/internal/bus"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

type busRecognizer struct {
	client *bus.Client
}

// NewBusRecognizer forwards utterances to a remote Service over NATS.
func NewBusRecognizer(client *bus.Client) Recognizer {
	return &busRecognizer{client: client}
}

func (r *busRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	var reply protocol.TranscribeReply
	err := r.client.Request(ctx, protocol.SubjectSTTRequest, protocol.TranscribeRequest{
		SessionID:  req.SessionID,
		Seq:        req.Seq,
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
		PCM:        req.PCM,
	}, &reply)
	if err != nil {
		return TranscriptResult{}, err
	}
	if reply.Error != "" {
		return TranscriptResult{}, errors.New(reply.Error)
	}
	return TranscriptResult{Text: reply.Text, Confidence: reply.Confidence}, nil
}
