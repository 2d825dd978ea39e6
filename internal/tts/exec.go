package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// execInput is written to the command's stdin. It is the bus request plus the
// output format the interpreter expects back.
type execInput struct {
	protocol.SynthesizeRequest
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// execChunk is one line of command output. Engines that emit containers can
// send wav_base64 instead of raw PCM; its header then overrides the format.
type execChunk struct {
	PCMBase64  string `json:"pcm_base64,omitempty"`
	WAVBase64  string `json:"wav_base64,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
}

// NewExecSynth runs command once per request and streams the JSON lines it
// prints back as chunks.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	input, err := json.Marshal(execInput{
		SynthesizeRequest: protocol.SynthesizeRequest{
			SessionID: req.SessionID,
			Seq:       req.Seq,
			Text:      req.Text,
			Voice:     req.Voice,
			Speed:     req.Speed,
		},
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}
	streamErr := e.stream(ctx, req, stdin, input, stdout, out)
	waitErr := cmd.Wait()
	switch {
	case streamErr != nil:
		return streamErr
	case waitErr != nil:
		return fmt.Errorf("tts command failed: %w", waitErr)
	}
	return nil
}

// stream feeds the request and forwards decoded chunks until stdout closes.
// On error it drains stdout so the command can exit.
func (e *execSynth) stream(ctx context.Context, req SynthRequest, stdin io.WriteCloser, input []byte, stdout io.Reader, out chan<- SynthChunk) error {
	defer func() { _, _ = io.Copy(io.Discard, stdout) }()
	_, err := stdin.Write(input)
	stdin.Close()
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for n := 0; scanner.Scan(); {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		chunk, err := e.decode(line)
		if err != nil {
			return err
		}
		chunk.SessionID = req.SessionID
		chunk.Sequence = n
		select {
		case out <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
		n++
	}
	return scanner.Err()
}

func (e *execSynth) decode(line []byte) (SynthChunk, error) {
	var msg execChunk
	if err := json.Unmarshal(line, &msg); err != nil {
		return SynthChunk{}, fmt.Errorf("decode tts chunk: %w", err)
	}
	if msg.Error != "" {
		return SynthChunk{}, fmt.Errorf("tts engine: %s", msg.Error)
	}
	chunk := SynthChunk{SampleRate: e.sampleRate, Channels: e.channels, Final: msg.Final}
	if msg.SampleRate > 0 {
		chunk.SampleRate = msg.SampleRate
	}
	if msg.Channels > 0 {
		chunk.Channels = msg.Channels
	}
	switch {
	case msg.WAVBase64 != "":
		data, err := base64.StdEncoding.DecodeString(msg.WAVBase64)
		if err != nil {
			return SynthChunk{}, fmt.Errorf("decode tts wav: %w", err)
		}
		clip, err := audio.DecodeWAV(data)
		if err != nil {
			return SynthChunk{}, err
		}
		chunk.PCM, chunk.SampleRate, chunk.Channels = clip.PCM, clip.SampleRate, clip.Channels
	case msg.PCMBase64 != "":
		pcm, err := base64.StdEncoding.DecodeString(msg.PCMBase64)
		if err != nil {
			return SynthChunk{}, fmt.Errorf("decode tts pcm: %w", err)
		}
		chunk.PCM = pcm
	}
	return chunk, nil
}
