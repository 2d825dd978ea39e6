package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/audio"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/protocol"
	"github.com/loqalabs/loqa-interpreter/internal/segment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errEmptyTranscript = errors.New("empty transcript")

// DefaultDrainTimeout bounds Stop when Options leave DrainTimeout unset.
const DefaultDrainTimeout = 20 * time.Second

// Options tune one session pipeline.
type Options struct {
	Slots            int
	MaxPending       int
	STTTimeout       time.Duration
	TranslateTimeout time.Duration
	TTSTimeout       time.Duration
	DrainTimeout     time.Duration
	LatencyAlert     time.Duration
	PacePlayback     bool
}

func OptionsFromConfig(cfg config.PipelineConfig) Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Options{
		Slots:            cfg.Slots,
		MaxPending:       cfg.MaxPending,
		STTTimeout:       ms(cfg.STTTimeoutMS),
		TranslateTimeout: ms(cfg.TranslateTimeoutMS),
		TTSTimeout:       ms(cfg.TTSTimeoutMS),
		DrainTimeout:     ms(cfg.DrainTimeoutMS),
		LatencyAlert:     ms(cfg.LatencyAlertMS),
		PacePlayback:     cfg.PacePlayback,
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Stages      Stages
	Settings    *SettingsStore
	Sink        Sink
	Instruments *Instruments
	Logger      *slog.Logger
}

// Orchestrator runs utterances through the stages on a bounded slot pool and
// emits results in sequence order.
type Orchestrator struct {
	sessionID string
	opts      Options
	stages    Stages
	settings  *SettingsStore
	sink      Sink
	metrics   *Metrics
	pool      *Pool
	log       *slog.Logger
	tracer    trace.Tracer

	drainCtx    context.Context
	drainCancel context.CancelFunc
	admitCtx    context.Context
	admitCancel context.CancelFunc

	seq      atomic.Uint64
	inflight atomic.Int64
	closed   atomic.Bool
	wg       sync.WaitGroup

	events      chan emitEvent
	quit        chan struct{}
	emitterDone chan struct{}
	unwatch     func()
	stopOnce    sync.Once
}

func New(sessionID string, opts Options, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	drainCtx, drainCancel := context.WithCancel(context.Background())
	admitCtx, admitCancel := context.WithCancel(drainCtx)
	pool := NewPool(opts.Slots, opts.MaxPending)
	o := &Orchestrator{
		sessionID:   sessionID,
		opts:        opts,
		stages:      deps.Stages,
		settings:    deps.Settings,
		sink:        deps.Sink,
		metrics:     NewMetrics(deps.Instruments),
		pool:        pool,
		log:         logger.With(slog.String("component", "pipeline"), slog.String("session_id", sessionID)),
		tracer:      otel.Tracer("github.com/loqalabs/loqa-interpreter/pipeline"),
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		admitCtx:    admitCtx,
		admitCancel: admitCancel,
		events:      make(chan emitEvent, pool.Size()+opts.MaxPending+1),
		quit:        make(chan struct{}),
		emitterDone: make(chan struct{}),
		unwatch:     deps.Instruments.watch(pool),
	}
	go o.emitLoop()
	return o
}

// Submit captures an utterance as the next Batch. Admission never blocks:
// the batch either starts, waits in the pending queue, or is dropped with
// ErrAdmissionOverflow.
func (o *Orchestrator) Submit(utt segment.Utterance) (uint64, error) {
	if o.closed.Load() {
		return 0, ErrClosed
	}
	settings := o.settings.Load()
	b := &Batch{
		Seq:       o.seq.Add(1),
		SessionID: o.sessionID,
		Utterance: utt,
		Mode:      settings.Mode,
		Topic:     settings.Topic,
		Stage:     StageCaptured,
		Captured:  time.Now(),
	}

	o.track()
	_, admitted, err := o.pool.Acquire(b)
	if err != nil {
		b.Stage = StageFailed
		b.Err = err
		o.metrics.RecordDropped()
		o.log.Warn("batch dropped", slog.Uint64("seq", b.Seq), slogError(err))
		o.sink.Dropped(b.Seq, err)
		o.send(emitEvent{seq: b.Seq})
		o.finish()
		return b.Seq, err
	}
	if admitted {
		go o.run(b)
	}
	return b.Seq, nil
}

// Active is the number of non-terminal batches, including those waiting
// for admission.
func (o *Orchestrator) Active() int {
	return int(o.inflight.Load())
}

func (o *Orchestrator) Pool() *Pool {
	return o.pool
}

func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// Stop closes admission, discards queued batches, cancels batches still in
// transcription and waits for the rest to drain. Batches still running at the
// drain deadline are force-failed. Stop is idempotent.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.closed.Store(true)
		for _, b := range o.pool.Close() {
			b.Stage = StageFailed
			b.Err = ErrClosed
			o.metrics.RecordDropped()
			o.sink.Dropped(b.Seq, ErrClosed)
			o.send(emitEvent{seq: b.Seq})
			o.finish()
		}
		o.admitCancel()

		if !o.waitInflight(o.opts.DrainTimeout) {
			o.log.Warn("drain deadline expired", slog.Int("remaining", o.Active()))
			o.drainCancel()
			o.wg.Wait()
		}
		o.drainCancel()
		close(o.quit)
		<-o.emitterDone
		o.unwatch()
		o.log.Info("pipeline stopped", slog.Uint64("batches_processed", o.metrics.Snapshot().Processed))
	})
}

func (o *Orchestrator) waitInflight(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (o *Orchestrator) track() {
	o.wg.Add(1)
	o.inflight.Add(1)
}

func (o *Orchestrator) finish() {
	o.inflight.Add(-1)
	o.wg.Done()
}

func (o *Orchestrator) run(b *Batch) {
	ctx, span := o.tracer.Start(o.drainCtx, "pipeline.batch", trace.WithAttributes(
		attribute.String("session_id", o.sessionID),
		attribute.Int64("seq", int64(b.Seq)),
	))
	defer span.End()

	text, err := runStep(o, trace.ContextWithSpan(o.admitCtx, span), b, StepTranscribe, o.opts.STTTimeout,
		func(ctx context.Context) (string, error) {
			return o.stages.Transcriber.Transcribe(ctx, b.Seq, b.Utterance)
		})
	if err == nil && strings.TrimSpace(text) == "" {
		err = &StageError{Kind: AdapterFailure, Step: StepTranscribe, Seq: b.Seq, Err: errEmptyTranscript}
	}
	if err != nil {
		o.fail(b, err, span)
		return
	}
	b.Transcript = text

	translated, err := runStep(o, ctx, b, StepTranslate, o.opts.TranslateTimeout,
		func(ctx context.Context) (string, error) {
			return o.stages.Translator.Translate(ctx, b.Seq, b.Transcript, b.Mode, b.Topic)
		})
	if err != nil {
		o.fail(b, err, span)
		return
	}
	b.Translation = translated

	settings := o.settings.Load()
	b.Voice = settings.Voice
	b.Speed = settings.Speed
	clip, err := runStep(o, ctx, b, StepSynthesize, o.opts.TTSTimeout,
		func(ctx context.Context) (audio.Clip, error) {
			return o.stages.Synthesizer.Synthesize(ctx, b.Seq, b.Translation, b.Voice, b.Speed)
		})
	if err != nil {
		o.fail(b, err, span)
		return
	}
	b.Audio = clip
	o.send(emitEvent{seq: b.Seq, batch: b})
}

func runStep[T any](o *Orchestrator, parent context.Context, b *Batch, step Step, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	b.Stage = StageTranscribing + Stage(2*step)
	b.Timings[step].Start = time.Now()
	if err := parent.Err(); err != nil {
		b.Timings[step].End = b.Timings[step].Start
		var zero T
		return zero, &StageError{Kind: Cancelled, Step: step, Seq: b.Seq, Err: err}
	}

	ctx, span := o.tracer.Start(parent, "pipeline."+step.String(), trace.WithAttributes(attribute.Int64("seq", int64(b.Seq))))
	defer span.End()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call(ctx)
		done <- result{value: v, err: err}
	}()
	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	b.Timings[step].End = time.Now()
	elapsed := b.Timings[step].Duration()

	if res.err != nil {
		kind := AdapterFailure
		switch {
		case parent.Err() != nil:
			kind = Cancelled
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			kind = AdapterTimeout
			res.err = fmt.Errorf("no reply within %s: %w", timeout, res.err)
		}
		span.RecordError(res.err)
		span.SetStatus(codes.Error, string(kind))
		var zero T
		return zero, &StageError{Kind: kind, Step: step, Seq: b.Seq, Err: res.err}
	}

	b.completed[step] = true
	if o.opts.LatencyAlert > 0 && elapsed > o.opts.LatencyAlert {
		o.log.Warn("high stage latency",
			slog.String("stage", step.String()),
			slog.Uint64("seq", b.Seq),
			slog.Duration("latency", elapsed),
			slog.Duration("threshold", o.opts.LatencyAlert))
	}
	b.Stage = StageTranscribed + Stage(2*step)
	return res.value, nil
}

func (o *Orchestrator) fail(b *Batch, err error, span trace.Span) {
	b.Stage = StageFailed
	b.Err = err
	kind := KindOf(err)
	span.SetStatus(codes.Error, string(kind))
	o.metrics.RecordFailed(kind)
	if kind == Cancelled {
		o.log.Info("batch cancelled", slog.Uint64("seq", b.Seq), slogError(err))
	} else {
		o.log.Warn("batch failed", slog.Uint64("seq", b.Seq), slogError(err))
	}
	o.sink.Failed(b)
	o.release(b, true)
	o.send(emitEvent{seq: b.Seq, failed: b})
	o.finish()
}

func (o *Orchestrator) release(b *Batch, failed bool) {
	if next := o.pool.Release(b.slot, failed); next != nil {
		go o.run(next)
	}
}

// MetricsData renders the current metrics for the session socket.
func (o *Orchestrator) MetricsData() protocol.MetricsData {
	snap := o.metrics.Snapshot()
	slots := o.pool.Snapshot()
	data := protocol.MetricsData{
		Latency:          latencyData(snap.Last),
		LatencyAvg:       latencyData(snap.Avg),
		BatchesProcessed: snap.Processed,
		BatchesFailed:    snap.Failed,
		BatchesDropped:   snap.Dropped,
		Uptime:           snap.Uptime.Seconds(),
		Pending:          o.pool.Pending(),
		Gap:              snap.Gap.Seconds(),
		Slots:            make([]protocol.SlotStatus, len(slots)),
	}
	for i, s := range slots {
		data.Slots[i] = protocol.SlotStatus{Slot: s.Index, Status: string(s.State), Seq: s.Seq}
	}
	return data
}

func latencyData(l Latencies) protocol.Latency {
	return protocol.Latency{
		STT:         l.STT.Seconds(),
		Translation: l.Translation.Seconds(),
		TTS:         l.TTS.Seconds(),
		E2E:         l.E2E.Seconds(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
