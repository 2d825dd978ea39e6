package pipeline

import (
	"log/slog"
	"time"
)

// emitEvent hands a batch to the emitter. A nil batch marks seq as skipped;
// failed carries the batch whose completed steps still count toward latency.
type emitEvent struct {
	seq    uint64
	batch  *Batch
	failed *Batch
}

func (o *Orchestrator) send(ev emitEvent) {
	select {
	case o.events <- ev:
	case <-o.emitterDone:
	}
}

// emitLoop owns the reorder buffer. It always emits the lowest outstanding
// seq, skipping failed ones, and while a clip is playing it only buffers.
// Step latencies are attributed here so they follow sequence order.
func (o *Orchestrator) emitLoop() {
	defer close(o.emitterDone)

	buffer := make(map[uint64]emitEvent)
	next := uint64(1)
	var (
		timer   *time.Timer
		playing <-chan time.Time
		playEnd time.Time
		forced  bool
	)
	draining := o.drainCtx.Done()
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		playing = nil
	}
	defer stopTimer()

	for {
		for playing == nil {
			ev, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)
			next++
			if ev.batch == nil {
				if ev.failed != nil {
					ev.failed.recordSteps(o.metrics)
				}
				continue
			}
			d := o.emit(ev.batch, &playEnd)
			if o.opts.PacePlayback && d > 0 {
				timer = time.NewTimer(d)
				playing = timer.C
			}
		}

		select {
		case ev := <-o.events:
			if forced && ev.batch != nil {
				o.forceFail(ev.batch)
				ev.batch = nil
			}
			buffer[ev.seq] = ev
		case <-playing:
			playing = nil
		case <-draining:
			draining = nil
			forced = true
			stopTimer()
			for seq, ev := range buffer {
				if ev.batch != nil {
					o.forceFail(ev.batch)
					buffer[seq] = emitEvent{seq: seq}
				}
			}
		case <-o.quit:
			return
		}
	}
}

// emit hands b to the sink and returns its playback duration.
func (o *Orchestrator) emit(b *Batch, playEnd *time.Time) time.Duration {
	now := time.Now()
	var gap time.Duration
	if !playEnd.IsZero() && now.After(*playEnd) {
		gap = now.Sub(*playEnd)
	}
	d := b.Audio.Duration()
	*playEnd = now.Add(d)

	b.Emitted = now
	b.Stage = StageEmitted
	b.recordSteps(o.metrics)
	o.metrics.RecordEmitted(b.E2E(), gap)
	o.log.Debug("batch emitted",
		slog.Uint64("seq", b.Seq),
		slog.Duration("e2e", b.E2E()),
		slog.Duration("gap", gap),
		slog.Duration("audio", d))
	o.sink.Emit(b)
	o.release(b, false)
	o.finish()
	return d
}

func (o *Orchestrator) forceFail(b *Batch) {
	b.Stage = StageFailed
	b.Err = ErrDrainExpired
	b.recordSteps(o.metrics)
	o.metrics.RecordFailed(Cancelled)
	o.log.Warn("batch force-failed at drain deadline", slog.Uint64("seq", b.Seq))
	o.sink.Failed(b)
	o.release(b, true)
	o.finish()
}
