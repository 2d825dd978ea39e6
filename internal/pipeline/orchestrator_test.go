package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestEmitsInSequenceOrder(t *testing.T) {
	f := newFakeStages()
	f.stt.delay = map[uint64]time.Duration{1: 150 * time.Millisecond, 2: 10 * time.Millisecond, 3: 60 * time.Millisecond}
	sink := &recordingSink{}
	o := startOrchestrator(t, testOptions(3), f, sink, nil)

	submit(t, o, 3)
	waitUntil(t, 2*time.Second, func() bool { return len(sink.emittedSeqs()) == 3 })
	if got := sink.emittedSeqs(); !equalSeqs(got, 1, 2, 3) {
		t.Fatalf("expected in-order emission, got %v", got)
	}
}

func TestEndToEndThreeUtterances(t *testing.T) {
	f := newFakeStages()
	sink := &recordingSink{}
	o := startOrchestrator(t, testOptions(3), f, sink, nil)

	submit(t, o, 3)
	waitUntil(t, 2*time.Second, func() bool { return len(sink.emittedSeqs()) == 3 })

	sink.mu.Lock()
	for i, b := range sink.emitted {
		if b.Stage != StageEmitted {
			t.Errorf("batch %d stage = %s", b.Seq, b.Stage)
		}
		if b.Transcript == "" || b.Translation != "translated "+b.Transcript {
			t.Errorf("batch %d missing text: %+v", b.Seq, b)
		}
		if b.Audio.Duration() != f.clip {
			t.Errorf("batch %d audio %s", b.Seq, b.Audio.Duration())
		}
		if uint64(i+1) != b.Seq {
			t.Errorf("position %d holds seq %d", i, b.Seq)
		}
	}
	sink.mu.Unlock()

	data := o.MetricsData()
	if data.BatchesProcessed != 3 {
		t.Fatalf("batches_processed = %d", data.BatchesProcessed)
	}
	if len(data.Slots) != 3 {
		t.Fatalf("expected 3 slot statuses, got %+v", data.Slots)
	}
	waitUntil(t, time.Second, func() bool { return o.Active() == 0 })
}

func TestFailedBatchIsSkipped(t *testing.T) {
	f := newFakeStages()
	f.translate.err = map[uint64]error{2: errors.New("model exploded")}
	sink := &recordingSink{}
	o := startOrchestrator(t, testOptions(3), f, sink, nil)

	submit(t, o, 3)
	waitUntil(t, 2*time.Second, func() bool { return sink.terminal() == 3 })

	if got := sink.emittedSeqs(); !equalSeqs(got, 1, 3) {
		t.Fatalf("expected 1 and 3 emitted, got %v", got)
	}
	failed := sink.failedBatches()
	if len(failed) != 1 || failed[0].Seq != 2 {
		t.Fatalf("expected seq 2 failed, got %+v", failed)
	}
	var stageErr *StageError
	if !errors.As(failed[0].Err, &stageErr) || stageErr.Kind != AdapterFailure || stageErr.Step != StepTranslate {
		t.Fatalf("unexpected failure %v", failed[0].Err)
	}
	if o.Metrics().Snapshot().Failed != 1 {
		t.Fatalf("expected one failure recorded")
	}
}

func TestTranslateTimeoutOnSecondUtterance(t *testing.T) {
	f := newFakeStages()
	f.translate.block = map[uint64]bool{2: true}
	sink := &recordingSink{}
	opts := testOptions(3)
	opts.TranslateTimeout = 100 * time.Millisecond
	o := startOrchestrator(t, opts, f, sink, nil)

	submit(t, o, 3)
	waitUntil(t, 2*time.Second, func() bool { return sink.terminal() == 3 })

	if got := sink.emittedSeqs(); !equalSeqs(got, 1, 3) {
		t.Fatalf("expected 1 and 3 emitted, got %v", got)
	}
	failed := sink.failedBatches()
	if len(failed) != 1 {
		t.Fatalf("expected one failure, got %d", len(failed))
	}
	var stageErr *StageError
	if !errors.As(failed[0].Err, &stageErr) {
		t.Fatalf("expected StageError, got %v", failed[0].Err)
	}
	if stageErr.Kind != AdapterTimeout || stageErr.Seq != 2 {
		t.Fatalf("unexpected stage error %+v", stageErr)
	}
}

func TestNeverExceedsPoolSize(t *testing.T) {
	f := newFakeStages()
	f.stt.delay = map[uint64]time.Duration{1: 40 * time.Millisecond, 3: 30 * time.Millisecond, 5: 20 * time.Millisecond}
	f.translate.delay = map[uint64]time.Duration{2: 30 * time.Millisecond, 4: 10 * time.Millisecond, 6: 25 * time.Millisecond}
	sink := &recordingSink{stages: f}
	o := startOrchestrator(t, testOptions(2), f, sink, nil)

	submit(t, o, 6)
	if busy := o.Pool().Busy(); busy > 2 {
		t.Fatalf("busy slots %d exceed pool size", busy)
	}
	waitUntil(t, 3*time.Second, func() bool { return len(sink.emittedSeqs()) == 6 })
	if got := f.maxActive.Load(); got > 2 {
		t.Fatalf("observed %d concurrent batches with 2 slots", got)
	}
	if got := sink.emittedSeqs(); !equalSeqs(got, 1, 2, 3, 4, 5, 6) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestOverloadWithSingleSlot(t *testing.T) {
	f := newFakeStages()
	f.clip = 150 * time.Millisecond
	f.stt.delay = map[uint64]time.Duration{1: 30 * time.Millisecond, 2: 30 * time.Millisecond, 3: 30 * time.Millisecond}
	sink := &recordingSink{}
	opts := testOptions(1)
	opts.PacePlayback = true
	o := startOrchestrator(t, opts, f, sink, nil)

	submit(t, o, 3)
	if o.Pool().Pending() != 2 {
		t.Fatalf("expected two batches waiting for admission, got %d", o.Pool().Pending())
	}
	waitUntil(t, 3*time.Second, func() bool { return len(sink.emittedSeqs()) == 3 })

	if len(sink.droppedSeqs()) != 0 || len(sink.failedBatches()) != 0 {
		t.Fatalf("overload must not lose batches")
	}
	sink.mu.Lock()
	e2e1, e2e2, e2e3 := sink.emitted[0].E2E(), sink.emitted[1].E2E(), sink.emitted[2].E2E()
	sink.mu.Unlock()
	if e2e2 <= e2e1 || e2e3 <= e2e1 {
		t.Fatalf("expected elevated e2e for later batches: %s %s %s", e2e1, e2e2, e2e3)
	}
}

func TestOverflowDropsNewest(t *testing.T) {
	f := newFakeStages()
	f.stt.delay = map[uint64]time.Duration{1: 100 * time.Millisecond}
	sink := &recordingSink{}
	opts := testOptions(1)
	opts.MaxPending = 1
	o := startOrchestrator(t, opts, f, sink, nil)

	submit(t, o, 2)
	seq, err := o.Submit(utterance())
	if !errors.Is(err, ErrAdmissionOverflow) || seq != 3 {
		t.Fatalf("expected overflow for seq 3, got seq=%d err=%v", seq, err)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(sink.emittedSeqs()) == 2 })
	if got := sink.emittedSeqs(); !equalSeqs(got, 1, 2) {
		t.Fatalf("expected oldest batches kept, got %v", got)
	}
	if got := sink.droppedSeqs(); !equalSeqs(got, 3) {
		t.Fatalf("expected seq 3 dropped, got %v", got)
	}

	if _, err := o.Submit(utterance()); err != nil {
		t.Fatalf("submit after overflow: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(sink.emittedSeqs()) == 3 })
	if got := sink.emittedSeqs(); !equalSeqs(got, 1, 2, 4) {
		t.Fatalf("dropped seq must not stall emission, got %v", got)
	}
}

func TestSpeedChangeIsNotRetroactive(t *testing.T) {
	f := newFakeStages()
	f.translate.delay = map[uint64]time.Duration{2: 200 * time.Millisecond}
	sink := &recordingSink{}
	settings := testSettings()
	o := startOrchestrator(t, testOptions(3), f, sink, settings)

	submit(t, o, 2)
	select {
	case seq := <-f.synthStarted:
		if seq != 1 {
			t.Fatalf("expected seq 1 to synthesize first, got %d", seq)
		}
	case <-time.After(time.Second):
		t.Fatalf("seq 1 never reached synthesis")
	}
	settings.Update(func(s *Settings) {
		s.Speed = 2
		s.Voice = "narrator"
	})

	waitUntil(t, 2*time.Second, func() bool { return len(sink.emittedSeqs()) == 2 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if b := sink.emitted[0]; b.Speed != 1 || b.Voice != "default" {
		t.Fatalf("in-flight batch picked up new settings: speed=%v voice=%q", b.Speed, b.Voice)
	}
	if b := sink.emitted[1]; b.Speed != 2 || b.Voice != "narrator" {
		t.Fatalf("next batch missed new settings: speed=%v voice=%q", b.Speed, b.Voice)
	}
}

func TestActiveCountsPendingBatches(t *testing.T) {
	f := newFakeStages()
	f.stt.delay = map[uint64]time.Duration{1: 100 * time.Millisecond}
	sink := &recordingSink{}
	o := startOrchestrator(t, testOptions(1), f, sink, nil)

	submit(t, o, 2)
	if got := o.Active(); got != 2 {
		t.Fatalf("expected 2 non-terminal batches, got %d", got)
	}
	waitUntil(t, 2*time.Second, func() bool { return o.Active() == 0 })
}

func TestStopDrainsAndIsIdempotent(t *testing.T) {
	f := newFakeStages()
	f.translate.delay = map[uint64]time.Duration{1: 100 * time.Millisecond}
	sink := &recordingSink{}
	o := startOrchestrator(t, testOptions(1), f, sink, nil)

	submit(t, o, 3)
	waitUntil(t, time.Second, func() bool {
		return o.Pool().Snapshot()[0].Seq == 1 && o.Active() == 3
	})
	time.Sleep(20 * time.Millisecond)

	o.Stop()
	o.Stop()

	if got := sink.emittedSeqs(); !equalSeqs(got, 1) {
		t.Fatalf("batch past transcription should drain, got %v", got)
	}
	if got := sink.droppedSeqs(); !equalSeqs(got, 2, 3) {
		t.Fatalf("pending batches should be discarded, got %v", got)
	}
	if o.Active() != 0 {
		t.Fatalf("expected no active batches after stop")
	}
	if _, err := o.Submit(utterance()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after stop, got %v", err)
	}
}

func TestStopCancelsTranscription(t *testing.T) {
	f := newFakeStages()
	f.stt.block = map[uint64]bool{1: true}
	sink := &recordingSink{}
	opts := testOptions(1)
	opts.STTTimeout = 10 * time.Second
	opts.DrainTimeout = 5 * time.Second
	o := startOrchestrator(t, opts, f, sink, nil)

	submit(t, o, 1)
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	o.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop waited %s for a batch in transcription", elapsed)
	}
	failed := sink.failedBatches()
	if len(failed) != 1 || KindOf(failed[0].Err) != Cancelled {
		t.Fatalf("expected cancelled transcription, got %+v", failed)
	}
}

func TestDrainDeadlineForceFails(t *testing.T) {
	f := newFakeStages()
	f.clip = 5 * time.Second
	f.translate.block = map[uint64]bool{3: true}
	sink := &recordingSink{}
	opts := testOptions(3)
	opts.PacePlayback = true
	opts.TranslateTimeout = 10 * time.Second
	opts.DrainTimeout = 150 * time.Millisecond
	o := startOrchestrator(t, opts, f, sink, nil)

	submit(t, o, 3)
	waitUntil(t, time.Second, func() bool { return len(sink.emittedSeqs()) == 1 })
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	o.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop exceeded drain bound: %s", elapsed)
	}
	failed := sink.failedBatches()
	if len(failed) != 2 {
		t.Fatalf("expected the buffered and the stuck batch to fail, got %d", len(failed))
	}
	for _, b := range failed {
		if KindOf(b.Err) != Cancelled {
			t.Fatalf("batch %d failed with %v", b.Seq, b.Err)
		}
	}
	if got := sink.emittedSeqs(); !equalSeqs(got, 1) {
		t.Fatalf("unexpected emissions %v", got)
	}
	for _, s := range o.Pool().Snapshot() {
		if s.State == SlotBusy {
			t.Fatalf("slot %d still busy after stop", s.Index)
		}
	}
}

func TestGapIsZeroWhenSuccessorIsReady(t *testing.T) {
	f := newFakeStages()
	f.clip = 120 * time.Millisecond
	sink := &recordingSink{}
	opts := testOptions(2)
	opts.PacePlayback = true
	o := startOrchestrator(t, opts, f, sink, nil)

	submit(t, o, 2)
	waitUntil(t, 2*time.Second, func() bool { return len(sink.emittedSeqs()) == 2 })
	if gap := o.Metrics().Snapshot().Gap; gap > 50*time.Millisecond {
		t.Fatalf("expected near zero gap, got %s", gap)
	}
	sink.mu.Lock()
	spacing := sink.emitted[1].Emitted.Sub(sink.emitted[0].Emitted)
	sink.mu.Unlock()
	if spacing < f.clip {
		t.Fatalf("second clip emitted %s after the first, before playback ended", spacing)
	}
}

func TestUnsetDrainTimeoutIsBounded(t *testing.T) {
	opts := testOptions(1)
	opts.DrainTimeout = 0
	o := startOrchestrator(t, opts, newFakeStages(), &recordingSink{}, nil)
	if o.opts.DrainTimeout != DefaultDrainTimeout {
		t.Fatalf("expected default drain timeout, got %s", o.opts.DrainTimeout)
	}
}
