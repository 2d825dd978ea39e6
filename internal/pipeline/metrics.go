package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the process-wide OpenTelemetry instruments shared by all
// session pipelines. A nil *Instruments records nothing.
type Instruments struct {
	latency metric.Float64Histogram
	e2e     metric.Float64Histogram
	gap     metric.Float64Histogram
	emitted metric.Int64Counter
	failed  metric.Int64Counter
	dropped metric.Int64Counter

	mu    sync.Mutex
	pools map[*Pool]struct{}
}

func NewInstruments(meter metric.Meter) (*Instruments, error) {
	inst := &Instruments{pools: make(map[*Pool]struct{})}
	var err error
	if inst.latency, err = meter.Float64Histogram("interpreter.stage.latency",
		metric.WithDescription("Adapter call latency per stage"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.e2e, err = meter.Float64Histogram("interpreter.batch.e2e",
		metric.WithDescription("First stage start to emission"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.gap, err = meter.Float64Histogram("interpreter.emission.gap",
		metric.WithDescription("Silence between consecutive emitted clips"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.emitted, err = meter.Int64Counter("interpreter.batches.emitted"); err != nil {
		return nil, err
	}
	if inst.failed, err = meter.Int64Counter("interpreter.batches.failed"); err != nil {
		return nil, err
	}
	if inst.dropped, err = meter.Int64Counter("interpreter.batches.dropped"); err != nil {
		return nil, err
	}
	busy, err := meter.Int64ObservableGauge("interpreter.slots.busy",
		metric.WithDescription("Occupied pipeline slots across live sessions"))
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64ObservableGauge("interpreter.admission.pending",
		metric.WithDescription("Batches waiting for a slot across live sessions"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		b, p := inst.poolCounts()
		obs.ObserveInt64(busy, b)
		obs.ObserveInt64(pending, p)
		return nil
	}, busy, pending)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (i *Instruments) watch(p *Pool) func() {
	if i == nil {
		return func() {}
	}
	i.mu.Lock()
	i.pools[p] = struct{}{}
	i.mu.Unlock()
	return func() {
		i.mu.Lock()
		delete(i.pools, p)
		i.mu.Unlock()
	}
}

func (i *Instruments) poolCounts() (int64, int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var busy, pending int64
	for p := range i.pools {
		busy += int64(p.Busy())
		pending += int64(p.Pending())
	}
	return busy, pending
}

// Latencies holds one value per step plus end to end.
type Latencies struct {
	STT         time.Duration
	Translation time.Duration
	TTS         time.Duration
	E2E         time.Duration
}

// Snapshot is an immutable view of a session's metrics.
type Snapshot struct {
	Last      Latencies
	Avg       Latencies
	Processed uint64
	Failed    uint64
	Dropped   uint64
	Gap       time.Duration
	Uptime    time.Duration
}

const e2eIndex = int(numSteps)

// Metrics collects one session's pipeline statistics.
type Metrics struct {
	started time.Time
	inst    *Instruments

	last  [numSteps + 1]atomic.Int64
	sum   [numSteps + 1]atomic.Int64
	count [numSteps + 1]atomic.Int64

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	gap       atomic.Int64
}

func NewMetrics(inst *Instruments) *Metrics {
	return &Metrics{started: time.Now(), inst: inst}
}

func (m *Metrics) RecordStep(step Step, d time.Duration) {
	m.observe(int(step), d)
	if m.inst != nil {
		m.inst.latency.Record(context.Background(), d.Seconds(),
			metric.WithAttributes(attribute.String("stage", step.String())))
	}
}

func (m *Metrics) RecordEmitted(e2e, gap time.Duration) {
	m.processed.Add(1)
	m.observe(e2eIndex, e2e)
	m.gap.Store(int64(gap))
	if m.inst != nil {
		ctx := context.Background()
		m.inst.emitted.Add(ctx, 1)
		m.inst.e2e.Record(ctx, e2e.Seconds())
		m.inst.gap.Record(ctx, gap.Seconds())
	}
}

func (m *Metrics) RecordFailed(kind ErrorKind) {
	m.failed.Add(1)
	if m.inst != nil {
		m.inst.failed.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

func (m *Metrics) RecordDropped() {
	m.dropped.Add(1)
	if m.inst != nil {
		m.inst.dropped.Add(context.Background(), 1)
	}
}

func (m *Metrics) observe(idx int, d time.Duration) {
	m.last[idx].Store(int64(d))
	m.sum[idx].Add(int64(d))
	m.count[idx].Add(1)
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Last: Latencies{
			STT:         time.Duration(m.last[StepTranscribe].Load()),
			Translation: time.Duration(m.last[StepTranslate].Load()),
			TTS:         time.Duration(m.last[StepSynthesize].Load()),
			E2E:         time.Duration(m.last[e2eIndex].Load()),
		},
		Avg: Latencies{
			STT:         m.avg(int(StepTranscribe)),
			Translation: m.avg(int(StepTranslate)),
			TTS:         m.avg(int(StepSynthesize)),
			E2E:         m.avg(e2eIndex),
		},
		Processed: m.processed.Load(),
		Failed:    m.failed.Load(),
		Dropped:   m.dropped.Load(),
		Gap:       time.Duration(m.gap.Load()),
		Uptime:    time.Since(m.started),
	}
}

func (m *Metrics) avg(idx int) time.Duration {
	n := m.count[idx].Load()
	if n == 0 {
		return 0
	}
	return time.Duration(m.sum[idx].Load() / n)
}
