package pipeline

import "sync"

// SlotState is the externally visible status of a slot.
type SlotState string

const (
	SlotEmpty SlotState = "empty"
	SlotBusy  SlotState = "busy"
	SlotError SlotState = "error"
)

// SlotInfo describes one slot for status reporting.
type SlotInfo struct {
	Index int
	State SlotState
	Seq   uint64
}

type slot struct {
	occupant *Batch
	state    SlotState
}

// Pool bounds how many batches are processed concurrently. Batches that do
// not fit wait in a FIFO queue and are admitted as slots are released.
type Pool struct {
	mu         sync.Mutex
	slots      []slot
	pending    []*Batch
	maxPending int
	closed     bool
}

func NewPool(size, maxPending int) *Pool {
	if size <= 0 {
		size = 1
	}
	slots := make([]slot, size)
	for i := range slots {
		slots[i].state = SlotEmpty
	}
	return &Pool{slots: slots, maxPending: maxPending}
}

func (p *Pool) Size() int {
	return len(p.slots)
}

// Acquire admits b into a free slot or queues it. It never blocks.
func (p *Pool) Acquire(b *Batch) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return -1, false, ErrClosed
	}
	if idx := p.freeSlot(); idx >= 0 {
		p.occupy(idx, b)
		return idx, true, nil
	}
	if len(p.pending) >= p.maxPending {
		return -1, false, ErrAdmissionOverflow
	}
	p.pending = append(p.pending, b)
	return -1, false, nil
}

// Release frees slot idx and admits the head of the pending queue into it.
// A failed release leaves the slot marked as error until it is reused.
func (p *Pool) Release(idx int, failed bool) *Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) {
		return nil
	}
	p.slots[idx].occupant = nil
	p.slots[idx].state = SlotEmpty
	if failed {
		p.slots[idx].state = SlotError
	}
	if p.closed || len(p.pending) == 0 {
		return nil
	}
	next := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	p.occupy(idx, next)
	return next
}

// Close stops admission and returns the batches that were still queued.
func (p *Pool) Close() []*Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	dropped := p.pending
	p.pending = nil
	return dropped
}

// Busy is the number of occupied slots.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.occupant != nil {
			n++
		}
	}
	return n
}

// Pending is the length of the admission queue.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) Snapshot() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotInfo, len(p.slots))
	for i, s := range p.slots {
		out[i] = SlotInfo{Index: i, State: s.state}
		if s.occupant != nil {
			out[i].Seq = s.occupant.Seq
		}
	}
	return out
}

func (p *Pool) freeSlot() int {
	for i, s := range p.slots {
		if s.occupant == nil {
			return i
		}
	}
	return -1
}

func (p *Pool) occupy(idx int, b *Batch) {
	p.slots[idx].occupant = b
	p.slots[idx].state = SlotBusy
	b.slot = idx
}
