package pipeline

import (
	"errors"
	"testing"
)

func TestPoolAdmitsUpToSizeThenQueues(t *testing.T) {
	pool := NewPool(2, 2)
	batches := make([]*Batch, 5)
	for i := range batches {
		batches[i] = &Batch{Seq: uint64(i + 1)}
	}

	for i := 0; i < 2; i++ {
		idx, admitted, err := pool.Acquire(batches[i])
		if err != nil || !admitted || idx != i {
			t.Fatalf("batch %d: idx=%d admitted=%v err=%v", i+1, idx, admitted, err)
		}
	}
	for i := 2; i < 4; i++ {
		if _, admitted, err := pool.Acquire(batches[i]); err != nil || admitted {
			t.Fatalf("batch %d should queue, admitted=%v err=%v", i+1, admitted, err)
		}
	}
	if _, _, err := pool.Acquire(batches[4]); !errors.Is(err, ErrAdmissionOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if pool.Busy() != 2 || pool.Pending() != 2 {
		t.Fatalf("busy=%d pending=%d", pool.Busy(), pool.Pending())
	}

	if next := pool.Release(1, false); next != batches[2] {
		t.Fatalf("expected FIFO admission of seq 3, got %+v", next)
	}
	if batches[2].slot != 1 {
		t.Fatalf("admitted batch should take the freed slot, got %d", batches[2].slot)
	}
	if next := pool.Release(0, false); next != batches[3] {
		t.Fatalf("expected seq 4 next")
	}
	if next := pool.Release(0, false); next != nil {
		t.Fatalf("queue should be empty")
	}
}

func TestPoolMarksFailedSlots(t *testing.T) {
	pool := NewPool(1, 0)
	b := &Batch{Seq: 1}
	if _, admitted, _ := pool.Acquire(b); !admitted {
		t.Fatalf("expected admission")
	}
	if snap := pool.Snapshot(); snap[0].State != SlotBusy || snap[0].Seq != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	pool.Release(0, true)
	if snap := pool.Snapshot(); snap[0].State != SlotError {
		t.Fatalf("expected error state, got %+v", snap)
	}
	if _, admitted, _ := pool.Acquire(&Batch{Seq: 2}); !admitted {
		t.Fatalf("errored slot must be reusable")
	}
}

func TestPoolCloseReturnsPending(t *testing.T) {
	pool := NewPool(1, 4)
	pool.Acquire(&Batch{Seq: 1})
	pool.Acquire(&Batch{Seq: 2})
	pool.Acquire(&Batch{Seq: 3})
	dropped := pool.Close()
	if len(dropped) != 2 || dropped[0].Seq != 2 || dropped[1].Seq != 3 {
		t.Fatalf("unexpected dropped batches %+v", dropped)
	}
	if next := pool.Release(0, false); next != nil {
		t.Fatalf("closed pool must not admit")
	}
	if _, _, err := pool.Acquire(&Batch{Seq: 4}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
