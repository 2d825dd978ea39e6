package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmissionOverflow is returned when the pending-admission queue is full.
	// The rejected batch is dropped.
	ErrAdmissionOverflow = errors.New("admission queue full")
	// ErrClosed is returned by Submit once the orchestrator is stopping.
	ErrClosed = errors.New("pipeline closed")
	// ErrDrainExpired marks batches force-failed at the drain deadline.
	ErrDrainExpired = errors.New("drain deadline expired")
)

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	AdapterTimeout ErrorKind = "adapter_timeout"
	AdapterFailure ErrorKind = "adapter_failure"
	Cancelled      ErrorKind = "cancelled"
)

// StageError reports why a batch failed.
type StageError struct {
	Kind ErrorKind
	Step Step
	Seq  uint64
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("batch %d %s %s: %v", e.Seq, e.Step, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from err, defaulting to AdapterFailure.
func KindOf(err error) ErrorKind {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	if errors.Is(err, ErrDrainExpired) {
		return Cancelled
	}
	return AdapterFailure
}
