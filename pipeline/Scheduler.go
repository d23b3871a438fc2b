// Package pipeline implements a one-step-lag scheduler which overlaps
// the transfer of a call's inputs onto a device with the computation
// of the previous call.
//
// Each call to Schedule stores a deferred operation and executes the
// operation stored by the previous call, so results are returned one
// call late:
//
//	Schedule(a) -> nothing
//	Schedule(b) -> result of a
//	Sync()      -> result of b
//	Sync()      -> nothing
package pipeline

import (
	"fmt"

	"github.com/samuelfneumann/goimpala/device"
)

// Operation is a deferred computation over inputs that have already
// been transferred onto a device
type Operation[T any] func() (T, error)

// Transfer issues the transfer of a call's inputs onto a device and
// returns the deferred operation which consumes them
type Transfer[T any] func(d device.Device) (Operation[T], error)

// Scheduler holds at most one deferred operation. A Scheduler is not
// safe for concurrent use.
type Scheduler[T any] struct {
	device  device.Device
	pending Operation[T]
}

// New returns a new Scheduler which transfers inputs onto d
func New[T any](d device.Device) *Scheduler[T] {
	if d == nil {
		panic("new: nil device")
	}
	return &Scheduler[T]{device: d}
}

// Device returns the device that inputs are transferred onto
func (s *Scheduler[T]) Device() device.Device {
	return s.device
}

// Pending returns whether an operation is waiting to be executed
func (s *Scheduler[T]) Pending() bool {
	return s.pending != nil
}

// Schedule waits for all outstanding transfers, issues the transfers
// of this call, stores its operation, and then executes the operation
// stored by the previous call. The boolean return value reports
// whether a previous operation was executed.
//
// If transfer fails, the previous operation stays scheduled.
func (s *Scheduler[T]) Schedule(transfer Transfer[T]) (T, bool, error) {
	var zero T
	if err := s.device.Synchronize(); err != nil {
		return zero, false, fmt.Errorf("schedule: transfer failed: %v", err)
	}

	op, err := transfer(s.device)
	if err != nil {
		return zero, false, fmt.Errorf("schedule: %v", err)
	}

	prev := s.pending
	s.pending = op
	return run(prev)
}

// Sync waits for all outstanding transfers and then executes and
// clears the stored operation
func (s *Scheduler[T]) Sync() (T, bool, error) {
	var zero T
	if err := s.device.Synchronize(); err != nil {
		return zero, false, fmt.Errorf("sync: transfer failed: %v", err)
	}

	prev := s.pending
	s.pending = nil
	return run(prev)
}

func run[T any](op Operation[T]) (T, bool, error) {
	var zero T
	if op == nil {
		return zero, false, nil
	}
	out, err := op()
	return out, true, err
}
