package device

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// Streamed is a device with a dedicated, asynchronous transfer stream.
// Each call to Transfer allocates the destination tensor immediately
// and issues the copy on the stream; the copy runs concurrently with
// whatever computation the caller performs next. Synchronize is the
// stream's completion barrier.
//
// Streamed is not safe for concurrent use by multiple goroutines: the
// learner that owns it issues transfers and barriers from a single
// goroutine.
type Streamed struct {
	name   string
	stream *errgroup.Group

	// issued counts every transfer issued on the stream, completed
	// counts those whose copies have finished
	issued    int64
	completed int64
}

// NewStreamed returns a new Streamed device with the given name
func NewStreamed(name string) *Streamed {
	return &Streamed{
		name:   name,
		stream: new(errgroup.Group),
	}
}

// Transfer issues an asynchronous copy of src onto the device and
// returns the destination tensor. The destination's data is undefined
// until the next call to Synchronize returns.
func (s *Streamed) Transfer(src *tensor.Dense) (*tensor.Dense, error) {
	if src == nil {
		return nil, fmt.Errorf("transfer: cannot transfer nil tensor")
	}
	dst := tensor.New(
		tensor.Of(src.Dtype()),
		tensor.WithShape(src.Shape().Clone()...),
	)

	s.issued++
	s.stream.Go(func() error {
		defer atomic.AddInt64(&s.completed, 1)

		c, err := contiguous(src)
		if err != nil {
			return fmt.Errorf("transfer: %v", err)
		}
		if err := c.CopyTo(dst); err != nil {
			return fmt.Errorf("transfer: could not copy tensor of shape "+
				"%v: %v", src.Shape(), err)
		}
		return nil
	})

	return dst, nil
}

// Synchronize blocks until every copy issued on the stream so far has
// completed and returns the first error any of them produced. After
// Synchronize returns, a fresh stream accepts new transfers.
func (s *Streamed) Synchronize() error {
	err := s.stream.Wait()
	s.stream = new(errgroup.Group)
	return err
}

// Async returns true
func (s *Streamed) Async() bool { return true }

// InFlight returns the number of issued transfers whose copies have not
// yet completed
func (s *Streamed) InFlight() int {
	return int(s.issued - atomic.LoadInt64(&s.completed))
}

// String implements the fmt.Stringer interface
func (s *Streamed) String() string {
	return describe(s.name)
}
