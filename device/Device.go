// Package device implements the devices that a learner's tensors are
// resident on.
//
// A Device moves host tensors onto itself with Transfer. Devices with
// an asynchronous transfer channel may return from Transfer before the
// data has arrived; such a transfer is only guaranteed to be complete
// after the next call to Synchronize. Callers must therefore take a
// Synchronize barrier before reading transferred data, and must not
// modify the host tensor handed to Transfer before that barrier.
package device

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Device is a location that tensors can be transferred to
type Device interface {
	fmt.Stringer

	// Transfer returns a tensor resident on the device holding the
	// same data as src
	Transfer(src *tensor.Dense) (*tensor.Dense, error)

	// Synchronize blocks until every transfer issued so far has
	// completed. Synchronize returns the first error encountered by
	// any of those transfers.
	Synchronize() error

	// Async returns whether transfers may still be in flight when
	// Transfer returns
	Async() bool
}

// contiguous returns a tensor with the same data as t that is not a
// view of another tensor
func contiguous(t *tensor.Dense) (*tensor.Dense, error) {
	if !t.IsMaterializable() {
		return t, nil
	}
	m, ok := t.Materialize().(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("contiguous: could not materialize tensor "+
			"view of type %T", t.Materialize())
	}
	return m, nil
}
