package checkpointer

import "fmt"

// nStep implements checkpointing every N steps
type nStep struct {
	interval int
	saver    Saver
}

// NewNStep returns a checkpointer that saves a checkpoint every n
// steps. The checkpoint index is the step number.
func NewNStep(n int, saver Saver) (Checkpointer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("newNStep: interval must be positive, got %v",
			n)
	}
	return &nStep{interval: n, saver: saver}, nil
}

// Checkpoint saves a checkpoint if step is a multiple of the interval
func (n *nStep) Checkpoint(step int) error {
	if step > 0 && step%n.interval == 0 {
		return n.saver.SaveModel(step)
	}
	return nil
}
