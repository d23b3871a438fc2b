package tracker

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/samuelfneumann/goimpala/agent"
)

// Losses tracks and saves the losses of every n-th training step
type Losses struct {
	records  []Record
	every    int
	filename string
}

// NewLosses returns a new Losses tracker which saves the losses of
// every n-th training step to filename
func NewLosses(filename string, every int) (*Losses, error) {
	if every <= 0 {
		return nil, fmt.Errorf("newLosses: stride must be positive, got %v",
			every)
	}
	return &Losses{every: every, filename: filename}, nil
}

// Track caches the losses of a training step
func (l *Losses) Track(step int, losses agent.Losses) {
	if step%l.every == 0 {
		l.records = append(l.records, Record{Step: step, Losses: losses})
	}
}

// Len returns the number of tracked training steps
func (l *Losses) Len() int {
	return len(l.records)
}

// Save saves the tracked losses to disk
func (l *Losses) Save() error {
	file, err := os.Create(l.filename)
	if err != nil {
		return fmt.Errorf("save: could not open save file: %v", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(l.records); err != nil {
		return fmt.Errorf("save: could not encode losses: %v", err)
	}
	return file.Sync()
}
