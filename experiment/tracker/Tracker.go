// Package tracker implements Trackers, which track and save data in a
// training run
package tracker

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/samuelfneumann/goimpala/agent"
)

// Interface Tracker keeps track of training data and saves the data
// after training has finished
type Tracker interface {
	Track(step int, losses agent.Losses)
	Save() error
}

// Record is the data tracked for a single training step
type Record struct {
	Step   int
	Losses agent.Losses
}

// LoadData loads and returns the data saved by a Tracker
func LoadData(filename string) ([]Record, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("loadData: could not open data file: %v", err)
	}
	defer file.Close()

	var data []Record
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("loadData: could not decode data: %v", err)
	}
	return data, nil
}
