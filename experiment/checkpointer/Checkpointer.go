// Package checkpointer implements the saving and loading of learner
// state to and from disk.
//
// Checkpoints are stored by integer index. Checkpoint i of a Store
// rooted at root lives in the directory root/i and holds the encoded
// model weights, the encoded optimizer state, and a YAML manifest
// describing the checkpoint.
package checkpointer

import (
	"encoding/gob"
)

// Serializable is an object that can be saved/serialized
type Serializable interface {
	gob.GobEncoder
	gob.GobDecoder
}

// Checkpointer checkpoints objects based on the number of training
// steps performed
type Checkpointer interface {
	Checkpoint(step int) error
}

// Saver saves a checkpoint with a given index
type Saver interface {
	SaveModel(index int) error
}
