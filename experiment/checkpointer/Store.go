package checkpointer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Names of the files in a checkpoint directory
const (
	ModelFile     = "model.bin"
	OptimizerFile = "optimizer.bin"
	ManifestFile  = "manifest.yaml"
)

// Manifest describes a checkpoint
type Manifest struct {
	RunID     string    `yaml:"run_id"`
	Index     int       `yaml:"index"`
	Created   time.Time `yaml:"created"`
	Artifacts []string  `yaml:"artifacts"`
}

// Store saves and loads checkpoints under a root directory. Each
// Store has a random run ID which is recorded in the manifest of
// every checkpoint it saves.
type Store struct {
	root  string
	runID uuid.UUID
}

// NewStore returns a new Store rooted at root
func NewStore(root string) *Store {
	return &Store{root: root, runID: uuid.New()}
}

// RunID returns the ID recorded in the checkpoints saved by the Store
func (s *Store) RunID() uuid.UUID {
	return s.runID
}

// Dir returns the directory of the checkpoint with the given index
func (s *Store) Dir(index int) string {
	return Dir(s.root, index)
}

// Dir returns the directory of the checkpoint with the given index
// under root
func Dir(root string, index int) string {
	return filepath.Join(root, strconv.Itoa(index))
}

// Save saves model and optimizer as checkpoint index, creating the
// checkpoint directory if needed and overwriting any previous
// checkpoint with the same index
func (s *Store) Save(index int, model, optimizer Serializable) error {
	dir := s.Dir(index)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save: could not create checkpoint directory: %v",
			err)
	}

	artifacts := []struct {
		name   string
		object Serializable
	}{
		{ModelFile, model},
		{OptimizerFile, optimizer},
	}
	for _, a := range artifacts {
		data, err := a.object.GobEncode()
		if err != nil {
			return fmt.Errorf("save: could not encode %v: %v", a.name, err)
		}
		if err := writeFile(filepath.Join(dir, a.name), data); err != nil {
			return fmt.Errorf("save: %v", err)
		}
	}

	manifest, err := yaml.Marshal(Manifest{
		RunID:     s.runID.String(),
		Index:     index,
		Created:   time.Now().UTC(),
		Artifacts: []string{ModelFile, OptimizerFile},
	})
	if err != nil {
		return fmt.Errorf("save: could not encode manifest: %v", err)
	}
	if err := writeFile(filepath.Join(dir, ManifestFile), manifest); err != nil {
		return fmt.Errorf("save: %v", err)
	}
	return nil
}

// Load reads checkpoint index fully into memory and decodes it into
// model and optimizer, overwriting their state
func (s *Store) Load(index int, model, optimizer Serializable) error {
	dir := s.Dir(index)

	modelData, err := os.ReadFile(filepath.Join(dir, ModelFile))
	if err != nil {
		return fmt.Errorf("load: could not read model: %v", err)
	}
	optimizerData, err := os.ReadFile(filepath.Join(dir, OptimizerFile))
	if err != nil {
		return fmt.Errorf("load: could not read optimizer: %v", err)
	}

	if err := model.GobDecode(modelData); err != nil {
		return fmt.Errorf("load: could not decode model: %v", err)
	}
	if err := optimizer.GobDecode(optimizerData); err != nil {
		return fmt.Errorf("load: could not decode optimizer: %v", err)
	}
	return nil
}

// ReadManifest returns the manifest of checkpoint index
func (s *Store) ReadManifest(index int) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(index), ManifestFile))
	if err != nil {
		return Manifest{}, fmt.Errorf("readManifest: %v", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("readManifest: %v", err)
	}
	return m, nil
}

// writeFile writes data to a temporary file which is renamed to path
// once fully written
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("writeFile: %v", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writeFile: could not write %v: %v", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writeFile: could not write %v: %v", path, err)
	}
	return os.Rename(tmp.Name(), path)
}
