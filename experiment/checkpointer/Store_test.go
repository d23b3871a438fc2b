package checkpointer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// blob is a Serializable holding raw bytes
type blob struct {
	data []byte
}

func (b *blob) GobEncode() ([]byte, error) {
	return append([]byte(nil), b.data...), nil
}

func (b *blob) GobDecode(in []byte) error {
	if len(in) == 0 {
		return errors.New("empty")
	}
	b.data = append([]byte(nil), in...)
	return nil
}

func TestSaveLoad(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	model, optimizer := &blob{[]byte("weights")}, &blob{[]byte("moments")}
	if err := s.Save(3, model, optimizer); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{ModelFile, OptimizerFile, ManifestFile} {
		if _, err := os.Stat(filepath.Join(root, "3", name)); err != nil {
			t.Errorf("missing artifact %v: %v", name, err)
		}
	}

	loadedModel, loadedOptimizer := &blob{}, &blob{}
	if err := s.Load(3, loadedModel, loadedOptimizer); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(loadedModel.data, model.data) {
		t.Errorf("wrong model \n\twant(%s)\n\thave(%s)", model.data,
			loadedModel.data)
	}
	if !bytes.Equal(loadedOptimizer.data, optimizer.data) {
		t.Errorf("wrong optimizer \n\twant(%s)\n\thave(%s)", optimizer.data,
			loadedOptimizer.data)
	}

	m, err := s.ReadManifest(3)
	if err != nil {
		t.Fatal(err)
	}
	if m.RunID != s.RunID().String() || m.Index != 3 {
		t.Errorf("wrong manifest \n\twant(%v, 3)\n\thave(%v, %v)", s.RunID(),
			m.RunID, m.Index)
	}
}

func TestLoadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Load(0, &blob{}, &blob{}); err == nil {
		t.Error("expected an error loading a missing checkpoint")
	}

	// Optimizer artifact missing
	if err := s.Save(1, &blob{[]byte("w")}, &blob{[]byte("m")}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(s.Dir(1), OptimizerFile)); err != nil {
		t.Fatal(err)
	}
	if err := s.Load(1, &blob{}, &blob{}); err == nil {
		t.Error("expected an error loading without an optimizer artifact")
	}
}

func TestLoadCorrupt(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Save(0, &blob{[]byte("w")}, &blob{[]byte("m")}); err != nil {
		t.Fatal(err)
	}
	err := os.WriteFile(filepath.Join(s.Dir(0), ModelFile), nil, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Load(0, &blob{}, &blob{}); err == nil {
		t.Error("expected an error decoding a corrupt model")
	}
}

type countingSaver struct {
	indices []int
}

func (c *countingSaver) SaveModel(index int) error {
	c.indices = append(c.indices, index)
	return nil
}

func TestNStep(t *testing.T) {
	saver := &countingSaver{}
	c, err := NewNStep(3, saver)
	if err != nil {
		t.Fatal(err)
	}

	for step := 0; step <= 10; step++ {
		if err := c.Checkpoint(step); err != nil {
			t.Fatal(err)
		}
	}

	want := []int{3, 6, 9}
	if len(saver.indices) != len(want) {
		t.Fatalf("wrong checkpoints \n\twant(%v)\n\thave(%v)", want,
			saver.indices)
	}
	for i := range want {
		if saver.indices[i] != want[i] {
			t.Errorf("wrong checkpoints \n\twant(%v)\n\thave(%v)", want,
				saver.indices)
		}
	}

	if _, err := NewNStep(0, saver); err == nil {
		t.Error("expected an error for a zero interval")
	}
}
