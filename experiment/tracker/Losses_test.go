package tracker

import (
	"path/filepath"
	"testing"

	"github.com/samuelfneumann/goimpala/agent"
)

func TestLosses(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "losses.bin")
	tr, err := NewLosses(filename, 2)
	if err != nil {
		t.Fatal(err)
	}

	for step := 1; step <= 5; step++ {
		tr.Track(step, agent.Losses{Value: float64(step)})
	}
	if tr.Len() != 2 {
		t.Errorf("wrong number of records \n\twant(2)\n\thave(%v)", tr.Len())
	}
	if err := tr.Save(); err != nil {
		t.Fatal(err)
	}

	data, err := LoadData(filename)
	if err != nil {
		t.Fatal(err)
	}
	want := []Record{
		{Step: 2, Losses: agent.Losses{Value: 2}},
		{Step: 4, Losses: agent.Losses{Value: 4}},
	}
	if len(data) != len(want) {
		t.Fatalf("wrong data \n\twant(%v)\n\thave(%v)", want, data)
	}
	for i := range want {
		if data[i] != want[i] {
			t.Errorf("wrong record %v \n\twant(%v)\n\thave(%v)", i, want[i],
				data[i])
		}
	}
}

func TestLossesErrors(t *testing.T) {
	if _, err := NewLosses("losses.bin", 0); err == nil {
		t.Error("expected an error for a zero stride")
	}
	if _, err := LoadData(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("expected an error loading a missing file")
	}
}
