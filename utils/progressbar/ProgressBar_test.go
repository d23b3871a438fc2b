package progressbar

import (
	"bytes"
	"strings"
	"testing"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf, 10, 4)

	for i := 0; i < 6; i++ {
		p.Increment()
	}
	if p.Progress() != 1 {
		t.Errorf("progress should saturate \n\twant(1)\n\thave(%v)",
			p.Progress())
	}

	p = NewWithWriter(&buf, 10, 4)
	p.Increment()
	p.SetStatus("loss=1")
	p.Display()

	out := buf.String()
	if strings.Count(out, "█") != 3 {
		t.Errorf("wrong bar length \n\twant(3)\n\thave(%v)",
			strings.Count(out, "█"))
	}
	if !strings.Contains(out, "25.00%") {
		t.Errorf("missing percentage in %q", out)
	}
	if !strings.HasSuffix(out, "loss=1") {
		t.Errorf("missing status in %q", out)
	}
}
