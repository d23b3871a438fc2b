// Package progressbar implements functionality of printing a progress
// bar to the terminal window
package progressbar

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ProgressBar implements progress bar functionality that must be
// manually managed. That is, Display must be called whenever an
// updated progress bar should be printed.
//
// ProgressBar does not use concurrency.
type ProgressBar struct {
	out             io.Writer
	width           float64
	maxProgress     float64
	currentProgress float64
	status          string
	bar             strings.Builder
	startTime       time.Time
}

// New returns a new ProgressBar which is width characters wide,
// reaches 100% after max calls to Increment and prints to standard
// error
func New(width, max int) *ProgressBar {
	return NewWithWriter(os.Stderr, width, max)
}

// NewWithWriter returns a new ProgressBar which prints to out
func NewWithWriter(out io.Writer, width, max int) *ProgressBar {
	if max <= 0 {
		max = 1
	}
	return &ProgressBar{
		out:         out,
		width:       float64(width),
		maxProgress: float64(max),
		startTime:   time.Now(),
	}
}

// Increment increments the interal progress counter. Each time an
// iteration is performed, Increment should be called.
func (p *ProgressBar) Increment() {
	if p.currentProgress < p.maxProgress {
		p.currentProgress++
	}
}

// Progress returns the fraction of iterations completed
func (p *ProgressBar) Progress() float64 {
	return p.currentProgress / p.maxProgress
}

// SetStatus sets the text printed after the progress bar, e.g. the
// latest training losses
func (p *ProgressBar) SetStatus(status string) {
	p.status = status
}

// String returns the current progress bar
func (p *ProgressBar) String() string {
	p.bar.Reset()
	p.bar.WriteString("|")

	currentProg := p.Progress() * p.width
	for i := 0.0; i < currentProg; i++ {
		p.bar.WriteString("█")
	}
	for i := currentProg; i < p.width; i++ {
		p.bar.WriteString(" ")
	}
	p.bar.WriteString(fmt.Sprintf("| [%.2f%v | elapsed: %v]",
		p.Progress()*100, "%", time.Since(p.startTime).Truncate(time.Second)))
	if p.status != "" {
		p.bar.WriteString(" " + p.status)
	}
	return p.bar.String()
}

// Display prints the progress bar over the previously displayed one
func (p *ProgressBar) Display() {
	fmt.Fprintf(p.out, "\n\033[1A\033[K%v", p.String())
}

// Close moves the cursor past the progress bar
func (p *ProgressBar) Close() {
	fmt.Fprintln(p.out)
}
