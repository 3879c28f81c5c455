package ui

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// defaultEvery is how often a non-terminal progress writer prints a line.
const defaultEvery = 5000

// Progress reports the advance of a long operation on one line.
//
// On a terminal the line is rewritten in place. Elsewhere (pipes, CI logs)
// a line is printed every Every records and once at the end.
type Progress struct {
	w     io.Writer
	label string
	tty   bool
	start time.Time

	// Every is the record interval between lines on non-terminals.
	Every int

	lastPrinted int
	width       int
	done        bool
}

// NewProgress creates a progress reporter writing to w.
func NewProgress(w io.Writer, label string) *Progress {
	return &Progress{
		w:     w,
		label: label,
		tty:   IsTerminal(w),
		start: time.Now(),
		Every: defaultEvery,
	}
}

// Update reports n records handled out of total (0 when unknown). It
// matches sync.ProgressFunc.
func (p *Progress) Update(n, total int) {
	if p.done {
		return
	}

	line := p.format(n, total)
	if p.tty {
		pad := ""
		if len(line) < p.width {
			pad = strings.Repeat(" ", p.width-len(line))
		}
		p.width = len(line)
		fmt.Fprintf(p.w, "\r%s%s", line, pad)
		return
	}

	every := p.Every
	if every <= 0 {
		every = defaultEvery
	}
	if n-p.lastPrinted >= every || (total > 0 && n >= total && p.lastPrinted < n) {
		p.lastPrinted = n
		fmt.Fprintln(p.w, line)
	}
}

// Done ends the progress line.
func (p *Progress) Done() {
	if p.done {
		return
	}
	p.done = true
	if p.tty && p.width > 0 {
		fmt.Fprintln(p.w)
	}
}

func (p *Progress) format(n, total int) string {
	elapsed := time.Since(p.start).Round(time.Second)
	if total > 0 {
		pct := float64(n) * 100 / float64(total)
		return fmt.Sprintf("%s %d/%d (%.0f%%) %s", p.label, n, total, pct, elapsed)
	}
	return fmt.Sprintf("%s %d %s", p.label, n, elapsed)
}
