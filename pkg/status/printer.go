package status

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/vklimov/forgebuild/pkg/graph"
	"github.com/vklimov/forgebuild/pkg/runner"
)

// Printer renders one Status to an io.Writer, redrawing a single line
// in place when the writer is a TTY and scrolling (one line per
// update) otherwise. Output from a failed or console-pool edge always
// gets its own line.
type Printer struct {
	mu sync.Mutex

	out    io.Writer
	tty    bool
	elide  bool
	width  int
	format string

	lastLineLen int
}

// NewPrinter builds a printer. width is the terminal width ELIDE mode
// truncates to; it is ignored when elide is false.
func NewPrinter(out io.Writer, tty bool, elide bool, width int, format string) *Printer {
	if width <= 0 {
		width = 80
	}
	return &Printer{out: out, tty: tty, elide: elide, width: width, format: format}
}

// Update redraws the progress line for the current counters. It draws
// nothing while a console-pool edge owns the terminal.
func (p *Printer) Update(s *Status) {
	if s.ConsoleOwned() {
		return
	}
	line := s.FormatProgressStatus(p.format)
	p.writeLine(line)
}

func (p *Printer) writeLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.elide && len(line) > p.width {
		line = ellipsizeMiddle(line, p.width)
	}

	if p.tty {
		pad := p.lastLineLen - len(line)
		if pad < 0 {
			pad = 0
		}
		fmt.Fprintf(p.out, "\r%s%s", line, strings.Repeat(" ", pad))
		p.lastLineLen = len(line)
		return
	}
	fmt.Fprintln(p.out, line)
}

// EdgeOutput prints a finished edge's captured output, moving off the
// redrawn progress line first so it is never overwritten, then
// restoring the line on the next Update.
func (p *Printer) EdgeOutput(edge *graph.Edge, res runner.Result, console bool) {
	if len(res.Output) == 0 && !classify(res, console) {
		return
	}

	p.mu.Lock()
	if p.tty && p.lastLineLen > 0 {
		fmt.Fprintf(p.out, "\r%s\r", strings.Repeat(" ", p.lastLineLen))
		p.lastLineLen = 0
	}
	p.mu.Unlock()

	if edge.Rule != nil {
		fmt.Fprintf(p.out, "[%s]\n", edge.Rule.Name)
	}
	p.out.Write(res.Output)
	if len(res.Output) > 0 && res.Output[len(res.Output)-1] != '\n' {
		fmt.Fprintln(p.out)
	}
}

// ellipsizeMiddle truncates line to width by collapsing its middle
// into "...", keeping the start and end (ELIDE mode).
func ellipsizeMiddle(line string, width int) string {
	if width <= 3 || len(line) <= width {
		return line
	}
	keep := width - 3
	head := keep / 2
	tail := keep - head
	return line[:head] + "..." + line[len(line)-tail:]
}
