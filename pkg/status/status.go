// Package status implements the progress display: counters,
// a sliding-window completion rate, and a placeholder-driven line
// renderer that redraws in place on a TTY and scrolls otherwise.
package status

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/vklimov/forgebuild/pkg/graph"
	"github.com/vklimov/forgebuild/pkg/runner"
)

// slidingWindow is how many of the most recent completions the
// sliding-rate placeholder averages over.
const slidingWindow = 30

// Status tracks the counters and timing exposed through
// FormatProgressStatus. It is driven by the builder on its single
// thread, so it needs no locking for that use, but snapshot (and so
// FormatProgressStatus) is safe to call concurrently (e.g. from a signal handler) because it only
// ever reads under a mutex the mutators also hold.
type Status struct {
	mu sync.Mutex

	total     int
	started   int
	finished  int
	running   map[graph.EdgeID]time.Time

	startTime time.Time
	finishTimes []time.Time // ring-ish log of the last slidingWindow finishes

	console bool // true while a console-pool edge owns the terminal
}

func New(total int) *Status {
	return &Status{
		total:     total,
		running:   make(map[graph.EdgeID]time.Time),
		startTime: time.Now(),
	}
}

func (s *Status) EdgeStarted(id graph.EdgeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	s.running[id] = time.Now()
}

func (s *Status) EdgeFinished(id graph.EdgeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	s.finished++
	s.finishTimes = append(s.finishTimes, time.Now())
	if len(s.finishTimes) > slidingWindow {
		s.finishTimes = s.finishTimes[len(s.finishTimes)-slidingWindow:]
	}
}

// AddToTotal grows the denominator when a dyndep application changes
// how many command edges are wanted mid-build. Edges cancelled by a
// restat survivor are not subtracted from it.
func (s *Status) AddToTotal(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += delta
}

type snapshot struct {
	total, started, running, finished int
	elapsed                            time.Duration
	overallRate, slidingRate           float64
}

func (s *Status) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.startTime)
	var overall float64
	if elapsed > 0 {
		overall = float64(s.finished) / elapsed.Seconds()
	}
	var sliding float64
	if n := len(s.finishTimes); n >= 2 {
		window := s.finishTimes[n-1].Sub(s.finishTimes[0])
		if window > 0 {
			sliding = float64(n-1) / window.Seconds()
		}
	}
	return snapshot{
		total:       s.total,
		started:     s.started,
		running:     len(s.running),
		finished:    s.finished,
		elapsed:     elapsed,
		overallRate: overall,
		slidingRate: sliding,
	}
}

// FormatProgressStatus expands the progress-line placeholders against the
// current counters. %% is a literal percent sign.
func (s *Status) FormatProgressStatus(format string) string {
	snap := s.snapshot()
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i == len(format)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch format[i] {
		case 's':
			fmt.Fprintf(&b, "%d", snap.started)
		case 't':
			fmt.Fprintf(&b, "%d", snap.total)
		case 'r':
			fmt.Fprintf(&b, "%d", snap.running)
		case 'u':
			fmt.Fprintf(&b, "%d", snap.total-snap.started)
		case 'f':
			fmt.Fprintf(&b, "%d", snap.finished)
		case 'e':
			fmt.Fprintf(&b, "%.3f", snap.elapsed.Seconds())
		case 'o':
			fmt.Fprintf(&b, "%.1f", snap.overallRate)
		case 'c':
			fmt.Fprintf(&b, "%.1f", snap.slidingRate)
		case 'p':
			pct := 0.0
			if snap.total > 0 {
				pct = 100 * float64(snap.finished) / float64(snap.total)
			}
			fmt.Fprintf(&b, "%3.0f%%", pct)
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}

// IsConsoleTTY reports whether fd is a terminal the renderer may
// redraw a single line on, per the TTY-vs-scrolling split.
func IsConsoleTTY(fd uintptr) bool {
	return isatty.IsTerminal(fd)
}

// SetConsole marks whether a console-pool edge currently owns the
// terminal, so the renderer knows to stop redrawing its own line.
func (s *Status) SetConsole(owned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console = owned
}

func (s *Status) ConsoleOwned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.console
}

// classify turns a finished command's runner.Status into whether the
// renderer must print its output on a fresh line instead of folding
// it into the single redrawn progress line ("Output from failed
// or console-pool edges is printed on a new line").
func classify(res runner.Result, console bool) bool {
	return console || res.Status != runner.Success
}
