// Package buildlog persists, per output path, the last successful
// command's fingerprint and effective mtime, so the next
// invocation can detect a changed command line or a restat-unchanged
// output whose inputs advanced. Writes are append-only during a
// build; recompaction rewrites the file atomically via
// diskfs.Disk.WriteFileAtomic: write to a temp file, then rename it
// into place.
package buildlog

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vklimov/forgebuild/pkg/clock"
	"github.com/vklimov/forgebuild/pkg/diskfs"
)

const (
	currentVersion = 6
	headerPrefix   = "# ninja log v"
)

// Entry is one build log record.
type Entry struct {
	Output      string
	CommandHash uint64
	StartMS     int32
	EndMS       int32
	Mtime       clock.Timestamp
}

// Log is the in-memory index of the on-disk build log, keyed by
// output path (latest entry wins).
type Log struct {
	path    string
	disk    diskfs.Disk
	entries map[string]*Entry

	// liveWrites counts Write calls since the Log was created or last
	// recompacted (Load does not reset it), used by MaybeRecompact's
	// size heuristic.
	liveWrites    int
	headerWritten bool

	l *zap.SugaredLogger
}

func New(l *zap.Logger, disk diskfs.Disk, path string) *Log {
	return &Log{
		path:    path,
		disk:    disk,
		entries: make(map[string]*Entry),
		l:       l.Sugar(),
	}
}

// Lookup returns the most recently recorded entry for output, if any.
func (lg *Log) Lookup(output string) (*Entry, bool) {
	e, ok := lg.entries[output]
	return e, ok
}

// Load parses the on-disk log, tolerating truncation (a dangling
// partial last line is discarded) and warning on unknown versions or
// malformed lines rather than failing the build.
func (lg *Log) Load() (warning string, err error) {
	data, err := lg.disk.ReadFile(lg.path)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if len(data) > 0 {
		lg.headerWritten = true
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return "", nil
	}

	first := lines[0]
	if !strings.HasPrefix(first, "# ") {
		return "build log has no version header, ignoring", nil
	}
	verStr := strings.TrimPrefix(first, headerPrefix)
	ver, convErr := strconv.Atoi(strings.TrimSpace(verStr))
	if convErr != nil || !strings.HasPrefix(first, headerPrefix) {
		return fmt.Sprintf("unrecognized build log header %q, ignoring", first), nil
	}
	if ver != currentVersion {
		return fmt.Sprintf("build log version %d is not the current version %d, treating as empty", ver, currentVersion), nil
	}

	lg.entries = make(map[string]*Entry)
	for i, raw := range lines[1:] {
		lastLine := i == len(lines)-2
		if raw == "" {
			if lastLine {
				continue // tolerated trailing newline or truncation
			}
			continue
		}
		e, perr := parseLine(raw)
		if perr != nil {
			if lastLine {
				// a partial final line from a crash mid-write; discard it.
				continue
			}
			warning = fmt.Sprintf("malformed build log line %q: %v, skipping", raw, perr)
			continue
		}
		lg.entries[e.Output] = e
	}
	return warning, nil
}

func parseLine(line string) (*Entry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 tab-separated fields, got %d", len(fields))
	}
	start, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return nil, err
	}
	end, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return nil, err
	}
	mtimeNano, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, err
	}
	output := fields[3]
	hash, err := strconv.ParseUint(fields[4], 16, 64)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Output:      output,
		CommandHash: hash,
		StartMS:     int32(start),
		EndMS:       int32(end),
		Mtime:       clock.FromUnixNano(mtimeNano),
	}, nil
}

func formatLine(e *Entry) string {
	return fmt.Sprintf("%d\t%d\t%d\t%s\t%016x\n", e.StartMS, e.EndMS, e.Mtime.UnixNano(), e.Output, e.CommandHash)
}

// Write appends a single entry, called once per successful
// FinishCommand. It updates the in-memory index first
// so a concurrent Lookup within the same invocation sees it
// immediately.
func (lg *Log) Write(e Entry) error {
	lg.entries[e.Output] = &e
	lg.liveWrites++

	var buf bytes.Buffer
	if !lg.headerWritten {
		fmt.Fprintf(&buf, "%s%d\n", headerPrefix, currentVersion)
		lg.headerWritten = true
	}
	buf.WriteString(formatLine(&e))
	return lg.disk.AppendFile(lg.path, buf.Bytes())
}

// Recompact rewrites the log from scratch, keeping only the entry for
// each output named in liveOutputs, dropping every stale entry for an
// output that no longer exists in the graph. It is built fully in
// memory, then replaces the file in one atomic write.
func (lg *Log) Recompact(liveOutputs map[string]bool) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s%d\n", headerPrefix, currentVersion)

	kept := make(map[string]*Entry)
	for out, e := range lg.entries {
		if liveOutputs == nil || liveOutputs[out] {
			kept[out] = e
			buf.WriteString(formatLine(e))
		}
	}
	if err := lg.disk.WriteFileAtomic(lg.path, buf.Bytes()); err != nil {
		return err
	}
	lg.entries = kept
	lg.liveWrites = 0
	lg.headerWritten = true
	return nil
}

// MaybeRecompact recompacts once the log has accumulated roughly 3x
// as many appended lines as there are distinct live outputs, instead
// of leaving recompaction purely manual.
func (lg *Log) MaybeRecompact(liveOutputs map[string]bool) error {
	if lg.liveWrites <= 3*len(lg.entries) {
		return nil
	}
	return lg.Recompact(liveOutputs)
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such file")
}
