package diskfs

import (
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/vklimov/forgebuild/pkg/clock"
)

type memEntry struct {
	data  []byte
	mtime clock.Timestamp
}

// Memory is an in-memory Disk used by package tests so that builder,
// plan and depscan behavior can be exercised without touching the
// real filesystem. It satisfies the same Disk capability set Real
// does, so it is a drop-in substitute at the builder boundary.
type Memory struct {
	mu      sync.Mutex
	files   map[string]memEntry
	dirs    map[string]bool
	nowNano int64
}

func NewMemory() *Memory {
	return &Memory{
		files: make(map[string]memEntry),
		dirs:  make(map[string]bool),
	}
}

// Tick advances the memory filesystem's logical clock and returns it,
// so tests can express "touch this file" as a monotonically increasing
// mtime without depending on wall-clock resolution.
func (m *Memory) Tick() clock.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowNano++
	return clock.FromUnixNano(m.nowNano)
}

func (m *Memory) Stat(p string) (clock.Timestamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[p]
	if !ok {
		return clock.Missing(), nil
	}
	return e.mtime, nil
}

func (m *Memory) ReadFile(p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("%s: no such file", p)
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

func (m *Memory) WriteFile(p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowNano++
	buf := make([]byte, len(data))
	copy(buf, data)
	m.files[p] = memEntry{data: buf, mtime: clock.FromUnixNano(m.nowNano)}
	return nil
}

// WriteFileAt writes data and pins the resulting mtime explicitly,
// used by tests that need precise control over ordering (e.g. "h.in
// is newer than h").
func (m *Memory) WriteFileAt(p string, data []byte, at clock.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.files[p] = memEntry{data: buf, mtime: at}
}

// WriteFileAtomic has the same atomicity guarantee as WriteFile here:
// the map update is a single assignment under the lock, so there is
// no partially-written state for a concurrent reader to observe.
func (m *Memory) WriteFileAtomic(p string, data []byte) error {
	return m.WriteFile(p, data)
}

func (m *Memory) AppendFile(p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowNano++
	e := m.files[p]
	buf := append(append([]byte{}, e.data...), data...)
	m.files[p] = memEntry{data: buf, mtime: clock.FromUnixNano(m.nowNano)}
	return nil
}

func (m *Memory) MakeDirs(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for d := p; d != "." && d != "/" && d != ""; d = path.Dir(d) {
		m.dirs[d] = true
	}
	return nil
}

func (m *Memory) RemoveFile(p string) (RemoveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; !ok {
		return AlreadyAbsent, nil
	}
	delete(m.files, p)
	return Removed, nil
}

// Paths returns a sorted snapshot of all known file paths, for assertions.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
