// Package diskfs exposes the filesystem as the small capability set the
// core actually needs: stat, read, write, make-dirs and remove. A real
// implementation backs production builds; Memory backs tests and is a
// drop-in substitute at the builder boundary.
package diskfs

import "github.com/vklimov/forgebuild/pkg/clock"

// RemoveResult is the three-way outcome of removing a file: it was
// removed, it was already absent, or removal failed.
type RemoveResult int

const (
	Removed        RemoveResult = 0
	AlreadyAbsent  RemoveResult = 1
	RemoveFailed   RemoveResult = -1
)

// Disk is the capability set consumed by the dependency scanner, the
// builder and the logs. Stat never returns an error for "not found";
// it returns clock.Missing() instead. A non-nil error means the stat
// itself failed (permission denied, I/O error, ...) and aborts the
// build.
type Disk interface {
	Stat(path string) (clock.Timestamp, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	MakeDirs(path string) error
	RemoveFile(path string) (RemoveResult, error)

	// AppendFile appends data to path, creating it if necessary. It
	// backs the build log and deps log's append-only write path; it
	// is kept separate from WriteFile so the common atomic-rewrite
	// callers are not tempted to use O(n) read-modify-write appends.
	AppendFile(path string, data []byte) error

	// WriteFileAtomic replaces path's full contents with data so that
	// a reader never observes a partially-written file: the write
	// lands in a staging location first and is only made visible to
	// path once it has fully succeeded, with the staging location
	// cleaned up on any failure. Build-log and deps-log recompaction
	// need exactly this write-to-temp-then-rename guarantee.
	WriteFileAtomic(path string, data []byte) error
}
