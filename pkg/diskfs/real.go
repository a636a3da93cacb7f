package diskfs

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/vklimov/forgebuild/pkg/clock"
)

// Real is the production Disk backed by the local filesystem.
type Real struct{}

func NewReal() *Real { return &Real{} }

func (Real) Stat(path string) (clock.Timestamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return clock.Missing(), nil
		}
		return clock.Err(), err
	}
	return clock.FromTime(info.ModTime()), nil
}

func (Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (Real) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0666)
}

// WriteFileAtomic writes data to a staging file alongside path and
// renames it into place, so a crash or concurrent reader never
// observes a half-written log. The staging file is removed on any
// failure before committing, following the create/commit/abort shape
// of a content-addressed cache accepting one file at a time.
func (Real) WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	abort := func(cause error) error {
		tmp.Close()
		os.Remove(tmp.Name())
		return cause
	}

	if _, err := tmp.Write(data); err != nil {
		return abort(err)
	}
	if err := tmp.Sync(); err != nil {
		return abort(err)
	}
	if err := tmp.Close(); err != nil {
		return abort(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return abort(err)
	}
	return nil
}

func (Real) AppendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (Real) MakeDirs(path string) error {
	return os.MkdirAll(path, 0777)
}

func (Real) RemoveFile(path string) (RemoveResult, error) {
	err := os.Remove(path)
	if err == nil {
		return Removed, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return AlreadyAbsent, nil
	}
	return RemoveFailed, err
}

// EnsureParentDirs creates the parent directory of path, matching
// StartEdge's "create parent directories for each output" step.
func EnsureParentDirs(d Disk, path string) error {
	return d.MakeDirs(filepath.Dir(path))
}
