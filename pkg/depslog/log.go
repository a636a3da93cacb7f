// Package depslog persists, per output path, the set of discovered
// implicit inputs (headers) and the output's mtime at the time they
// were recorded, in a little-endian binary format:
// a magic+version header followed by length-prefixed path and deps
// records, the high bit of the length flagging which kind a record is.
package depslog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vklimov/forgebuild/pkg/clock"
	"github.com/vklimov/forgebuild/pkg/diskfs"
)

var magic = [4]byte{'D', 'P', 'L', 'G'}

const currentVersion uint32 = 4

// kindPathBit flags a record's length field as a path record; clear
// means a deps record.
const kindPathBit uint32 = 1 << 31

// Entry is one deps log record: the discovered inputs for Output as
// of Mtime.
type Entry struct {
	Output string
	Mtime  clock.Timestamp
	Inputs []string
}

// Log is the in-memory index of the on-disk deps log.
type Log struct {
	path    string
	disk    diskfs.Disk
	entries map[string]*Entry

	pathIDs map[string]uint32
	idPaths []string

	liveWrites    int
	headerWritten bool

	l *zap.SugaredLogger
}

func New(l *zap.Logger, disk diskfs.Disk, path string) *Log {
	return &Log{
		path:    path,
		disk:    disk,
		entries: make(map[string]*Entry),
		pathIDs: make(map[string]uint32),
		l:       l.Sugar(),
	}
}

func (lg *Log) Lookup(output string) (*Entry, bool) {
	e, ok := lg.entries[output]
	return e, ok
}

// Load parses the on-disk deps log, tolerating truncation: a partial
// trailing record is discarded rather than failing the load.
func (lg *Log) Load() (warning string, err error) {
	data, err := lg.disk.ReadFile(lg.path)
	if err != nil {
		if strings.Contains(err.Error(), "no such file") {
			return "", nil
		}
		return "", err
	}
	if len(data) > 0 {
		lg.headerWritten = true
	}
	if len(data) < 8 {
		if len(data) == 0 {
			return "", nil
		}
		return "deps log shorter than its header, treating as empty", nil
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return "deps log has no recognizable magic, treating as empty", nil
	}
	ver := binary.LittleEndian.Uint32(data[4:8])
	if ver != currentVersion {
		return fmt.Sprintf("deps log version %d is not the current version %d, treating as empty", ver, currentVersion), nil
	}

	lg.entries = make(map[string]*Entry)
	lg.pathIDs = make(map[string]uint32)
	lg.idPaths = nil

	off := 8
	for off+4 <= len(data) {
		sizeField := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		isPath := sizeField&kindPathBit != 0
		size := int(sizeField &^ kindPathBit)
		if off+size > len(data) {
			// Truncated final record; discard and stop.
			break
		}
		payload := data[off : off+size]
		off += size

		if isPath {
			if size < 4 {
				break
			}
			path := string(payload[:size-4])
			checksum := binary.LittleEndian.Uint32(payload[size-4:])
			id := uint32(len(lg.idPaths))
			if checksum != ^id {
				warning = "deps log path record checksum mismatch, treating as empty"
				lg.entries = make(map[string]*Entry)
				lg.pathIDs = make(map[string]uint32)
				lg.idPaths = nil
				break
			}
			lg.pathIDs[path] = id
			lg.idPaths = append(lg.idPaths, path)
			continue
		}

		if size < 12 || (size-12)%4 != 0 {
			break
		}
		outID := binary.LittleEndian.Uint32(payload[0:4])
		mtimeNano := int64(binary.LittleEndian.Uint64(payload[4:12]))
		nIns := (size - 12) / 4
		if int(outID) >= len(lg.idPaths) {
			continue // stale/corrupt reference; skip this record only
		}
		inputs := make([]string, 0, nIns)
		valid := true
		for i := 0; i < nIns; i++ {
			idOff := 12 + i*4
			id := binary.LittleEndian.Uint32(payload[idOff : idOff+4])
			if int(id) >= len(lg.idPaths) {
				valid = false
				break
			}
			inputs = append(inputs, lg.idPaths[id])
		}
		if !valid {
			continue
		}
		output := lg.idPaths[outID]
		lg.entries[output] = &Entry{Output: output, Mtime: clock.FromUnixNano(mtimeNano), Inputs: inputs}
	}

	return warning, nil
}

// Write appends a deps record, assigning fresh path ids for any new
// path encountered, per the path-record / deps-record split.
func (lg *Log) Write(e Entry) error {
	var buf bytes.Buffer
	if !lg.headerWritten {
		buf.Write(magic[:])
		var verBuf [4]byte
		binary.LittleEndian.PutUint32(verBuf[:], currentVersion)
		buf.Write(verBuf[:])
		lg.headerWritten = true
	}

	outID := lg.ensureID(&buf, e.Output)
	inIDs := make([]uint32, len(e.Inputs))
	for i, in := range e.Inputs {
		inIDs[i] = lg.ensureID(&buf, in)
	}

	payload := make([]byte, 12+4*len(inIDs))
	binary.LittleEndian.PutUint32(payload[0:4], outID)
	binary.LittleEndian.PutUint64(payload[4:12], uint64(e.Mtime.UnixNano()))
	for i, id := range inIDs {
		binary.LittleEndian.PutUint32(payload[12+4*i:16+4*i], id)
	}

	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(payload)))
	buf.Write(sizeBuf[:])
	buf.Write(payload)

	if err := lg.disk.AppendFile(lg.path, buf.Bytes()); err != nil {
		return err
	}
	lg.entries[e.Output] = &e
	lg.liveWrites++
	return nil
}

// ensureID returns path's id, appending a path record to buf (not yet
// flushed to disk) if path has not been seen before.
func (lg *Log) ensureID(buf *bytes.Buffer, path string) uint32 {
	if id, ok := lg.pathIDs[path]; ok {
		return id
	}
	id := uint32(len(lg.idPaths))
	lg.pathIDs[path] = id
	lg.idPaths = append(lg.idPaths, path)

	payload := append([]byte(path), make([]byte, 4)...)
	binary.LittleEndian.PutUint32(payload[len(payload)-4:], ^id)

	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(payload))|kindPathBit)
	buf.Write(sizeBuf[:])
	buf.Write(payload)
	return id
}

// Recompact rewrites the log, keeping only entries for liveOutputs
// and renumbering path ids densely.
func (lg *Log) Recompact(liveOutputs map[string]bool) error {
	newPathIDs := make(map[string]uint32)
	var newIDPaths []string
	var buf bytes.Buffer
	buf.Write(magic[:])
	var verBuf [4]byte
	binary.LittleEndian.PutUint32(verBuf[:], currentVersion)
	buf.Write(verBuf[:])

	ensure := func(path string) uint32 {
		if id, ok := newPathIDs[path]; ok {
			return id
		}
		id := uint32(len(newIDPaths))
		newPathIDs[path] = id
		newIDPaths = append(newIDPaths, path)
		payload := append([]byte(path), make([]byte, 4)...)
		binary.LittleEndian.PutUint32(payload[len(payload)-4:], ^id)
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(payload))|kindPathBit)
		buf.Write(sizeBuf[:])
		buf.Write(payload)
		return id
	}

	kept := make(map[string]*Entry)
	for out, e := range lg.entries {
		if liveOutputs != nil && !liveOutputs[out] {
			continue
		}
		outID := ensure(out)
		inIDs := make([]uint32, len(e.Inputs))
		for i, in := range e.Inputs {
			inIDs[i] = ensure(in)
		}
		payload := make([]byte, 12+4*len(inIDs))
		binary.LittleEndian.PutUint32(payload[0:4], outID)
		binary.LittleEndian.PutUint64(payload[4:12], uint64(e.Mtime.UnixNano()))
		for i, id := range inIDs {
			binary.LittleEndian.PutUint32(payload[12+4*i:16+4*i], id)
		}
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(payload)))
		buf.Write(sizeBuf[:])
		buf.Write(payload)
		kept[out] = e
	}

	if err := lg.disk.WriteFileAtomic(lg.path, buf.Bytes()); err != nil {
		return err
	}
	lg.entries = kept
	lg.pathIDs = newPathIDs
	lg.idPaths = newIDPaths
	lg.liveWrites = 0
	lg.headerWritten = true
	return nil
}

func (lg *Log) MaybeRecompact(liveOutputs map[string]bool) error {
	if lg.liveWrites <= 3*len(lg.entries)+8 {
		return nil
	}
	return lg.Recompact(liveOutputs)
}
