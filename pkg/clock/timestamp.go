// Package clock defines the opaque, totally-ordered timestamp used to
// compare node and output mtimes without relying on wall-clock seconds.
package clock

import "time"

type kind int8

const (
	kindNormal kind = iota
	kindMissing
	kindErr
)

// Timestamp is a totally ordered point in time with two sentinels:
// Missing (sorts before every real time) and Err (sorts after every
// real time). Missing represents a stat() that found nothing; Err
// represents a stat() that failed.
type Timestamp struct {
	t    time.Time
	kind kind
}

// Zero is the Unix epoch as a real (non-sentinel) timestamp, distinct
// from Missing.
var Zero = Timestamp{t: time.Unix(0, 0)}

// Missing returns the sentinel for "the path does not exist".
func Missing() Timestamp { return Timestamp{kind: kindMissing} }

// Err returns the sentinel for "stat failed with an error".
func Err() Timestamp { return Timestamp{kind: kindErr} }

// FromTime wraps a concrete modification time.
func FromTime(t time.Time) Timestamp { return Timestamp{t: t, kind: kindNormal} }

// FromUnixNano reconstructs a Timestamp from a log-stored integer, the
// inverse of UnixNano. A non-positive value maps to Missing, matching
// the on-disk build log's "mtime" sentinel.
func FromUnixNano(ns int64) Timestamp {
	if ns <= 0 {
		return Missing()
	}
	return FromTime(time.Unix(0, ns))
}

func (t Timestamp) IsMissing() bool { return t.kind == kindMissing }
func (t Timestamp) IsErr() bool     { return t.kind == kindErr }

// UnixNano returns the nanosecond epoch time for a normal timestamp, or
// 0 for Missing. Callers must not persist Err.
func (t Timestamp) UnixNano() int64 {
	if t.kind != kindNormal {
		return 0
	}
	return t.t.UnixNano()
}

func (t Timestamp) Time() time.Time { return t.t }

func (t Timestamp) rank() int {
	switch t.kind {
	case kindMissing:
		return 0
	case kindErr:
		return 2
	default:
		return 1
	}
}

// Compare returns -1, 0 or 1 as t is before, equal to, or after o.
func (t Timestamp) Compare(o Timestamp) int {
	rt, ro := t.rank(), o.rank()
	if rt != ro {
		if rt < ro {
			return -1
		}
		return 1
	}
	if rt != 1 {
		return 0 // both sentinels of the same kind
	}
	switch {
	case t.t.Before(o.t):
		return -1
	case t.t.After(o.t):
		return 1
	default:
		return 0
	}
}

func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }
func (t Timestamp) After(o Timestamp) bool  { return t.Compare(o) > 0 }
func (t Timestamp) Equal(o Timestamp) bool  { return t.Compare(o) == 0 }

func (t Timestamp) String() string {
	switch t.kind {
	case kindMissing:
		return "<missing>"
	case kindErr:
		return "<error>"
	default:
		return t.t.String()
	}
}
