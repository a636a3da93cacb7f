// Package cmdhash computes the stable 64-bit command fingerprint used
// by both dependency scanning (to detect a changed command line) and
// the builder (to record it in the build log). xxhash is a faster,
// equally stable alternative to the standard library's fnv or crc64;
// its output does not vary between processes, so a hash written to
// the build log by one invocation can be compared by the next.
package cmdhash

import "github.com/cespare/xxhash/v2"

// Hash returns a stable digest of command; if rspfileContent is
// non-empty it is folded in so that an rspfile-only edit also forces
// a rebuild.
func Hash(command, rspfileContent string) uint64 {
	if rspfileContent == "" {
		return xxhash.Sum64String(command)
	}
	d := xxhash.New()
	d.WriteString(command)
	d.WriteString("\x00rspfile\x00")
	d.WriteString(rspfileContent)
	return d.Sum64()
}
