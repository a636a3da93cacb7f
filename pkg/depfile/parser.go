// Package depfile parses the Makefile subset emitted by C/C++
// compilers to declare discovered header dependencies. It is invoked
// by pkg/depscan as a black-box syntax parser, not part of the core
// dirtiness algorithm itself.
package depfile

import (
	"fmt"
	"strings"
)

// MultiOutputPolicy controls how a depfile naming more than one
// distinct output path is handled.
type MultiOutputPolicy int

const (
	WarnMultiOutput MultiOutputPolicy = iota
	ErrMultiOutput
)

// File is the result of a successful parse: a single primary output
// and its merged, order-preserved, deduplicated list of inputs.
type File struct {
	Output  string
	Inputs  []string
	Warning string // non-empty on a tolerated anomaly, e.g. multiple targets
}

// Options configures parsing behavior.
type Options struct {
	MultiOutputPolicy MultiOutputPolicy
}

type token struct {
	text   string
	isColon bool
}

// Parse parses the NUL-terminated depfile contents of buf.
func Parse(buf []byte, opts Options) (*File, error) {
	text := string(buf)
	if i := strings.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}
	// Collapse backslash-newline (and backslash-CRLF) continuations
	// into a single space before tokenizing line by line.
	text = strings.ReplaceAll(text, "\\\r\n", " ")
	text = strings.ReplaceAll(text, "\\\n", " ")

	var allTargets []string
	seenTarget := make(map[string]bool)
	var inputs []string
	seenInput := make(map[string]bool)

	for _, line := range strings.Split(text, "\n") {
		toks := tokenizeLine(line)
		if len(toks) == 0 {
			continue
		}
		colonIdx := -1
		for i, t := range toks {
			if t.isColon {
				colonIdx = i
				break
			}
		}
		if colonIdx == -1 {
			return nil, fmt.Errorf("expected ':' in depfile")
		}
		for _, t := range toks[:colonIdx] {
			if !seenTarget[t.text] {
				seenTarget[t.text] = true
				allTargets = append(allTargets, t.text)
			}
		}
		for _, t := range toks[colonIdx+1:] {
			if !seenInput[t.text] {
				seenInput[t.text] = true
				inputs = append(inputs, t.text)
			}
		}
	}

	if len(allTargets) == 0 {
		return nil, fmt.Errorf("depfile has no targets")
	}

	f := &File{Output: allTargets[0], Inputs: inputs}
	if len(allTargets) > 1 {
		msg := fmt.Sprintf("depfile has multiple output paths (%s)", strings.Join(allTargets, ", "))
		if opts.MultiOutputPolicy == ErrMultiOutput {
			return nil, fmt.Errorf("depfile has multiple output paths")
		}
		f.Warning = msg
	}
	return f, nil
}

// tokenizeLine splits one already-continuation-collapsed logical line
// into whitespace-separated tokens, honoring the depfile escapes:
// "\ " for a literal space, "\#" for a literal '#', "$$" for a
// literal '$', and an unescaped '#' starting a trailing comment.
func tokenizeLine(line string) []token {
	var toks []token
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, token{text: cur.String()})
			cur.Reset()
		}
	}

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\\' && i+1 < len(runes) && runes[i+1] == ' ':
			cur.WriteRune(' ')
			i++
		case c == '\\' && i+1 < len(runes) && runes[i+1] == '#':
			cur.WriteRune('#')
			i++
		case c == '$' && i+1 < len(runes) && runes[i+1] == '$':
			cur.WriteRune('$')
			i++
		case c == '#':
			flush()
			return toks // rest of line is a comment
		case c == ':':
			flush()
			toks = append(toks, token{isColon: true})
		case c == ' ' || c == '\t' || c == '\r':
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return toks
}
