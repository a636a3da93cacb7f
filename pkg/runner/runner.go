// Package runner implements the concurrent command execution layer:
// spawning edge commands, collecting their results, and supporting
// cancellation. CommandRunner is the capability set the builder
// drives; Real executes real processes, Fake is a deterministic test
// double satisfying the same interface.
package runner

import "github.com/vklimov/forgebuild/pkg/graph"

// Status is a finished command's outcome.
type Status int

const (
	Success Status = iota
	Failure
	Interrupted
)

// Result is what WaitForCommand reports for one finished edge.
type Result struct {
	EdgeID graph.EdgeID
	Status Status
	Output []byte
}

// CommandRunner is the capability set the builder drives commands through.
type CommandRunner interface {
	CanRunMore() bool
	StartCommand(edge *graph.Edge) error
	WaitForCommand() (Result, bool)
	Abort()
	GetActiveEdges() []graph.EdgeID
}
