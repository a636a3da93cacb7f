// Package graph is the build-graph data model: nodes, edges, pools and
// the arena ("State") that owns them by integer id. Nodes reference
// edges and edges reference nodes, so the cycle is represented as
// integer indices (NodeID, EdgeID) into a central State rather than as
// direct pointers, keeping iteration, mutation and cycle detection
// borrow-safe.
package graph

import "github.com/vklimov/forgebuild/pkg/clock"

// NodeID indexes into State.Nodes. The zero value is a valid id
// (State.Nodes[0]); absence is represented by NoNode, not the zero id.
type NodeID int

// EdgeID indexes into State.Edges.
type EdgeID int

const (
	NoNode NodeID = -1
	NoEdge EdgeID = -1
)

// DepsType selects how an edge's discovered dependencies are recorded.
type DepsType int

const (
	DepsNone DepsType = iota
	DepsGCC
	DepsMSVC
)

// Rule is the command template an edge binds to: everything about how
// to run it that does not vary per invocation of the rule.
type Rule struct {
	Name           string
	Command        string // already expanded for this edge; manifest-language expansion is out of scope here
	Depfile        string // expanded path, or "" if the rule has none
	DepsType       DepsType
	Restat         bool
	RspFile        string
	RspFileContent string
	PoolName       string // "" means no pool constraint
}

// Mark is the DFS visitation state used for cycle detection.
type Mark int8

const (
	MarkUnvisited Mark = iota
	MarkVisiting
	MarkVisited
)

// Node is a single build artifact identified by its canonical path.
type Node struct {
	ID   NodeID
	Path string

	// Mtime and Statted cache the filesystem state for this
	// invocation; Statted is false until the node has been stat'd.
	Mtime    clock.Timestamp
	Statted  bool

	Dirty   bool
	Missing bool

	// Phony marks a node that is the output of a phony edge. Implicit
	// outputs added from a dyndep file are not marked.
	Phony bool

	InEdge   EdgeID
	OutEdges []EdgeID
}

// Edge is one application of a Rule, producing Outputs from Inputs.
type Edge struct {
	ID   EdgeID
	Rule *Rule
	Pool *Pool

	// Inputs is ordered explicit, then implicit, then order-only.
	// ExplicitEnd and ImplicitEnd are the region boundaries.
	Inputs       []NodeID
	ExplicitEnd  int
	ImplicitEnd  int

	// Outputs is ordered explicit, then implicit. ImplicitOutsStart
	// is the boundary.
	Outputs          []NodeID
	ImplicitOutsStart int

	OutputsReady bool
	DepsLoaded   bool
	DepsMissing  bool
	IsPhony      bool

	// Restat starts as Rule.Restat and may be set true by a dyndep
	// binding, so a shared Rule is never mutated
	// by a single edge's late-bound restat flag.
	Restat bool

	// OutputStale is set by RecomputeDirty: true when this edge would
	// be dirty even ignoring its inputs' own dirty/missing state
	// (stale hash, advanced input mtime, stale deps-log entry). The
	// plan consults it to decide whether a restat survivor may safely
	// cancel this edge.
	OutputStale bool

	// Dyndep, if set, is the node whose contents (once available)
	// add implicit inputs/outputs to this edge and may set Restat.
	Dyndep       NodeID
	DyndepLoaded bool

	Mark Mark

	// PreRunMtimes snapshots each output's mtime immediately before
	// the command runs, consulted by restat handling.
	PreRunMtimes map[NodeID]clock.Timestamp

	StartTimeMS int64
	EndTimeMS   int64
}

func (e *Edge) ExplicitInputs() []NodeID { return e.Inputs[:e.ExplicitEnd] }
func (e *Edge) ImplicitInputs() []NodeID { return e.Inputs[e.ExplicitEnd:e.ImplicitEnd] }
func (e *Edge) OrderOnlyInputs() []NodeID { return e.Inputs[e.ImplicitEnd:] }
func (e *Edge) NonOrderOnlyInputs() []NodeID { return e.Inputs[:e.ImplicitEnd] }
func (e *Edge) ExplicitOutputs() []NodeID { return e.Outputs[:e.ImplicitOutsStart] }
func (e *Edge) ImplicitOutputs() []NodeID { return e.Outputs[e.ImplicitOutsStart:] }

// AddImplicitInput inserts a dependency into the implicit region,
// after any existing implicit inputs and before the order-only
// region: new implicit inputs are appended before
// order-only, matching the depfile-append ordering rule.
func (e *Edge) AddImplicitInput(id NodeID) {
	e.Inputs = append(e.Inputs, NoNode) // grow
	copy(e.Inputs[e.ImplicitEnd+1:], e.Inputs[e.ImplicitEnd:len(e.Inputs)-1])
	e.Inputs[e.ImplicitEnd] = id
	e.ImplicitEnd++
}

func (e *Edge) AddImplicitOutput(id NodeID) {
	e.Outputs = append(e.Outputs, id)
}

func (e *Edge) HasInput(id NodeID) bool {
	for _, in := range e.Inputs {
		if in == id {
			return true
		}
	}
	return false
}

func (e *Edge) HasOutput(id NodeID) bool {
	for _, out := range e.Outputs {
		if out == id {
			return true
		}
	}
	return false
}
