package graph

import (
	"fmt"

	"github.com/vklimov/forgebuild/pkg/clock"
)

// State is the arena owning every Node and Edge for the lifetime of
// the process. All relations between nodes and edges are integer
// indices into State's slices.
type State struct {
	Nodes []*Node
	Edges []*Edge
	Pools map[string]*Pool

	pathToNode map[string]NodeID
}

func New() *State {
	s := &State{
		pathToNode: make(map[string]NodeID),
		Pools:      make(map[string]*Pool),
	}
	s.Pools[ConsolePoolName] = NewConsolePool()
	return s
}

// GetNode returns the node for path, creating it on first reference
// from a manifest edge or a discovered dependency.
func (s *State) GetNode(path string) NodeID {
	path = CanonicalizePath(path)
	if id, ok := s.pathToNode[path]; ok {
		return id
	}
	id := NodeID(len(s.Nodes))
	s.Nodes = append(s.Nodes, &Node{
		ID:     id,
		Path:   path,
		InEdge: NoEdge,
	})
	s.pathToNode[path] = id
	return id
}

// LookupNode returns the node for path without creating it.
func (s *State) LookupNode(path string) (NodeID, bool) {
	id, ok := s.pathToNode[CanonicalizePath(path)]
	return id, ok
}

func (s *State) Node(id NodeID) *Node {
	if id == NoNode {
		return nil
	}
	return s.Nodes[id]
}

func (s *State) Edge(id EdgeID) *Edge {
	if id == NoEdge {
		return nil
	}
	return s.Edges[id]
}

// AddPool registers a named concurrency group. Re-registering the
// console pool is a no-op; it always exists with depth 1.
func (s *State) AddPool(name string, depth int) *Pool {
	if name == ConsolePoolName {
		return s.Pools[ConsolePoolName]
	}
	p := NewPool(name, depth)
	s.Pools[name] = p
	return p
}

// EdgeSpec describes one rule application to add to the graph.
type EdgeSpec struct {
	Rule *Rule

	ExplicitIn  []string
	ImplicitIn  []string
	OrderOnlyIn []string

	ExplicitOut []string
	ImplicitOut []string

	PoolName string
	Dyndep   string // path of a dyndep-bound input, or ""
}

// AddEdge creates a new edge from spec, wiring node in/out-edge lists.
// It enforces the "exactly one edge owns each output node" invariant.
func (s *State) AddEdge(spec EdgeSpec) (*Edge, error) {
	e := &Edge{
		ID:           EdgeID(len(s.Edges)),
		Rule:         spec.Rule,
		Dyndep:       NoNode,
		PreRunMtimes: make(map[NodeID]clock.Timestamp),
	}

	for _, p := range spec.ExplicitIn {
		e.Inputs = append(e.Inputs, s.GetNode(p))
	}
	e.ExplicitEnd = len(e.Inputs)
	for _, p := range spec.ImplicitIn {
		e.Inputs = append(e.Inputs, s.GetNode(p))
	}
	e.ImplicitEnd = len(e.Inputs)
	for _, p := range spec.OrderOnlyIn {
		e.Inputs = append(e.Inputs, s.GetNode(p))
	}

	for _, p := range spec.ExplicitOut {
		e.Outputs = append(e.Outputs, s.GetNode(p))
	}
	e.ImplicitOutsStart = len(e.Outputs)
	for _, p := range spec.ImplicitOut {
		e.Outputs = append(e.Outputs, s.GetNode(p))
	}

	if len(e.Outputs) == 0 {
		return nil, fmt.Errorf("edge for rule %q has no outputs", ruleName(spec.Rule))
	}

	e.IsPhony = spec.Rule == nil || spec.Rule.Command == ""
	e.Restat = spec.Rule != nil && spec.Rule.Restat

	if spec.PoolName != "" {
		pool, ok := s.Pools[spec.PoolName]
		if !ok {
			return nil, fmt.Errorf("unknown pool %q", spec.PoolName)
		}
		e.Pool = pool
	}

	if spec.Dyndep != "" {
		e.Dyndep = s.GetNode(spec.Dyndep)
	}

	for _, out := range e.Outputs {
		node := s.Nodes[out]
		if node.InEdge != NoEdge && node.InEdge != e.ID {
			return nil, fmt.Errorf("multiple rules generate %s", node.Path)
		}
		node.InEdge = e.ID
		if e.IsPhony {
			node.Phony = true
		}
	}

	s.Edges = append(s.Edges, e)

	for _, in := range e.Inputs {
		node := s.Nodes[in]
		node.OutEdges = append(node.OutEdges, e.ID)
	}

	return e, nil
}

func ruleName(r *Rule) string {
	if r == nil {
		return "phony"
	}
	return r.Name
}
