// Package depscan implements RecomputeDirty: the post-order
// DFS over in-edges that decides which outputs are stale, loading
// depfiles, the deps log and dyndep files as it goes.
package depscan

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vklimov/forgebuild/pkg/buildcfg"
	"github.com/vklimov/forgebuild/pkg/buildlog"
	"github.com/vklimov/forgebuild/pkg/clock"
	"github.com/vklimov/forgebuild/pkg/cmdhash"
	"github.com/vklimov/forgebuild/pkg/depfile"
	"github.com/vklimov/forgebuild/pkg/depslog"
	"github.com/vklimov/forgebuild/pkg/diskfs"
	"github.com/vklimov/forgebuild/pkg/dyndep"
	"github.com/vklimov/forgebuild/pkg/graph"
)

// Scanner owns the disk and log handles RecomputeDirty consults; one
// Scanner is built per Build() invocation and reused across every
// requested target, so a dyndep file shared by several edges is
// parsed only once.
type Scanner struct {
	state     *graph.State
	disk      diskfs.Disk
	buildLog  *buildlog.Log
	depsLog   *depslog.Log
	cfg       buildcfg.Config
	l         *zap.SugaredLogger

	dyndepGroup singleflight.Group
	dyndepCache map[string]*dyndep.File
}

func NewScanner(state *graph.State, disk diskfs.Disk, buildLog *buildlog.Log, depsLog *depslog.Log, cfg buildcfg.Config, l *zap.Logger) *Scanner {
	return &Scanner{
		state:       state,
		disk:        disk,
		buildLog:    buildLog,
		depsLog:     depsLog,
		cfg:         cfg,
		l:           l.Sugar(),
		dyndepCache: make(map[string]*dyndep.File),
	}
}

// RecomputeDirty walks root's in-edge subtree.
func (s *Scanner) RecomputeDirty(root graph.NodeID) error {
	node := s.state.Node(root)
	if node.InEdge == graph.NoEdge {
		return s.statNode(node)
	}
	return s.recomputeEdge(node.InEdge, nil)
}

func (s *Scanner) recomputeEdge(id graph.EdgeID, stack []graph.EdgeID) error {
	edge := s.state.Edge(id)
	switch edge.Mark {
	case graph.MarkVisited:
		return nil
	case graph.MarkVisiting:
		return s.cycleError(append(stack, id))
	}
	edge.Mark = graph.MarkVisiting
	defer func() { edge.Mark = graph.MarkVisited }()
	stack = append(stack, id)

	if edge.Dyndep != graph.NoNode {
		if err := s.loadDyndepIfReady(edge, stack); err != nil {
			return err
		}
	}

	for _, inID := range edge.Inputs {
		in := s.state.Node(inID)
		if in.InEdge == edge.ID {
			// Self-referential phony ("build a: phony a"): tolerated,
			// treated as clean, never recursed into.
			continue
		}
		if in.InEdge != graph.NoEdge {
			if err := s.recomputeEdge(in.InEdge, stack); err != nil {
				return err
			}
			continue
		}
		if err := s.statNode(in); err != nil {
			return err
		}
	}

	if edge.Rule != nil && (edge.Rule.Depfile != "" || edge.Rule.DepsType != graph.DepsNone) {
		if err := s.loadDeps(edge, stack); err != nil {
			return err
		}
	}

	dirty, err := s.computeDirty(edge)
	if err != nil {
		return err
	}
	for _, outID := range edge.Outputs {
		s.state.Node(outID).Dirty = dirty
	}
	edge.OutputsReady = !dirty
	return nil
}

func (s *Scanner) cycleError(stack []graph.EdgeID) error {
	var names []string
	for _, id := range stack {
		names = append(names, primaryOutputPath(s.state, s.state.Edge(id)))
	}
	return fmt.Errorf("dependency cycle: %s", strings.Join(names, " -> "))
}

func (s *Scanner) statNode(n *graph.Node) error {
	if n.Statted {
		return nil
	}
	ts, err := s.disk.Stat(n.Path)
	n.Statted = true
	if err != nil {
		n.Mtime = clock.Err()
		return fmt.Errorf("stat %s: %w", n.Path, err)
	}
	n.Mtime = ts
	n.Missing = ts.IsMissing()
	return nil
}

func primaryOutputPath(state *graph.State, edge *graph.Edge) string {
	outs := edge.ExplicitOutputs()
	if len(outs) == 0 {
		outs = edge.Outputs
	}
	return state.Node(outs[0]).Path
}

// loadDyndepIfReady recurses into the dyndep node's own producer (it
// may need to be built this invocation) and, once the file exists on
// disk, applies it to edge.
func (s *Scanner) loadDyndepIfReady(edge *graph.Edge, stack []graph.EdgeID) error {
	dd := s.state.Node(edge.Dyndep)
	if dd.InEdge != graph.NoEdge {
		if err := s.recomputeEdge(dd.InEdge, stack); err != nil {
			return err
		}
	} else if err := s.statNode(dd); err != nil {
		return err
	}

	if dd.Missing {
		if dd.InEdge == graph.NoEdge {
			return fmt.Errorf("loading '%s': no such file", dd.Path)
		}
		// dd will be produced later in this build; the builder's
		// applyReadyDyndeps applies it once it exists.
		return nil
	}
	return s.loadDyndepFile(edge, dd.Path)
}

func (s *Scanner) loadDyndepFile(edge *graph.Edge, path string) error {
	file, ok := s.dyndepCache[path]
	if !ok {
		v, err, _ := s.dyndepGroup.Do(path, func() (interface{}, error) {
			data, rerr := s.disk.ReadFile(path)
			if rerr != nil {
				return nil, rerr
			}
			return dyndep.Parse(data)
		})
		if err != nil {
			return fmt.Errorf("loading '%s': %w", path, err)
		}
		file = v.(*dyndep.File)
		s.dyndepCache[path] = file
	}
	// Inputs added here are still picked up by recomputeEdge's own
	// input loop below, since loadDyndepIfReady runs before it.
	_, err := s.ApplyDyndep(edge, file)
	return err
}

// ApplyDyndep wires file's entry for edge's primary output into the
// graph once a dyndep file becomes available. It is idempotent and exported so the
// builder can call it again once a dyndep file finishes building mid-run.
// It returns the IDs of any newly added implicit inputs: the caller
// must recompute dirtiness for these before resyncing the plan, since
// a node this edge never referenced before is, by construction, one
// recomputeEdge never visited and never will on its own.
func (s *Scanner) ApplyDyndep(edge *graph.Edge, file *dyndep.File) ([]graph.NodeID, error) {
	if edge.DyndepLoaded {
		return nil, nil
	}
	entry, ok := file.Entries[primaryOutputPath(s.state, edge)]
	if !ok {
		edge.DyndepLoaded = true
		return nil, nil
	}
	var newInputs []graph.NodeID
	for _, p := range entry.ImplicitInputs {
		id := s.state.GetNode(p)
		if edge.HasInput(id) {
			continue
		}
		edge.AddImplicitInput(id)
		node := s.state.Node(id)
		node.OutEdges = append(node.OutEdges, edge.ID)
		newInputs = append(newInputs, id)
	}
	for _, p := range entry.ImplicitOutputs {
		id := s.state.GetNode(p)
		node := s.state.Node(id)
		if node.InEdge != graph.NoEdge && node.InEdge != edge.ID {
			return nil, fmt.Errorf("multiple rules generate %s", node.Path)
		}
		node.InEdge = edge.ID
		if !edge.HasOutput(id) {
			edge.AddImplicitOutput(id)
		}
	}
	if entry.Restat {
		edge.Restat = true
	}
	edge.DyndepLoaded = true
	return newInputs, nil
}

func (s *Scanner) loadDeps(edge *graph.Edge, stack []graph.EdgeID) error {
	if edge.DepsLoaded {
		return nil
	}
	edge.DepsLoaded = true

	if edge.Rule.DepsType != graph.DepsNone {
		out := primaryOutputPath(s.state, edge)
		if entry, ok := s.depsLog.Lookup(out); ok {
			for _, p := range entry.Inputs {
				if err := s.addDiscoveredInput(edge, p, stack); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if edge.Rule.Depfile == "" {
		return nil
	}

	data, err := s.disk.ReadFile(edge.Rule.Depfile)
	if err != nil {
		edge.DepsMissing = true
		return nil
	}
	df, perr := depfile.Parse(data, depfile.Options{MultiOutputPolicy: s.cfg.MultiOutput})
	if perr != nil {
		return fmt.Errorf("depfile %s: %w", edge.Rule.Depfile, perr)
	}
	if df.Warning != "" && s.cfg.Explain {
		s.l.Debugf("depfile %s: %s", edge.Rule.Depfile, df.Warning)
	}
	for _, p := range df.Inputs {
		if err := s.addDiscoveredInput(edge, p, stack); err != nil {
			return err
		}
	}
	return nil
}

// addDiscoveredInput appends a depfile- or deps-log-discovered path
// to edge's implicit region and, if it is newly created, recurses
// into its producer so the rest of the algorithm sees accurate state.
func (s *Scanner) addDiscoveredInput(edge *graph.Edge, path string, stack []graph.EdgeID) error {
	id := s.state.GetNode(path)
	if edge.HasInput(id) {
		return nil
	}
	edge.AddImplicitInput(id)
	node := s.state.Node(id)
	node.OutEdges = append(node.OutEdges, edge.ID)
	if node.InEdge != graph.NoEdge {
		return s.recomputeEdge(node.InEdge, stack)
	}
	return s.statNode(node)
}

func (s *Scanner) computeDirty(edge *graph.Edge) (bool, error) {
	if edge.IsPhony {
		return s.computePhonyDirty(edge)
	}

	if edge.DepsMissing {
		for _, outID := range edge.Outputs {
			if err := s.statNode(s.state.Node(outID)); err != nil {
				return false, err
			}
		}
		edge.OutputStale = true
		if s.cfg.Explain {
			s.l.Debugf("%s dirty: depfile missing", primaryOutputPath(s.state, edge))
		}
		return true, nil
	}

	inputDirty := false
	for _, id := range edge.NonOrderOnlyInputs() {
		in := s.state.Node(id)
		if in.Dirty || in.Missing {
			inputDirty = true
			break
		}
	}

	mostRecentInput := clock.Missing()
	for _, id := range edge.NonOrderOnlyInputs() {
		in := s.state.Node(id)
		if in.Mtime.After(mostRecentInput) {
			mostRecentInput = in.Mtime
		}
	}

	hash := cmdhash.Hash(edge.Rule.Command, edge.Rule.RspFileContent)

	outputStale := false
	for _, outID := range edge.Outputs {
		out := s.state.Node(outID)
		if err := s.statNode(out); err != nil {
			return false, err
		}

		logEntry, hasLog := s.buildLog.Lookup(out.Path)

		outDirty := false
		switch {
		case out.Missing:
			outDirty = true
		case out.Mtime.Before(mostRecentInput):
			// The build log records a restat edge's most-recent input
			// mtime at the time it last ran, not its output's own
			// mtime (which a restat command may leave untouched).
			// This check alone treats the edge as clean as long as no
			// input has advanced past that recorded value; it must
			// not suppress the hash/deps-log checks below.
			if !(edge.Restat && hasLog && logEntry.Mtime.Equal(mostRecentInput)) {
				outDirty = true
			}
		}

		if hasLog && logEntry.CommandHash != hash {
			outDirty = true
		}

		if depsEntry, hasDeps := s.depsLog.Lookup(out.Path); hasDeps && depsEntry.Mtime.Before(mostRecentInput) {
			outDirty = true
		}

		if outDirty {
			outputStale = true
		}
	}
	edge.OutputStale = outputStale

	dirty := inputDirty || outputStale
	if dirty && s.cfg.Explain {
		reason := "output stale"
		if inputDirty {
			reason = "input dirty or missing"
		}
		s.l.Debugf("%s dirty: %s", primaryOutputPath(s.state, edge), reason)
	}
	return dirty, nil
}

func (s *Scanner) computePhonyDirty(edge *graph.Edge) (bool, error) {
	if len(edge.NonOrderOnlyInputs()) == 0 {
		for _, outID := range edge.Outputs {
			if err := s.statNode(s.state.Node(outID)); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	dirty := false
	maxMtime := clock.Missing()
	for _, id := range edge.NonOrderOnlyInputs() {
		in := s.state.Node(id)
		if in.Dirty || in.Missing {
			dirty = true
		}
		if in.Mtime.After(maxMtime) {
			maxMtime = in.Mtime
		}
	}
	for _, outID := range edge.Outputs {
		out := s.state.Node(outID)
		out.Mtime = maxMtime
		out.Statted = true
	}
	return dirty, nil
}
