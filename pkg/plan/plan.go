// Package plan implements the build plan state machine: which
// edges are wanted, which are ready, and how pool capacity and
// order-only dependencies gate when an edge may start.
package plan

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vklimov/forgebuild/pkg/graph"
)

// Want is an edge's scheduling state.
type Want int8

const (
	WantNothing Want = iota
	WantToStart
	WantToFinish
)

// Plan tracks wanted/ready edges for the current invocation. It is
// driven entirely by the single builder goroutine, so it needs
// no internal locking.
type Plan struct {
	state *graph.State

	want    map[graph.EdgeID]Want
	pending map[graph.EdgeID]int           // count of not-yet-finished producer edges this edge waits on
	waiters map[graph.EdgeID][]graph.EdgeID // producer edge id -> dependent edges waiting on it

	// producerChanged records, per dependent edge, whether any
	// producer that has finished so far actually changed its output.
	// A dependent may have several wanted producers; the restat
	// cancellation decision below must reflect all of them, not just
	// whichever one happens to finish last.
	producerChanged map[graph.EdgeID]bool

	ready    []graph.EdgeID
	readySet map[graph.EdgeID]bool

	commandEdges int
	wantedEdges  int

	l *zap.SugaredLogger
}

func New(state *graph.State, l *zap.Logger) *Plan {
	return &Plan{
		state:           state,
		want:            make(map[graph.EdgeID]Want),
		pending:         make(map[graph.EdgeID]int),
		waiters:         make(map[graph.EdgeID][]graph.EdgeID),
		producerChanged: make(map[graph.EdgeID]bool),
		readySet:        make(map[graph.EdgeID]bool),
		l:               l.Sugar(),
	}
}

func (p *Plan) CommandEdges() int { return p.commandEdges }
func (p *Plan) WantedEdges() int  { return p.wantedEdges }
func (p *Plan) MoreToDo() bool    { return p.wantedEdges > 0 }

func (p *Plan) Want(id graph.EdgeID) Want {
	if w, ok := p.want[id]; ok {
		return w
	}
	return WantNothing
}

// AddTarget walks node's producer subtree backwards, wanting every
// edge that must run to bring node up to date.
func (p *Plan) AddTarget(node graph.NodeID) error {
	n := p.state.Node(node)
	if n.InEdge == graph.NoEdge {
		if n.Missing {
			return fmt.Errorf("%s: no rule to make target", n.Path)
		}
		return nil
	}
	if !n.Dirty {
		return nil
	}
	return p.addEdge(n.InEdge)
}

// addEdge wants id and recurses into the producers of its dirty
// inputs. Duplicate walk paths are short-circuited by want membership.
func (p *Plan) addEdge(id graph.EdgeID) error {
	if _, ok := p.want[id]; ok {
		return nil
	}
	edge := p.state.Edge(id)
	p.want[id] = WantToStart
	p.wantedEdges++
	if !edge.IsPhony {
		p.commandEdges++
	}

	producers := make(map[graph.EdgeID]bool)
	collect := func(inID graph.NodeID) error {
		in := p.state.Node(inID)
		if in.InEdge == graph.NoEdge {
			if in.Missing {
				return fmt.Errorf("%s: missing and no known rule to make it", in.Path)
			}
			return nil
		}
		if !in.Dirty {
			return nil
		}
		if !producers[in.InEdge] {
			producers[in.InEdge] = true
			if err := p.addEdge(in.InEdge); err != nil {
				return err
			}
		}
		return nil
	}
	for _, inID := range edge.NonOrderOnlyInputs() {
		if err := collect(inID); err != nil {
			return err
		}
	}
	// Order-only inputs gate scheduling but never dirtiness; they
	// only enter want if their own producer is separately dirty.
	for _, inID := range edge.OrderOnlyInputs() {
		if err := collect(inID); err != nil {
			return err
		}
	}

	for prodID := range producers {
		p.waiters[prodID] = append(p.waiters[prodID], id)
	}
	p.pending[id] = len(producers)
	if len(producers) == 0 {
		p.promoteToReady(id)
	}
	return nil
}

func (p *Plan) promoteToReady(id graph.EdgeID) {
	if p.readySet[id] {
		return
	}
	p.readySet[id] = true
	p.ready = append(p.ready, id)
}

// FindWork pops an arbitrary ready edge, admitting it against pool
// capacity. An edge whose pool is full is parked in the pool's
// delayed queue instead of returned.
func (p *Plan) FindWork() (graph.EdgeID, bool) {
	for len(p.ready) > 0 {
		id := p.ready[0]
		p.ready = p.ready[1:]
		delete(p.readySet, id)

		edge := p.state.Edge(id)
		if edge.Pool != nil && !edge.Pool.HasCapacity() {
			edge.Pool.Delayed = append(edge.Pool.Delayed, id)
			continue
		}
		if edge.Pool != nil {
			edge.Pool.CurrentUse++
		}
		p.want[id] = WantToFinish
		return id, true
	}
	return graph.NoEdge, false
}

// EdgeFinished records id's completion and propagates readiness to
// its dependents. cleanDespiteRun is the restat verdict computed by
// the builder: the command ran but none of its outputs' mtimes
// advanced.
func (p *Plan) EdgeFinished(id graph.EdgeID, success bool, cleanDespiteRun bool) {
	edge := p.state.Edge(id)
	delete(p.want, id)
	delete(p.pending, id)
	p.wantedEdges--
	if !edge.IsPhony {
		p.commandEdges--
	}

	if edge.Pool != nil {
		edge.Pool.CurrentUse--
		if len(edge.Pool.Delayed) > 0 {
			next := edge.Pool.Delayed[0]
			edge.Pool.Delayed = edge.Pool.Delayed[1:]
			p.promoteToReady(next)
		}
	}

	if !success {
		// Outputs remain dirty; dependents stay pending forever unless
		// the builder decides to abort (failures_allowed exhausted).
		return
	}

	for _, outID := range edge.Outputs {
		p.state.Node(outID).Dirty = false
	}
	p.finishProducer(id, !cleanDespiteRun)
}

// finishProducer notifies id's dependents that it is done. A
// dependent is only cancelled once every one of its producers has
// finished without changing its output (tracked cumulatively in
// producerChanged, since FindWork order means any of them could be
// the one that drops pending to zero) and it has no other cause to
// be dirty (edge.OutputStale) — otherwise it is scheduled to run.
func (p *Plan) finishProducer(id graph.EdgeID, outputsChanged bool) {
	waiters := p.waiters[id]
	delete(p.waiters, id)

	for _, depID := range waiters {
		if _, wanted := p.want[depID]; !wanted {
			continue
		}
		if outputsChanged {
			p.producerChanged[depID] = true
		}
		if p.pending[depID] > 0 {
			p.pending[depID]--
		}
		if p.pending[depID] > 0 {
			continue
		}

		dep := p.state.Edge(depID)
		changed := p.producerChanged[depID]
		delete(p.producerChanged, depID)
		if !changed && !dep.OutputStale {
			p.cancelEdge(depID)
			continue
		}
		p.promoteToReady(depID)
	}
}

// cancelEdge removes a dependent that a restat survivor proved
// unnecessary. Its outputs are left clean and its own dependents are
// notified as if it had finished with unchanged outputs.
func (p *Plan) cancelEdge(id graph.EdgeID) {
	edge := p.state.Edge(id)
	delete(p.want, id)
	delete(p.pending, id)
	p.wantedEdges--
	if !edge.IsPhony {
		p.commandEdges--
	}
	for _, outID := range edge.Outputs {
		p.state.Node(outID).Dirty = false
	}
	p.finishProducer(id, false)
}

// DyndepWaiters returns still-wanted, not-yet-loaded edges bound to
// node via Dyndep, so the builder can apply a just-finished dyndep
// file before those edges are scheduled.
func (p *Plan) DyndepWaiters(node graph.NodeID) []graph.EdgeID {
	var out []graph.EdgeID
	for id := range p.want {
		e := p.state.Edge(id)
		if e.Dyndep == node && !e.DyndepLoaded {
			out = append(out, id)
		}
	}
	return out
}

// ResyncAfterDyndep recomputes id's pending-producer set after a
// dyndep application changed its input/output lists, wanting any
// newly discovered dirty producer and promoting id to ready if it
// has none outstanding. It must not be called for an edge already
// in ToFinish.
func (p *Plan) ResyncAfterDyndep(id graph.EdgeID) error {
	edge := p.state.Edge(id)
	if p.want[id] == WantToFinish {
		return fmt.Errorf("cannot resync edge %d: already running", id)
	}

	producers := make(map[graph.EdgeID]bool)
	collect := func(inID graph.NodeID) error {
		in := p.state.Node(inID)
		if !in.Dirty || in.InEdge == graph.NoEdge {
			return nil
		}
		producers[in.InEdge] = true
		return p.addEdge(in.InEdge)
	}
	for _, inID := range edge.NonOrderOnlyInputs() {
		if err := collect(inID); err != nil {
			return err
		}
	}
	for _, inID := range edge.OrderOnlyInputs() {
		if err := collect(inID); err != nil {
			return err
		}
	}

	newPending := 0
	for prodID := range producers {
		already := false
		for _, w := range p.waiters[prodID] {
			if w == id {
				already = true
				break
			}
		}
		if !already {
			p.waiters[prodID] = append(p.waiters[prodID], id)
		}
		if _, wanted := p.want[prodID]; wanted {
			newPending++
		}
	}
	p.pending[id] = newPending
	if newPending == 0 {
		p.promoteToReady(id)
	} else if p.readySet[id] {
		// id was promoted before the dyndep file revealed new
		// producers; it must wait for them again.
		delete(p.readySet, id)
		for i, r := range p.ready {
			if r == id {
				p.ready = append(p.ready[:i], p.ready[i+1:]...)
				break
			}
		}
	}
	return nil
}

// Reset clears all plan state for a fresh invocation, leaving the
// graph and on-disk logs intact.
func (p *Plan) Reset() {
	p.want = make(map[graph.EdgeID]Want)
	p.pending = make(map[graph.EdgeID]int)
	p.waiters = make(map[graph.EdgeID][]graph.EdgeID)
	p.producerChanged = make(map[graph.EdgeID]bool)
	p.ready = nil
	p.readySet = make(map[graph.EdgeID]bool)
	p.wantedEdges = 0
	p.commandEdges = 0
}
