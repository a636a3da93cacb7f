package runner

import "github.com/vklimov/forgebuild/pkg/graph"

// Fake is a deterministic CommandRunner test double for builder
// tests: StartCommand resolves synchronously against a scripted
// outcome (Success by default) instead of spawning anything.
type Fake struct {
	parallelism int

	active  map[graph.EdgeID]bool
	pending []Result
	scripts map[graph.EdgeID]Result
	started []graph.EdgeID
	aborted bool

	// effect, if set, runs synchronously inside StartCommand so tests
	// can simulate a command's filesystem side effects (writing an
	// output file) without spawning anything.
	effect func(*graph.Edge)
}

func NewFake(parallelism int) *Fake {
	return &Fake{
		parallelism: parallelism,
		active:      make(map[graph.EdgeID]bool),
		scripts:     make(map[graph.EdgeID]Result),
	}
}

// Script arranges for edge id's command to finish with res once
// started. Output/Status only; EdgeID is overwritten to match id.
func (f *Fake) Script(id graph.EdgeID, res Result) {
	res.EdgeID = id
	f.scripts[id] = res
}

func (f *Fake) CanRunMore() bool {
	return f.parallelism <= 0 || len(f.active) < f.parallelism
}

// SetEffect installs fn to run synchronously on every StartCommand,
// before its scripted result is queued.
func (f *Fake) SetEffect(fn func(*graph.Edge)) { f.effect = fn }

func (f *Fake) StartCommand(edge *graph.Edge) error {
	f.active[edge.ID] = true
	f.started = append(f.started, edge.ID)
	if f.effect != nil {
		f.effect(edge)
	}
	res, ok := f.scripts[edge.ID]
	if !ok {
		res = Result{EdgeID: edge.ID, Status: Success}
	}
	f.pending = append(f.pending, res)
	return nil
}

func (f *Fake) WaitForCommand() (Result, bool) {
	if len(f.pending) == 0 {
		return Result{}, false
	}
	res := f.pending[0]
	f.pending = f.pending[1:]
	delete(f.active, res.EdgeID)
	return res, true
}

// Abort marks every still-outstanding result as Interrupted instead
// of its scripted outcome. Like Real, Fake does not drop active
// edges immediately: GetActiveEdges keeps reporting them until
// WaitForCommand drains their (now Interrupted) result, mirroring how
// a real child process is still "active" until it is reaped.
func (f *Fake) Abort() {
	f.aborted = true
	for i := range f.pending {
		f.pending[i].Status = Interrupted
	}
}

func (f *Fake) Aborted() bool { return f.aborted }

func (f *Fake) GetActiveEdges() []graph.EdgeID {
	out := make([]graph.EdgeID, 0, len(f.active))
	for id := range f.active {
		out = append(out, id)
	}
	return out
}

// StartedOrder returns the edges in the order StartCommand saw them,
// for tests that care about scheduling order.
func (f *Fake) StartedOrder() []graph.EdgeID {
	return append([]graph.EdgeID(nil), f.started...)
}
