// Package builder drives the top-level build loop: pulling ready
// edges from the plan, submitting them to the runner, and applying
// each result's side effects (build log, deps log, restat, dyndep)
// before asking the plan what became ready next.
package builder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vklimov/forgebuild/pkg/buildcfg"
	"github.com/vklimov/forgebuild/pkg/buildlog"
	"github.com/vklimov/forgebuild/pkg/clock"
	"github.com/vklimov/forgebuild/pkg/cmdhash"
	"github.com/vklimov/forgebuild/pkg/depfile"
	"github.com/vklimov/forgebuild/pkg/depscan"
	"github.com/vklimov/forgebuild/pkg/depslog"
	"github.com/vklimov/forgebuild/pkg/diskfs"
	"github.com/vklimov/forgebuild/pkg/dyndep"
	"github.com/vklimov/forgebuild/pkg/graph"
	"github.com/vklimov/forgebuild/pkg/plan"
	"github.com/vklimov/forgebuild/pkg/runner"
	"github.com/vklimov/forgebuild/pkg/status"
)

// ErrInterrupted is returned by Build when the context was cancelled
// mid-build; exit code translation to 2 happens in cmd/buildctl.
var ErrInterrupted = errors.New("interrupted by user")

// Builder owns one invocation's worth of state: the graph it is
// scheduling over, the plan, the logs it reads and updates, and the
// runner it submits commands to.
type Builder struct {
	state    *graph.State
	disk     diskfs.Disk
	scanner  *depscan.Scanner
	pl       *plan.Plan
	run      runner.CommandRunner
	buildLog *buildlog.Log
	depsLog  *depslog.Log
	st       *status.Status
	printer  *status.Printer
	cfg      buildcfg.Config

	startTime      time.Time
	active         map[graph.EdgeID]*graph.Edge
	failuresLeft   int
	hadFailure     bool
	stopSubmitting bool

	l *zap.SugaredLogger
}

// New builds a Builder. st must be non-nil; printer may be nil to
// disable progress rendering entirely (used by tests).
func New(
	state *graph.State,
	disk diskfs.Disk,
	scanner *depscan.Scanner,
	pl *plan.Plan,
	run runner.CommandRunner,
	buildLog *buildlog.Log,
	depsLog *depslog.Log,
	st *status.Status,
	printer *status.Printer,
	cfg buildcfg.Config,
	l *zap.Logger,
) *Builder {
	failuresLeft := cfg.FailuresAllowed
	if failuresLeft <= 0 {
		failuresLeft = -1 // unlimited
	}
	return &Builder{
		state:        state,
		disk:         disk,
		scanner:      scanner,
		pl:           pl,
		run:          run,
		buildLog:     buildLog,
		depsLog:      depsLog,
		st:           st,
		printer:      printer,
		cfg:          cfg,
		active:       make(map[graph.EdgeID]*graph.Edge),
		failuresLeft: failuresLeft,
		l:            l.Sugar(),
	}
}

// Build recomputes dirtiness for each target, wants the resulting
// edges, and runs that loop until nothing more is wanted, a
// fatal error occurs, or ctx is cancelled.
func (b *Builder) Build(ctx context.Context, targets []graph.NodeID) error {
	b.startTime = time.Now()

	for _, t := range targets {
		if err := b.scanner.RecomputeDirty(t); err != nil {
			return err
		}
		if err := b.pl.AddTarget(t); err != nil {
			return err
		}
	}
	if !b.pl.MoreToDo() {
		return nil
	}
	b.st.AddToTotal(b.pl.CommandEdges())

	for {
		if ctx.Err() != nil {
			b.abortForInterrupt()
			return ErrInterrupted
		}

		if !b.stopSubmitting {
			started := false
			for b.run.CanRunMore() {
				id, ok := b.pl.FindWork()
				if !ok {
					break
				}
				if err := b.startEdge(id); err != nil {
					return err
				}
				started = true
			}
			if started {
				continue
			}
		}

		if len(b.active) > 0 {
			res, ok := b.run.WaitForCommand()
			if !ok {
				continue
			}
			if err := b.finishCommand(res); err != nil {
				return err
			}
			continue
		}

		if !b.pl.MoreToDo() {
			return b.finalError()
		}

		return fmt.Errorf("cannot make progress due to previous errors")
	}
}

func (b *Builder) finalError() error {
	if !b.hadFailure {
		return nil
	}
	n := b.cfg.FailuresAllowed - b.failuresLeft
	if n == 1 {
		return fmt.Errorf("subcommand failed")
	}
	return fmt.Errorf("subcommands failed")
}

// startEdge prepares the filesystem for one edge, submits the
// command, and records the edge as active.
func (b *Builder) startEdge(id graph.EdgeID) (err error) {
	defer buildcfg.Trace(b.l, &err, "builder", "startEdge")()

	edge := b.state.Edge(id)

	for _, outID := range edge.Outputs {
		out := b.state.Node(outID)
		if err := b.disk.MakeDirs(filepath.Dir(out.Path)); err != nil {
			return fmt.Errorf("creating output directory for %s: %w", out.Path, err)
		}
	}
	if edge.Rule.RspFile != "" {
		if err := b.disk.WriteFile(edge.Rule.RspFile, []byte(edge.Rule.RspFileContent)); err != nil {
			return fmt.Errorf("writing rspfile %s: %w", edge.Rule.RspFile, err)
		}
	}

	edge.PreRunMtimes = make(map[graph.NodeID]clock.Timestamp, len(edge.Outputs))
	for _, outID := range edge.Outputs {
		out := b.state.Node(outID)
		ts, err := b.disk.Stat(out.Path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", out.Path, err)
		}
		edge.PreRunMtimes[outID] = ts
	}

	edge.StartTimeMS = time.Since(b.startTime).Milliseconds()
	if err := b.run.StartCommand(edge); err != nil {
		return fmt.Errorf("starting %s: %w", edge.Rule.Name, err)
	}
	b.active[id] = edge
	b.st.EdgeStarted(id)
	if edge.Pool != nil && edge.Pool.Name == graph.ConsolePoolName {
		b.st.SetConsole(true)
	}
	if b.printer != nil {
		b.printer.Update(b.st)
	}
	return nil
}

// finishCommand handles one command's result.
func (b *Builder) finishCommand(res runner.Result) error {
	edge, ok := b.active[res.EdgeID]
	if !ok {
		return fmt.Errorf("runner reported unknown edge %d", res.EdgeID)
	}
	delete(b.active, res.EdgeID)
	edge.EndTimeMS = time.Since(b.startTime).Milliseconds()
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.Observe(edge.Rule.Name, time.Duration(edge.EndTimeMS-edge.StartTimeMS)*time.Millisecond)
	}

	console := edge.Pool != nil && edge.Pool.Name == graph.ConsolePoolName
	if console {
		b.st.SetConsole(false)
	}

	switch res.Status {
	case runner.Interrupted:
		if b.printer != nil {
			b.printer.EdgeOutput(edge, res, console)
		}
		return ErrInterrupted
	case runner.Failure:
		if b.printer != nil {
			b.printer.EdgeOutput(edge, res, console)
		}
		b.hadFailure = true
		if b.failuresLeft > 0 {
			b.failuresLeft--
		}
		if b.failuresLeft == 0 {
			b.stopSubmitting = true
		}
		b.pl.EdgeFinished(res.EdgeID, false, false)
		b.st.EdgeFinished(res.EdgeID)
		if b.printer != nil {
			b.printer.Update(b.st)
		}
		return nil
	}

	cleanDespiteRun, err := b.postProcessSuccess(edge, &res)
	if err != nil {
		return err
	}
	if b.printer != nil {
		b.printer.EdgeOutput(edge, res, console)
	}
	b.pl.EdgeFinished(res.EdgeID, true, cleanDespiteRun)
	b.st.EdgeFinished(res.EdgeID)
	if err := b.applyReadyDyndeps(); err != nil {
		return err
	}
	if b.printer != nil {
		b.printer.Update(b.st)
	}
	return nil
}

// postProcessSuccess applies restat, depfile/deps-log and build-log
// bookkeeping for a successfully finished edge. It may rewrite
// res.Output (msvc /showIncludes filtering) before the caller hands
// it to the printer.
func (b *Builder) postProcessSuccess(edge *graph.Edge, res *runner.Result) (cleanDespiteRun bool, err error) {
	outputMtimes := make(map[graph.NodeID]clock.Timestamp, len(edge.Outputs))
	advanced := false
	for _, outID := range edge.Outputs {
		out := b.state.Node(outID)
		ts, serr := b.disk.Stat(out.Path)
		if serr != nil {
			return false, fmt.Errorf("stat %s: %w", out.Path, serr)
		}
		out.Mtime = ts
		out.Statted = true
		out.Missing = ts.IsMissing()
		outputMtimes[outID] = ts
		if !ts.Equal(edge.PreRunMtimes[outID]) {
			advanced = true
		}
	}
	cleanDespiteRun = edge.Restat && !advanced

	if edge.Rule.Depfile != "" {
		if err := b.consumeDepfile(edge, outputMtimes); err != nil {
			return false, err
		}
	}
	if edge.Rule.DepsType == graph.DepsMSVC {
		cleaned, includes := filterShowIncludes(res.Output)
		res.Output = cleaned
		if len(includes) > 0 {
			if err := b.depsLog.Write(depslog.Entry{
				Output: primaryOutputPath(b.state, edge),
				Mtime:  outputMtimes[edge.Outputs[0]],
				Inputs: includes,
			}); err != nil {
				return false, fmt.Errorf("writing deps log entry: %w", err)
			}
		}
	}

	hash := cmdhash.Hash(edge.Rule.Command, edge.Rule.RspFileContent)
	primary := primaryOutputPath(b.state, edge)
	primaryMtime := outputMtimes[edge.Outputs[0]]
	if edge.Restat {
		// A restat edge may leave its output's own mtime untouched, so
		// recording that would make every later invocation see the
		// output as unconditionally stale. Record the most-recent
		// input mtime instead: the next RecomputeDirty treats the
		// edge as clean exactly while no input has advanced past this
		// value, and dirty again once one does.
		primaryMtime = mostRecentInputMtime(b.state, edge)
	}
	if err := b.buildLog.Write(buildlog.Entry{
		Output:      primary,
		CommandHash: hash,
		StartMS:     int32(edge.StartTimeMS),
		EndMS:       int32(edge.EndTimeMS),
		Mtime:       primaryMtime,
	}); err != nil {
		return false, fmt.Errorf("writing build log entry for %s: %w", primary, err)
	}

	if edge.Rule.RspFile != "" && !b.cfg.KeepRsp {
		if _, err := b.disk.RemoveFile(edge.Rule.RspFile); err != nil {
			b.l.Debugf("removing rspfile %s: %v", edge.Rule.RspFile, err)
		}
	}
	return cleanDespiteRun, nil
}

// consumeDepfile parses a finished edge's gcc/msvc-style depfile,
// folds the discovered inputs into the edge, and records them for
// the deps log when the rule has a deps-type.
func (b *Builder) consumeDepfile(edge *graph.Edge, outputMtimes map[graph.NodeID]clock.Timestamp) error {
	data, err := b.disk.ReadFile(edge.Rule.Depfile)
	if err != nil {
		// Missing depfile after a successful command is tolerated;
		// RecomputeDirty will see DepsMissing on the next invocation.
		return nil
	}
	df, perr := depfile.Parse(data, depfile.Options{MultiOutputPolicy: b.cfg.MultiOutput})
	if perr != nil {
		return fmt.Errorf("depfile %s: %w", edge.Rule.Depfile, perr)
	}

	for _, p := range df.Inputs {
		id := b.state.GetNode(p)
		if edge.HasInput(id) {
			continue
		}
		edge.AddImplicitInput(id)
		node := b.state.Node(id)
		node.OutEdges = append(node.OutEdges, edge.ID)
	}

	if edge.Rule.DepsType != graph.DepsNone {
		if err := b.depsLog.Write(depslog.Entry{
			Output: primaryOutputPath(b.state, edge),
			Mtime:  outputMtimes[edge.Outputs[0]],
			Inputs: df.Inputs,
		}); err != nil {
			return fmt.Errorf("writing deps log entry: %w", err)
		}
	}

	if !b.cfg.KeepDepfile {
		if _, err := b.disk.RemoveFile(edge.Rule.Depfile); err != nil {
			b.l.Debugf("removing depfile %s: %v", edge.Rule.Depfile, err)
		}
	}
	return nil
}

// applyReadyDyndeps re-checks every node that is the dyndep binding
// of a still-wanted edge: once such a node's own producing edge has
// finished and the file exists on disk, the dyndep is applied and the
// plan's pending count for its waiters is resynced.
func (b *Builder) applyReadyDyndeps() error {
	before := b.pl.CommandEdges()
	defer func() {
		b.st.AddToTotal(b.pl.CommandEdges() - before)
	}()
	for _, n := range b.state.Nodes {
		waiters := b.pl.DyndepWaiters(n.ID)
		if len(waiters) == 0 {
			continue
		}
		if n.InEdge != graph.NoEdge && b.pl.Want(n.InEdge) != plan.WantNothing {
			continue // producer hasn't finished yet
		}
		ts, err := b.disk.Stat(n.Path)
		if err != nil {
			return err
		}
		if ts.IsMissing() {
			continue
		}
		data, err := b.disk.ReadFile(n.Path)
		if err != nil {
			return err
		}
		file, perr := dyndep.Parse(data)
		if perr != nil {
			return fmt.Errorf("loading '%s': %w", n.Path, perr)
		}
		for _, wid := range waiters {
			wedge := b.state.Edge(wid)
			newInputs, err := b.scanner.ApplyDyndep(wedge, file)
			if err != nil {
				return err
			}
			// wedge's own edge.Mark is already MarkVisited from the
			// initial RecomputeDirty pass, so recomputeEdge will never
			// revisit it to pick these up on its own; each newly
			// discovered input's producer subtree (never reachable
			// before this dyndep file was read) needs its dirtiness
			// computed explicitly before the plan can want it.
			for _, inID := range newInputs {
				if err := b.scanner.RecomputeDirty(inID); err != nil {
					return err
				}
			}
			if err := b.pl.ResyncAfterDyndep(wid); err != nil {
				return err
			}
		}
	}
	return nil
}

// abortForInterrupt implements the cancellation path: stop
// submitting, tell the runner to abort, then delete only the outputs
// whose mtime actually advanced past their pre-run value.
func (b *Builder) abortForInterrupt() {
	b.run.Abort()
	for _, id := range b.run.GetActiveEdges() {
		edge, ok := b.active[id]
		if !ok {
			continue
		}
		b.cleanupTouchedOutputs(edge)
	}
}

func (b *Builder) cleanupTouchedOutputs(edge *graph.Edge) {
	for _, outID := range edge.Outputs {
		out := b.state.Node(outID)
		ts, err := b.disk.Stat(out.Path)
		if err != nil || ts.IsMissing() {
			continue
		}
		pre, ok := edge.PreRunMtimes[outID]
		if ok && ts.Equal(pre) {
			continue // untouched, keep it
		}
		if _, err := b.disk.RemoveFile(out.Path); err != nil {
			b.l.Debugf("removing touched output %s: %v", out.Path, err)
		}
	}
}

// mostRecentInputMtime returns the latest mtime among edge's
// non-order-only inputs, or clock.Missing() if it has none.
func mostRecentInputMtime(state *graph.State, edge *graph.Edge) clock.Timestamp {
	latest := clock.Missing()
	for _, id := range edge.NonOrderOnlyInputs() {
		in := state.Node(id)
		if in.Mtime.After(latest) {
			latest = in.Mtime
		}
	}
	return latest
}

func primaryOutputPath(state *graph.State, edge *graph.Edge) string {
	outs := edge.ExplicitOutputs()
	if len(outs) == 0 {
		outs = edge.Outputs
	}
	return state.Node(outs[0]).Path
}
