package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/procfs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/vklimov/forgebuild/pkg/graph"
)

// Real runs edge commands as real child processes, one per edge,
// grouped into their own process group so Abort can signal every
// descendant a shell command may have spawned, not just the shell.
type Real struct {
	parallelism    int
	maxLoadAverage float64
	shell          string

	proc procfs.FS
	tty  bool

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	activeCount int
	active      map[graph.EdgeID]*exec.Cmd

	results chan Result

	l *zap.SugaredLogger
}

// NewReal builds a Real runner. procfs is opened best-effort: when
// /proc is unavailable (non-Linux, containers without it mounted) the
// load-average check is simply skipped, matching maxLoadAverage <= 0.
func NewReal(parallelism int, maxLoadAverage float64, l *zap.Logger) *Real {
	proc, err := procfs.NewDefaultFS()
	sugar := l.Sugar()
	if err != nil {
		sugar.Debugf("procfs unavailable, load-average backpressure disabled: %v", err)
		maxLoadAverage = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Real{
		parallelism:    parallelism,
		maxLoadAverage: maxLoadAverage,
		shell:          "/bin/sh",
		proc:           proc,
		tty:            isatty.IsTerminal(os.Stdout.Fd()),
		ctx:            ctx,
		cancel:         cancel,
		active:         make(map[graph.EdgeID]*exec.Cmd),
		results:        make(chan Result, 64),
		l:              sugar,
	}
}

func (r *Real) CanRunMore() bool {
	r.mu.Lock()
	n := r.activeCount
	r.mu.Unlock()
	if r.parallelism > 0 && n >= r.parallelism {
		return false
	}
	if r.maxLoadAverage > 0 {
		avg, err := r.proc.LoadAvg()
		if err != nil {
			r.l.Debugf("reading load average: %v", err)
			return true
		}
		if avg.Load1 > r.maxLoadAverage {
			return false
		}
	}
	return true
}

// StartCommand launches edge's command in its own process group. A
// console-pool edge inherits the controlling terminal directly when
// one is attached; every other edge has its combined stdout/stderr
// buffered for WaitForCommand to hand back.
func (r *Real) StartCommand(edge *graph.Edge) error {
	cmd := exec.CommandContext(r.ctx, r.shell, "-c", edge.Rule.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var buf bytes.Buffer
	console := edge.Pool != nil && edge.Pool.Name == graph.ConsolePoolName
	if console && r.tty {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting command for %s: %w", edge.Rule.Name, err)
	}

	r.mu.Lock()
	r.active[edge.ID] = cmd
	r.activeCount++
	r.mu.Unlock()

	go r.wait(edge.ID, cmd, &buf)
	return nil
}

func (r *Real) wait(id graph.EdgeID, cmd *exec.Cmd, buf *bytes.Buffer) {
	err := cmd.Wait()

	status := Success
	switch {
	case err == nil:
		status = Success
	case r.ctx.Err() != nil:
		status = Interrupted
	default:
		status = Failure
	}

	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()

	r.results <- Result{EdgeID: id, Status: status, Output: buf.Bytes()}
}

// WaitForCommand blocks for the next finished command, returning false
// immediately if no command is outstanding.
func (r *Real) WaitForCommand() (Result, bool) {
	r.mu.Lock()
	if r.activeCount == 0 {
		r.mu.Unlock()
		return Result{}, false
	}
	r.mu.Unlock()

	res := <-r.results

	r.mu.Lock()
	r.activeCount--
	r.mu.Unlock()
	return res, true
}

// Abort sends SIGTERM to every active command's process group
// concurrently, then cancels the runner's context so any command not
// yet reaped is force-killed by exec.CommandContext. The caller is
// responsible for draining WaitForCommand afterward if it wants the
// Interrupted results.
func (r *Real) Abort() {
	r.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(r.active))
	for _, c := range r.active {
		cmds = append(cmds, c)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range cmds {
		c := c
		g.Go(func() error {
			if c.Process == nil {
				return nil
			}
			return unix.Kill(-c.Process.Pid, unix.SIGTERM)
		})
	}
	if err := g.Wait(); err != nil {
		r.l.Debugf("signaling active commands: %v", err)
	}
	r.cancel()
}

func (r *Real) GetActiveEdges() []graph.EdgeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]graph.EdgeID, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}
