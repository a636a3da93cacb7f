package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/vklimov/forgebuild/pkg/buildcfg"
	"github.com/vklimov/forgebuild/pkg/buildlog"
	"github.com/vklimov/forgebuild/pkg/builder"
	"github.com/vklimov/forgebuild/pkg/depfile"
	"github.com/vklimov/forgebuild/pkg/depscan"
	"github.com/vklimov/forgebuild/pkg/depslog"
	"github.com/vklimov/forgebuild/pkg/diskfs"
	"github.com/vklimov/forgebuild/pkg/graph"
	"github.com/vklimov/forgebuild/pkg/plan"
	"github.com/vklimov/forgebuild/pkg/runner"
	"github.com/vklimov/forgebuild/pkg/status"
)

func newBuildCmd(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [targets...]",
		Short: "Build the given targets, or the manifest's defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), flags, args)
		},
	}
	cmd.Flags().IntVarP(&flags.parallelism, "jobs", "j", 1, "maximum concurrent commands")
	cmd.Flags().IntVarP(&flags.failuresAllowed, "keep-going", "k", 1, "number of failures to tolerate before stopping")
	cmd.Flags().Float64VarP(&flags.maxLoadAverage, "load-average", "l", 0, "suspend new commands above this 1-minute load average (0 disables)")
	cmd.Flags().BoolVar(&flags.explain, "explain", false, "log why each dirty edge was scheduled")
	cmd.Flags().BoolVar(&flags.keepDepfile, "keep-depfile", false, "do not delete depfiles after consuming them")
	cmd.Flags().BoolVar(&flags.keepRsp, "keep-rsp", false, "do not delete rspfiles after a successful command")
	cmd.Flags().BoolVar(&flags.multiOutputErr, "depfile-multi-err", false, "treat a multi-output depfile as an error instead of a warning")
	cmd.Flags().StringVar(&flags.statusFormat, "status-format", "[%f/%t] %o", "progress line format (%s %t %r %u %f %e %o %c %p %%)")
	return cmd
}

func runBuild(ctx context.Context, flags *cliFlags, args []string) error {
	l, err := newLogger(flags.verbose)
	if err != nil {
		return err
	}
	defer l.Sync()

	buildID := uuid.New()
	l = l.With(zap.String("build_id", buildID.String()))
	sugar := l.Sugar()

	ctx, cancel := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer cancel()

	m, err := loadManifest(flags.manifest)
	if err != nil {
		return err
	}

	state := graph.New()
	targets, err := buildGraph(state, m)
	if err != nil {
		return err
	}
	for _, t := range args {
		id, ok := state.LookupNode(t)
		if !ok {
			return fmt.Errorf("unknown target: %q", t)
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return errors.New("no targets: pass target paths or set default_targets in the manifest")
	}

	cfg := buildcfg.Default()
	cfg.Parallelism = flags.parallelism
	cfg.FailuresAllowed = flags.failuresAllowed
	cfg.MaxLoadAverage = flags.maxLoadAverage
	cfg.Explain = flags.explain
	cfg.KeepDepfile = flags.keepDepfile
	cfg.KeepRsp = flags.keepRsp
	if flags.multiOutputErr {
		cfg.MultiOutput = depfile.ErrMultiOutput
	}

	disk := diskfs.NewReal()
	bl := buildlog.New(l, disk, ".forgebuild_log")
	if warning, err := bl.Load(); err != nil {
		return err
	} else if warning != "" {
		sugar.Warnf("build log: %s", warning)
	}
	dl := depslog.New(l, disk, ".forgebuild_deps")
	if warning, err := dl.Load(); err != nil {
		return err
	} else if warning != "" {
		sugar.Warnf("deps log: %s", warning)
	}

	scanner := depscan.NewScanner(state, disk, bl, dl, cfg, l)
	pl := plan.New(state, l)
	run := runner.NewReal(cfg.Parallelism, cfg.MaxLoadAverage, l)

	st := status.New(0)
	tty := isatty.IsTerminal(os.Stdout.Fd())
	printer := status.NewPrinter(os.Stdout, tty, tty, terminalWidth(), flags.statusFormat)

	sugar.Infow("starting build", "targets", len(targets))
	b := builder.New(state, disk, scanner, pl, run, bl, dl, st, printer, cfg, l)
	buildErr := b.Build(ctx, targets)
	sugar.Infow("build finished", "error", buildErr)
	return buildErr
}

func terminalWidth() int {
	return 80
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, builder.ErrInterrupted) {
		return 2
	}
	return 1
}
