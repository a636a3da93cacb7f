// Package buildcfg carries the process-wide knobs of a build
// invocation: debug flags and an optional metrics sink, set once
// during CLI startup and read-only from then on. It is passed
// explicitly into constructors rather than held in package-level
// singletons, so the core has no hidden global state.
package buildcfg

import (
	"time"

	"go.uber.org/zap"

	"github.com/vklimov/forgebuild/pkg/depfile"
)

// Metrics is the optional sink the builder reports timing samples to.
// A nil Metrics on Config disables metrics entirely.
type Metrics interface {
	Observe(name string, d time.Duration)
}

// Config is constructed once before Build() starts and never mutated
// afterwards.
type Config struct {
	// Parallelism bounds the number of concurrently running commands,
	// independent of any per-pool depth limit.
	Parallelism int
	// FailuresAllowed is how many command failures the builder
	// tolerates before it stops starting new work. 0 means unlimited
	// in the sense of "keep going"; the CLI's default is 1.
	FailuresAllowed int
	// MaxLoadAverage disables CanRunMore() when the 1-minute load
	// average exceeds this value. <= 0 means unconstrained.
	MaxLoadAverage float64

	// Explain turns on per-edge "why is this dirty" diagnostics.
	Explain bool
	// KeepDepfile skips deleting a gcc-style depfile after it is consumed.
	KeepDepfile bool
	// KeepRsp skips deleting an rspfile after a successful command.
	KeepRsp bool
	// MultiOutput selects warn-vs-error for multi-output depfiles.
	MultiOutput depfile.MultiOutputPolicy

	// Metrics receives timing samples when non-nil.
	Metrics Metrics
}

// Trace logs start/finish/error/panic around one operation at debug
// level. Call it with defer:
// `defer buildcfg.Trace(l, &err, "builder", "startEdge")()`.
func Trace(l *zap.SugaredLogger, err *error, component, op string) (end func()) {
	l.Debugf("start: %s %s", component, op)
	return func() {
		if *err != nil {
			l.Debugf("%s %s error: %v", component, op, *err)
		}
		if r := recover(); r != nil {
			l.Debugf("%s %s panic: %v", component, op, r)
			panic(r)
		}
		l.Debugf("finish: %s %s", component, op)
	}
}

// Default returns the configuration the CLI starts from absent any flags.
func Default() Config {
	return Config{
		Parallelism:     1,
		FailuresAllowed: 1,
		MultiOutput:     depfile.WarnMultiOutput,
	}
}
