package depscan_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vklimov/forgebuild/pkg/buildcfg"
	"github.com/vklimov/forgebuild/pkg/buildlog"
	"github.com/vklimov/forgebuild/pkg/clock"
	"github.com/vklimov/forgebuild/pkg/cmdhash"
	"github.com/vklimov/forgebuild/pkg/depscan"
	"github.com/vklimov/forgebuild/pkg/depslog"
	"github.com/vklimov/forgebuild/pkg/diskfs"
	"github.com/vklimov/forgebuild/pkg/graph"
)

func newLogs(t *testing.T, disk diskfs.Disk) (*buildlog.Log, *depslog.Log) {
	return buildlog.New(zaptest.NewLogger(t), disk, "/buildlog"),
		depslog.New(zaptest.NewLogger(t), disk, "/depslog")
}

func TestMissingOutputIsDirty(t *testing.T) {
	disk := diskfs.NewMemory()
	disk.WriteFileAt("/foo.c", []byte("x"), clock.FromUnixNano(1))
	state := graph.New()
	_, err := state.AddEdge(graph.EdgeSpec{
		Rule:        &graph.Rule{Name: "cc", Command: "cc foo.c -o foo.o"},
		ExplicitIn:  []string{"/foo.c"},
		ExplicitOut: []string{"/foo.o"},
	})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))
	out, _ := state.LookupNode("/foo.o")
	require.NoError(t, s.RecomputeDirty(out))
	require.True(t, state.Node(out).Dirty)
}

func TestUpToDateWhenOutputNewerThanInput(t *testing.T) {
	disk := diskfs.NewMemory()
	disk.WriteFileAt("/foo.c", []byte("x"), clock.FromUnixNano(1))
	disk.WriteFileAt("/foo.o", []byte("y"), clock.FromUnixNano(2))
	state := graph.New()
	rule := &graph.Rule{Name: "cc", Command: "cc foo.c -o foo.o"}
	_, err := state.AddEdge(graph.EdgeSpec{Rule: rule, ExplicitIn: []string{"/foo.c"}, ExplicitOut: []string{"/foo.o"}})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	require.NoError(t, bl.Write(buildlog.Entry{
		Output:      "/foo.o",
		CommandHash: cmdhash.Hash(rule.Command, ""),
		Mtime:       clock.FromUnixNano(2),
	}))
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	out, _ := state.LookupNode("/foo.o")
	require.NoError(t, s.RecomputeDirty(out))
	require.False(t, state.Node(out).Dirty)
}

func TestCommandHashChangeMakesDirty(t *testing.T) {
	disk := diskfs.NewMemory()
	disk.WriteFileAt("/foo.c", []byte("x"), clock.FromUnixNano(1))
	disk.WriteFileAt("/foo.o", []byte("y"), clock.FromUnixNano(2))
	state := graph.New()
	rule := &graph.Rule{Name: "cc", Command: "cc -O2 foo.c -o foo.o"}
	_, err := state.AddEdge(graph.EdgeSpec{Rule: rule, ExplicitIn: []string{"/foo.c"}, ExplicitOut: []string{"/foo.o"}})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	require.NoError(t, bl.Write(buildlog.Entry{Output: "/foo.o", CommandHash: 0xbad, Mtime: clock.FromUnixNano(2)}))
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	out, _ := state.LookupNode("/foo.o")
	require.NoError(t, s.RecomputeDirty(out))
	require.True(t, state.Node(out).Dirty)
}

func TestOrderOnlyInputChangeDoesNotDirty(t *testing.T) {
	disk := diskfs.NewMemory()
	disk.WriteFileAt("/foo.c", []byte("x"), clock.FromUnixNano(1))
	disk.WriteFileAt("/otherfile", []byte("z"), clock.FromUnixNano(1))
	disk.WriteFileAt("/foo.o", []byte("y"), clock.FromUnixNano(5))
	state := graph.New()
	rule := &graph.Rule{Name: "cc", Command: "cc foo.c -o foo.o"}
	_, err := state.AddEdge(graph.EdgeSpec{
		Rule:        rule,
		ExplicitIn:  []string{"/foo.c"},
		OrderOnlyIn: []string{"/otherfile"},
		ExplicitOut: []string{"/foo.o"},
	})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	require.NoError(t, bl.Write(buildlog.Entry{Output: "/foo.o", CommandHash: cmdhash.Hash(rule.Command, ""), Mtime: clock.FromUnixNano(5)}))
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	disk.WriteFileAt("/otherfile", []byte("z2"), clock.FromUnixNano(10))

	out, _ := state.LookupNode("/foo.o")
	require.NoError(t, s.RecomputeDirty(out))
	require.False(t, state.Node(out).Dirty)
}

// The build log records a restat edge's most-recent *input* mtime at
// the time it last ran (builder.postProcessSuccess), not its output's
// own mtime, since a restat command may leave the output untouched.
func TestRestatSurvivorStaysCleanWhileInputUnchanged(t *testing.T) {
	disk := diskfs.NewMemory()
	disk.WriteFileAt("/h.in", []byte("a"), clock.FromUnixNano(1))
	disk.WriteFileAt("/h", []byte("b"), clock.FromUnixNano(2))
	state := graph.New()
	rule := &graph.Rule{Name: "true_restat", Command: "true_restat h.in", Restat: true}
	_, err := state.AddEdge(graph.EdgeSpec{Rule: rule, ExplicitIn: []string{"/h.in"}, ExplicitOut: []string{"/h"}})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	require.NoError(t, bl.Write(buildlog.Entry{Output: "/h", CommandHash: cmdhash.Hash(rule.Command, ""), Mtime: clock.FromUnixNano(1)}))
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	out, _ := state.LookupNode("/h")
	require.NoError(t, s.RecomputeDirty(out))
	require.False(t, state.Node(out).Dirty)
}

// A restat survivor must still be rerun once its own input advances
// past the mtime recorded for its last run, even though its output's
// on-disk mtime never moved.
func TestRestatSurvivorDirtyOnceInputAdvancesPastRecordedMtime(t *testing.T) {
	disk := diskfs.NewMemory()
	disk.WriteFileAt("/h.in", []byte("a"), clock.FromUnixNano(1))
	disk.WriteFileAt("/h", []byte("b"), clock.FromUnixNano(2))
	state := graph.New()
	rule := &graph.Rule{Name: "true_restat", Command: "true_restat h.in", Restat: true}
	_, err := state.AddEdge(graph.EdgeSpec{Rule: rule, ExplicitIn: []string{"/h.in"}, ExplicitOut: []string{"/h"}})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	require.NoError(t, bl.Write(buildlog.Entry{Output: "/h", CommandHash: cmdhash.Hash(rule.Command, ""), Mtime: clock.FromUnixNano(1)}))
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	disk.WriteFileAt("/h.in", []byte("a2"), clock.FromUnixNano(10))

	out, _ := state.LookupNode("/h")
	require.NoError(t, s.RecomputeDirty(out))
	require.True(t, state.Node(out).Dirty)
}

// A restat edge whose command line changed must still be dirty even
// when no input has advanced past the mtime recorded for its last
// run: the restat mtime clause is a narrower exception than "this
// edge's command hash still matches."
func TestRestatSurvivorDirtyWhenCommandHashChanged(t *testing.T) {
	disk := diskfs.NewMemory()
	disk.WriteFileAt("/h.in", []byte("a"), clock.FromUnixNano(1))
	disk.WriteFileAt("/h", []byte("b"), clock.FromUnixNano(2))
	state := graph.New()
	rule := &graph.Rule{Name: "true_restat", Command: "true_restat h.in --new-flag", Restat: true}
	_, err := state.AddEdge(graph.EdgeSpec{Rule: rule, ExplicitIn: []string{"/h.in"}, ExplicitOut: []string{"/h"}})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	// The logged hash is for the command line before --new-flag was added.
	require.NoError(t, bl.Write(buildlog.Entry{Output: "/h", CommandHash: cmdhash.Hash("true_restat h.in", ""), Mtime: clock.FromUnixNano(1)}))
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	out, _ := state.LookupNode("/h")
	require.NoError(t, s.RecomputeDirty(out))
	require.True(t, state.Node(out).Dirty, "command hash mismatch must not be masked by the restat mtime clause")
}

func TestCycleDetected(t *testing.T) {
	disk := diskfs.NewMemory()
	state := graph.New()
	ruleA := &graph.Rule{Name: "a", Command: "touch a"}
	ruleB := &graph.Rule{Name: "b", Command: "touch b"}
	_, err := state.AddEdge(graph.EdgeSpec{Rule: ruleA, ExplicitIn: []string{"/b"}, ExplicitOut: []string{"/a"}})
	require.NoError(t, err)
	_, err = state.AddEdge(graph.EdgeSpec{Rule: ruleB, ExplicitIn: []string{"/a"}, ExplicitOut: []string{"/b"}})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	out, _ := state.LookupNode("/a")
	err = s.RecomputeDirty(out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dependency cycle")
}

func TestSelfReferentialPhonyTolerated(t *testing.T) {
	disk := diskfs.NewMemory()
	state := graph.New()
	_, err := state.AddEdge(graph.EdgeSpec{ExplicitIn: []string{"/a"}, ExplicitOut: []string{"/a"}})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	out, _ := state.LookupNode("/a")
	require.NoError(t, s.RecomputeDirty(out))
	require.False(t, state.Node(out).Dirty)
}

func TestMissingSourceInputMakesDirty(t *testing.T) {
	disk := diskfs.NewMemory()
	disk.WriteFileAt("/foo.o", []byte("y"), clock.FromUnixNano(5))
	state := graph.New()
	rule := &graph.Rule{Name: "cc", Command: "cc foo.c -o foo.o"}
	_, err := state.AddEdge(graph.EdgeSpec{Rule: rule, ExplicitIn: []string{"/foo.c"}, ExplicitOut: []string{"/foo.o"}})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	out, _ := state.LookupNode("/foo.o")
	require.NoError(t, s.RecomputeDirty(out))
	require.True(t, state.Node(out).Dirty)
}

func TestDyndepMissingFileWithNoProducerErrors(t *testing.T) {
	disk := diskfs.NewMemory()
	disk.WriteFileAt("/in", []byte("a"), clock.FromUnixNano(1))
	state := graph.New()
	rule := &graph.Rule{Name: "touch", Command: "touch out"}
	_, err := state.AddEdge(graph.EdgeSpec{
		Rule:        rule,
		ExplicitIn:  []string{"/in"},
		ExplicitOut: []string{"/out"},
		Dyndep:      "/out.dd",
	})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	out, _ := state.LookupNode("/out")
	err = s.RecomputeDirty(out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no such file")
}

func TestDyndepAddsImplicitInput(t *testing.T) {
	disk := diskfs.NewMemory()
	disk.WriteFileAt("/in", []byte("a"), clock.FromUnixNano(1))
	disk.WriteFileAt("/out.dd", []byte("ninja_dyndep_version = 1\nbuild /out: dyndep | /in\n"), clock.FromUnixNano(1))

	state := graph.New()
	rule := &graph.Rule{Name: "touch", Command: "touch out"}
	_, err := state.AddEdge(graph.EdgeSpec{
		Rule:        rule,
		ExplicitOut: []string{"/out"},
		Dyndep:      "/out.dd",
	})
	require.NoError(t, err)

	bl, dl := newLogs(t, disk)
	s := depscan.NewScanner(state, disk, bl, dl, buildcfg.Default(), zaptest.NewLogger(t))

	out, _ := state.LookupNode("/out")
	require.NoError(t, s.RecomputeDirty(out))

	edge := state.Edge(state.Node(out).InEdge)
	inID, ok := state.LookupNode("/in")
	require.True(t, ok)
	require.True(t, edge.HasInput(inID))
	require.True(t, state.Node(out).Dirty)
}
