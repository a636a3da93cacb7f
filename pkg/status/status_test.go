package status_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vklimov/forgebuild/pkg/graph"
	"github.com/vklimov/forgebuild/pkg/runner"
	"github.com/vklimov/forgebuild/pkg/status"
)

func TestFormatProgressStatusPlaceholders(t *testing.T) {
	s := status.New(4)
	s.EdgeStarted(1)
	s.EdgeStarted(2)
	s.EdgeFinished(1)

	out := s.FormatProgressStatus("[%f/%t] %r running, %u unstarted%%")
	require.Equal(t, "[1/4] 1 running, 2 unstarted%", out)
}

func TestFormatProgressStatusLiteralPercent(t *testing.T) {
	s := status.New(1)
	require.Equal(t, "100% done", s.FormatProgressStatus("100%% done"))
}

func TestFormatProgressStatusUnknownVerbKeptLiteral(t *testing.T) {
	s := status.New(1)
	require.Equal(t, "%q", s.FormatProgressStatus("%q"))
}

func TestAddToTotalGrowsDenominator(t *testing.T) {
	s := status.New(1)
	s.AddToTotal(2)
	require.Equal(t, "3", s.FormatProgressStatus("%t"))
}

func TestConsoleOwnership(t *testing.T) {
	s := status.New(1)
	require.False(t, s.ConsoleOwned())
	s.SetConsole(true)
	require.True(t, s.ConsoleOwned())
}

func TestPrinterScrollingWritesOneLinePerUpdate(t *testing.T) {
	var buf bytes.Buffer
	p := status.NewPrinter(&buf, false, false, 0, "%f/%t")
	s := status.New(2)
	s.EdgeFinished(0)
	p.Update(s)
	s.EdgeFinished(1)
	p.Update(s)

	require.Equal(t, "1/2\n2/2\n", buf.String())
}

func TestPrinterTTYRedrawsInPlace(t *testing.T) {
	var buf bytes.Buffer
	p := status.NewPrinter(&buf, true, false, 0, "%f/%t")
	s := status.New(2)
	p.Update(s)
	s.EdgeFinished(0)
	p.Update(s)

	require.Contains(t, buf.String(), "\r0/2")
	require.Contains(t, buf.String(), "\r1/2")
}

func TestPrinterEdgeOutputAlwaysPrintsOnFailure(t *testing.T) {
	var buf bytes.Buffer
	p := status.NewPrinter(&buf, true, false, 0, "%f/%t")
	edge := &graph.Edge{Rule: &graph.Rule{Name: "cc"}}
	p.EdgeOutput(edge, runner.Result{Status: runner.Failure, Output: []byte("boom")}, false)

	require.Contains(t, buf.String(), "[cc]")
	require.Contains(t, buf.String(), "boom")
}

func TestEllipsizeMiddleKeepsWidthAndEnds(t *testing.T) {
	var buf bytes.Buffer
	long := status.NewPrinter(&buf, false, true, 10, "1234567890123456")
	long.Update(status.New(1))
	out := buf.String()
	require.LessOrEqual(t, len(out)-1, 10) // -1 for trailing newline
	require.Contains(t, out, "...")
}
