package graph_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vklimov/forgebuild/pkg/graph"
)

func TestGetNodeDedup(t *testing.T) {
	s := graph.New()
	a := s.GetNode("foo/bar")
	b := s.GetNode("foo/bar")
	require.Equal(t, a, b)
	c := s.GetNode("./foo/bar")
	require.Equal(t, a, c, "canonicalization should dedupe ./ prefix")
}

func TestAddEdgeRegions(t *testing.T) {
	s := graph.New()
	e, err := s.AddEdge(graph.EdgeSpec{
		Rule:        &graph.Rule{Name: "cc", Command: "cc -c $in -o $out"},
		ExplicitIn:  []string{"a.c"},
		ImplicitIn:  []string{"a.h"},
		OrderOnlyIn: []string{"gen"},
		ExplicitOut: []string{"a.o"},
	})
	require.NoError(t, err)
	require.Len(t, e.ExplicitInputs(), 1)
	require.Len(t, e.ImplicitInputs(), 1)
	require.Len(t, e.OrderOnlyInputs(), 1)
	require.False(t, e.IsPhony)

	aNode := s.Node(e.Outputs[0])
	require.Equal(t, e.ID, aNode.InEdge)
}

func TestAddEdgeMultipleRulesError(t *testing.T) {
	s := graph.New()
	_, err := s.AddEdge(graph.EdgeSpec{
		Rule:        &graph.Rule{Name: "r1", Command: "touch out"},
		ExplicitOut: []string{"out"},
	})
	require.NoError(t, err)

	_, err = s.AddEdge(graph.EdgeSpec{
		Rule:        &graph.Rule{Name: "r2", Command: "touch out"},
		ExplicitOut: []string{"out"},
	})
	require.ErrorContains(t, err, "multiple rules generate")
}

func TestPhonyEdge(t *testing.T) {
	s := graph.New()
	e, err := s.AddEdge(graph.EdgeSpec{
		ExplicitIn:  []string{"a", "b"},
		ExplicitOut: []string{"all"},
	})
	require.NoError(t, err)
	require.True(t, e.IsPhony)
	require.True(t, s.Node(e.Outputs[0]).Phony)
}

func TestAddImplicitInputOrdering(t *testing.T) {
	s := graph.New()
	e, err := s.AddEdge(graph.EdgeSpec{
		Rule:        &graph.Rule{Name: "cc", Command: "cc"},
		ExplicitIn:  []string{"a.c"},
		ImplicitIn:  []string{"a.h"},
		OrderOnlyIn: []string{"gen"},
		ExplicitOut: []string{"a.o"},
	})
	require.NoError(t, err)

	newDep := s.GetNode("b.h")
	e.AddImplicitInput(newDep)

	require.Equal(t, []graph.NodeID{s.GetNode("a.c"), s.GetNode("a.h"), newDep, s.GetNode("gen")}, e.Inputs)
	require.Equal(t, 1, e.ExplicitEnd)
	require.Equal(t, 3, e.ImplicitEnd)
}

func TestUnknownPoolError(t *testing.T) {
	s := graph.New()
	_, err := s.AddEdge(graph.EdgeSpec{
		Rule:        &graph.Rule{Name: "r", Command: "x"},
		ExplicitOut: []string{"out"},
		PoolName:    "nope",
	})
	require.Error(t, err)
}
