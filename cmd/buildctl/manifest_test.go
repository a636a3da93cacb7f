package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vklimov/forgebuild/pkg/graph"
)

func TestBuildGraphWiresEdgesAndDefaultTargets(t *testing.T) {
	m := &manifest{
		Pools: []poolSpec{{Name: "link", Depth: 1}},
		Edges: []edgeSpec{
			{
				Rule:        "cc",
				Command:     "cc -c foo.c -o foo.o",
				ExplicitIn:  []string{"foo.c"},
				ExplicitOut: []string{"foo.o"},
				Deps:        "gcc",
				Depfile:     "foo.o.d",
			},
			{
				Rule:        "link",
				Command:     "ld foo.o -o out",
				ExplicitIn:  []string{"foo.o"},
				ExplicitOut: []string{"out"},
				Pool:        "link",
			},
		},
		Default: []string{"out"},
	}

	state := graph.New()
	targets, err := buildGraph(state, m)
	require.NoError(t, err)
	require.Len(t, targets, 1)

	outID, ok := state.LookupNode("out")
	require.True(t, ok)
	require.Equal(t, outID, targets[0])

	linkEdge := state.Edge(state.Node(outID).InEdge)
	require.Equal(t, "ld foo.o -o out", linkEdge.Rule.Command)
	require.NotNil(t, linkEdge.Pool)
	require.Equal(t, "link", linkEdge.Pool.Name)

	fooOID, ok := state.LookupNode("foo.o")
	require.True(t, ok)
	ccEdge := state.Edge(state.Node(fooOID).InEdge)
	require.Equal(t, graph.DepsGCC, ccEdge.Rule.DepsType)
	require.Equal(t, "foo.o.d", ccEdge.Rule.Depfile)
}

func TestBuildGraphRejectsUnknownDepsType(t *testing.T) {
	m := &manifest{
		Edges: []edgeSpec{
			{Rule: "cc", Command: "cc -c a.c -o a.o", ExplicitOut: []string{"a.o"}, Deps: "clang-tidy"},
		},
	}
	_, err := buildGraph(graph.New(), m)
	require.Error(t, err)
}

func TestBuildGraphRejectsUnknownDefaultTarget(t *testing.T) {
	m := &manifest{
		Edges: []edgeSpec{
			{Rule: "cc", Command: "cc -c a.c -o a.o", ExplicitOut: []string{"a.o"}},
		},
		Default: []string{"nope"},
	}
	_, err := buildGraph(graph.New(), m)
	require.Error(t, err)
}

func TestBuildGraphPhonyEdgeHasNilRule(t *testing.T) {
	m := &manifest{
		Edges: []edgeSpec{
			{Rule: "all", ExplicitIn: []string{"out"}, ExplicitOut: []string{"all"}},
		},
	}
	state := graph.New()
	_, err := buildGraph(state, m)
	require.NoError(t, err)

	allID, _ := state.LookupNode("all")
	edge := state.Edge(state.Node(allID).InEdge)
	require.True(t, edge.IsPhony)
}
