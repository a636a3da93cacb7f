package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vklimov/forgebuild/pkg/graph"
)

// manifest is the CLI's own build-graph description format. Real
// manifest-language parsing (ninja-file syntax, variable expansion,
// includes) is out of scope; this is deliberately the smallest
// structured format that can exercise every field graph.EdgeSpec
// understands, so the CLI has something to point at real targets.
type manifest struct {
	Pools   []poolSpec `yaml:"pools"`
	Edges   []edgeSpec `yaml:"edges"`
	Default []string   `yaml:"default_targets"`
}

type poolSpec struct {
	Name  string `yaml:"name"`
	Depth int    `yaml:"depth"`
}

type edgeSpec struct {
	Rule           string   `yaml:"rule"`
	Command        string   `yaml:"command"`
	ExplicitIn     []string `yaml:"explicit_in"`
	ImplicitIn     []string `yaml:"implicit_in"`
	OrderOnlyIn    []string `yaml:"order_only_in"`
	ExplicitOut    []string `yaml:"explicit_out"`
	ImplicitOut    []string `yaml:"implicit_out"`
	Pool           string   `yaml:"pool"`
	Dyndep         string   `yaml:"dyndep"`
	Depfile        string   `yaml:"depfile"`
	Deps           string   `yaml:"deps"` // "", "gcc", or "msvc"
	Restat         bool     `yaml:"restat"`
	RspFile        string   `yaml:"rspfile"`
	RspFileContent string   `yaml:"rspfile_content"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %q: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %q: %w", path, err)
	}
	return &m, nil
}

// buildGraph populates state from m, returning the node IDs of its
// default targets in order.
func buildGraph(state *graph.State, m *manifest) ([]graph.NodeID, error) {
	for _, p := range m.Pools {
		state.AddPool(p.Name, p.Depth)
	}

	for i, es := range m.Edges {
		var rule *graph.Rule
		if es.Command != "" {
			deps, err := parseDepsType(es.Deps)
			if err != nil {
				return nil, fmt.Errorf("edge %d (%s): %w", i, es.Rule, err)
			}
			rule = &graph.Rule{
				Name:           edgeRuleName(es.Rule, i),
				Command:        es.Command,
				Depfile:        es.Depfile,
				DepsType:       deps,
				Restat:         es.Restat,
				RspFile:        es.RspFile,
				RspFileContent: es.RspFileContent,
				PoolName:       es.Pool,
			}
		}
		_, err := state.AddEdge(graph.EdgeSpec{
			Rule:        rule,
			ExplicitIn:  es.ExplicitIn,
			ImplicitIn:  es.ImplicitIn,
			OrderOnlyIn: es.OrderOnlyIn,
			ExplicitOut: es.ExplicitOut,
			ImplicitOut: es.ImplicitOut,
			PoolName:    es.Pool,
			Dyndep:      es.Dyndep,
		})
		if err != nil {
			return nil, fmt.Errorf("edge %d (%s): %w", i, edgeRuleName(es.Rule, i), err)
		}
	}

	targets := make([]graph.NodeID, 0, len(m.Default))
	for _, t := range m.Default {
		id, ok := state.LookupNode(t)
		if !ok {
			return nil, fmt.Errorf("default_targets: unknown target %q", t)
		}
		targets = append(targets, id)
	}
	return targets, nil
}

func edgeRuleName(name string, i int) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("edge#%d", i)
}

func parseDepsType(s string) (graph.DepsType, error) {
	switch s {
	case "", "none":
		return graph.DepsNone, nil
	case "gcc":
		return graph.DepsGCC, nil
	case "msvc":
		return graph.DepsMSVC, nil
	default:
		return graph.DepsNone, fmt.Errorf("unknown deps type %q", s)
	}
}
