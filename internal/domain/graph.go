package domain

import (
	"fmt"
	"sort"
)

// NodeState is the provisioning state of one resource node.
type NodeState string

const (
	NodeAbsent   NodeState = "absent"
	NodeCreating NodeState = "creating"
	NodeReady    NodeState = "ready"
	NodeFailed   NodeState = "failed"
)

// ResourceNode is one piece of shared infrastructure in the apply
// graph. Gate names an optional feature flag; a node with a gate is
// included only when the flag is enabled.
type ResourceNode struct {
	ID        string            `json:"id" yaml:"id"`
	DependsOn []string          `json:"depends_on" yaml:"depends_on"`
	Gate      string            `json:"gate,omitempty" yaml:"gate,omitempty"`
	Config    map[string]string `json:"config" yaml:"config"`
	State     NodeState         `json:"state" yaml:"-"`
}

// ConfigEqual reports whether two nodes carry the same desired
// configuration. Used for the idempotence check during apply.
func (n ResourceNode) ConfigEqual(other ResourceNode) bool {
	if len(n.Config) != len(other.Config) {
		return false
	}
	for k, v := range n.Config {
		if other.Config[k] != v {
			return false
		}
	}
	return true
}

// FilterGated removes nodes whose gate is disabled, before ordering.
// Nodes depending only on disabled nodes through other disabled nodes
// disappear with them; an enabled node with a hard dependency on a
// disabled node is ErrUnsatisfiedDependency.
func FilterGated(nodes []ResourceNode, flags map[string]bool) ([]ResourceNode, error) {
	disabled := make(map[string]bool)
	for _, n := range nodes {
		if n.Gate != "" && !flags[n.Gate] {
			disabled[n.ID] = true
		}
	}

	var kept []ResourceNode
	for _, n := range nodes {
		if disabled[n.ID] {
			continue
		}
		for _, dep := range n.DependsOn {
			if disabled[dep] {
				return nil, fmt.Errorf("%w: node %q requires disabled node %q", ErrUnsatisfiedDependency, n.ID, dep)
			}
		}
		kept = append(kept, n)
	}
	return kept, nil
}

// PlanLayers orders nodes into dependency layers: every node in layer i
// depends only on nodes in layers < i. Nodes within a layer are
// mutually independent and may be applied concurrently. Returns
// ErrCycle if the graph is not a DAG, and ErrNotFound if a dependency
// references an unknown node.
func PlanLayers(nodes []ResourceNode) ([][]string, error) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string)
	for _, n := range nodes {
		indegree[n.ID] += 0
		for _, dep := range n.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("%w: node %q depends on unknown node %q", ErrNotFound, n.ID, dep)
			}
			indegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var layers [][]string
	placed := 0
	frontier := make([]string, 0, len(nodes))
	for id, d := range indegree {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}

	for len(frontier) > 0 {
		sort.Strings(frontier) // stable output
		layers = append(layers, frontier)
		placed += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if placed != len(nodes) {
		var stuck []string
		for id, d := range indegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: involving %v", ErrCycle, stuck)
	}
	return layers, nil
}
