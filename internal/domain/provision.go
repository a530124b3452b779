package domain

import (
	"context"
	"fmt"
)

// ApplySummary is the result of one provisioning pass.
type ApplySummary struct {
	Applied   []string `json:"applied"`   // nodes transitioned through creating
	Unchanged []string `json:"unchanged"` // nodes already ready with same config
}

// LoadGraphInput carries the feature flags for a provisioning run.
type LoadGraphInput struct {
	Flags map[string]bool `json:"flags"`
}

// ProvisionNodeInput is the per-node apply request.
type ProvisionNodeInput struct {
	Node ResourceNode `json:"node"`
}

// ProvisionNodeOutput reports whether the node was actually applied.
type ProvisionNodeOutput struct {
	Applied bool      `json:"applied"`
	State   NodeState `json:"state"`
}

// ProvisionWorkflow applies the shared resource graph in dependency
// order before any service deploys. Desired nodes come from the graph
// source; observed states live in the resource repository. Each
// activity is idempotent so durable engines may retry it.
type ProvisionWorkflow struct {
	Desired   []ResourceNode
	Resources ResourceRepository
	Apply     Provisioner
}

func (wf *ProvisionWorkflow) Name() string { return "provision" }

// LoadGraph filters gated nodes and merges persisted states into the
// desired graph. Filtering happens before ordering so a disabled
// subgraph never reaches the planner.
func (wf *ProvisionWorkflow) LoadGraph() Activity[LoadGraphInput, []ResourceNode] {
	return NewActivity("load-graph", func(ctx context.Context, in LoadGraphInput) ([]ResourceNode, error) {
		kept, err := FilterGated(wf.Desired, in.Flags)
		if err != nil {
			return nil, err
		}
		out := make([]ResourceNode, len(kept))
		for i, n := range kept {
			n.State = NodeAbsent
			if persisted, err := wf.Resources.Get(ctx, n.ID); err == nil {
				n.State = persisted.State
				if !n.ConfigEqual(persisted) {
					// Changed desired config reapplies the node.
					n.State = NodeAbsent
				}
			}
			out[i] = n
		}
		return out, nil
	})
}

// PlanApply orders the filtered graph into dependency layers.
func (wf *ProvisionWorkflow) PlanApply() Activity[[]ResourceNode, [][]string] {
	return NewActivity("plan-apply", func(_ context.Context, nodes []ResourceNode) ([][]string, error) {
		return PlanLayers(nodes)
	})
}

// ProvisionNode applies a single node. A node already ready with
// unchanged config is a no-op; anything else transitions through
// creating. State transitions are persisted as the only externally
// observable output.
func (wf *ProvisionWorkflow) ProvisionNode() Activity[ProvisionNodeInput, ProvisionNodeOutput] {
	return NewActivity("provision-node", func(ctx context.Context, in ProvisionNodeInput) (ProvisionNodeOutput, error) {
		node := in.Node
		if node.State == NodeReady {
			return ProvisionNodeOutput{Applied: false, State: NodeReady}, nil
		}

		node.State = NodeCreating
		if err := wf.Resources.Upsert(ctx, node); err != nil {
			return ProvisionNodeOutput{}, fmt.Errorf("persist %s creating: %w", node.ID, err)
		}

		if err := wf.Apply.Apply(ctx, node); err != nil {
			node.State = NodeFailed
			_ = wf.Resources.Upsert(ctx, node)
			return ProvisionNodeOutput{}, fmt.Errorf("provision %s: %w", node.ID, err)
		}

		node.State = NodeReady
		if err := wf.Resources.Upsert(ctx, node); err != nil {
			return ProvisionNodeOutput{}, fmt.Errorf("persist %s ready: %w", node.ID, err)
		}
		return ProvisionNodeOutput{Applied: true, State: NodeReady}, nil
	})
}

// Run executes the provisioning pipeline: load and filter the graph,
// plan layers, then apply layer by layer. A node is never applied
// before all of its dependencies are ready.
func (wf *ProvisionWorkflow) Run(runner DurableRunner, flags map[string]bool) (ApplySummary, error) {
	var summary ApplySummary

	nodes, err := RunActivity(runner, wf.LoadGraph(), LoadGraphInput{Flags: flags})
	if err != nil {
		return summary, err
	}

	layers, err := RunActivity(runner, wf.PlanApply(), nodes)
	if err != nil {
		return summary, err
	}

	byID := make(map[string]ResourceNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	for _, layer := range layers {
		for _, id := range layer {
			out, err := RunActivity(runner, wf.ProvisionNode(), ProvisionNodeInput{Node: byID[id]})
			if err != nil {
				return summary, err
			}
			if out.Applied {
				summary.Applied = append(summary.Applied, id)
			} else {
				summary.Unchanged = append(summary.Unchanged, id)
			}
		}
	}
	return summary, nil
}
