package engine

import (
	"sort"
	"time"

	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// DefaultNodeTimeout bounds a single node dispatch when neither the node nor
// the engine configures one.
const DefaultNodeTimeout = 300 * time.Second

// PlanEstimate summarizes the shape of a plan.
type PlanEstimate struct {
	NodeCount int `json:"node_count"`
	// GroupCount equals the number of nodes on the longest dependency chain.
	GroupCount int `json:"group_count"`
	// MaxDuration is the sum of every node's timeout, an upper bound on a
	// strictly sequential run.
	MaxDuration time.Duration `json:"max_duration"`
}

// ExecutionPlan is the topological order of a workflow's nodes. Nodes in
// the same group have no dependency on one another and may run together.
type ExecutionPlan struct {
	WorkflowID   string
	Order        []string
	Groups       [][]string
	Dependencies map[string][]string
	Dependents   map[string][]string
	// Incoming keeps every edge targeting a node, for branch evaluation.
	Incoming map[string][]workflow.Edge
	Estimate PlanEstimate

	nodes map[string]workflow.Node
	index map[string]int
}

// Node returns the definition of a planned node.
func (p *ExecutionPlan) Node(id string) (workflow.Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Contains reports whether id is part of the plan.
func (p *ExecutionPlan) Contains(id string) bool {
	_, ok := p.nodes[id]
	return ok
}

// Position returns the node's index in Order, or -1.
func (p *ExecutionPlan) Position(id string) int {
	for i, n := range p.Order {
		if n == id {
			return i
		}
	}
	return -1
}

// Downstream returns id and every node reachable from it.
func (p *ExecutionPlan) Downstream(id string) map[string]struct{} {
	seen := map[string]struct{}{}
	if !p.Contains(id) {
		return seen
	}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		stack = append(stack, p.Dependents[cur]...)
	}
	return seen
}

// Upstream returns every node id transitively depends on, excluding id.
func (p *ExecutionPlan) Upstream(id string) map[string]struct{} {
	seen := map[string]struct{}{}
	stack := append([]string(nil), p.Dependencies[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		stack = append(stack, p.Dependencies[cur]...)
	}
	return seen
}

// BuildPlan orders the workflow's nodes with Kahn's algorithm. Every round
// extracts all nodes whose predecessors are already placed, and those nodes
// form one group. Ties within a group follow authoring order. BuildPlan has
// no side effects and is cheap enough to call on every start.
func BuildPlan(wf *workflow.Workflow, defaultTimeout time.Duration) (*ExecutionPlan, error) {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultNodeTimeout
	}
	plan := &ExecutionPlan{
		WorkflowID:   wf.ID,
		Order:        []string{},
		Groups:       [][]string{},
		Dependencies: make(map[string][]string, len(wf.Nodes)),
		Dependents:   make(map[string][]string, len(wf.Nodes)),
		Incoming:     make(map[string][]workflow.Edge, len(wf.Nodes)),
		nodes:        make(map[string]workflow.Node, len(wf.Nodes)),
		index:        make(map[string]int, len(wf.Nodes)),
	}
	if len(wf.Nodes) == 0 {
		return plan, nil
	}

	for i, n := range wf.Nodes {
		if _, dup := plan.nodes[n.ID]; dup {
			return nil, rwerrors.NewValidationError("duplicate node id '"+n.ID+"' in workflow '"+wf.ID+"'", nil)
		}
		plan.nodes[n.ID] = n
		plan.index[n.ID] = i
	}

	inDegree := make(map[string]int, len(wf.Nodes))
	seenEdge := make(map[[2]string]bool, len(wf.Edges))
	for _, e := range wf.Edges {
		if !plan.Contains(e.Source) {
			return nil, rwerrors.NewNodeNotFoundError(wf.ID, e.Source)
		}
		if !plan.Contains(e.Target) {
			return nil, rwerrors.NewNodeNotFoundError(wf.ID, e.Target)
		}
		plan.Incoming[e.Target] = append(plan.Incoming[e.Target], e)
		key := [2]string{e.Source, e.Target}
		if seenEdge[key] {
			continue
		}
		seenEdge[key] = true
		plan.Dependencies[e.Target] = append(plan.Dependencies[e.Target], e.Source)
		plan.Dependents[e.Source] = append(plan.Dependents[e.Source], e.Target)
		inDegree[e.Target]++
	}
	byAuthoring := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return plan.index[ids[i]] < plan.index[ids[j]] })
	}
	for id := range plan.Dependencies {
		byAuthoring(plan.Dependencies[id])
	}
	for id := range plan.Dependents {
		byAuthoring(plan.Dependents[id])
	}

	var ready []string
	for _, n := range wf.Nodes {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	for len(ready) > 0 {
		group := ready
		plan.Groups = append(plan.Groups, group)
		plan.Order = append(plan.Order, group...)

		var next []string
		for _, id := range group {
			for _, dep := range plan.Dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		byAuthoring(next)
		ready = next
	}

	if len(plan.Order) != len(wf.Nodes) {
		var remaining []string
		for _, n := range wf.Nodes {
			if inDegree[n.ID] > 0 {
				remaining = append(remaining, n.ID)
			}
		}
		return nil, rwerrors.NewCyclicGraphError(wf.ID, remaining)
	}

	plan.Estimate.NodeCount = len(plan.Order)
	plan.Estimate.GroupCount = len(plan.Groups)
	for _, n := range wf.Nodes {
		if n.Timeout > 0 {
			plan.Estimate.MaxDuration += n.Timeout
		} else {
			plan.Estimate.MaxDuration += defaultTimeout
		}
	}
	return plan, nil
}
