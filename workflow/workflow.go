// Package workflow implements the Workflow graph and its flattening to
// a dense, index-addressed form (spec.md §3 "Workflow", §4.1 "flatten
// and resolve") using a depth-first topological sort: a
// temporary/permanent mark DFS over a DAG of named, multi-port nodes,
// returning a DefinitionError on a cycle since that is a user-facing
// workflow mistake, not a programmer bug.
//
// A workflow node is either an operation-node or a nested-workflow-
// node (spec.md §3); Flatten expands every nested-workflow-node by
// recursively inlining its nodes and rewriting link endpoints into the
// parent's namespace before assigning dense indices, so the runtime
// that consumes a Flattened only ever sees operation nodes (spec.md
// §9: flattening "eliminates the second variant entirely").
package workflow

import (
	"fmt"

	"github.com/softwarelanguageslab/skitter/op"
	"github.com/softwarelanguageslab/skitter/strategy"
)

// boundaryNode is the reserved node name an Edge uses to mean "this
// workflow's own boundary" rather than a node within it: an edge with
// FromNode == boundaryNode sources from the in-port named FromPort;
// an edge with ToNode == boundaryNode sinks into the out-port named
// ToPort. Only edges inside a Workflow used as some node's Nested
// field are expected to use it.
const boundaryNode = ""

// Node is one node of a workflow. An operation-node has Operation set
// and Nested nil; a nested-workflow-node has Nested set and Operation
// nil, exposing InPorts/OutPorts (from Nested.InPorts/Nested.OutPorts)
// as its own port vocabulary to the enclosing workflow's edges
// (spec.md §3 "nested-workflow-node{workflow, links}").
type Node struct {
	Name      string
	Operation *op.Operation
	Strategy  string
	Args      map[string]any

	// Nested, when non-nil, makes this a nested-workflow-node wrapping
	// an entire sub-workflow instead of a single operation.
	Nested *Workflow
}

// Edge connects one node's named out-port to another node's named
// in-port. Within a Workflow that is itself used as a Node's Nested
// field, FromNode or ToNode may be boundaryNode to reference that
// workflow's own declared InPorts/OutPorts.
type Edge struct {
	FromNode string
	FromPort string
	ToNode   string
	ToPort   string
}

// Workflow is the user-facing graph: named nodes and the edges between
// their ports, exactly as described in the workflow definition.
// InPorts/OutPorts declare the boundary ports this workflow exposes
// when it is used as a nested-workflow-node inside another workflow;
// they are unused (and may be left empty) for a workflow passed
// directly to Flatten as the top-level graph.
type Workflow struct {
	Nodes    []Node
	Edges    []Edge
	InPorts  []string
	OutPorts []string
}

// Link is a resolved destination: a dense node index plus the in-port
// index on that node, per spec.md §4.1.
type Link struct {
	NodeIndex int
	PortIndex int
}

// FlatNode is one entry of a FlattenedWorkflow: a node plus, per
// out-port, the resolved links records leaving that port must be
// delivered to.
type FlatNode struct {
	Node       Node
	Descriptor strategy.Descriptor
	// OutLinks[outPortIndex] is the list of destinations for that port.
	OutLinks [][]Link
}

// Flattened is the dense, index-addressed form a Deployer publishes to
// the link-table and deploys in order (spec.md §4.7 step 1-2): nodes
// topologically sorted so that deploying in order never runs a node
// before any node whose output it might synchronously depend on.
// Every entry is an operation-node; nested-workflow-nodes have already
// been expanded away by Flatten.
type Flattened struct {
	Nodes []FlatNode
	// index resolves a node name to its position in Nodes.
	index map[string]int
}

// NodeIndex resolves name to its dense index.
func (f *Flattened) NodeIndex(name string) (int, bool) {
	i, ok := f.index[name]
	return i, ok
}

// DefinitionError is returned for workflow-shape problems caught at
// flatten time: unknown node/port references or a cyclic graph,
// spec.md §7 ("DefinitionError: load-time, fatal").
type DefinitionError struct {
	Reason string
}

func (e *DefinitionError) Error() string { return "workflow definition: " + e.Reason }

// boundaryRef names a concrete (node, port) inside an expanded
// sub-workflow that a nested-workflow-node's boundary port resolves
// to, once that sub-workflow has been inlined into the parent.
type boundaryRef struct {
	Node string
	Port string
}

// Flatten expands every nested-workflow-node into its parent's
// namespace, then resolves every edge to a (node-index, port-index)
// pair and produces a topological node order, per spec.md §4.1. Edges
// naming a node or port the referenced operation (or nested workflow's
// declared boundary) does not declare are DefinitionErrors, as is a
// cyclic workflow.
func Flatten(wf Workflow) (*Flattened, error) {
	expanded, err := expand(wf, "")
	if err != nil {
		return nil, err
	}
	return flattenExpanded(expanded)
}

// expand recursively inlines every nested-workflow-node in wf,
// qualifying inlined node names with prefix (joined by "/") to keep
// them unique, and rewriting every edge that touches a nested node so
// the result contains only operation-nodes and edges between them.
func expand(wf Workflow, prefix string) (Workflow, error) {
	if err := validateBoundaryEdges(wf); err != nil {
		return Workflow{}, err
	}

	qualify := func(name string) string {
		if name == boundaryNode || prefix == "" {
			return name
		}
		return prefix + "/" + name
	}

	var outNodes []Node
	var outEdges []Edge
	nested := make(map[string]bool, len(wf.Nodes))
	boundaryIn := make(map[string]map[string][]boundaryRef)
	boundaryOut := make(map[string]map[string][]boundaryRef)

	for _, n := range wf.Nodes {
		if n.Nested == nil {
			outNodes = append(outNodes, Node{
				Name:      qualify(n.Name),
				Operation: n.Operation,
				Strategy:  n.Strategy,
				Args:      n.Args,
			})
			continue
		}

		child, err := expand(*n.Nested, qualify(n.Name))
		if err != nil {
			return Workflow{}, err
		}

		nested[n.Name] = true
		in := map[string][]boundaryRef{}
		out := map[string][]boundaryRef{}
		for _, ce := range child.Edges {
			switch {
			case ce.FromNode == boundaryNode && ce.ToNode == boundaryNode:
				return Workflow{}, &DefinitionError{Reason: fmt.Sprintf(
					"nested workflow %q wires in-port %q directly to out-port %q with no node between them, which is not supported",
					n.Name, ce.FromPort, ce.ToPort)}
			case ce.FromNode == boundaryNode:
				in[ce.FromPort] = append(in[ce.FromPort], boundaryRef{Node: ce.ToNode, Port: ce.ToPort})
			case ce.ToNode == boundaryNode:
				out[ce.ToPort] = append(out[ce.ToPort], boundaryRef{Node: ce.FromNode, Port: ce.FromPort})
			default:
				outEdges = append(outEdges, ce)
			}
		}
		outNodes = append(outNodes, child.Nodes...)
		boundaryIn[n.Name] = in
		boundaryOut[n.Name] = out
	}

	for _, e := range wf.Edges {
		fromNested := nested[e.FromNode]
		toNested := nested[e.ToNode]
		switch {
		case !fromNested && !toNested:
			outEdges = append(outEdges, Edge{
				FromNode: qualify(e.FromNode),
				FromPort: e.FromPort,
				ToNode:   qualify(e.ToNode),
				ToPort:   e.ToPort,
			})
		case fromNested && !toNested:
			for _, src := range boundaryOut[e.FromNode][e.FromPort] {
				outEdges = append(outEdges, Edge{
					FromNode: src.Node,
					FromPort: src.Port,
					ToNode:   qualify(e.ToNode),
					ToPort:   e.ToPort,
				})
			}
		case !fromNested && toNested:
			for _, dst := range boundaryIn[e.ToNode][e.ToPort] {
				outEdges = append(outEdges, Edge{
					FromNode: qualify(e.FromNode),
					FromPort: e.FromPort,
					ToNode:   dst.Node,
					ToPort:   dst.Port,
				})
			}
		default:
			for _, src := range boundaryOut[e.FromNode][e.FromPort] {
				for _, dst := range boundaryIn[e.ToNode][e.ToPort] {
					outEdges = append(outEdges, Edge{
						FromNode: src.Node,
						FromPort: src.Port,
						ToNode:   dst.Node,
						ToPort:   dst.Port,
					})
				}
			}
		}
	}

	return Workflow{Nodes: outNodes, Edges: outEdges}, nil
}

// validateBoundaryEdges checks that every boundary-referencing edge in
// wf (FromNode or ToNode == boundaryNode) names a port wf actually
// declares in InPorts/OutPorts.
func validateBoundaryEdges(wf Workflow) error {
	inSet := make(map[string]bool, len(wf.InPorts))
	for _, p := range wf.InPorts {
		inSet[p] = true
	}
	outSet := make(map[string]bool, len(wf.OutPorts))
	for _, p := range wf.OutPorts {
		outSet[p] = true
	}
	for _, e := range wf.Edges {
		if e.FromNode == boundaryNode && !inSet[e.FromPort] {
			return &DefinitionError{Reason: fmt.Sprintf("nested workflow has no in-port %q", e.FromPort)}
		}
		if e.ToNode == boundaryNode && !outSet[e.ToPort] {
			return &DefinitionError{Reason: fmt.Sprintf("nested workflow has no out-port %q", e.ToPort)}
		}
	}
	return nil
}

// flattenExpanded runs the dense-index/link resolution pass over a
// workflow that has already had every nested-workflow-node expanded
// away, so every node is a plain operation-node.
func flattenExpanded(wf Workflow) (*Flattened, error) {
	byName := make(map[string]Node, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if _, dup := byName[n.Name]; dup {
			return nil, &DefinitionError{Reason: fmt.Sprintf("duplicate node name %q", n.Name)}
		}
		byName[n.Name] = n
	}

	outPortIdx := make(map[string]map[string]int)
	inPortIdx := make(map[string]map[string]int)
	for _, n := range wf.Nodes {
		outPortIdx[n.Name] = portIndex(n.Operation.OutPorts())
		inPortIdx[n.Name] = portIndex(n.Operation.InPorts())
	}

	for _, e := range wf.Edges {
		if _, ok := byName[e.FromNode]; !ok {
			return nil, &DefinitionError{Reason: fmt.Sprintf("edge references unknown node %q", e.FromNode)}
		}
		if _, ok := byName[e.ToNode]; !ok {
			return nil, &DefinitionError{Reason: fmt.Sprintf("edge references unknown node %q", e.ToNode)}
		}
		if _, ok := outPortIdx[e.FromNode][e.FromPort]; !ok {
			return nil, &DefinitionError{Reason: fmt.Sprintf("node %q has no out-port %q", e.FromNode, e.FromPort)}
		}
		if _, ok := inPortIdx[e.ToNode][e.ToPort]; !ok {
			return nil, &DefinitionError{Reason: fmt.Sprintf("node %q has no in-port %q", e.ToNode, e.ToPort)}
		}
	}

	order, err := topoSort(wf)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(order))
	for i, name := range order {
		index[name] = i
	}

	flat := &Flattened{index: index}
	for _, name := range order {
		n := byName[name]
		fn := FlatNode{
			Node: n,
			Descriptor: strategy.Descriptor{
				Operation: n.Operation,
				Strategy:  n.Strategy,
				Args:      n.Args,
			},
			OutLinks: make([][]Link, len(n.Operation.OutPorts())),
		}
		for _, e := range wf.Edges {
			if e.FromNode != name {
				continue
			}
			p := outPortIdx[name][e.FromPort]
			dstIdx := index[e.ToNode]
			dstPort := inPortIdx[e.ToNode][e.ToPort]
			fn.OutLinks[p] = append(fn.OutLinks[p], Link{NodeIndex: dstIdx, PortIndex: dstPort})
		}
		flat.Nodes = append(flat.Nodes, fn)
	}
	return flat, nil
}

func portIndex(ports []string) map[string]int {
	m := make(map[string]int, len(ports))
	for i, p := range ports {
		m[p] = i
	}
	return m
}

// topoSort runs a depth-first topological sort over the workflow's
// node-name graph, mirroring pipeline.Pipeline.visit's temporary/
// permanent mark DFS but over named nodes instead of a Node tree, and
// returning a DefinitionError instead of panicking when it finds a
// cycle.
func topoSort(wf Workflow) ([]string, error) {
	children := make(map[string][]string)
	allNodes := make([]string, 0, len(wf.Nodes))
	for _, n := range wf.Nodes {
		allNodes = append(allNodes, n.Name)
	}
	for _, e := range wf.Edges {
		children[e.FromNode] = append(children[e.FromNode], e.ToNode)
	}

	const (
		unmarked = 0
		temp     = 1
		perm     = 2
	)
	mark := make(map[string]int, len(allNodes))
	var sorted []string
	var cycleErr error

	var visit func(name string)
	visit = func(name string) {
		if cycleErr != nil {
			return
		}
		switch mark[name] {
		case perm:
			return
		case temp:
			cycleErr = &DefinitionError{Reason: fmt.Sprintf("workflow contains a cycle through %q", name)}
			return
		}
		mark[name] = temp
		for _, c := range children[name] {
			visit(c)
			if cycleErr != nil {
				return
			}
		}
		mark[name] = perm
		sorted = append(sorted, name)
	}

	for i := len(allNodes) - 1; i >= 0; i-- {
		visit(allNodes[i])
		if cycleErr != nil {
			return nil, cycleErr
		}
	}
	// reverse, matching Pipeline.sort()'s post-visit reversal so
	// producers precede their consumers.
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	return sorted, nil
}
