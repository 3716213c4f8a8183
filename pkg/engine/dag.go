package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Edge is a dependency: From must complete before To may start (forward),
// and To must reverse before From may reverse.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the DAG of nodes for one domain of one model.
// Its lock guards every node status and counter.
type Graph struct {
	domain Domain

	mu sync.Mutex

	// nodes holds nodes in model declaration order.
	nodes []*Node
	index map[string]*Node

	// successors maps a node ID to the IDs that depend on it.
	successors map[string][]string

	// predecessors maps a node ID to the IDs it depends on.
	predecessors map[string][]string

	edges []Edge

	// running is true while a scheduler pass owns the graph.
	running bool
}

func newGraph(domain Domain) *Graph {
	return &Graph{
		domain:       domain,
		index:        make(map[string]*Node),
		successors:   make(map[string][]string),
		predecessors: make(map[string][]string),
	}
}

// Domain returns the domain the graph was built for.
func (g *Graph) Domain() Domain { return g.domain }

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Node(nil), g.nodes...)
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.index[id]
	return n, ok
}

// Edges returns a copy of the edge set.
func (g *Graph) Edges() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Edge(nil), g.edges...)
}

// Successors returns the forward successors of id.
func (g *Graph) Successors(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.successors[id]...)
}

// Predecessors returns the forward predecessors of id.
func (g *Graph) Predecessors(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.predecessors[id]...)
}

// Levels groups node IDs by topological depth using Kahn's algorithm.
// Nodes within a level have no dependencies on each other.
func (g *Graph) Levels() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	inDegree := make(map[string]int, len(g.nodes))
	current := make([]string, 0)
	for _, n := range g.nodes {
		inDegree[n.id] = len(g.predecessors[n.id])
		if inDegree[n.id] == 0 {
			current = append(current, n.id)
		}
	}

	levels := make([][]string, 0)
	for len(current) > 0 {
		levels = append(levels, current)
		next := make([]string, 0)
		for _, id := range current {
			for _, succ := range g.successors[id] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		current = next
	}
	return levels
}

// TopologicalOrder returns node IDs in one valid forward order.
func (g *Graph) TopologicalOrder() []string {
	order := make([]string, 0)
	for _, level := range g.Levels() {
		order = append(order, level...)
	}
	return order
}

// Snapshot returns the persisted view of every node.
func (g *Graph) Snapshot() []NodeSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snaps := make([]NodeSnapshot, 0, len(g.nodes))
	for _, n := range g.nodes {
		snaps = append(snaps, n.snapshotLocked())
	}
	return snaps
}

// Restore applies stored statuses to nodes with matching IDs.
// It returns the number of nodes restored.
func (g *Graph) Restore(snaps []NodeSnapshot) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return 0, fmt.Errorf("cannot restore %s graph while a pass is running", g.domain)
	}

	restored := 0
	for _, s := range snaps {
		n, ok := g.index[s.ID]
		if !ok {
			continue
		}
		if err := s.Status.Validate(); err != nil {
			return restored, err
		}
		n.status = s.Status
		n.attempts = s.Attempts
		n.performed = s.Performed
		n.updatedAt = s.UpdatedAt
		restored++
	}
	return restored, nil
}

// MarkAllPerformed flags every node as performed so a reverse pass visits all of them.
func (g *Graph) MarkAllPerformed() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		n.performed = true
	}
}

// ToDOT generates a DOT representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	levels := g.Levels()

	g.mu.Lock()
	defer g.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %s {\n", g.domain)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			n := g.index[id]
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, n.name, n.kind, statusColor(n.status))
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.edges {
		fmt.Fprintf(&sb, "  %q -> %q;\n", e.From, e.To)
	}

	sb.WriteString("}\n")
	return sb.String()
}

func statusColor(s NodeStatus) string {
	switch s {
	case NodeStatusSuccess:
		return "lightgreen"
	case NodeStatusPerforming, NodeStatusReversing, NodeStatusFailRetry:
		return "lightblue"
	case NodeStatusFailFinal:
		return "lightcoral"
	case NodeStatusReversed:
		return "lightgray"
	default:
		return "white"
	}
}

// GraphBuilder builds the graph of one domain from a model.
// Repeated builds return the same *Node for the same item identity, so a
// reverse pass can reuse the statuses of an earlier forward pass.
type GraphBuilder struct {
	registry *Registry
	domain   Domain
	defaults RetryPolicy

	mu    sync.Mutex
	graph *Graph
}

// NewGraphBuilder creates a builder for domain.
func NewGraphBuilder(registry *Registry, domain Domain, defaults RetryPolicy) *GraphBuilder {
	if defaults.count == 0 {
		defaults = DefaultRetryPolicy()
	}
	return &GraphBuilder{
		registry: registry,
		domain:   domain,
		defaults: defaults,
		graph:    newGraph(domain),
	}
}

// Graph returns the builder's graph. It is empty until Build succeeds.
func (b *GraphBuilder) Graph() *Graph {
	return b.graph
}

// Build maps every item of the domain to exactly one node and computes edges.
// On error the graph keeps its previous contents.
func (b *GraphBuilder) Build(model Model) (*Graph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := model.Items(b.domain)
	g := b.graph

	g.mu.Lock()
	running := g.running
	existing := g.index
	g.mu.Unlock()
	if running {
		return nil, fmt.Errorf("cannot rebuild %s graph while a pass is running", b.domain)
	}

	// First pass: index items and resolve handlers.
	nodes := make([]*Node, 0, len(items))
	index := make(map[string]*Node, len(items))
	for _, item := range items {
		id := item.ItemID()
		if id == "" {
			return nil, &BuildError{
				Kind:   BuildErrorInvalidItem,
				Domain: b.domain,
				Detail: fmt.Sprintf("item %q has an empty ID", item.ItemName()),
			}
		}
		if _, dup := index[id]; dup {
			return nil, &BuildError{
				Kind:   BuildErrorDuplicateItem,
				Domain: b.domain,
				ItemID: id,
				Detail: "item declared more than once",
			}
		}

		node, ok := existing[id]
		if !ok {
			var err error
			node, err = b.newNode(item)
			if err != nil {
				return nil, err
			}
		}
		nodes = append(nodes, node)
		index[id] = node
	}

	// Second pass: edges, validating targets.
	successors := make(map[string][]string, len(nodes))
	predecessors := make(map[string][]string, len(nodes))
	edges := make([]Edge, 0)
	for _, item := range items {
		to := item.ItemID()
		seen := make(map[string]bool)
		for _, from := range item.DependsOn() {
			if seen[from] {
				continue
			}
			seen[from] = true
			if _, ok := index[from]; !ok {
				return nil, &BuildError{
					Kind:   BuildErrorUnknownDependencyTarget,
					Domain: b.domain,
					ItemID: to,
					Detail: fmt.Sprintf("depends on unknown item %s", from),
				}
			}
			successors[from] = append(successors[from], to)
			predecessors[to] = append(predecessors[to], from)
			edges = append(edges, Edge{From: from, To: to})
		}
	}

	if cycle := detectCycle(nodes, successors); cycle != nil {
		return nil, &BuildError{
			Kind:   BuildErrorDependencyGraphCycle,
			Domain: b.domain,
			ItemID: cycle[0],
			Cycle:  cycle,
		}
	}

	g.mu.Lock()
	g.nodes = nodes
	g.index = index
	g.successors = successors
	g.predecessors = predecessors
	g.edges = edges
	g.mu.Unlock()

	return g, nil
}

func (b *GraphBuilder) newNode(item Item) (*Node, error) {
	reg, err := b.registry.Lookup(b.domain, item.ItemKind())
	if err != nil {
		if be, ok := err.(*BuildError); ok {
			be.ItemID = item.ItemID()
		}
		return nil, err
	}

	retry := b.defaults
	if rc, ok := item.(RetryConfigurer); ok {
		spec := rc.RetrySpec()
		if !spec.IsZero() {
			retry, err = spec.Resolve(b.defaults)
			if err != nil {
				return nil, &BuildError{
					Kind:   BuildErrorInvalidItem,
					Domain: b.domain,
					ItemID: item.ItemID(),
					Detail: "invalid retry settings",
					Err:    err,
				}
			}
		}
	}

	handler, err := reg.Factory(item, retry)
	if err != nil {
		return nil, &BuildError{
			Kind:   BuildErrorInvalidItem,
			Domain: b.domain,
			ItemID: item.ItemID(),
			Detail: fmt.Sprintf("handler for kind %s rejected the item", reg.Kind),
			Err:    err,
		}
	}

	return &Node{
		id:        item.ItemID(),
		name:      item.ItemName(),
		kind:      item.ItemKind(),
		domain:    b.domain,
		item:      item,
		handler:   handler,
		provider:  reg.Provider,
		retry:     retry,
		graph:     b.graph,
		status:    NodeStatusUnstarted,
		updatedAt: time.Now(),
	}, nil
}

// detectCycle uses depth-first search over successors and returns the first
// cycle found, with its first node repeated at the end.
func detectCycle(nodes []*Node, successors map[string][]string) []string {
	visited := make(map[string]bool, len(nodes))
	recStack := make(map[string]bool)

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, next := range successors[id] {
			if !visited[next] {
				if cycle := visit(next, path); cycle != nil {
					return cycle
				}
			} else if recStack[next] {
				for i, p := range path {
					if p == next {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, next)
					}
				}
			}
		}

		recStack[id] = false
		return nil
	}

	for _, n := range nodes {
		if !visited[n.id] {
			if cycle := visit(n.id, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
