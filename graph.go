package main

import (
	"io"
	"iter"
	"slices"
	"strings"
)

// FactGraph is the single store of nodes and edges for one analysis run.
//
// Nodes and edges live in append-only arenas and refer to each other by id,
// never by pointer, so removing a node cannot leave a dangling reference.
// The mangle index maps raw symbol names to the ids that carry them and is
// only consulted for link edges.
//
// In bounded-memory mode the graph also remembers every node id and edge key
// it has ever held. Purge renders the resident facts into a sink and drops
// them, while existence queries and the mangle index keep answering for the
// whole run.
//
// FactGraph is not safe for concurrent use. The resolver mutates it from a
// single goroutine.
type FactGraph struct {
	nodes     []nodeSlot
	nodeIndex map[string]int
	edges     []edgeSlot
	edgeIndex map[edgeKey]int
	incident  map[string][]int // node id → positions in edges

	liveNodes int
	liveEdges int

	aliases   map[string][]string // raw name → ids, first inserted first
	anomalies []Anomaly

	streaming bool
	nodeSeen  map[string]struct{}
	edgeSeen  map[edgeKey]struct{}
	purges    int
}

type nodeSlot struct {
	node    Node
	removed bool
}

type edgeSlot struct {
	edge    Edge
	removed bool
}

// GraphOption configures a FactGraph.
type GraphOption func(*FactGraph)

// WithBoundedMemory enables existence tracking across purges.
func WithBoundedMemory() GraphOption {
	return func(g *FactGraph) {
		g.streaming = true
		g.nodeSeen = make(map[string]struct{})
		g.edgeSeen = make(map[edgeKey]struct{})
	}
}

// NewFactGraph creates an empty graph.
func NewFactGraph(opts ...GraphOption) *FactGraph {
	g := &FactGraph{
		nodeIndex: make(map[string]int),
		edgeIndex: make(map[edgeKey]int),
		incident:  make(map[string][]int),
		aliases:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BoundedMemory reports whether the graph tracks existence across purges.
func (g *FactGraph) BoundedMemory() bool { return g.streaming }

// AddNode inserts a node, or records a new alias for an existing id.
// It returns true only when id was not present before the call.
func (g *FactGraph) AddNode(id string, kind NodeKind, name, alias string) bool {
	if g.HasNode(id) {
		if alias != "" && !slices.Contains(g.aliases[alias], id) {
			if pos, ok := g.nodeIndex[id]; ok {
				g.nodes[pos].node.Aliases = append(g.nodes[pos].node.Aliases, alias)
			}
			g.anomalies = append(g.anomalies, Anomaly{Kind: AnomalyExtraAlias, Alias: alias, ID: id})
			g.indexAlias(alias, id)
		}
		return false
	}

	n := Node{ID: id, Kind: kind, Name: name}
	if alias != "" {
		n.Aliases = []string{alias}
		g.indexAlias(alias, id)
	}
	g.nodeIndex[id] = len(g.nodes)
	g.nodes = append(g.nodes, nodeSlot{node: n})
	g.liveNodes++
	if g.streaming {
		g.nodeSeen[id] = struct{}{}
	}
	return true
}

func (g *FactGraph) indexAlias(alias, id string) {
	ids := g.aliases[alias]
	if len(ids) > 0 {
		g.anomalies = append(g.anomalies, Anomaly{
			Kind:  AnomalyAmbiguousAlias,
			Alias: alias,
			ID:    id,
			Owner: ids[0],
		})
	}
	g.aliases[alias] = append(ids, id)
}

// HasNode reports whether id exists. In bounded-memory mode this includes
// nodes already flushed by a purge.
func (g *FactGraph) HasNode(id string) bool {
	if _, ok := g.nodeIndex[id]; ok {
		return true
	}
	if g.streaming {
		_, ok := g.nodeSeen[id]
		return ok
	}
	return false
}

// Node returns a copy of a resident node.
func (g *FactGraph) Node(id string) (Node, bool) {
	pos, ok := g.nodeIndex[id]
	if !ok {
		return Node{}, false
	}
	n := g.nodes[pos].node
	n.Aliases = slices.Clone(n.Aliases)
	return n, true
}

// ResolveAlias returns the id a raw symbol name resolves to. When several
// ids share the name, the first one registered wins.
func (g *FactGraph) ResolveAlias(alias string) (string, bool) {
	ids := g.aliases[alias]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// AliasIDs returns every id carrying alias, in registration order.
func (g *FactGraph) AliasIDs(alias string) []string {
	return slices.Clone(g.aliases[alias])
}

// AddEdge inserts an edge between two existing ids. It returns false without
// touching the graph when either id is absent. Inserting an edge that is
// already present is a no-op that returns true.
func (g *FactGraph) AddEdge(src, dst string, kind EdgeKind) bool {
	if !g.HasNode(src) || !g.HasNode(dst) {
		return false
	}
	k := edgeKey{src, dst, kind}
	if g.hasEdgeKey(k) {
		return true
	}
	pos := len(g.edges)
	g.edges = append(g.edges, edgeSlot{edge: Edge{Source: src, Target: dst, Kind: kind}})
	g.edgeIndex[k] = pos
	g.incident[src] = append(g.incident[src], pos)
	if dst != src {
		g.incident[dst] = append(g.incident[dst], pos)
	}
	g.liveEdges++
	if g.streaming {
		g.edgeSeen[k] = struct{}{}
	}
	return true
}

// AddEdgeByAlias resolves both raw names through the mangle index and
// inserts the edge between the resolved ids.
func (g *FactGraph) AddEdgeByAlias(srcAlias, dstAlias string, kind EdgeKind) bool {
	src, ok := g.ResolveAlias(srcAlias)
	if !ok {
		return false
	}
	dst, ok := g.ResolveAlias(dstAlias)
	if !ok {
		return false
	}
	return g.AddEdge(src, dst, kind)
}

func (g *FactGraph) hasEdgeKey(k edgeKey) bool {
	if _, ok := g.edgeIndex[k]; ok {
		return true
	}
	if g.streaming {
		_, ok := g.edgeSeen[k]
		return ok
	}
	return false
}

// HasEdge reports whether the edge exists, including flushed edges in
// bounded-memory mode.
func (g *FactGraph) HasEdge(src, dst string, kind EdgeKind) bool {
	return g.hasEdgeKey(edgeKey{src, dst, kind})
}

// ContainsEdgeExists reports whether src contains dst.
func (g *FactGraph) ContainsEdgeExists(src, dst string) bool {
	return g.HasEdge(src, dst, EdgeContains)
}

// LinkEdgeExistsByAlias reports whether any id carrying srcAlias already
// references any id carrying dstAlias.
func (g *FactGraph) LinkEdgeExistsByAlias(srcAlias, dstAlias string) bool {
	srcs, dsts := g.aliases[srcAlias], g.aliases[dstAlias]
	for _, s := range srcs {
		for _, d := range dsts {
			if g.HasEdge(s, d, EdgeLink) {
				return true
			}
		}
	}
	return false
}

// RemoveNode deletes a resident node together with every incident edge and
// drops its aliases from the mangle index. Facts already flushed by a purge
// cannot be retracted; RemoveNode returns false for them.
func (g *FactGraph) RemoveNode(id string) bool {
	pos, ok := g.nodeIndex[id]
	if !ok {
		return false
	}
	slot := &g.nodes[pos]
	for _, alias := range slot.node.Aliases {
		ids := slices.DeleteFunc(g.aliases[alias], func(s string) bool { return s == id })
		if len(ids) == 0 {
			delete(g.aliases, alias)
		} else {
			g.aliases[alias] = ids
		}
	}
	slot.removed = true
	slot.node = Node{}
	delete(g.nodeIndex, id)
	g.liveNodes--
	if g.streaming {
		delete(g.nodeSeen, id)
	}

	for _, ep := range g.incident[id] {
		es := &g.edges[ep]
		if es.removed {
			continue
		}
		k := es.edge.key()
		es.removed = true
		delete(g.edgeIndex, k)
		if g.streaming {
			delete(g.edgeSeen, k)
		}
		g.liveEdges--
	}
	delete(g.incident, id)
	return true
}

// Anomalies returns the alias irregularities observed so far.
func (g *FactGraph) Anomalies() []Anomaly {
	return slices.Clone(g.anomalies)
}

// NodeCount returns the number of resident nodes.
func (g *FactGraph) NodeCount() int { return g.liveNodes }

// EdgeCount returns the number of resident edges.
func (g *FactGraph) EdgeCount() int { return g.liveEdges }

// AliasCount returns the number of distinct raw names in the mangle index.
func (g *FactGraph) AliasCount() int { return len(g.aliases) }

// Purges returns how many times the graph has been flushed.
func (g *FactGraph) Purges() int { return g.purges }

// Nodes yields resident nodes in insertion order. The yielded values share
// alias storage with the graph and must not be modified.
func (g *FactGraph) Nodes() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		for i := range g.nodes {
			if g.nodes[i].removed {
				continue
			}
			if !yield(g.nodes[i].node) {
				return
			}
		}
	}
}

// Edges yields resident edges in insertion order.
func (g *FactGraph) Edges() iter.Seq[Edge] {
	return func(yield func(Edge) bool) {
		for i := range g.edges {
			if g.edges[i].removed {
				continue
			}
			if !yield(g.edges[i].edge) {
				return
			}
		}
	}
}

// Purge hands the resident facts to sink and then discards them, keeping
// existence flags, the mangle index and recorded anomalies. The graph is
// left untouched if the sink fails.
func (g *FactGraph) Purge(sink FactSink) error {
	if !g.streaming {
		return ErrNotStreaming
	}
	if err := sink.Append(g); err != nil {
		return err
	}
	g.nodes = nil
	g.nodeIndex = make(map[string]int)
	g.edges = nil
	g.edgeIndex = make(map[edgeKey]int)
	g.incident = make(map[string][]int)
	g.liveNodes = 0
	g.liveEdges = 0
	g.purges++
	return nil
}

// WriteInstances renders one "$INSTANCE <id> <tag>" line per resident node.
func (g *FactGraph) WriteInstances(w io.Writer) error {
	for n := range g.Nodes() {
		if _, err := io.WriteString(w, instanceFlag+" "+n.ID+" "+n.Kind.TypeTag()+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteRelationships renders one "<tag> <src> <dst>" line per resident edge.
func (g *FactGraph) WriteRelationships(w io.Writer) error {
	for e := range g.Edges() {
		if _, err := io.WriteString(w, e.Kind.Tag()+" "+e.Source+" "+e.Target+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteAttributes renders a label line for every resident node with a name.
func (g *FactGraph) WriteAttributes(w io.Writer) error {
	for n := range g.Nodes() {
		if n.Name == "" {
			continue
		}
		line := n.ID + " { " + labelAttr + " = \"" + escapeLabel(n.Name) + "\" }\n"
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}

// SerializeInstances returns the instance section as a string.
func (g *FactGraph) SerializeInstances() string {
	var b strings.Builder
	_ = g.WriteInstances(&b)
	return b.String()
}

// SerializeRelationships returns the relationship lines as a string.
func (g *FactGraph) SerializeRelationships() string {
	var b strings.Builder
	_ = g.WriteRelationships(&b)
	return b.String()
}

// SerializeAttributes returns the attribute section as a string.
func (g *FactGraph) SerializeAttributes() string {
	var b strings.Builder
	_ = g.WriteAttributes(&b)
	return b.String()
}

const (
	instanceFlag = "$INSTANCE"
	labelAttr    = "label"
)

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeLabel(s string) string {
	return labelEscaper.Replace(s)
}
