package main

// NodeKind classifies a vertex of the fact graph.
type NodeKind int

const (
	NodeFile NodeKind = iota
	NodeObject
	NodeFunction
	NodeSubsystem

	// NodeUnmapped is never produced by the pipeline. It exists so the root
	// tag fallback is reachable only through an explicit value.
	NodeUnmapped
)

// String returns a lowercase name used in logs and the SQLite export.
func (k NodeKind) String() string {
	switch k {
	case NodeFile:
		return "file"
	case NodeObject:
		return "object"
	case NodeFunction:
		return "function"
	case NodeSubsystem:
		return "subsystem"
	case NodeUnmapped:
		return "unmapped"
	}
	return "unmapped"
}

// TypeTag returns the fact-file schema class of the kind.
func (k NodeKind) TypeTag() string {
	switch k {
	case NodeFile:
		return "cObjectFile"
	case NodeFunction:
		return "cFunction"
	case NodeObject:
		return "cObject"
	case NodeSubsystem:
		return "cSubSystem"
	case NodeUnmapped:
		return rootTag
	}
	return rootTag
}

// rootTag places an entity at the top of the schema hierarchy.
const rootTag = "cRoot"

// EdgeKind classifies a relationship between two nodes.
type EdgeKind int

const (
	EdgeContains EdgeKind = iota
	EdgeLink

	// EdgeUnmapped renders as "unknown"; see NodeUnmapped.
	EdgeUnmapped
)

// String returns the relationship name written to the fact file.
func (k EdgeKind) String() string {
	return k.Tag()
}

// Tag returns the fact-file relation name of the kind.
func (k EdgeKind) Tag() string {
	switch k {
	case EdgeContains:
		return "contain"
	case EdgeLink:
		return "reference"
	case EdgeUnmapped:
		return unknownTag
	}
	return unknownTag
}

const unknownTag = "unknown"

// Node represents a vertex in the fact graph.
type Node struct {
	ID      string
	Kind    NodeKind
	Name    string   // demangled display name, "" for path-derived nodes
	Aliases []string // raw symbol names resolving to this node
}

// HasAlias reports whether alias is one of the node's raw symbol names.
func (n *Node) HasAlias(alias string) bool {
	for _, a := range n.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// Edge represents a directed relationship between two node ids.
type Edge struct {
	Source string
	Target string
	Kind   EdgeKind
}

func (e Edge) key() edgeKey {
	return edgeKey{e.Source, e.Target, e.Kind}
}

// edgeKey is the deduplication key for edges.
type edgeKey struct {
	Source, Target string
	Kind           EdgeKind
}

// AnomalyKind classifies an alias-index irregularity.
type AnomalyKind int

const (
	// AnomalyAmbiguousAlias: one raw name is carried by more than one id.
	// Lookups resolve to the first id that registered the name.
	AnomalyAmbiguousAlias AnomalyKind = iota

	// AnomalyExtraAlias: an existing id was observed again under a
	// different raw name.
	AnomalyExtraAlias
)

func (k AnomalyKind) String() string {
	switch k {
	case AnomalyAmbiguousAlias:
		return "ambiguous-alias"
	case AnomalyExtraAlias:
		return "extra-alias"
	}
	return "unknown"
}

// Anomaly records one alias irregularity observed while building the graph.
type Anomaly struct {
	Kind  AnomalyKind
	Alias string
	ID    string // id that triggered the anomaly
	Owner string // id lookups resolve to (ambiguous aliases only)
}
