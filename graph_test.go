package main

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records what every Append rendered.
type captureSink struct {
	instances, relationships, attributes strings.Builder
	appends                              int
	closed, aborted                      bool
	failAfter                            int   // fail the n-th Append when > 0
	closeErr                             error // returned by Close
}

func (s *captureSink) Append(g *FactGraph) error {
	s.appends++
	if s.failAfter > 0 && s.appends >= s.failAfter {
		return errors.Join(ErrOutputUnwritable, errors.New("disk full"))
	}
	s.instances.WriteString(g.SerializeInstances())
	s.relationships.WriteString(g.SerializeRelationships())
	s.attributes.WriteString(g.SerializeAttributes())
	return nil
}

func (s *captureSink) Close() error { s.closed = true; return s.closeErr }
func (s *captureSink) Abort() error { s.aborted = true; return nil }

func lines(s string) []string {
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func TestFactGraph_AddNode(t *testing.T) {
	g := NewFactGraph()
	assert.True(t, g.AddNode("/a.o", NodeFile, "", ""))
	assert.True(t, g.AddNode("/a.o[.text+0x0]", NodeFunction, "f", "f"))
	assert.False(t, g.AddNode("/a.o[.text+0x0]", NodeFunction, "f", "f"))
	assert.Equal(t, 2, g.NodeCount())
	assert.Empty(t, g.Anomalies())

	id, ok := g.ResolveAlias("f")
	require.True(t, ok)
	assert.Equal(t, "/a.o[.text+0x0]", id)

	_, ok = g.ResolveAlias("")
	assert.False(t, ok, "empty aliases are never indexed")
}

func TestFactGraph_ExtraAliasOnExistingID(t *testing.T) {
	g := NewFactGraph()
	g.AddNode("/a.o[.text+0x0]", NodeFunction, "f", "f")
	assert.False(t, g.AddNode("/a.o[.text+0x0]", NodeFunction, "f_alias", "f_alias"))

	n, ok := g.Node("/a.o[.text+0x0]")
	require.True(t, ok)
	assert.Equal(t, []string{"f", "f_alias"}, n.Aliases)
	assert.True(t, n.HasAlias("f_alias"))
	assert.Equal(t, "f", n.Name, "display name is not replaced")

	id, ok := g.ResolveAlias("f_alias")
	require.True(t, ok)
	assert.Equal(t, "/a.o[.text+0x0]", id)

	require.Len(t, g.Anomalies(), 1)
	assert.Equal(t, AnomalyExtraAlias, g.Anomalies()[0].Kind)
}

func TestFactGraph_AmbiguousAliasFirstWins(t *testing.T) {
	g := NewFactGraph()
	g.AddNode("/a.o[.text+0x0]", NodeFunction, "dup", "dup")
	g.AddNode("/b.o[.text+0x0]", NodeFunction, "dup", "dup")
	g.AddNode("/c.o[.text+0x0]", NodeFunction, "user", "user")

	require.True(t, g.AddEdgeByAlias("user", "dup", EdgeLink))
	assert.True(t, g.HasEdge("/c.o[.text+0x0]", "/a.o[.text+0x0]", EdgeLink))
	assert.False(t, g.HasEdge("/c.o[.text+0x0]", "/b.o[.text+0x0]", EdgeLink))

	assert.Equal(t, []string{"/a.o[.text+0x0]", "/b.o[.text+0x0]"}, g.AliasIDs("dup"))
	require.Len(t, g.Anomalies(), 1)
	a := g.Anomalies()[0]
	assert.Equal(t, Anomaly{Kind: AnomalyAmbiguousAlias, Alias: "dup", ID: "/b.o[.text+0x0]", Owner: "/a.o[.text+0x0]"}, a)
}

func TestFactGraph_AddEdge(t *testing.T) {
	g := NewFactGraph()
	g.AddNode("a", NodeFile, "", "")
	g.AddNode("b", NodeFunction, "b", "b")

	assert.False(t, g.AddEdge("a", "missing", EdgeContains))
	assert.False(t, g.AddEdge("missing", "a", EdgeContains))
	assert.Equal(t, 0, g.EdgeCount())

	assert.True(t, g.AddEdge("a", "b", EdgeContains))
	assert.True(t, g.AddEdge("a", "b", EdgeContains), "re-adding is a successful no-op")
	assert.Equal(t, 1, g.EdgeCount())
	assert.Len(t, lines(g.SerializeRelationships()), 1)
	assert.True(t, g.ContainsEdgeExists("a", "b"))
	assert.False(t, g.ContainsEdgeExists("b", "a"))

	assert.True(t, g.AddEdge("b", "b", EdgeLink), "self references are allowed")
	assert.Equal(t, 2, g.EdgeCount())
}

func TestFactGraph_AddEdgeByAliasUnknown(t *testing.T) {
	g := NewFactGraph()
	g.AddNode("x", NodeFunction, "f", "f")
	assert.False(t, g.AddEdgeByAlias("f", "nope", EdgeLink))
	assert.False(t, g.AddEdgeByAlias("nope", "f", EdgeLink))
	assert.Equal(t, 0, g.EdgeCount())
}

func TestFactGraph_LinkEdgeExistsByAlias(t *testing.T) {
	g := NewFactGraph()
	g.AddNode("x", NodeFunction, "f", "f")
	g.AddNode("y", NodeFunction, "g", "g")
	g.AddNode("z", NodeFunction, "g", "g")

	assert.False(t, g.LinkEdgeExistsByAlias("f", "g"))
	g.AddEdge("x", "z", EdgeLink)
	assert.True(t, g.LinkEdgeExistsByAlias("f", "g"), "any id carrying the alias counts")
	assert.False(t, g.LinkEdgeExistsByAlias("g", "f"))

	g.AddEdge("y", "x", EdgeContains)
	assert.False(t, g.LinkEdgeExistsByAlias("g", "f"), "only link edges count")
}

func TestFactGraph_RemoveNode(t *testing.T) {
	g := NewFactGraph()
	g.AddNode("dir", NodeSubsystem, "", "")
	g.AddNode("a.o", NodeFile, "", "")
	g.AddNode("f", NodeFunction, "f", "f")
	g.AddNode("h", NodeFunction, "h", "h")
	g.AddEdge("dir", "a.o", EdgeContains)
	g.AddEdge("a.o", "f", EdgeContains)
	g.AddEdge("f", "h", EdgeLink)
	g.AddEdge("h", "f", EdgeLink)

	require.True(t, g.RemoveNode("f"))
	assert.False(t, g.HasNode("f"))
	assert.Equal(t, 3, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount())
	_, ok := g.ResolveAlias("f")
	assert.False(t, ok)

	edges := slices.Collect(g.Edges())
	assert.Equal(t, []Edge{{Source: "dir", Target: "a.o", Kind: EdgeContains}}, edges)
	assert.False(t, g.RemoveNode("f"))

	// The id can be reused after removal.
	assert.True(t, g.AddNode("f", NodeFunction, "f2", "f2"))
	assert.True(t, g.AddEdge("a.o", "f", EdgeContains))
}

func TestFactGraph_Serialization(t *testing.T) {
	g := NewFactGraph()
	g.AddNode("/p", NodeSubsystem, "", "")
	g.AddNode("/p/a.o", NodeFile, "", "")
	g.AddNode("/p/a.o[.text+0x0]", NodeFunction, `quote"and\slash`, "q")
	g.AddNode("/p/a.o[.data+0x8]", NodeObject, "table", "table")
	g.AddNode("odd", NodeUnmapped, "", "")
	g.AddEdge("/p", "/p/a.o", EdgeContains)
	g.AddEdge("/p/a.o", "/p/a.o[.text+0x0]", EdgeContains)
	g.AddEdge("/p/a.o[.text+0x0]", "/p/a.o[.data+0x8]", EdgeLink)
	g.AddEdge("odd", "odd", EdgeUnmapped)

	if diff := cmp.Diff([]string{
		"$INSTANCE /p cSubSystem",
		"$INSTANCE /p/a.o cObjectFile",
		"$INSTANCE /p/a.o[.text+0x0] cFunction",
		"$INSTANCE /p/a.o[.data+0x8] cObject",
		"$INSTANCE odd cRoot",
	}, lines(g.SerializeInstances())); diff != "" {
		t.Errorf("instances (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{
		"contain /p /p/a.o",
		"contain /p/a.o /p/a.o[.text+0x0]",
		"reference /p/a.o[.text+0x0] /p/a.o[.data+0x8]",
		"unknown odd odd",
	}, lines(g.SerializeRelationships())); diff != "" {
		t.Errorf("relationships (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{
		`/p/a.o[.text+0x0] { label = "quote\"and\\slash" }`,
		`/p/a.o[.data+0x8] { label = "table" }`,
	}, lines(g.SerializeAttributes())); diff != "" {
		t.Errorf("attributes (-want +got):\n%s", diff)
	}
}

func TestFactGraph_EmptySerialization(t *testing.T) {
	g := NewFactGraph()
	assert.Empty(t, g.SerializeInstances())
	assert.Empty(t, g.SerializeRelationships())
	assert.Empty(t, g.SerializeAttributes())
}

func TestFactGraph_PurgeRequiresBoundedMemory(t *testing.T) {
	g := NewFactGraph()
	require.ErrorIs(t, g.Purge(&captureSink{}), ErrNotStreaming)
}

func TestFactGraph_PurgeKeepsExistence(t *testing.T) {
	g := NewFactGraph(WithBoundedMemory())
	require.True(t, g.BoundedMemory())
	g.AddNode("a.o", NodeFile, "", "")
	g.AddNode("f", NodeFunction, "f", "f")
	g.AddEdge("a.o", "f", EdgeContains)

	sink := &captureSink{}
	require.NoError(t, g.Purge(sink))
	assert.Equal(t, 1, g.Purges())
	assert.Equal(t, 0, g.NodeCount())
	assert.Equal(t, 0, g.EdgeCount())

	// Flushed facts still exist for every query.
	assert.True(t, g.HasNode("f"))
	assert.True(t, g.ContainsEdgeExists("a.o", "f"))
	id, ok := g.ResolveAlias("f")
	require.True(t, ok)
	assert.Equal(t, "f", id)

	// Re-adding flushed facts is a no-op, new facts may point at them.
	assert.False(t, g.AddNode("f", NodeFunction, "f", "f"))
	assert.True(t, g.AddEdge("a.o", "f", EdgeContains))
	assert.Equal(t, 0, g.EdgeCount())
	g.AddNode("g", NodeFunction, "g", "g")
	assert.True(t, g.AddEdgeByAlias("g", "f", EdgeLink))
	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount())

	// Flushed facts cannot be retracted.
	assert.False(t, g.RemoveNode("f"))

	require.NoError(t, g.Purge(sink))
	assert.Equal(t, 2, sink.appends)
	assert.Equal(t, "$INSTANCE a.o cObjectFile\n$INSTANCE f cFunction\n$INSTANCE g cFunction\n", sink.instances.String())
	assert.Equal(t, "contain a.o f\nreference g f\n", sink.relationships.String())
}

func TestFactGraph_PurgeFailureKeepsResidentFacts(t *testing.T) {
	g := NewFactGraph(WithBoundedMemory())
	g.AddNode("f", NodeFunction, "f", "f")
	err := g.Purge(&captureSink{failAfter: 1})
	require.ErrorIs(t, err, ErrOutputUnwritable)
	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, 0, g.Purges())
}
