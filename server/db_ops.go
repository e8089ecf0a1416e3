package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// errNodeNotFound is returned when a node id is not in the export.
var errNodeNotFound = errors.New("node not found")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (Node, error) {
	var n Node
	var name sql.NullString
	if err := r.Scan(&n.ID, &n.Kind, &n.Tag, &name, &n.Display); err != nil {
		return n, err
	}
	n.Name = nullStringJSON{name}
	return n, nil
}

// Search matches symbols by display name or raw alias.
func (db *DB) Search(pattern string, limit int) ([]Node, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	// LIKE pattern: user may pass "foo" -> we use %foo%
	like := "%" + pattern + "%"
	rows, err := db.Query(querySymbolSearch, like, like, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Node returns one node with its aliases and metrics.
func (db *DB) Node(id string) (*Node, error) {
	var n Node
	var name sql.NullString
	err := db.QueryRow(queryNodeByID, id).Scan(&n.ID, &n.Kind, &n.Tag, &name, &n.Display, &n.FanIn, &n.FanOut)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Name = nullStringJSON{name}

	rows, err := db.Query(queryAliasesByNode, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		n.Aliases = append(n.Aliases, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Subgraph returns the node, the symbols it references and the symbols
// referencing it, with the reference edges among them.
func (db *DB) Subgraph(nodeID string, limit int) (*Subgraph, error) {
	if limit <= 0 || limit > maxSubgraphNodes {
		limit = maxSubgraphNodes
	}
	center, err := db.Node(nodeID)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(queryNeighborhood, nodeID, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	nodes := []Node{*center}
	ids := []any{nodeID}
	seen := map[string]bool{nodeID: true}
	for rows.Next() {
		var dir string
		var n Node
		var name sql.NullString
		if err := rows.Scan(&dir, &n.ID, &n.Kind, &n.Tag, &name, &n.Display); err != nil {
			return nil, err
		}
		n.Name = nullStringJSON{name}
		n.Direction = dir
		nodes = append(nodes, n)
		if !seen[n.ID] {
			seen[n.ID] = true
			ids = append(ids, n.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	q := fmt.Sprintf(`SELECT source, target, kind FROM edges
WHERE kind = 'reference' AND source IN (%s) AND target IN (%s) LIMIT 500`, placeholders, placeholders)
	args := append(append([]any{}, ids...), ids...)
	erows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer erows.Close()
	edges := []Edge{}
	for erows.Next() {
		var e Edge
		if err := erows.Scan(&e.Source, &e.Target, &e.Kind); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	if err := erows.Err(); err != nil {
		return nil, err
	}
	return &Subgraph{Nodes: nodes, Edges: edges}, nil
}

// Children lists what a directory or object file contains.
func (db *DB) Children(nodeID string) ([]Node, error) {
	rows, err := db.Query(queryChildren, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Coupling returns the heaviest file-to-file reference weights.
func (db *DB) Coupling(limit int) ([]Coupling, error) {
	if limit <= 0 || limit > maxCouplingRows {
		limit = maxCouplingRows
	}
	rows, err := db.Query(queryCoupling, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Coupling{}
	for rows.Next() {
		var c Coupling
		if err := rows.Scan(&c.Source, &c.Target, &c.Weight); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stats counts nodes and edges per kind and returns the run metadata.
func (db *DB) Stats() (*Stats, error) {
	st := &Stats{Nodes: map[string]int{}, Edges: map[string]int{}, Meta: map[string]string{}}
	if err := db.countInto(queryNodeCounts, st.Nodes); err != nil {
		return nil, err
	}
	if err := db.countInto(queryEdgeCounts, st.Edges); err != nil {
		return nil, err
	}
	rows, err := db.Query(queryMeta)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		st.Meta[k] = v
	}
	return st, rows.Err()
}

func (db *DB) countInto(query string, dst map[string]int) error {
	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		dst[k] = n
	}
	return rows.Err()
}
