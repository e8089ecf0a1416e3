package main

import (
	"database/sql"
	"encoding/json"
)

// nullStringJSON marshals as string or null (for API contract: "name": "x" or "name": null).
type nullStringJSON struct{ sql.NullString }

func (n nullStringJSON) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.String)
}

func (n *nullStringJSON) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		n.Valid = false
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	n.String, n.Valid = s, true
	return nil
}

// DB wraps *sql.DB and provides fact-graph query helpers.
type DB struct {
	*sql.DB
}

// NewDB returns a DB wrapper.
func NewDB(db *sql.DB) *DB {
	return &DB{DB: db}
}

// Node is a fact-graph node for API responses.
type Node struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Tag       string         `json:"tag"`
	Name      nullStringJSON `json:"name"`
	Display   string         `json:"display"`
	Aliases   []string       `json:"aliases,omitempty"`
	FanIn     int            `json:"fan_in,omitempty"`
	FanOut    int            `json:"fan_out,omitempty"`
	Direction string         `json:"direction,omitempty"` // in/out relative to the subgraph center
}

// Edge is a fact-graph edge for API responses.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
}

// Subgraph is the unified response format: nodes + edges.
type Subgraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Coupling is the reference weight between two object files.
type Coupling struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Weight int    `json:"weight"`
}

// Stats summarises the export.
type Stats struct {
	Nodes map[string]int    `json:"nodes"`
	Edges map[string]int    `json:"edges"`
	Meta  map[string]string `json:"meta"`
}

const maxSubgraphNodes = 200
