package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DBOptions configures the SQLite export.
type DBOptions struct {
	Root     string // scanned directory, recorded with its git provenance
	Validate bool
}

// DBWriter is a FactSink that exports the graph to a SQLite database.
// Every Append is one transaction, so bounded-memory runs produce the same
// tables as single-pass runs.
type DBWriter struct {
	path  string
	opts  DBOptions
	conn  *sqlite.Conn
	prog  *Progress
	runID string

	nodes, edges, aliases int
	done, aborted         bool
}

// NewDBWriter creates a fresh database at path.
func NewDBWriter(path string, opts DBOptions, prog *Progress) (*DBWriter, error) {
	prog.Log("Writing SQLite to %s ...", path)
	removeDBFiles(path)

	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate, sqlite.OpenReadWrite, sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite %s: %v", ErrOutputUnwritable, path, err)
	}
	w := &DBWriter{path: path, opts: opts, conn: conn, prog: prog, runID: uuid.NewString()}

	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -64000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			_ = w.Abort()
			return nil, fmt.Errorf("%w: %s: %v", ErrOutputUnwritable, pragma, err)
		}
	}
	if err := createTables(conn); err != nil {
		_ = w.Abort()
		return nil, fmt.Errorf("%w: create tables: %v", ErrOutputUnwritable, err)
	}
	return w, nil
}

// RunID identifies this export in the meta table.
func (w *DBWriter) RunID() string { return w.runID }

// Append inserts the resident nodes, aliases and edges of g.
func (w *DBWriter) Append(g *FactGraph) (err error) {
	if w.done {
		return fmt.Errorf("%w: %s already closed", ErrOutputUnwritable, w.path)
	}
	endFn, err := sqlitex.ImmediateTransaction(w.conn)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", ErrOutputUnwritable, err)
	}
	defer endFn(&err)

	if err := w.insertNodes(g); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputUnwritable, err)
	}
	if err := w.insertEdges(g); err != nil {
		return fmt.Errorf("%w: %v", ErrOutputUnwritable, err)
	}
	return nil
}

func createTables(conn *sqlite.Conn) error {
	ddl := `
CREATE TABLE nodes (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    tag TEXT NOT NULL,
    name TEXT,
    display TEXT NOT NULL
);

CREATE TABLE aliases (
    alias TEXT NOT NULL,
    node_id TEXT NOT NULL,
    rank INTEGER NOT NULL
);

CREATE TABLE edges (
    source TEXT NOT NULL,
    target TEXT NOT NULL,
    kind TEXT NOT NULL
);

CREATE TABLE symbol_metrics (
    node_id TEXT PRIMARY KEY,
    fan_in INTEGER NOT NULL,
    fan_out INTEGER NOT NULL
);

CREATE TABLE file_coupling (
    source_file TEXT NOT NULL,
    target_file TEXT NOT NULL,
    weight INTEGER NOT NULL
);

CREATE TABLE meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	return sqlitex.ExecuteScript(conn, ddl, nil)
}

func createIndexes(conn *sqlite.Conn) error {
	indexes := `
CREATE INDEX idx_nodes_kind ON nodes(kind);
CREATE INDEX idx_aliases_alias ON aliases(alias);
CREATE INDEX idx_aliases_node ON aliases(node_id);
CREATE INDEX idx_edges_source ON edges(source, kind);
CREATE INDEX idx_edges_target ON edges(target, kind);
CREATE INDEX idx_edges_kind ON edges(kind);
`
	return sqlitex.ExecuteScript(conn, indexes, nil)
}

// displayName is what the browser shows for a node: the symbol name, or
// the last path element for files and directories.
func displayName(n Node) string {
	if n.Name != "" {
		return n.Name
	}
	return BaseName(n.ID)
}

func (w *DBWriter) insertNodes(g *FactGraph) error {
	stmt, err := w.conn.Prepare(`INSERT OR IGNORE INTO nodes (id, kind, tag, name, display) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare node insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	alias, err := w.conn.Prepare(`INSERT INTO aliases (alias, node_id, rank) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare alias insert: %w", err)
	}
	defer func() { _ = alias.Finalize() }()

	var count int
	for n := range g.Nodes() {
		stmt.BindText(1, n.ID)
		stmt.BindText(2, n.Kind.String())
		stmt.BindText(3, n.Kind.TypeTag())
		bindTextOrNull(stmt, 4, n.Name)
		stmt.BindText(5, displayName(n))
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
		_ = stmt.Reset()
		count++

		for i, a := range n.Aliases {
			alias.BindText(1, a)
			alias.BindText(2, n.ID)
			alias.BindInt64(3, int64(i))
			if _, err := alias.Step(); err != nil {
				return fmt.Errorf("insert alias %s: %w", a, err)
			}
			_ = alias.Reset()
			w.aliases++
		}
	}
	w.nodes += count
	w.prog.Verbose("  inserted %d nodes", count)
	return nil
}

func (w *DBWriter) insertEdges(g *FactGraph) error {
	stmt, err := w.conn.Prepare(`INSERT INTO edges (source, target, kind) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare edge insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()

	var count int
	for e := range g.Edges() {
		stmt.BindText(1, e.Source)
		stmt.BindText(2, e.Target)
		stmt.BindText(3, e.Kind.Tag())
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert edge %s→%s: %w", e.Source, e.Target, err)
		}
		_ = stmt.Reset()
		count++
	}
	w.edges += count
	w.prog.Verbose("  inserted %d edges", count)
	return nil
}

// Close indexes the tables, derives metrics, records run metadata and
// optionally validates the export. A failed Close deletes the database.
func (w *DBWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	err := w.finish()
	if cerr := w.conn.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		removeDBFiles(w.path)
		return fmt.Errorf("%w: %s: %v", ErrOutputUnwritable, w.path, err)
	}

	if info, serr := os.Stat(w.path); serr == nil {
		w.prog.Log("Wrote %s (%s, %s nodes, %s edges)", w.path,
			humanize.Bytes(uint64(info.Size())), humanize.Comma(int64(w.nodes)), humanize.Comma(int64(w.edges)))
	}
	return nil
}

func (w *DBWriter) finish() error {
	if err := createIndexes(w.conn); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	if err := computeMetrics(w.conn, w.prog); err != nil {
		return err
	}
	if err := w.writeMeta(); err != nil {
		return err
	}
	if w.opts.Validate {
		if _, err := runValidation(w.conn, w.prog); err != nil {
			return err
		}
	}
	return nil
}

func (w *DBWriter) writeMeta() error {
	meta := [][2]string{
		{"run_id", w.runID},
		{"generator", "elfgraph"},
		{"created_at", time.Now().UTC().Format(time.RFC3339)},
		{"nodes", strconv.Itoa(w.nodes)},
		{"edges", strconv.Itoa(w.edges)},
		{"aliases", strconv.Itoa(w.aliases)},
	}
	if w.opts.Root != "" {
		meta = append(meta, [2]string{"root", w.opts.Root})
		if git := ReadGitInfo(w.opts.Root); git.Head != "" {
			meta = append(meta,
				[2]string{"git_head", git.Head},
				[2]string{"git_branch", git.Branch},
				[2]string{"git_commit_date", git.CommitDate},
				[2]string{"git_dirty", strconv.FormatBool(git.Dirty)},
			)
		}
	}

	stmt, err := w.conn.Prepare(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare meta insert: %w", err)
	}
	defer func() { _ = stmt.Finalize() }()
	for _, kv := range meta {
		stmt.BindText(1, kv[0])
		stmt.BindText(2, kv[1])
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert meta %s: %w", kv[0], err)
		}
		_ = stmt.Reset()
	}
	return nil
}

// Abort closes the connection and deletes the database, also after a
// successful Close.
func (w *DBWriter) Abort() error {
	if w.aborted {
		return nil
	}
	w.aborted = true
	if w.done {
		removeDBFiles(w.path)
		return nil
	}
	w.done = true
	err := w.conn.Close()
	removeDBFiles(w.path)
	return err
}

func removeDBFiles(path string) {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
}

// ValidationResult summarises the consistency queries.
type ValidationResult struct {
	OrphanEdges int64
	NodesByKind map[string]int64
	EdgesByKind map[string]int64
}

func runValidation(conn *sqlite.Conn, prog *Progress) (*ValidationResult, error) {
	prog.Log("Running validation queries...")
	res := &ValidationResult{
		NodesByKind: make(map[string]int64),
		EdgesByKind: make(map[string]int64),
	}

	if err := sqlitex.ExecuteTransient(conn,
		`SELECT COUNT(*) FROM edges WHERE source NOT IN (SELECT id FROM nodes) OR target NOT IN (SELECT id FROM nodes)`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				res.OrphanEdges = stmt.ColumnInt64(0)
				return nil
			},
		}); err != nil {
		return nil, err
	}
	if res.OrphanEdges > 0 {
		prog.Warn("  %d orphan edges (referencing non-existent nodes)", res.OrphanEdges)
	} else {
		prog.Log("  OK: zero orphan edges")
	}

	if err := sqlitex.ExecuteTransient(conn,
		`SELECT kind, COUNT(*) FROM nodes GROUP BY kind ORDER BY COUNT(*) DESC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				res.NodesByKind[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
				prog.Log("  nodes: %s = %d", stmt.ColumnText(0), stmt.ColumnInt64(1))
				return nil
			},
		}); err != nil {
		return nil, err
	}

	if err := sqlitex.ExecuteTransient(conn,
		`SELECT kind, COUNT(*) FROM edges GROUP BY kind ORDER BY COUNT(*) DESC`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				res.EdgesByKind[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
				prog.Log("  edges: %s = %d", stmt.ColumnText(0), stmt.ColumnInt64(1))
				return nil
			},
		}); err != nil {
		return nil, err
	}
	return res, nil
}

func bindTextOrNull(stmt *sqlite.Stmt, param int, val string) {
	if val == "" {
		stmt.BindNull(param)
	} else {
		stmt.BindText(param, val)
	}
}
