package main

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// computeMetrics derives per-symbol fan-in/fan-out from reference edges and
// the reference weight between object files.
func computeMetrics(conn *sqlite.Conn, prog *Progress) error {
	prog.Log("Computing metrics...")

	if err := sqlitex.ExecuteScript(conn, `
INSERT INTO symbol_metrics (node_id, fan_in, fan_out)
SELECT n.id,
       (SELECT COUNT(*) FROM edges e WHERE e.target = n.id AND e.kind = 'reference'),
       (SELECT COUNT(*) FROM edges e WHERE e.source = n.id AND e.kind = 'reference')
FROM nodes n
WHERE n.kind IN ('function', 'object');

INSERT INTO file_coupling (source_file, target_file, weight)
SELECT cs.source, ct.source, COUNT(*)
FROM edges r
JOIN edges cs ON cs.target = r.source AND cs.kind = 'contain'
JOIN edges ct ON ct.target = r.target AND ct.kind = 'contain'
JOIN nodes fs ON fs.id = cs.source AND fs.kind = 'file'
JOIN nodes ft ON ft.id = ct.source AND ft.kind = 'file'
WHERE r.kind = 'reference' AND cs.source <> ct.source
GROUP BY cs.source, ct.source;
`, nil); err != nil {
		return fmt.Errorf("compute metrics: %w", err)
	}

	var symbols, pairs int64
	if err := sqlitex.ExecuteTransient(conn,
		`SELECT (SELECT COUNT(*) FROM symbol_metrics), (SELECT COUNT(*) FROM file_coupling)`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				symbols = stmt.ColumnInt64(0)
				pairs = stmt.ColumnInt64(1)
				return nil
			},
		}); err != nil {
		return err
	}
	prog.Log("Computed metrics for %d symbols, %d coupled file pairs", symbols, pairs)
	return nil
}
