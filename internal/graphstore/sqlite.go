package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/jonathan/textbook-forge/internal/kg"
)

// SQLite is a Store backed by an embedded SQLite database. Aliases and
// attributes are stored as JSON text and merged in Go inside the transaction.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS kg_nodes (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	aliases     TEXT NOT NULL DEFAULT '[]',
	attributes  TEXT NOT NULL DEFAULT '{}'
)`, `
CREATE TABLE IF NOT EXISTS kg_edges (
	scope          TEXT NOT NULL,
	id             TEXT NOT NULL,
	source_id      TEXT NOT NULL,
	target_id      TEXT NOT NULL,
	relation_type  TEXT NOT NULL,
	origin_unit_id TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL,
	support_count  INTEGER NOT NULL DEFAULT 1,
	attributes     TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (scope, id)
)`}

// OpenSQLite opens the database at path (":memory:" for a private
// in-memory database) and ensures the schema. File databases take the write
// lock when a transaction begins.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "_txlock") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	store, err := NewSQLite(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLite wraps db and ensures the schema. A single connection is used so
// that in-memory databases are shared and writers are serialized.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, classifySQLite("ensure_schema", err)
		}
	}
	return &SQLite{db: db}, nil
}

// UpsertNodes merges nodes in one transaction.
func (s *SQLite) UpsertNodes(ctx context.Context, nodes []kg.Node) (int, error) {
	batch, err := collapseNodes(nodes)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	err = s.inTx(ctx, "upsert_nodes", func(tx *sql.Tx) error {
		for _, n := range batch {
			existing, found, err := loadNode(ctx, tx, n.ID)
			if err != nil {
				return err
			}
			merged := n
			if found {
				merged = kg.MergeNode(existing, n)
			} else {
				merged.Aliases = kg.UnionStrings(n.Aliases)
			}
			if merged.Type == "" {
				merged.Type = kg.DefaultNodeType
			}

			aliases, err := json.Marshal(nonNil(merged.Aliases))
			if err != nil {
				return &StoreConstraintError{Op: "upsert_nodes", Message: "aliases are not serializable", Cause: err}
			}
			attrs, err := marshalAttributes(merged.Attributes)
			if err != nil {
				return &StoreConstraintError{Op: "upsert_nodes", Message: "attributes are not serializable", Cause: err}
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kg_nodes (id, type, name, description, aliases, attributes)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					type = excluded.type,
					name = excluded.name,
					description = excluded.description,
					aliases = excluded.aliases,
					attributes = excluded.attributes`,
				merged.ID, merged.Type, merged.Name, merged.Description, string(aliases), string(attrs),
			); err != nil {
				return classifySQLite("upsert_nodes", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}

// ReplaceScope deletes and reinserts the edges of scope in one transaction.
func (s *SQLite) ReplaceScope(ctx context.Context, scope string, edges []kg.Edge) error {
	prepared, err := prepareEdges(scope, edges)
	if err != nil {
		return err
	}

	return s.inTx(ctx, "replace_scope", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kg_edges WHERE scope = ?`, scope); err != nil {
			return classifySQLite("replace_scope", err)
		}
		for _, e := range prepared {
			attrs, err := marshalAttributes(e.Attributes)
			if err != nil {
				return &StoreConstraintError{Op: "replace_scope", Message: "attributes are not serializable", Cause: err}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kg_edges (scope, id, source_id, target_id, relation_type, origin_unit_id, confidence, support_count, attributes)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				scope, e.ID, e.SourceID, e.TargetID, string(e.RelationType),
				e.OriginUnitID, e.Confidence, e.SupportCount, string(attrs),
			); err != nil {
				return classifySQLite("replace_scope", err)
			}
		}
		return nil
	})
}

// QueryScope loads the edges of scope and the nodes they reference.
func (s *SQLite) QueryScope(ctx context.Context, scope string) (*kg.Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, relation_type, origin_unit_id, confidence, support_count, attributes
		FROM kg_edges WHERE scope = ? ORDER BY id`,
		scope,
	)
	if err != nil {
		return nil, classifySQLite("query_scope", err)
	}

	frag := &kg.Fragment{Scope: scope}
	for rows.Next() {
		var e kg.Edge
		var relation, attrs string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &relation, &e.OriginUnitID,
			&e.Confidence, &e.SupportCount, &attrs); err != nil {
			_ = rows.Close()
			return nil, classifySQLite("query_scope", err)
		}
		e.Scope = scope
		e.RelationType = kg.RelationType(relation)
		if e.Attributes, err = unmarshalAttributes([]byte(attrs)); err != nil {
			_ = rows.Close()
			return nil, &StoreConstraintError{Op: "query_scope", Message: "stored edge attributes are invalid", Cause: err}
		}
		frag.Edges = append(frag.Edges, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, classifySQLite("query_scope", err)
	}
	_ = rows.Close()

	for _, id := range referencedIDs(frag.Edges) {
		n, found, err := loadNode(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if found {
			frag.Nodes = append(frag.Nodes, n)
		}
	}
	sort.Slice(frag.Nodes, func(i, j int) bool { return frag.Nodes[i].ID < frag.Nodes[j].ID })
	return frag, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadNode(ctx context.Context, q rowQuerier, id string) (kg.Node, bool, error) {
	var n kg.Node
	var aliases, attrs string
	err := q.QueryRowContext(ctx,
		`SELECT id, type, name, description, aliases, attributes FROM kg_nodes WHERE id = ?`, id,
	).Scan(&n.ID, &n.Type, &n.Name, &n.Description, &aliases, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return kg.Node{}, false, nil
	}
	if err != nil {
		return kg.Node{}, false, classifySQLite("load_node", err)
	}

	if err := json.Unmarshal([]byte(aliases), &n.Aliases); err != nil {
		return kg.Node{}, false, &StoreConstraintError{Op: "load_node", Message: "stored aliases are invalid", Cause: err}
	}
	if len(n.Aliases) == 0 {
		n.Aliases = nil
	}
	if n.Attributes, err = unmarshalAttributes([]byte(attrs)); err != nil {
		return kg.Node{}, false, &StoreConstraintError{Op: "load_node", Message: "stored attributes are invalid", Cause: err}
	}
	return n, true, nil
}

func (s *SQLite) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(op, err)
	}
	return nil
}
