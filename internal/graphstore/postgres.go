package graphstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonathan/textbook-forge/internal/kg"
)

// Pool abstracts the pgx methods used by Postgres. Both *pgxpool.Pool and
// pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	pool Pool
}

var _ Store = (*Postgres)(nil)

// Schema creates the graph tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS kg_nodes (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	aliases     TEXT[] NOT NULL DEFAULT '{}',
	attributes  JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS kg_edges (
	scope          TEXT NOT NULL,
	id             TEXT NOT NULL,
	source_id      TEXT NOT NULL,
	target_id      TEXT NOT NULL,
	relation_type  TEXT NOT NULL,
	origin_unit_id TEXT NOT NULL DEFAULT '',
	confidence     DOUBLE PRECISION NOT NULL,
	support_count  INTEGER NOT NULL DEFAULT 1,
	attributes     JSONB NOT NULL DEFAULT '{}'::jsonb,
	PRIMARY KEY (scope, id)
);

CREATE INDEX IF NOT EXISTS kg_edges_source_idx ON kg_edges (source_id);
CREATE INDEX IF NOT EXISTS kg_edges_target_idx ON kg_edges (target_id);
`

// upsertNodeSQL merges on id: aliases and list attributes are unioned,
// non-empty scalars are last-write-wins.
const upsertNodeSQL = `
INSERT INTO kg_nodes (id, type, name, description, aliases, attributes, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (id) DO UPDATE SET
	type = COALESCE(NULLIF(EXCLUDED.type, ''), kg_nodes.type),
	name = COALESCE(NULLIF(EXCLUDED.name, ''), kg_nodes.name),
	description = COALESCE(NULLIF(EXCLUDED.description, ''), kg_nodes.description),
	aliases = ARRAY(
		SELECT DISTINCT a FROM unnest(kg_nodes.aliases || EXCLUDED.aliases) AS a
		WHERE a <> '' ORDER BY a
	),
	attributes = (
		SELECT COALESCE(jsonb_object_agg(key, CASE
			WHEN jsonb_typeof(o.value) = 'array' AND jsonb_typeof(n.value) = 'array' THEN
				(SELECT jsonb_agg(DISTINCT e ORDER BY e) FROM jsonb_array_elements(o.value || n.value) AS e)
			ELSE COALESCE(n.value, o.value)
		END), '{}'::jsonb)
		FROM jsonb_each(kg_nodes.attributes) AS o(key, value)
		FULL JOIN jsonb_each(EXCLUDED.attributes) AS n(key, value) USING (key)
	),
	updated_at = NOW()`

const insertEdgeSQL = `
INSERT INTO kg_edges (scope, id, source_id, target_id, relation_type, origin_unit_id, confidence, support_count, attributes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// ConnectPostgres opens a pool, verifies it and ensures the schema.
func ConnectPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to graph database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classifyPostgres("connect", err)
	}

	store := NewPostgres(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgres wraps an existing pool. The schema is not created.
func NewPostgres(pool Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the graph tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return classifyPostgres("ensure_schema", err)
	}
	return nil
}

// UpsertNodes merges nodes in one transaction.
func (p *Postgres) UpsertNodes(ctx context.Context, nodes []kg.Node) (int, error) {
	batch, err := collapseNodes(nodes)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	err = p.inTx(ctx, "upsert_nodes", func(tx pgx.Tx) error {
		for _, n := range batch {
			attrs, err := marshalAttributes(n.Attributes)
			if err != nil {
				return &StoreConstraintError{Op: "upsert_nodes", Message: "attributes are not serializable", Cause: err}
			}
			nodeType := n.Type
			if nodeType == "" {
				nodeType = kg.DefaultNodeType
			}
			if _, err := tx.Exec(ctx, upsertNodeSQL,
				n.ID, nodeType, n.Name, n.Description, nonNil(kg.UnionStrings(n.Aliases)), attrs,
			); err != nil {
				return classifyPostgres("upsert_nodes", err)
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
// A transaction-scoped advisory lock serializes writers of the same scope.
func (p *Postgres) ReplaceScope(ctx context.Context, scope string, edges []kg.Edge) error {
	prepared, err := prepareEdges(scope, edges)
	if err != nil {
		return err
	}

	return p.inTx(ctx, "replace_scope", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope); err != nil {
			return classifyPostgres("replace_scope", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM kg_edges WHERE scope = $1`, scope); err != nil {
			return classifyPostgres("replace_scope", err)
		}
		for _, e := range prepared {
			attrs, err := marshalAttributes(e.Attributes)
			if err != nil {
				return &StoreConstraintError{Op: "replace_scope", Message: "attributes are not serializable", Cause: err}
			}
			if _, err := tx.Exec(ctx, insertEdgeSQL,
				scope, e.ID, e.SourceID, e.TargetID, string(e.RelationType),
				e.OriginUnitID, e.Confidence, e.SupportCount, attrs,
			); err != nil {
				return classifyPostgres("replace_scope", err)
			}
		}
		return nil
	})
}

// QueryScope loads the edges of scope and the nodes they reference.
func (p *Postgres) QueryScope(ctx context.Context, scope string) (*kg.Fragment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, source_id, target_id, relation_type, origin_unit_id, confidence, support_count, attributes
		 FROM kg_edges WHERE scope = $1 ORDER BY id`,
		scope,
	)
	if err != nil {
		return nil, classifyPostgres("query_scope", err)
	}

	frag := &kg.Fragment{Scope: scope}
	for rows.Next() {
		var e kg.Edge
		var relation string
		var attrs []byte
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &relation, &e.OriginUnitID,
			&e.Confidence, &e.SupportCount, &attrs); err != nil {
			rows.Close()
			return nil, classifyPostgres("query_scope", err)
		}
		e.Scope = scope
		e.RelationType = kg.RelationType(relation)
		if e.Attributes, err = unmarshalAttributes(attrs); err != nil {
			rows.Close()
			return nil, &StoreConstraintError{Op: "query_scope", Message: "stored edge attributes are invalid", Cause: err}
		}
		frag.Edges = append(frag.Edges, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres("query_scope", err)
	}

	if len(frag.Edges) == 0 {
		return frag, nil
	}

	nodeRows, err := p.pool.Query(ctx,
		`SELECT id, type, name, description, aliases, attributes
		 FROM kg_nodes WHERE id = ANY($1) ORDER BY id`,
		referencedIDs(frag.Edges),
	)
	if err != nil {
		return nil, classifyPostgres("query_scope", err)
	}
	defer nodeRows.Close()

	for nodeRows.Next() {
		var n kg.Node
		var attrs []byte
		if err := nodeRows.Scan(&n.ID, &n.Type, &n.Name, &n.Description, &n.Aliases, &attrs); err != nil {
			return nil, classifyPostgres("query_scope", err)
		}
		if n.Attributes, err = unmarshalAttributes(attrs); err != nil {
			return nil, &StoreConstraintError{Op: "query_scope", Message: "stored node attributes are invalid", Cause: err}
		}
		if len(n.Aliases) == 0 {
			n.Aliases = nil
		}
		frag.Nodes = append(frag.Nodes, n)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, classifyPostgres("query_scope", err)
	}
	return frag, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Postgres) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classifyPostgres(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPostgres(op, err)
	}
	return nil
}

func marshalAttributes(attrs map[string]any) ([]byte, error) {
	if len(attrs) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(attrs)
}

func unmarshalAttributes(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
