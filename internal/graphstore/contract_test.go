package graphstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/textbook-forge/internal/kg"
)

func sampleEdges(scope string) []kg.Edge {
	return []kg.Edge{
		{ID: "e_1", SourceID: "n_a", TargetID: "n_b", RelationType: kg.Requires, Scope: scope, OriginUnitID: "u1", Confidence: 0.9, SupportCount: 1},
		{ID: "e_2", SourceID: "n_b", TargetID: "n_c", RelationType: kg.PartOf, Scope: scope, OriginUnitID: "u1", Confidence: 0.7, SupportCount: 2,
			Attributes: map[string]any{kg.AttrEvidence: "because"}},
	}
}

func sampleNodes() []kg.Node {
	return []kg.Node{
		{ID: "n_a", Type: "concept", Name: "A", Aliases: []string{"alpha"}},
		{ID: "n_b", Type: "concept", Name: "B", Description: "second"},
		{ID: "n_c", Type: "concept", Name: "C"},
	}
}

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("replace then empty leaves no edges", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertNodes(ctx, sampleNodes())
		require.NoError(t, err)

		require.NoError(t, s.ReplaceScope(ctx, "section:42", sampleEdges("section:42")))
		frag, err := s.QueryScope(ctx, "section:42")
		require.NoError(t, err)
		assert.Len(t, frag.Edges, 2)

		require.NoError(t, s.ReplaceScope(ctx, "section:42", nil))
		frag, err = s.QueryScope(ctx, "section:42")
		require.NoError(t, err)
		assert.Empty(t, frag.Edges)
		assert.Empty(t, frag.Nodes)
	})

	t.Run("replace twice is idempotent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertNodes(ctx, sampleNodes())
		require.NoError(t, err)

		require.NoError(t, s.ReplaceScope(ctx, "section:1", sampleEdges("section:1")))
		first, err := s.QueryScope(ctx, "section:1")
		require.NoError(t, err)

		require.NoError(t, s.ReplaceScope(ctx, "section:1", sampleEdges("section:1")))
		second, err := s.QueryScope(ctx, "section:1")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		require.Len(t, second.Edges, 2)
		assert.Equal(t, "e_1", second.Edges[0].ID)
		assert.Equal(t, kg.Requires, second.Edges[0].RelationType)
		assert.Equal(t, "because", second.Edges[1].Attributes[kg.AttrEvidence])
		assert.Equal(t, 2, second.Edges[1].SupportCount)
		assert.Len(t, second.Nodes, 3)
	})

	t.Run("scopes are independent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.ReplaceScope(ctx, "section:1", sampleEdges("section:1")))
		require.NoError(t, s.ReplaceScope(ctx, "section:2", sampleEdges("section:2")[:1]))
		require.NoError(t, s.ReplaceScope(ctx, "section:1", nil))

		frag, err := s.QueryScope(ctx, "section:2")
		require.NoError(t, err)
		assert.Len(t, frag.Edges, 1)
	})

	t.Run("unscoped edges are stamped", func(t *testing.T) {
		s := newStore(t)
		edges := sampleEdges("")
		require.NoError(t, s.ReplaceScope(ctx, "book:x", edges))

		frag, err := s.QueryScope(ctx, "book:x")
		require.NoError(t, err)
		for _, e := range frag.Edges {
			assert.Equal(t, "book:x", e.Scope)
		}
	})

	t.Run("edge in wrong scope is a constraint error", func(t *testing.T) {
		s := newStore(t)
		err := s.ReplaceScope(ctx, "section:1", sampleEdges("section:2"))
		var constraint *StoreConstraintError
		require.ErrorAs(t, err, &constraint)
		assert.False(t, IsTransient(err))
	})

	t.Run("upsert merges by id", func(t *testing.T) {
		s := newStore(t)
		n, err := s.UpsertNodes(ctx, []kg.Node{
			{ID: "n_a", Type: "concept", Name: "A", Description: "first", Aliases: []string{"alpha"},
				Attributes: map[string]any{"chapter": "one", "tags": []string{"x"}}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = s.UpsertNodes(ctx, []kg.Node{
			{ID: "n_a", Type: "concept", Name: "A", Aliases: []string{"a"},
				Attributes: map[string]any{"chapter": "two", "tags": []string{"y"}, "extra": true}},
			{ID: "n_a", Type: "concept", Name: "A", Aliases: []string{"alpha"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n, "duplicate ids in one batch count once")

		require.NoError(t, s.ReplaceScope(ctx, "s", []kg.Edge{{ID: "e_x", SourceID: "n_a", TargetID: "n_a", RelationType: kg.RelatesTo, Confidence: 1}}))
		frag, err := s.QueryScope(ctx, "s")
		require.NoError(t, err)
		require.Len(t, frag.Nodes, 1)

		node := frag.Nodes[0]
		assert.Equal(t, "first", node.Description, "empty description does not overwrite")
		assert.Equal(t, []string{"a", "alpha"}, node.Aliases)
		assert.Equal(t, "two", node.Attributes["chapter"])
		assert.Equal(t, true, node.Attributes["extra"])
		assert.ElementsMatch(t, []any{"x", "y"}, toAnySlice(node.Attributes["tags"]))
	})

	t.Run("node without id is rejected", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertNodes(ctx, []kg.Node{{Name: "nameless"}})
		var constraint *StoreConstraintError
		assert.ErrorAs(t, err, &constraint)
	})
}

func toAnySlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}
