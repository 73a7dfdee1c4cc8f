package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storygraph/backend/internal/kg"
)

func seed(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s := NewStore(zaptest.NewLogger(t))

	must := func(err error) { require.NoError(t, err) }

	must(s.MergeNode(ctx, kg.WorkRef("w1"), map[string]any{"name": "Three Kingdoms"}))
	for _, a := range []string{"a1", "a2"} {
		must(s.MergeNode(ctx, kg.ArticleRef(a), map[string]any{"title": a, "work_id": "w1"}))
		must(s.MergeEdge(ctx, kg.ArticleRef(a), kg.RelBelongsTo, kg.WorkRef("w1"), nil))
	}

	must(s.MergeNode(ctx, kg.FactionRef("w1", "Shu"), map[string]any{"description": "kingdom"}))
	must(s.MergeEdge(ctx, kg.FactionRef("w1", "Shu"), kg.RelBelongsTo, kg.WorkRef("w1"), nil))
	must(s.MergeEdge(ctx, kg.ArticleRef("a1"), kg.RelHasFaction, kg.FactionRef("w1", "Shu"), nil))

	for _, c := range []struct{ name, article string }{{"Liu Bei", "a1"}, {"Zhang Fei", "a1"}, {"Guan Yu", "a2"}} {
		ref := kg.CharacterRef("w1", c.name)
		must(s.MergeNode(ctx, ref, map[string]any{"description": c.name + " desc", "faction": "Shu"}))
		must(s.MergeEdge(ctx, ref, kg.RelBelongsTo, kg.WorkRef("w1"), nil))
		must(s.MergeEdge(ctx, kg.ArticleRef(c.article), kg.RelHasCharacter, ref, nil))
		must(s.MergeEdge(ctx, ref, kg.RelBelongsTo, kg.FactionRef("w1", "Shu"), nil))
	}
	// Liu Bei also appears in a2.
	must(s.MergeEdge(ctx, kg.ArticleRef("a2"), kg.RelHasCharacter, kg.CharacterRef("w1", "Liu Bei"), nil))

	must(s.MergeEdge(ctx, kg.CharacterRef("w1", "Liu Bei"), "FRIEND", kg.CharacterRef("w1", "Guan Yu"), map[string]any{"description": "oath"}))
	must(s.MergeEdge(ctx, kg.CharacterRef("w1", "Liu Bei"), "FRIEND", kg.CharacterRef("w1", "Zhang Fei"), nil))
	return s
}

func query(t *testing.T, s *Store, p kg.Pattern, params map[string]any) []kg.Row {
	t.Helper()
	rows, err := s.Query(context.Background(), kg.Query{Pattern: p, Params: params})
	require.NoError(t, err)
	return rows
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.MergeNode(ctx, kg.WorkRef("w1"), map[string]any{"name": "W"}))
		require.NoError(t, s.MergeNode(ctx, kg.CharacterRef("w1", "X"), map[string]any{"description": "v"}))
		require.NoError(t, s.MergeNode(ctx, kg.CharacterRef("w1", "Y"), nil))
		require.NoError(t, s.MergeEdge(ctx, kg.CharacterRef("w1", "X"), "FRIEND", kg.CharacterRef("w1", "Y"), nil))
	}

	assert.Len(t, s.nodes, 3)
	assert.Len(t, s.edges, 1)
}

func TestMergeNodeOverwritesAttributes(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)

	require.NoError(t, s.MergeNode(ctx, kg.CharacterRef("w1", "X"), map[string]any{"description": "old", "faction": "A"}))
	require.NoError(t, s.MergeNode(ctx, kg.CharacterRef("w1", "X"), map[string]any{"description": "new"}))

	rows := query(t, s, kg.PatternWorkCharacters, map[string]any{"work_id": "w1"})
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].String("description"))
	assert.Equal(t, "A", rows[0].String("faction"))
}

func TestMergeEdgeRequiresEndpoints(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	require.NoError(t, s.MergeNode(ctx, kg.CharacterRef("w1", "X"), nil))

	err := s.MergeEdge(ctx, kg.CharacterRef("w1", "X"), "FRIEND", kg.CharacterRef("w1", "Ghost"), nil)
	assert.ErrorIs(t, err, kg.ErrMissingEndpoint)

	err = s.MergeEdge(ctx, kg.CharacterRef("w1", "X"), "bad type", kg.CharacterRef("w1", "X"), nil)
	assert.ErrorIs(t, err, kg.ErrInvalidRelType)
}

func TestCharactersScopedByWork(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	require.NoError(t, s.MergeNode(ctx, kg.CharacterRef("w1", "X"), nil))
	require.NoError(t, s.MergeNode(ctx, kg.CharacterRef("w2", "X"), nil))

	assert.Len(t, query(t, s, kg.PatternWorkCharacters, map[string]any{"work_id": "w1"}), 1)
	assert.Len(t, query(t, s, kg.PatternWorkCharacters, nil), 2)
}

func TestWorkPatterns(t *testing.T) {
	s := seed(t)
	params := map[string]any{"work_id": "w1"}

	rels := query(t, s, kg.PatternWorkRelationships, params)
	require.Len(t, rels, 2)
	assert.Equal(t, "Guan Yu", rels[0].String("target"))
	assert.Equal(t, "oath", rels[0].String("description"))

	members := query(t, s, kg.PatternWorkMemberships, params)
	assert.Len(t, members, 3)

	counts := query(t, s, kg.PatternWorkCounts, params)
	require.Len(t, counts, 1)
	assert.Equal(t, int64(3), counts[0].Int("characters"))
	assert.Equal(t, int64(1), counts[0].Int("factions"))
	assert.Equal(t, int64(2), counts[0].Int("relationships"))

	works := query(t, s, kg.PatternWorks, nil)
	require.Len(t, works, 1)
	assert.Equal(t, "Three Kingdoms", works[0].String("name"))
}

func TestArticlePatterns(t *testing.T) {
	s := seed(t)

	chars := query(t, s, kg.PatternArticleCharacters, map[string]any{"article_id": "a1"})
	require.Len(t, chars, 2)
	assert.Equal(t, "Liu Bei", chars[0].String("name"))

	rels := query(t, s, kg.PatternArticleRelationships, map[string]any{"article_id": "a1"})
	require.Len(t, rels, 1)
	assert.Equal(t, "Zhang Fei", rels[0].String("target"))

	assert.Len(t, query(t, s, kg.PatternArticleFactions, map[string]any{"article_id": "a1"}), 1)
	assert.Empty(t, query(t, s, kg.PatternArticleFactions, map[string]any{"article_id": "a2"}))
}

func TestNodeDetail(t *testing.T) {
	s := seed(t)

	rows := query(t, s, kg.PatternNodeDetail, map[string]any{"work_id": "w1", "label": kg.LabelCharacter, "name": "Guan Yu"})
	require.NotEmpty(t, rows)
	assert.Equal(t, "Guan Yu desc", rows[0].Map("properties")["description"])

	var types []string
	for _, r := range rows {
		types = append(types, r.String("rel_type")+":"+r.String("direction"))
	}
	assert.Contains(t, types, "FRIEND:in")
	assert.Contains(t, types, "HAS_CHARACTER:in")

	assert.Empty(t, query(t, s, kg.PatternNodeDetail, map[string]any{"work_id": "w1", "label": kg.LabelCharacter, "name": "Cao Cao"}))
}

func TestCharacterSearch(t *testing.T) {
	s := seed(t)

	rows := query(t, s, kg.PatternCharacterSearch, map[string]any{"name": "Fei"})
	require.Len(t, rows, 1)
	assert.Equal(t, "Zhang Fei", rows[0].String("name"))
}

func TestDeleteArticleKeepsSharedCharacters(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	require.NoError(t, s.DeleteSubgraph(ctx, kg.ArticleRef("a1")))

	names := []string{}
	for _, r := range query(t, s, kg.PatternWorkCharacters, map[string]any{"work_id": "w1"}) {
		names = append(names, r.String("name"))
	}
	// Zhang Fei was only in a1; Liu Bei is still referenced by a2.
	assert.Equal(t, []string{"Guan Yu", "Liu Bei"}, names)
	assert.Empty(t, query(t, s, kg.PatternWorkFactions, map[string]any{"work_id": "w1"}))

	rels := query(t, s, kg.PatternWorkRelationships, map[string]any{"work_id": "w1"})
	require.Len(t, rels, 1)
	assert.Equal(t, "Guan Yu", rels[0].String("target"))
}

func TestDeleteWorkRemovesOwnedNodes(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	require.NoError(t, s.DeleteSubgraph(ctx, kg.WorkRef("w1")))

	assert.Empty(t, s.nodes)
	assert.Empty(t, s.edges)
	assert.NoError(t, s.DeleteSubgraph(ctx, kg.WorkRef("w1")))
}

func TestUnknownPattern(t *testing.T) {
	_, err := NewStore(nil).Query(context.Background(), kg.Query{Pattern: "nope"})
	assert.ErrorIs(t, err, kg.ErrUnknownPattern)
}
