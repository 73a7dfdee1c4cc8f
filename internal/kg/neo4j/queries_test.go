package neo4j

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storygraph/backend/internal/kg"
)

func TestKeyPattern(t *testing.T) {
	match, params := keyPattern("a", kg.CharacterRef("w1", "Liu Bei"))

	assert.Equal(t, "(a:Character {name: $a_name, work_id: $a_work_id})", match)
	assert.Equal(t, map[string]any{"a_name": "Liu Bei", "a_work_id": "w1"}, params)
}

func TestCompileKnownPatterns(t *testing.T) {
	all := []kg.Pattern{
		kg.PatternWorks, kg.PatternWorkCharacters, kg.PatternWorkFactions,
		kg.PatternWorkRelationships, kg.PatternWorkMemberships, kg.PatternWorkCounts,
		kg.PatternArticleCharacters, kg.PatternArticleFactions,
		kg.PatternArticleRelationships, kg.PatternArticleMemberships,
		kg.PatternCharacterSearch,
	}
	for _, p := range all {
		cypher, params, err := compile(kg.Query{Pattern: p, Params: map[string]any{"work_id": "w1"}})
		require.NoError(t, err, p)
		assert.NotEmpty(t, cypher, p)
		assert.Equal(t, "w1", params["work_id"])
		assert.Equal(t, structuralTypes, params["structural"])
	}
}

func TestCompileNodeDetailInterpolatesLabel(t *testing.T) {
	cypher, _, err := compile(kg.Query{Pattern: kg.PatternNodeDetail, Params: map[string]any{"label": kg.LabelFaction}})
	require.NoError(t, err)
	assert.Contains(t, cypher, "MATCH (n:Faction {")

	_, _, err = compile(kg.Query{Pattern: kg.PatternNodeDetail, Params: map[string]any{"label": "Work) DETACH DELETE (x"}})
	assert.ErrorIs(t, err, kg.ErrInvalidLabel)
}

func TestCompileUnknownPattern(t *testing.T) {
	_, _, err := compile(kg.Query{Pattern: "drop.everything"})
	assert.ErrorIs(t, err, kg.ErrUnknownPattern)
}

func TestValidateRef(t *testing.T) {
	assert.NoError(t, validateRef(kg.WorkRef("w1")))
	bad := kg.NodeRef{Label: kg.LabelWork, Key: map[string]any{"id}) DETACH": "x"}}
	assert.Error(t, validateRef(bad))
}

func TestCleanAttrsDropsNil(t *testing.T) {
	assert.Equal(t, map[string]any{"a": "x"}, cleanAttrs(map[string]any{"a": "x", "b": nil}))
}
