package kg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRelType(t *testing.T) {
	tests := map[string]string{
		"friend":            "FRIEND",
		"monarch-minister":  "MONARCH_MINISTER",
		"Master-Apprentice": "MASTER_APPRENTICE",
		" belongs_to ":      "BELONGS_TO",
		"sworn brother":     "SWORN_BROTHER",
		"ally`) DETACH":     "ALLY___DETACH",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeRelType(in), "input %q", in)
		assert.True(t, ValidRelType(NormalizeRelType(in)))
	}
	assert.False(t, ValidRelType(""))
	assert.False(t, ValidRelType("friend"))
}

func TestNodeRefString(t *testing.T) {
	ref := CharacterRef("w1", "Liu Bei")
	assert.Equal(t, "Character{name=Liu Bei,work_id=w1}", ref.String())
	assert.NoError(t, ref.Validate())
	assert.ErrorIs(t, NodeRef{Label: "Person", Key: map[string]any{"id": 1}}.Validate(), ErrInvalidLabel)
}

func TestIsStructural(t *testing.T) {
	assert.True(t, IsStructural(RelBelongsTo))
	assert.True(t, IsStructural(RelHasFaction))
	assert.False(t, IsStructural("FRIEND"))
}
