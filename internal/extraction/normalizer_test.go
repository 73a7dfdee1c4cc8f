package extraction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storygraph/backend/pkg/apperr"
)

func TestNormalizeKeepsLastCharacterAttributes(t *testing.T) {
	n := NewNormalizer(zaptest.NewLogger(t))

	result, err := n.Normalize([]string{
		`{"characters":[{"name":"A"}]}`,
		`{"characters":[{"name":"A","description":"x"}]}`,
	})
	require.NoError(t, err)

	require.Len(t, result.Characters, 1)
	assert.Equal(t, "A", result.Characters[0].Name)
	assert.Equal(t, "x", result.Characters[0].Description)
}

func TestNormalizeSingletonsFirstNonEmptyWins(t *testing.T) {
	n := NewNormalizer(nil)

	result, err := n.Normalize([]string{
		`{"work_name":"","title":"Chapter One"}`,
		`{"work_name":"Three Kingdoms","title":"Chapter Two"}`,
		`{"work_name":"Other","title":""}`,
	})
	require.NoError(t, err)

	assert.Equal(t, "Three Kingdoms", result.WorkName)
	assert.Equal(t, "Chapter One", result.Title)
}

func TestNormalizeDedupeKeepsFirstPosition(t *testing.T) {
	n := NewNormalizer(nil)

	result, err := n.Normalize([]string{
		`{"forces":[{"name":"Shu","description":"old"},{"name":"Wei"}]}`,
		`{"forces":[{"name":"Wu"},{"name":"Shu","description":"new"}]}`,
	})
	require.NoError(t, err)

	require.Len(t, result.Forces, 3)
	assert.Equal(t, []string{"Shu", "Wei", "Wu"}, []string{result.Forces[0].Name, result.Forces[1].Name, result.Forces[2].Name})
	assert.Equal(t, "new", result.Forces[0].Description)
}

func TestNormalizeRelationshipsByCompositeKey(t *testing.T) {
	n := NewNormalizer(nil)

	result, err := n.Normalize([]string{
		`{"relationships":[
			{"source":"Liu Bei","target":"Zhuge Liang","type":"Monarch-Minister","description":"first"},
			{"source":"Zhuge Liang","target":"Liu Bei","type":"monarch-minister"}
		]}`,
		`{"relationships":[
			{"source":"Liu Bei","target":"Zhuge Liang","type":"MONARCH-MINISTER","description":"second"},
			{"source":"Liu Bei","target":"Zhuge Liang","type":"friend"}
		]}`,
	})
	require.NoError(t, err)

	require.Len(t, result.Relationships, 3)
	assert.Equal(t, Relationship{Source: "Liu Bei", Target: "Zhuge Liang", Type: "monarch-minister", Description: "second"}, result.Relationships[0])
	assert.Equal(t, "Zhuge Liang", result.Relationships[1].Source)
	assert.Equal(t, "friend", result.Relationships[2].Type)
}

func TestNormalizeEventsByTitle(t *testing.T) {
	n := NewNormalizer(nil)

	result, err := n.Normalize([]string{
		`{"events":[{"title":"Oath","participants":"Liu Bei"}]}`,
		`{"events":[{"title":"Oath","participants":["Liu Bei", 3, null, "Guan Yu"],"time":"spring"}]}`,
	})
	require.NoError(t, err)

	require.Len(t, result.Events, 1)
	assert.Equal(t, "spring", result.Events[0].Time)
	assert.Equal(t, []string{"Liu Bei", "3", "Guan Yu"}, result.Events[0].Participants)
}

func TestNormalizeCoercesMissingFields(t *testing.T) {
	payload, err := ParseChunk(`{"events":[{"title":"Battle","participants":{"a":1}}],"characters":[{"name":"A","faction":null}]}`)
	require.NoError(t, err)

	assert.Equal(t, []string{}, payload.Events[0].Participants)
	assert.Equal(t, "", payload.Characters[0].Faction)
	assert.NotNil(t, payload.Forces)
	assert.NotNil(t, payload.Relationships)
}

func TestNormalizeDropsEntitiesWithoutNaturalKey(t *testing.T) {
	payload, err := ParseChunk(`{
		"characters":[{"description":"nameless"},{"name":"B"}],
		"forces":[{"name":"  "}],
		"relationships":[{"source":"A","type":"friend"}]
	}`)
	require.NoError(t, err)

	assert.Len(t, payload.Characters, 1)
	assert.Empty(t, payload.Forces)
	assert.Empty(t, payload.Relationships)
}

func TestNormalizeSkipsMalformedChunks(t *testing.T) {
	n := NewNormalizer(zaptest.NewLogger(t))

	result, err := n.Normalize([]string{
		"not json at all",
		"```json\n{\"characters\":[{\"name\":\"A\"}]}\n```",
		`["an","array"]`,
	})
	require.NoError(t, err)
	require.Len(t, result.Characters, 1)
}

func TestNormalizeAllChunksFail(t *testing.T) {
	n := NewNormalizer(nil)

	_, err := n.Normalize([]string{"{", "```\n```", "null"})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeExtractionEmpty))

	_, err = n.Normalize(nil)
	assert.True(t, apperr.HasCode(err, apperr.CodeExtractionEmpty))
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"```json\n{}\n```": "{}",
		"```\n{}\n```":     "{}",
		"  {}  ":           "{}",
		"{}```":            "{}",
	}
	for in, want := range tests {
		assert.Equal(t, want, StripFences(in), "input %q", in)
	}
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, ChunkText("", 10))

	chunks := ChunkText("abcdefghij", 4)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)

	han := strings.Repeat("蜀", 7)
	chunks = ChunkText(han, 3)
	require.Len(t, chunks, 3)
	assert.Equal(t, "蜀蜀蜀", chunks[0])
	assert.Equal(t, "蜀", chunks[2])

	assert.Len(t, ChunkText(strings.Repeat("a", DefaultChunkSize+1), 0), 2)
}
