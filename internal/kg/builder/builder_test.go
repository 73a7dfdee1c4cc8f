package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storygraph/backend/internal/catalog"
	"github.com/storygraph/backend/internal/extraction"
	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/internal/kg/memory"
	"github.com/storygraph/backend/pkg/apperr"
)

type recordingEvents struct {
	calls  int
	titles []string
}

func (r *recordingEvents) SyncEvents(_ context.Context, _, _ string, events []extraction.Event) catalog.SyncResult {
	r.calls++
	var res catalog.SyncResult
	for _, e := range events {
		if e.Title == "" {
			res.Skipped++
			continue
		}
		r.titles = append(r.titles, e.Title)
		res.Created++
	}
	return res
}

// failingStore rejects every node with the configured label.
type failingStore struct {
	kg.Store
	label string
}

func (f *failingStore) MergeNode(ctx context.Context, ref kg.NodeRef, attrs map[string]any) error {
	if ref.Label == f.label {
		return errors.New("connection refused")
	}
	return f.Store.MergeNode(ctx, ref, attrs)
}

var scope = Scope{WorkID: "w1", WorkName: "Journey", ArticleID: "a1", ArticleTitle: "Chapter 1"}

func sample() *extraction.Result {
	return &extraction.Result{
		WorkName: "Journey",
		Title:    "Chapter 1",
		Characters: []extraction.Character{
			{Name: "X", Description: "hero", Faction: "Guild"},
			{Name: "Y", Description: "friend"},
		},
		Forces: []extraction.Force{{Name: "Guild", Description: "traders"}},
		Events: []extraction.Event{{Title: "Meeting"}, {Title: ""}},
		Relationships: []extraction.Relationship{
			{Source: "X", Target: "Y", Type: "friend", Description: "old friends"},
			{Source: "X", Target: "Z", Type: "enemy"},
			{Source: "Y", Target: "X", Type: "master-apprentice"},
		},
	}
}

func rows(t *testing.T, s kg.Store, p kg.Pattern, params map[string]any) []kg.Row {
	t.Helper()
	out, err := s.Query(context.Background(), kg.Query{Pattern: p, Params: params})
	require.NoError(t, err)
	return out
}

func TestUpsertWritesGraph(t *testing.T) {
	log := zaptest.NewLogger(t)
	store := memory.NewStore(log)
	events := &recordingEvents{}
	b := NewBuilder(store, events, log)

	report, err := b.Upsert(context.Background(), scope, sample())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Factions)
	assert.Equal(t, 2, report.Characters)
	assert.Equal(t, 1, report.Memberships)
	assert.Equal(t, 2, report.Relationships)
	assert.Equal(t, 1, report.Events)
	// Unknown target Z and the untitled event.
	assert.Equal(t, 2, report.Skipped)
	assert.True(t, report.Complete())
	assert.Equal(t, []string{"Meeting"}, events.titles)

	rels := kg.EdgesFromRows(rows(t, store, kg.PatternWorkRelationships, map[string]any{"work_id": "w1"}))
	require.Len(t, rels, 2)
	assert.Equal(t, kg.Edge{WorkID: "w1", Source: "X", Target: "Y", Type: "FRIEND", Description: "old friends"}, rels[0])
	assert.Equal(t, "MASTER_APPRENTICE", rels[1].Type)

	members := kg.EdgesFromRows(rows(t, store, kg.PatternWorkMemberships, map[string]any{"work_id": "w1"}))
	require.Len(t, members, 1)
	assert.Equal(t, "Guild", members[0].Target)

	assert.Len(t, rows(t, store, kg.PatternArticleFactions, map[string]any{"article_id": "a1"}), 1)
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := memory.NewStore(nil)
	b := NewBuilder(store, nil, nil)
	ctx := context.Background()

	_, err := b.Upsert(ctx, scope, sample())
	require.NoError(t, err)
	first := rows(t, store, kg.PatternWorkCounts, map[string]any{"work_id": "w1"})

	_, err = b.Upsert(ctx, scope, sample())
	require.NoError(t, err)
	second := rows(t, store, kg.PatternWorkCounts, map[string]any{"work_id": "w1"})

	assert.Equal(t, first, second)
	assert.Equal(t, int64(2), second[0].Int("characters"))
	assert.Equal(t, int64(2), second[0].Int("relationships"))
}

func TestUpsertSkipsRelationshipOutsideBatch(t *testing.T) {
	store := memory.NewStore(nil)
	b := NewBuilder(store, nil, nil)
	ctx := context.Background()

	// Z exists in the graph from an earlier article but not in this batch.
	require.NoError(t, store.MergeNode(ctx, kg.CharacterRef("w1", "Z"), nil))

	report, err := b.Upsert(ctx, scope, &extraction.Result{
		Characters:    []extraction.Character{{Name: "X"}},
		Relationships: []extraction.Relationship{{Source: "X", Target: "Z", Type: "enemy"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Relationships)
	assert.Empty(t, rows(t, store, kg.PatternWorkRelationships, map[string]any{"work_id": "w1"}))
}

func TestUpsertSkipsEmptyRelType(t *testing.T) {
	b := NewBuilder(memory.NewStore(nil), nil, nil)

	report, err := b.Upsert(context.Background(), scope, &extraction.Result{
		Characters:    []extraction.Character{{Name: "X"}, {Name: "Y"}},
		Relationships: []extraction.Relationship{{Source: "X", Target: "Y", Type: "--"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
}

func TestUpsertSkipsReservedRelTypes(t *testing.T) {
	store := memory.NewStore(nil)
	b := NewBuilder(store, nil, nil)
	ctx := context.Background()

	report, err := b.Upsert(ctx, scope, &extraction.Result{
		Characters: []extraction.Character{{Name: "X"}, {Name: "Y"}},
		Relationships: []extraction.Relationship{
			{Source: "X", Target: "Y", Type: "belongs-to"},
			{Source: "X", Target: "Y", Type: "has_character"},
			{Source: "Y", Target: "X", Type: "HAS_FACTION"},
			{Source: "X", Target: "Y", Type: "friend"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 1, report.Relationships)
	assert.Empty(t, rows(t, store, kg.PatternWorkMemberships, map[string]any{"work_id": "w1"}))

	require.NoError(t, store.DeleteSubgraph(ctx, kg.ArticleRef(scope.ArticleID)))
	assert.Empty(t, rows(t, store, kg.PatternWorkCharacters, map[string]any{"work_id": "w1"}))
}

func TestUpsertMembershipNeedsBatchFaction(t *testing.T) {
	store := memory.NewStore(nil)
	b := NewBuilder(store, nil, nil)

	report, err := b.Upsert(context.Background(), scope, &extraction.Result{
		Characters: []extraction.Character{{Name: "X", Faction: "Nowhere"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Memberships)
	assert.Empty(t, rows(t, store, kg.PatternWorkMemberships, map[string]any{"work_id": "w1"}))
}

func TestUpsertAbortsWhenWorkFails(t *testing.T) {
	events := &recordingEvents{}
	b := NewBuilder(&failingStore{Store: memory.NewStore(nil), label: kg.LabelWork}, events, nil)

	_, err := b.Upsert(context.Background(), scope, sample())
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeGraphWriteFailed))
	assert.Zero(t, events.calls)
}

func TestUpsertContinuesPastEntityFailure(t *testing.T) {
	b := NewBuilder(&failingStore{Store: memory.NewStore(nil), label: kg.LabelFaction}, nil, nil)

	report, err := b.Upsert(context.Background(), scope, sample())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Characters)
	assert.Equal(t, 0, report.Memberships)
	assert.False(t, report.Complete())
}
