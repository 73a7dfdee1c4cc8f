package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storygraph/backend/internal/extraction"
	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/internal/kg/memory"
	"github.com/storygraph/backend/internal/storage/models"
	"github.com/storygraph/backend/internal/storage/sqlite"
)

func newCatalog(t *testing.T) (*sqlite.Client, *models.Work, *models.Article) {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema(ctx))

	work, _, err := db.GetOrCreateWorkByName(ctx, "Journey")
	require.NoError(t, err)
	article := &models.Article{WorkID: work.ID, Title: "Chapter 1"}
	require.NoError(t, db.CreateArticle(ctx, article))
	return db, work, article
}

func TestSyncEventsFirstCreateWins(t *testing.T) {
	ctx := context.Background()
	db, work, article := newCatalog(t)
	m := NewMirror(db, memory.NewStore(nil), zaptest.NewLogger(t))

	res := m.SyncEvents(ctx, work.ID, article.ID, []extraction.Event{
		{Title: "Battle", Description: "first", Participants: []string{"X", "Y"}},
		{Title: "  "},
	})
	assert.Equal(t, SyncResult{Created: 1, Skipped: 1}, res)

	res = m.SyncEvents(ctx, work.ID, article.ID, []extraction.Event{
		{Title: "Battle", Description: "second"},
	})
	assert.Equal(t, SyncResult{Existing: 1}, res)

	events, err := m.WorkEvents(ctx, work.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "first", events[0].Description)
	assert.Equal(t, []string{"X", "Y"}, events[0].Participants)
}

type brokenEvents struct{}

func (brokenEvents) GetOrCreateEvent(context.Context, models.Event) (*models.Event, bool, error) {
	return nil, false, errors.New("disk full")
}

func (brokenEvents) ListEvents(context.Context, models.EventFilter) ([]models.Event, error) {
	return nil, errors.New("disk full")
}

func TestSyncEventsCountsFailures(t *testing.T) {
	m := NewMirror(brokenEvents{}, memory.NewStore(nil), nil)

	res := m.SyncEvents(context.Background(), "w", "a", []extraction.Event{{Title: "A"}, {Title: "B"}})
	assert.Equal(t, 2, res.Failed)

	_, err := m.WorkEvents(context.Background(), "w")
	assert.Error(t, err)
}

func TestArticleView(t *testing.T) {
	ctx := context.Background()
	db, work, article := newCatalog(t)
	graph := memory.NewStore(nil)
	m := NewMirror(db, graph, nil)

	must := func(err error) { require.NoError(t, err) }
	aRef := kg.ArticleRef(article.ID)
	must(graph.MergeNode(ctx, aRef, nil))
	must(graph.MergeNode(ctx, kg.FactionRef(work.ID, "Guild"), nil))
	must(graph.MergeEdge(ctx, aRef, kg.RelHasFaction, kg.FactionRef(work.ID, "Guild"), nil))
	for _, name := range []string{"X", "Y"} {
		must(graph.MergeNode(ctx, kg.CharacterRef(work.ID, name), map[string]any{"faction": "Guild"}))
		must(graph.MergeEdge(ctx, aRef, kg.RelHasCharacter, kg.CharacterRef(work.ID, name), nil))
		must(graph.MergeEdge(ctx, kg.CharacterRef(work.ID, name), kg.RelBelongsTo, kg.FactionRef(work.ID, "Guild"), nil))
	}
	must(graph.MergeEdge(ctx, kg.CharacterRef(work.ID, "X"), "FRIEND", kg.CharacterRef(work.ID, "Y"), nil))
	m.SyncEvents(ctx, work.ID, article.ID, []extraction.Event{{Title: "Meeting"}})

	view, err := m.ArticleView(ctx, article.ID)
	require.NoError(t, err)
	assert.Len(t, view.Characters, 2)
	assert.Len(t, view.Factions, 1)
	require.Len(t, view.Relationships, 1)
	assert.Equal(t, "FRIEND", view.Relationships[0].Type)
	assert.Len(t, view.Memberships, 2)
	require.Len(t, view.Events, 1)
	assert.Equal(t, "Meeting", view.Events[0].Name)
}
