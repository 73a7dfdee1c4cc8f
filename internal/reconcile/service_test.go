package reconcile

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storygraph/backend/internal/catalog"
	"github.com/storygraph/backend/internal/extraction"
	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/internal/kg/builder"
	"github.com/storygraph/backend/internal/kg/memory"
	"github.com/storygraph/backend/internal/storage/models"
	"github.com/storygraph/backend/internal/storage/sqlite"
	"github.com/storygraph/backend/pkg/apperr"
)

type fixture struct {
	db      *sqlite.Client
	graph   *memory.Store
	builder *builder.Builder
	svc     *Service
	base    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema(ctx))

	graph := memory.NewStore(log)
	b := builder.NewBuilder(graph, catalog.NewMirror(db, graph, log), log)

	return &fixture{
		db:      db,
		graph:   graph,
		builder: b,
		svc:     NewService(db, graph, b, NewLocalLocker(), Options{}, log),
		base:    time.Unix(1700000000, 0),
	}
}

// addWork inserts a work created offset seconds after the fixture base.
func (f *fixture) addWork(t *testing.T, id, name string, offset int) {
	t.Helper()
	require.NoError(t, f.db.CreateWork(context.Background(), &models.Work{
		ID: id, Name: name, CreatedAt: f.base.Add(time.Duration(offset) * time.Second),
	}))
	require.NoError(t, f.graph.MergeNode(context.Background(), kg.WorkRef(id), map[string]any{"name": name}))
}

// addArticle stores an article with its analysis and applies it to the graph.
func (f *fixture) addArticle(t *testing.T, workID, articleID string, res *extraction.Result) {
	t.Helper()
	ctx := context.Background()
	work, err := f.db.GetWork(ctx, workID)
	require.NoError(t, err)

	require.NoError(t, f.db.CreateArticle(ctx, &models.Article{ID: articleID, WorkID: workID, Title: articleID}))
	encoded, err := json.Marshal(res)
	require.NoError(t, err)
	require.NoError(t, f.db.SaveAnalysis(ctx, &models.AnalysisRecord{ArticleID: articleID, Result: encoded}))

	_, err = f.builder.Upsert(ctx, builder.Scope{
		WorkID: workID, WorkName: work.Name, ArticleID: articleID, ArticleTitle: articleID,
	}, res)
	require.NoError(t, err)
}

func (f *fixture) workIDs(t *testing.T) []string {
	t.Helper()
	works, err := f.db.ListWorks(context.Background())
	require.NoError(t, err)
	ids := []string{}
	for _, w := range works {
		ids = append(ids, w.ID)
	}
	return ids
}

func pair() *extraction.Result {
	return &extraction.Result{
		Characters:    []extraction.Character{{Name: "X"}, {Name: "Y"}},
		Relationships: []extraction.Relationship{{Source: "X", Target: "Y", Type: "friend"}},
	}
}

func TestCleanDuplicatesKeepsRichest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.addWork(t, "w-old", "Journey", 0)
	f.addWork(t, "w-new", " Journey ", 1)
	f.addArticle(t, "w-old", "a-old", &extraction.Result{Characters: []extraction.Character{{Name: "Z"}}})
	f.addArticle(t, "w-new", "a-new", pair())

	report, err := f.svc.CleanDuplicates(ctx)
	require.NoError(t, err)
	require.Len(t, report.CleanedWorks, 1)

	group := report.CleanedWorks[0]
	assert.Equal(t, "w-new", group.KeptID)
	// 1 article + 2 characters + 1 relationship.
	assert.Equal(t, 4, group.KeptScore)
	assert.Equal(t, []string{"w-old"}, group.DeletedIDs)
	assert.False(t, group.Tie)
	assert.Equal(t, 2, report.BeforeCount)
	assert.Equal(t, 1, report.AfterCount)

	moved, err := f.db.GetArticle(ctx, "a-old")
	require.NoError(t, err)
	assert.Equal(t, "w-new", moved.WorkID)

	// The moved article's graph contribution now lives under the kept work.
	chars, err := f.graph.Query(ctx, kg.Query{Pattern: kg.PatternWorkCharacters, Params: map[string]any{"work_id": "w-new"}})
	require.NoError(t, err)
	names := []string{}
	for _, c := range kg.CharactersFromRows(chars) {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"X", "Y", "Z"}, names)

	works, err := f.graph.Query(ctx, kg.Query{Pattern: kg.PatternWorks})
	require.NoError(t, err)
	require.Len(t, works, 1)
	assert.Equal(t, "w-new", works[0].String("id"))
}

func TestCleanDuplicatesTieKeepsFirstAndIsStable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.addWork(t, "w-b", "Journey", 0)
	f.addWork(t, "w-a", "Journey", 0)
	f.addWork(t, "w-c", "Journey", 5)
	f.addArticle(t, "w-c", "a-c", &extraction.Result{})

	// w-a and w-b share created_at, so w-a comes first by id. w-c has one
	// article, the others none: w-c must win.
	report, err := f.svc.CleanDuplicates(ctx)
	require.NoError(t, err)
	require.Len(t, report.CleanedWorks, 1)
	assert.Equal(t, "w-c", report.CleanedWorks[0].KeptID)
	assert.Equal(t, []string{"w-a", "w-b"}, report.CleanedWorks[0].DeletedIDs)

	f2 := newFixture(t)
	f2.addWork(t, "w-b", "Journey", 0)
	f2.addWork(t, "w-a", "Journey", 0)
	f2.addArticle(t, "w-a", "a1", &extraction.Result{})
	f2.addArticle(t, "w-b", "a2", &extraction.Result{})

	report, err = f2.svc.CleanDuplicates(ctx)
	require.NoError(t, err)
	require.Len(t, report.CleanedWorks, 1)
	assert.True(t, report.CleanedWorks[0].Tie)
	assert.Equal(t, "w-a", report.CleanedWorks[0].KeptID)

	for _, id := range []string{"a1", "a2"} {
		a, err := f2.db.GetArticle(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "w-a", a.WorkID)
	}

	// A second pass finds nothing left to do.
	report, err = f2.svc.CleanDuplicates(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.CleanedWorks)
	assert.Equal(t, []string{"w-a"}, f2.workIDs(t))
}

func TestCleanDuplicatesRemovesUnnamedWorks(t *testing.T) {
	f := newFixture(t)
	f.addWork(t, "w1", "Journey", 0)
	f.addWork(t, "w2", "  ", 1)
	f.addWork(t, "w3", "", 2)

	report, err := f.svc.CleanDuplicates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"w2", "w3"}, report.EmptyWorksRemoved)
	assert.Equal(t, []string{"w1"}, f.workIDs(t))
}

func TestCleanDuplicatesRespectsLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	locker := NewLocalLocker()
	f.svc = NewService(f.db, f.graph, f.builder, locker, Options{}, nil)

	release, ok, err := locker.Acquire(ctx, LockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.CleanDuplicates(ctx)
	assert.True(t, apperr.HasCode(err, apperr.CodeLockBusy))
	_, err = f.svc.SyncWorks(ctx)
	assert.True(t, apperr.HasCode(err, apperr.CodeLockBusy))

	release(ctx)
	_, err = f.svc.CleanDuplicates(ctx)
	assert.NoError(t, err)
}

func TestSyncWorksIsSymmetricAndIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.graph.MergeNode(ctx, kg.WorkRef("g-only"), map[string]any{"name": "Graph Work"}))
	require.NoError(t, f.db.CreateWork(ctx, &models.Work{ID: "c-only", Name: "Catalog Work"}))
	f.addWork(t, "shared", "Old Name", 0)
	require.NoError(t, f.graph.MergeNode(ctx, kg.WorkRef("shared"), map[string]any{"name": "New Name"}))

	report, err := f.svc.SyncWorks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g-only"}, report.GraphOnly)
	assert.Equal(t, []string{"c-only"}, report.CatalogOnly)
	assert.Equal(t, []string{"shared"}, report.Renamed)
	assert.Equal(t, 1, report.CommonCount)

	works, err := f.db.ListWorks(ctx)
	require.NoError(t, err)
	catalogNames := map[string]string{}
	for _, w := range works {
		catalogNames[w.ID] = w.Name
	}
	rows, err := f.graph.Query(ctx, kg.Query{Pattern: kg.PatternWorks})
	require.NoError(t, err)
	graphNames := map[string]string{}
	for _, r := range rows {
		graphNames[r.String("id")] = r.String("name")
	}
	assert.Equal(t, graphNames, catalogNames)
	assert.Equal(t, "New Name", catalogNames["shared"])

	again, err := f.svc.SyncWorks(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.GraphOnlyCount)
	assert.Zero(t, again.CatalogOnlyCount)
	assert.Zero(t, again.RenamedCount)
	assert.Equal(t, 3, again.CommonCount)
}

func TestSyncWorksKeepsUnnamedWorks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.graph.MergeNode(ctx, kg.WorkRef("g-empty"), map[string]any{"name": ""}))
	require.NoError(t, f.db.CreateWork(ctx, &models.Work{ID: "c-empty", Name: ""}))
	require.NoError(t, f.db.CreateWork(ctx, &models.Work{ID: "shared", Name: "Catalog Name"}))
	require.NoError(t, f.graph.MergeNode(ctx, kg.WorkRef("shared"), map[string]any{"name": ""}))

	first, err := f.svc.SyncWorks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g-empty"}, first.GraphOnly)
	assert.Equal(t, []string{"c-empty"}, first.CatalogOnly)
	assert.Equal(t, []string{"shared"}, first.Renamed)

	rows, err := f.graph.Query(ctx, kg.Query{Pattern: kg.PatternWorks})
	require.NoError(t, err)
	graphIDs := []string{}
	for _, r := range rows {
		graphIDs = append(graphIDs, r.String("id"))
	}
	assert.ElementsMatch(t, graphIDs, f.workIDs(t))

	shared, err := f.db.GetWork(ctx, "shared")
	require.NoError(t, err)
	assert.Empty(t, shared.Name)

	second, err := f.svc.SyncWorks(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.GraphOnlyCount)
	assert.Zero(t, second.CatalogOnlyCount)
	assert.Zero(t, second.RenamedCount)
	assert.Equal(t, 3, second.CommonCount)
}

func TestCheckWorks(t *testing.T) {
	f := newFixture(t)
	f.addWork(t, "w1", "Journey", 0)
	f.addWork(t, "w2", "Journey", 1)
	f.addWork(t, "w3", "", 2)
	f.addArticle(t, "w1", "a1", pair())

	report, err := f.svc.CheckWorks(context.Background())
	require.NoError(t, err)
	require.Len(t, report.AllWorks, 3)
	assert.Equal(t, WorkStats{ID: "w1", Name: "Journey", Articles: 1, Characters: 2, Relationships: 1, Total: 4}, report.AllWorks[0])
	assert.Len(t, report.Duplicates["Journey"], 2)
	assert.Len(t, report.EmptyWorks, 1)
	assert.Equal(t, CheckSummary{TotalWorks: 3, DuplicateNames: 1, EmptyNames: 1}, report.Summary)

	// Read-only.
	assert.Equal(t, []string{"w1", "w2", "w3"}, f.workIDs(t))
}

func TestLocalLockerExpires(t *testing.T) {
	l := NewLocalLocker()
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	_, ok, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.Acquire(context.Background(), "k", time.Second)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = l.Acquire(context.Background(), "k", time.Second)
	assert.True(t, ok)
}

func TestSortedKeys(t *testing.T) {
	keys := sortedKeys(map[string]string{"b": "", "a": "", "c": ""})
	assert.True(t, sort.StringsAreSorted(keys))
}
