// Package reconcile repairs drift between the relational catalog and the
// graph: duplicate works, unnamed works and works present in only one store.
package reconcile

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storygraph/backend/internal/extraction"
	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/internal/kg/builder"
	"github.com/storygraph/backend/internal/metrics"
	"github.com/storygraph/backend/internal/storage/models"
	"github.com/storygraph/backend/pkg/apperr"
)

const scoreParallelism = 4

// Catalog is the relational side of reconciliation.
type Catalog interface {
	ListWorks(ctx context.Context) ([]models.Work, error)
	CountArticles(ctx context.Context, workID string) (int, error)
	ListArticles(ctx context.Context, workID string) ([]models.Article, error)
	GetAnalysis(ctx context.Context, articleID string) (*models.AnalysisRecord, error)
	RepointArticles(ctx context.Context, from, to string) (int64, error)
	DeleteWork(ctx context.Context, id string) error
	InsertWorkWithID(ctx context.Context, id, name string) (*models.Work, error)
	UpdateWorkName(ctx context.Context, id, name string) error
}

// Replayer re-applies a stored extraction under a new scope. The graph
// upsert builder implements it.
type Replayer interface {
	Upsert(ctx context.Context, scope builder.Scope, res *extraction.Result) (*builder.UpsertReport, error)
}

// Invalidator drops every cached graph view.
type Invalidator interface {
	InvalidateAll(ctx context.Context)
}

type Options struct {
	LockTTL time.Duration
}

type Service struct {
	catalog  Catalog
	graph    kg.Store
	replayer Replayer
	locker   Locker
	views    Invalidator
	lockTTL  time.Duration
	log      *zap.Logger
}

func NewService(catalog Catalog, graph kg.Store, replayer Replayer, locker Locker, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	return &Service{
		catalog:  catalog,
		graph:    graph,
		replayer: replayer,
		locker:   locker,
		lockTTL:  opts.LockTTL,
		log:      log.Named("reconcile"),
	}
}

func (s *Service) SetInvalidator(v Invalidator) {
	s.views = v
}

// WorkStats is the richness breakdown of one catalog work.
type WorkStats struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Articles      int    `json:"articles"`
	Characters    int    `json:"characters"`
	Factions      int    `json:"factions"`
	Relationships int    `json:"relationships"`
	Total         int    `json:"total"`
}

type CheckSummary struct {
	TotalWorks     int `json:"total_works"`
	DuplicateNames int `json:"duplicate_names"`
	EmptyNames     int `json:"empty_names"`
}

type CheckReport struct {
	AllWorks   []WorkStats            `json:"all_works"`
	Duplicates map[string][]WorkStats `json:"duplicates"`
	EmptyWorks []WorkStats            `json:"empty_works"`
	Summary    CheckSummary           `json:"summary"`
}

// CheckWorks reports the richness of every work and which names collide.
// It does not modify either store.
func (s *Service) CheckWorks(ctx context.Context) (*CheckReport, error) {
	works, err := s.catalog.ListWorks(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list works")
	}

	stats, err := s.score(ctx, works)
	if err != nil {
		return nil, err
	}

	report := &CheckReport{
		AllWorks:   stats,
		Duplicates: map[string][]WorkStats{},
		EmptyWorks: []WorkStats{},
	}
	byName := map[string][]WorkStats{}
	for _, st := range stats {
		if st.Name == "" {
			report.EmptyWorks = append(report.EmptyWorks, st)
			continue
		}
		byName[st.Name] = append(byName[st.Name], st)
	}
	for name, group := range byName {
		if len(group) > 1 {
			report.Duplicates[name] = group
		}
	}
	report.Summary = CheckSummary{
		TotalWorks:     len(stats),
		DuplicateNames: len(report.Duplicates),
		EmptyNames:     len(report.EmptyWorks),
	}
	return report, nil
}

// GroupResult describes how one duplicate name was resolved.
type GroupResult struct {
	Name       string    `json:"name"`
	KeptID     string    `json:"kept_id"`
	KeptScore  int       `json:"kept_data_count"`
	KeptDetail WorkStats `json:"kept_details"`
	DeletedIDs []string  `json:"deleted_ids"`
	Repointed  int64     `json:"repointed_articles"`
	Tie        bool      `json:"tie"`
}

type CleanReport struct {
	BeforeCount       int           `json:"before_count"`
	AfterCount        int           `json:"after_count"`
	CleanedWorks      []GroupResult `json:"cleaned_works"`
	EmptyWorksRemoved []string      `json:"empty_works_removed"`
}

// CleanDuplicates keeps the richest work of every duplicate name, moves the
// other works' articles onto it and deletes them, then deletes unnamed works.
// Equal scores keep the work listed first in catalog order.
func (s *Service) CleanDuplicates(ctx context.Context) (*CleanReport, error) {
	var report *CleanReport
	err := s.locked(ctx, "clean_duplicates", func(ctx context.Context) error {
		var err error
		report, err = s.cleanDuplicates(ctx)
		return err
	})
	return report, err
}

func (s *Service) cleanDuplicates(ctx context.Context) (*CleanReport, error) {
	works, err := s.catalog.ListWorks(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list works")
	}

	report := &CleanReport{
		BeforeCount:       len(works),
		CleanedWorks:      []GroupResult{},
		EmptyWorksRemoved: []string{},
	}

	var order []string
	groups := map[string][]models.Work{}
	var empty []models.Work
	for _, w := range works {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			empty = append(empty, w)
			continue
		}
		if _, seen := groups[name]; !seen {
			order = append(order, name)
		}
		groups[name] = append(groups[name], w)
	}

	for _, name := range order {
		group := groups[name]
		if len(group) < 2 {
			continue
		}

		result, err := s.resolveGroup(ctx, name, group)
		if err != nil {
			return nil, err
		}
		report.CleanedWorks = append(report.CleanedWorks, *result)
	}

	for _, w := range empty {
		s.dropGraphWork(ctx, w.ID)
		if err := s.catalog.DeleteWork(ctx, w.ID); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to delete unnamed work", apperr.FieldWorkID(w.ID))
		}
		metrics.WorksRemoved.WithLabelValues("empty_name").Inc()
		report.EmptyWorksRemoved = append(report.EmptyWorksRemoved, w.ID)
		s.log.Info("Removed unnamed work", zap.String("work_id", w.ID))
	}

	after, err := s.catalog.ListWorks(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list works")
	}
	report.AfterCount = len(after)

	s.log.Info("Duplicate cleanup finished",
		zap.Int("before", report.BeforeCount),
		zap.Int("after", report.AfterCount),
		zap.Int("groups", len(report.CleanedWorks)),
		zap.Int("empty_removed", len(report.EmptyWorksRemoved)),
	)
	return report, nil
}

func (s *Service) resolveGroup(ctx context.Context, name string, group []models.Work) (*GroupResult, error) {
	stats, err := s.score(ctx, group)
	if err != nil {
		return nil, err
	}

	best := 0
	for i := 1; i < len(stats); i++ {
		if stats[i].Total > stats[best].Total {
			best = i
		}
	}
	tied := 0
	for _, st := range stats {
		if st.Total == stats[best].Total {
			tied++
		}
	}

	winner := group[best]
	result := &GroupResult{
		Name:       name,
		KeptID:     winner.ID,
		KeptScore:  stats[best].Total,
		KeptDetail: stats[best],
		DeletedIDs: []string{},
		Tie:        tied > 1,
	}

	if result.Tie {
		s.log.Warn("Duplicate works tie on richness, keeping first in catalog order",
			zap.String("name", name),
			zap.String("work_id", winner.ID),
			zap.Int("score", result.KeptScore),
			zap.Int("tied", tied),
			zap.Error(apperr.New(apperr.CodeReconciliationConflict, "richness tie", apperr.Field("name", name))),
		)
	}

	for i, loser := range group {
		if i == best {
			continue
		}

		moved, err := s.catalog.RepointArticles(ctx, loser.ID, winner.ID)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to repoint articles", apperr.FieldWorkID(loser.ID))
		}
		s.rehomeGraph(ctx, loser.ID, winner)

		if err := s.catalog.DeleteWork(ctx, loser.ID); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to delete duplicate work", apperr.FieldWorkID(loser.ID))
		}
		metrics.WorksRemoved.WithLabelValues("duplicate").Inc()

		result.Repointed += moved
		result.DeletedIDs = append(result.DeletedIDs, loser.ID)
		s.log.Info("Merged duplicate work",
			zap.String("name", name),
			zap.String("work_id", loser.ID),
			zap.String("kept_work_id", winner.ID),
			zap.Int64("articles", moved),
			zap.Int("score", stats[i].Total),
		)
	}
	return result, nil
}

// rehomeGraph replays the stored analysis of every article the winner just
// received from loser, then removes loser's Work node and the nodes it owned.
// Graph failures are logged; the catalog change stands regardless.
func (s *Service) rehomeGraph(ctx context.Context, loserID string, winner models.Work) {
	if s.graph == nil {
		return
	}

	if s.replayer != nil {
		articles, err := s.catalog.ListArticles(ctx, winner.ID)
		if err != nil {
			s.log.Error("Failed to list articles for graph replay", zap.String("work_id", winner.ID), zap.Error(err))
		}
		for _, a := range articles {
			s.replay(ctx, a, winner, loserID)
		}
	}

	if err := s.graph.DeleteSubgraph(ctx, kg.WorkRef(loserID)); err != nil {
		s.log.Error("Failed to delete duplicate work from graph", zap.String("work_id", loserID), zap.Error(err))
	}
}

func (s *Service) replay(ctx context.Context, a models.Article, winner models.Work, loserID string) {
	log := s.log.With(zap.String("article_id", a.ID), zap.String("work_id", winner.ID))

	// Only articles whose graph node still points at the loser need a replay.
	rows, err := s.graph.Query(ctx, kg.Query{
		Pattern: kg.PatternArticleCharacters,
		Params:  map[string]any{"article_id": a.ID},
	})
	if err != nil {
		log.Error("Failed to read article graph", zap.Error(err))
		return
	}
	stale := len(rows) == 0
	for _, r := range rows {
		if r.String("work_id") == loserID {
			stale = true
			break
		}
	}
	if !stale {
		return
	}

	rec, err := s.catalog.GetAnalysis(ctx, a.ID)
	if err != nil {
		log.Warn("No stored analysis to replay", zap.Error(err))
		return
	}
	var res extraction.Result
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		log.Warn("Stored analysis does not decode", zap.Error(err))
		return
	}

	if _, err := s.replayer.Upsert(ctx, builder.Scope{
		WorkID:       winner.ID,
		WorkName:     winner.Name,
		ArticleID:    a.ID,
		ArticleTitle: a.Title,
	}, &res); err != nil {
		log.Error("Failed to replay article into kept work", zap.Error(err))
	}
}

func (s *Service) dropGraphWork(ctx context.Context, workID string) {
	if s.graph == nil {
		return
	}
	articles, err := s.catalog.ListArticles(ctx, workID)
	if err != nil {
		s.log.Error("Failed to list articles of unnamed work", zap.String("work_id", workID), zap.Error(err))
	}
	for _, a := range articles {
		if err := s.graph.DeleteSubgraph(ctx, kg.ArticleRef(a.ID)); err != nil {
			s.log.Error("Failed to delete article from graph", zap.String("article_id", a.ID), zap.Error(err))
		}
	}
	if err := s.graph.DeleteSubgraph(ctx, kg.WorkRef(workID)); err != nil {
		s.log.Error("Failed to delete work from graph", zap.String("work_id", workID), zap.Error(err))
	}
}

type SyncReport struct {
	GraphOnlyCount   int      `json:"graph_only_count"`
	CatalogOnlyCount int      `json:"catalog_only_count"`
	CommonCount      int      `json:"common_count"`
	RenamedCount     int      `json:"renamed_count"`
	GraphOnly        []string `json:"graph_only"`
	CatalogOnly      []string `json:"catalog_only"`
	Renamed          []string `json:"renamed"`
}

// SyncWorks makes both stores hold the same work ids. Names differing
// between the stores take the graph's value.
func (s *Service) SyncWorks(ctx context.Context) (*SyncReport, error) {
	var report *SyncReport
	err := s.locked(ctx, "sync_works", func(ctx context.Context) error {
		var err error
		report, err = s.syncWorks(ctx)
		return err
	})
	return report, err
}

func (s *Service) syncWorks(ctx context.Context) (*SyncReport, error) {
	if s.graph == nil {
		return nil, apperr.New(apperr.CodeStoreFailure, "graph store is not available")
	}

	rows, err := s.graph.Query(ctx, kg.Query{Pattern: kg.PatternWorks})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list graph works")
	}
	graphNames := make(map[string]string, len(rows))
	for _, r := range rows {
		id := r.String("id")
		if id == "" {
			continue
		}
		graphNames[id] = r.String("name")
	}

	works, err := s.catalog.ListWorks(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list works")
	}
	catalogNames := make(map[string]string, len(works))
	for _, w := range works {
		catalogNames[w.ID] = w.Name
	}

	report := &SyncReport{GraphOnly: []string{}, CatalogOnly: []string{}, Renamed: []string{}}

	for _, id := range sortedKeys(graphNames) {
		catalogName, ok := catalogNames[id]
		if !ok {
			if _, err := s.catalog.InsertWorkWithID(ctx, id, graphNames[id]); err != nil {
				return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to add graph work to catalog", apperr.FieldWorkID(id))
			}
			report.GraphOnly = append(report.GraphOnly, id)
			s.log.Info("Added graph work to catalog", zap.String("work_id", id), zap.String("name", graphNames[id]))
			continue
		}

		report.CommonCount++
		if catalogName != graphNames[id] {
			if err := s.catalog.UpdateWorkName(ctx, id, graphNames[id]); err != nil {
				return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to rename catalog work", apperr.FieldWorkID(id))
			}
			report.Renamed = append(report.Renamed, id)
			s.log.Info("Renamed catalog work",
				zap.String("work_id", id),
				zap.String("old_name", catalogName),
				zap.String("new_name", graphNames[id]),
			)
		}
	}

	for _, id := range sortedKeys(catalogNames) {
		if _, ok := graphNames[id]; ok {
			continue
		}
		if err := s.graph.MergeNode(ctx, kg.WorkRef(id), map[string]any{"name": catalogNames[id]}); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeGraphWriteFailed, "failed to add catalog work to graph", apperr.FieldWorkID(id))
		}
		report.CatalogOnly = append(report.CatalogOnly, id)
		s.log.Info("Added catalog work to graph", zap.String("work_id", id), zap.String("name", catalogNames[id]))
	}

	report.GraphOnlyCount = len(report.GraphOnly)
	report.CatalogOnlyCount = len(report.CatalogOnly)
	report.RenamedCount = len(report.Renamed)
	return report, nil
}

// score computes WorkStats for works concurrently, preserving input order.
func (s *Service) score(ctx context.Context, works []models.Work) ([]WorkStats, error) {
	stats := make([]WorkStats, len(works))

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(scoreParallelism)
	for i, w := range works {
		i, w := i, w
		eg.Go(func() error {
			st, err := s.workStats(gCtx, w)
			if err != nil {
				return err
			}
			stats[i] = st
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Service) workStats(ctx context.Context, w models.Work) (WorkStats, error) {
	st := WorkStats{ID: w.ID, Name: strings.TrimSpace(w.Name)}

	articles, err := s.catalog.CountArticles(ctx, w.ID)
	if err != nil {
		return st, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to count articles", apperr.FieldWorkID(w.ID))
	}
	st.Articles = articles

	if s.graph != nil {
		rows, err := s.graph.Query(ctx, kg.Query{
			Pattern: kg.PatternWorkCounts,
			Params:  map[string]any{"work_id": w.ID},
		})
		if err != nil {
			return st, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to count graph entities", apperr.FieldWorkID(w.ID))
		}
		if len(rows) > 0 {
			st.Characters = int(rows[0].Int("characters"))
			st.Factions = int(rows[0].Int("factions"))
			st.Relationships = int(rows[0].Int("relationships"))
		}
	}

	st.Total = st.Articles + st.Characters + st.Factions + st.Relationships
	return st, nil
}

func (s *Service) locked(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	release, ok, err := s.locker.Acquire(ctx, LockKey, s.lockTTL)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues(op, "error").Inc()
		return apperr.Wrap(err, apperr.CodeStoreFailure, "failed to acquire reconciliation lock")
	}
	if !ok {
		metrics.ReconcileRuns.WithLabelValues(op, "busy").Inc()
		return apperr.New(apperr.CodeLockBusy, "another reconciliation pass is running", apperr.Field("operation", op))
	}
	defer release(context.WithoutCancel(ctx))

	if err := fn(ctx); err != nil {
		metrics.ReconcileRuns.WithLabelValues(op, "error").Inc()
		return err
	}

	if s.views != nil {
		s.views.InvalidateAll(ctx)
	}
	metrics.ReconcileRuns.WithLabelValues(op, "success").Inc()
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
