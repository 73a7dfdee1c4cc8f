package graphview

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/storygraph/backend/internal/catalog"
	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/internal/metrics"
	"github.com/storygraph/backend/internal/storage/models"
	"github.com/storygraph/backend/pkg/apperr"
	"github.com/storygraph/backend/pkg/utils"
)

const cacheType = "graph_view"

// Catalog is the slice of the relational catalog the composer reads.
type Catalog interface {
	ListWorks(ctx context.Context) ([]models.Work, error)
	GetWork(ctx context.Context, id string) (*models.Work, error)
	GetArticle(ctx context.Context, id string) (*models.Article, error)
}

// ArticleSource reads article contributions and events across both stores.
type ArticleSource interface {
	ArticleView(ctx context.Context, articleID string) (*catalog.ArticleView, error)
	WorkEvents(ctx context.Context, workID string) ([]models.Event, error)
}

// ViewCache stores composed views as JSON. Keys are namespaced by the
// implementation.
type ViewCache interface {
	GetView(ctx context.Context, key string, dst any) (bool, error)
	SetView(ctx context.Context, key string, view any, ttl time.Duration) error
	DeleteViews(ctx context.Context, prefix string) error
}

type Options struct {
	CacheTTL time.Duration
}

// WorkGraphOptions controls what a work view carries.
type WorkGraphOptions struct {
	IncludeEvents bool
}

// Composer builds graph views. It never writes to either store.
type Composer struct {
	catalog Catalog
	graph   kg.Store
	source  ArticleSource
	cache   ViewCache
	opts    Options
	group   singleflight.Group
	log     *zap.Logger
}

// NewComposer builds a Composer. graph may be nil when no graph backend is
// reachable; graph reads then fail with a store error.
func NewComposer(cat Catalog, graph kg.Store, source ArticleSource, opts Options, log *zap.Logger) *Composer {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	return &Composer{
		catalog: cat,
		graph:   graph,
		source:  source,
		opts:    opts,
		log:     log.Named("graphview"),
	}
}

// SetCache enables the view cache.
func (c *Composer) SetCache(cache ViewCache) {
	c.cache = cache
}

// WorkGraph composes the view of one work, or of every work when workID is
// empty. In the global view node ids are "<work_id>/<name>".
func (c *Composer) WorkGraph(ctx context.Context, workID string, opts WorkGraphOptions) (*GraphView, error) {
	key := workKey(workID, opts.IncludeEvents)

	var cached GraphView
	if c.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		view, err := c.buildWorkGraph(ctx, workID, opts)
		if err != nil {
			return nil, err
		}
		c.cacheSet(ctx, key, view)
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*GraphView), nil
}

func (c *Composer) buildWorkGraph(ctx context.Context, workID string, opts WorkGraphOptions) (*GraphView, error) {
	if c.graph == nil {
		return nil, apperr.New(apperr.CodeStoreFailure, "graph store unavailable")
	}

	view := &GraphView{}
	if workID != "" {
		work, err := c.catalog.GetWork(ctx, workID)
		if err != nil {
			if apperr.IsNotFound(err) {
				return nil, err
			}
			return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to load work", apperr.FieldWorkID(workID))
		}
		view.CurrentWork = &WorkRef{ID: work.ID, Name: work.Name}
	}

	works, err := c.catalog.ListWorks(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list works")
	}
	view.Works = make([]WorkRef, 0, len(works))
	for _, w := range works {
		view.Works = append(view.Works, WorkRef{ID: w.ID, Name: w.Name})
	}

	params := map[string]any{"work_id": workID}
	asm := newAssembler(workID == "")

	rows, err := c.query(ctx, kg.PatternWorkCharacters, params)
	if err != nil {
		return nil, err
	}
	asm.addCharacters(kg.CharactersFromRows(rows))

	if rows, err = c.query(ctx, kg.PatternWorkFactions, params); err != nil {
		return nil, err
	}
	asm.addFactions(kg.FactionsFromRows(rows))

	if rows, err = c.query(ctx, kg.PatternWorkRelationships, params); err != nil {
		return nil, err
	}
	asm.addRelationships(kg.EdgesFromRows(rows))

	if rows, err = c.query(ctx, kg.PatternWorkMemberships, params); err != nil {
		return nil, err
	}
	asm.addMemberships(kg.EdgesFromRows(rows))

	events, err := c.source.WorkEvents(ctx, workID)
	if err != nil {
		return nil, err
	}
	if opts.IncludeEvents {
		asm.addEvents(events)
	}
	view.Events = events
	view.Nodes, view.Links = asm.result()

	c.log.Debug("Work graph composed",
		zap.String("work_id", workID),
		zap.Int("nodes", len(view.Nodes)),
		zap.Int("links", len(view.Links)),
		zap.Int("events", len(view.Events)),
	)
	return view, nil
}

// ArticleGraph composes the view of what one article contributed.
func (c *Composer) ArticleGraph(ctx context.Context, articleID string) (*ArticleGraph, error) {
	article, err := c.catalog.GetArticle(ctx, articleID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, err
		}
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to load article", apperr.FieldArticleID(articleID))
	}
	if c.graph == nil {
		return nil, apperr.New(apperr.CodeStoreFailure, "graph store unavailable")
	}

	v, err, _ := c.group.Do("article:"+articleID, func() (any, error) {
		return c.source.ArticleView(ctx, articleID)
	})
	if err != nil {
		return nil, err
	}
	av := v.(*catalog.ArticleView)

	asm := newAssembler(false)
	asm.addCharacters(av.Characters)
	asm.addFactions(av.Factions)
	asm.addRelationships(av.Relationships)
	asm.addMemberships(av.Memberships)

	out := &ArticleGraph{
		ArticleID: article.ID,
		Title:     article.Title,
		WorkID:    article.WorkID,
		Events:    av.Events,
	}
	out.Nodes, out.Links = asm.result()
	return out, nil
}

// NodeDetail returns a character or faction with every edge touching it.
// label is matched case-insensitively.
func (c *Composer) NodeDetail(ctx context.Context, workID, label, name string) (*NodeDetail, error) {
	kgLabel, ok := nodeLabel(label)
	if !ok || strings.TrimSpace(workID) == "" || strings.TrimSpace(name) == "" {
		return nil, apperr.New(apperr.CodeRequestInvalid, "work_id, name and a character or faction label are required",
			apperr.Field("label", label))
	}
	if c.graph == nil {
		return nil, apperr.New(apperr.CodeStoreFailure, "graph store unavailable")
	}

	rows, err := c.query(ctx, kg.PatternNodeDetail, map[string]any{
		"work_id": workID,
		"label":   kgLabel,
		"name":    name,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.CodeEntityNotFound, fmt.Sprintf("%s %q not found", strings.ToLower(kgLabel), name),
			apperr.FieldWorkID(workID))
	}

	detail := &NodeDetail{
		WorkID:        workID,
		Label:         kgLabel,
		Name:          name,
		Properties:    rows[0].Map("properties"),
		Relationships: []Relation{},
	}
	for _, r := range rows {
		relType := r.String("rel_type")
		if relType == "" {
			continue
		}
		detail.Relationships = append(detail.Relationships, Relation{
			Type:      relType,
			Label:     DisplayLabel(relType),
			Direction: r.String("direction"),
			Name:      r.String("other_name"),
			NodeLabel: r.String("other_label"),
		})
	}
	return detail, nil
}

// Characters searches characters by name substring, within one work or
// across all of them.
func (c *Composer) Characters(ctx context.Context, workID, name string) ([]CharacterHit, error) {
	if c.graph == nil {
		return nil, apperr.New(apperr.CodeStoreFailure, "graph store unavailable")
	}

	name = strings.TrimSpace(name)
	key := charactersKey(workID, name)

	var cached []CharacterHit
	if c.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		hits, err := c.searchCharacters(ctx, workID, name)
		if err != nil {
			return nil, err
		}
		c.cacheSet(ctx, key, hits)
		return hits, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]CharacterHit), nil
}

func (c *Composer) searchCharacters(ctx context.Context, workID, name string) ([]CharacterHit, error) {
	rows, err := c.query(ctx, kg.PatternCharacterSearch, map[string]any{
		"work_id": workID,
		"name":    name,
	})
	if err != nil {
		return nil, err
	}

	works, err := c.catalog.ListWorks(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list works")
	}
	names := make(map[string]string, len(works))
	for _, w := range works {
		names[w.ID] = w.Name
	}

	chars := kg.CharactersFromRows(rows)
	hits := make([]CharacterHit, 0, len(chars))
	for _, ch := range chars {
		hits = append(hits, CharacterHit{CharacterNode: ch, WorkName: names[ch.WorkID]})
	}
	return hits, nil
}

// InvalidateWork drops the cached views of workID and the global view.
func (c *Composer) InvalidateWork(ctx context.Context, workID string) {
	c.invalidate(ctx, "work:"+workID+":")
	c.invalidate(ctx, "global:")
}

// InvalidateAll drops every cached view.
func (c *Composer) InvalidateAll(ctx context.Context) {
	c.invalidate(ctx, "")
}

func (c *Composer) invalidate(ctx context.Context, prefix string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.DeleteViews(ctx, prefix); err != nil {
		c.log.Warn("Failed to invalidate view cache", zap.String("prefix", prefix), zap.Error(err))
	}
}

func (c *Composer) cacheGet(ctx context.Context, key string, dst any) bool {
	if c.cache == nil {
		return false
	}
	hit, err := c.cache.GetView(ctx, key, dst)
	if err != nil {
		c.log.Warn("View cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if hit {
		metrics.CacheHits.WithLabelValues(cacheType).Inc()
	} else {
		metrics.CacheMisses.WithLabelValues(cacheType).Inc()
	}
	return hit
}

func (c *Composer) cacheSet(ctx context.Context, key string, view any) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetView(ctx, key, view, c.opts.CacheTTL); err != nil {
		c.log.Warn("View cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Composer) query(ctx context.Context, p kg.Pattern, params map[string]any) ([]kg.Row, error) {
	rows, err := c.graph.Query(ctx, kg.Query{Pattern: p, Params: params})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "graph query failed", apperr.Field("pattern", string(p)))
	}
	return rows, nil
}

func workKey(workID string, events bool) string {
	if workID == "" {
		return fmt.Sprintf("global:events=%t", events)
	}
	return fmt.Sprintf("work:%s:events=%t", workID, events)
}

// charactersKey hashes the free-form filter so keys stay bounded.
func charactersKey(workID, name string) string {
	if workID == "" {
		return "global:characters:" + utils.HashString(name)
	}
	return "work:" + workID + ":characters:" + utils.HashString(name)
}

func nodeLabel(label string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "character":
		return kg.LabelCharacter, true
	case "faction":
		return kg.LabelFaction, true
	default:
		return "", false
	}
}
