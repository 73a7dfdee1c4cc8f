// Package ingestion turns submitted article text into catalog records and
// graph entities.
package ingestion

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storygraph/backend/internal/catalog"
	"github.com/storygraph/backend/internal/extraction"
	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/internal/kg/builder"
	"github.com/storygraph/backend/internal/llm"
	"github.com/storygraph/backend/internal/metrics"
	"github.com/storygraph/backend/internal/storage/models"
	"github.com/storygraph/backend/pkg/apperr"
	"github.com/storygraph/backend/pkg/retry"
)

const (
	FormatText = "text"
	FormatHTML = "html"

	// UnknownWork is used when the provider could not name the work.
	UnknownWork = "Unknown Work"
	// Untitled is used when the provider could not title the article.
	Untitled = "Untitled"
)

// Catalog is the relational store the processor writes articles through.
type Catalog interface {
	catalog.EventStore
	GetOrCreateWorkByName(ctx context.Context, name string) (*models.Work, bool, error)
	CreateArticle(ctx context.Context, article *models.Article) error
	GetArticle(ctx context.Context, id string) (*models.Article, error)
	DeleteArticle(ctx context.Context, id string) error
	CountArticles(ctx context.Context, workID string) (int, error)
	DeleteWork(ctx context.Context, id string) error
	SaveAnalysis(ctx context.Context, rec *models.AnalysisRecord) error
}

// ViewInvalidator drops cached graph views after a write.
type ViewInvalidator interface {
	InvalidateWork(ctx context.Context, workID string)
	InvalidateAll(ctx context.Context)
}

type Options struct {
	ChunkSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

type AnalyzeRequest struct {
	Content string `json:"content"`
	Format  string `json:"format"`
}

type AnalyzeResult struct {
	ArticleID    string                `json:"article_id"`
	WorkID       string                `json:"work_id"`
	WorkCreated  bool                  `json:"work_created"`
	Analysis     *extraction.Result    `json:"analysis"`
	GraphSuccess bool                  `json:"graph_success"`
	Report       *builder.UpsertReport `json:"report,omitempty"`
	Events       *catalog.SyncResult   `json:"events,omitempty"`
}

type DeleteResult struct {
	ArticleID   string `json:"article_id"`
	WorkID      string `json:"work_id"`
	WorkDeleted bool   `json:"work_deleted"`
}

type Processor struct {
	catalog    Catalog
	graph      kg.Store
	provider   llm.Provider
	mirror     *catalog.Mirror
	builder    *builder.Builder
	normalizer *extraction.Normalizer
	views      ViewInvalidator
	opts       Options
	log        *zap.Logger
}

// NewProcessor wires the pipeline. graph may be nil when no graph store is
// reachable; articles are then stored in the catalog only.
func NewProcessor(store Catalog, graph kg.Store, provider llm.Provider, opts Options, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = extraction.DefaultChunkSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}

	mirror := catalog.NewMirror(store, graph, log)
	p := &Processor{
		catalog:    store,
		graph:      graph,
		provider:   provider,
		mirror:     mirror,
		normalizer: extraction.NewNormalizer(log),
		opts:       opts,
		log:        log.Named("ingestion"),
	}
	if graph != nil {
		p.builder = builder.NewBuilder(graph, mirror, log)
	}
	return p
}

// SetInvalidator registers the view cache to clear after writes.
func (p *Processor) SetInvalidator(v ViewInvalidator) {
	p.views = v
}

func (p *Processor) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	start := time.Now()
	result, err := p.analyze(ctx, req)
	metrics.IngestionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		status := string(apperr.CodeOf(err))
		if status == "" {
			status = "error"
		}
		metrics.IngestionTotal.WithLabelValues(status).Inc()
		return nil, err
	}
	metrics.IngestionTotal.WithLabelValues("success").Inc()
	return result, nil
}

func (p *Processor) analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	content := strings.TrimSpace(req.Content)
	var htmlTitle string
	if req.Format == FormatHTML {
		htmlTitle = extractTitle(content)
		content = cleanHTML(content)
	}
	if content == "" {
		return nil, apperr.New(apperr.CodeRequestInvalid, "content is empty")
	}

	chunks := extraction.ChunkText(content, p.opts.ChunkSize)
	p.log.Info("Analyzing article", zap.Int("runes", len([]rune(content))), zap.Int("chunks", len(chunks)))

	raws := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		raw, err := p.analyzeChunk(ctx, i, chunk)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeProviderUnavailable, "content analysis failed",
				apperr.Field("chunk", i))
		}
		raws = append(raws, raw)
	}

	result, err := p.normalizer.Normalize(raws)
	if err != nil {
		return nil, err
	}

	workName := strings.TrimSpace(result.WorkName)
	if workName == "" {
		workName = UnknownWork
	}
	title := strings.TrimSpace(result.Title)
	if title == "" {
		title = htmlTitle
	}
	if title == "" {
		title = Untitled
	}

	work, created, err := p.catalog.GetOrCreateWorkByName(ctx, workName)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to resolve work", apperr.Field("work_name", workName))
	}

	article := &models.Article{WorkID: work.ID, Title: title, Content: content}
	if err := p.catalog.CreateArticle(ctx, article); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to store article", apperr.FieldWorkID(work.ID))
	}

	log := p.log.With(zap.String("work_id", work.ID), zap.String("article_id", article.ID))

	if encoded, err := json.Marshal(result); err == nil {
		if err := p.catalog.SaveAnalysis(ctx, &models.AnalysisRecord{ArticleID: article.ID, Result: encoded}); err != nil {
			log.Warn("Failed to store analysis record", zap.Error(err))
		}
	}

	out := &AnalyzeResult{
		ArticleID:   article.ID,
		WorkID:      work.ID,
		WorkCreated: created,
		Analysis:    result,
	}

	if p.builder != nil {
		report, err := p.builder.Upsert(ctx, builder.Scope{
			WorkID:       work.ID,
			WorkName:     work.Name,
			ArticleID:    article.ID,
			ArticleTitle: title,
		}, result)
		out.Report = report
		if err != nil {
			log.Error("Graph write failed", zap.Error(err))
		} else {
			out.GraphSuccess = true
			recordReport(report)
		}
	} else {
		log.Warn("Graph store unavailable, storing article in catalog only")
	}

	if !out.GraphSuccess {
		synced := p.mirror.SyncEvents(ctx, work.ID, article.ID, result.Events)
		out.Events = &synced
	}

	// Every cached view lists the works, so a new work stales all of them.
	p.invalidate(ctx, work.ID, created)

	log.Info("Article analyzed",
		zap.String("work_name", work.Name),
		zap.Bool("graph_success", out.GraphSuccess),
	)
	return out, nil
}

func (p *Processor) analyzeChunk(ctx context.Context, index int, chunk string) (string, error) {
	cfg := retry.Fixed(p.opts.MaxAttempts, p.opts.RetryDelay)
	cfg.Logger = p.log
	cfg.OnRetry = func(attempt int, err error) {
		metrics.ProviderRetries.Inc()
		p.log.Warn("Content analysis failed",
			zap.Int("chunk", index),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	metrics.ChunksAnalyzed.Inc()
	return retry.DoWithResult(ctx, cfg, func() (string, error) {
		return p.provider.Analyze(ctx, chunk)
	})
}

// DeleteArticle removes the article from both stores, and its work too when
// no other article remains. Graph failures are logged; the catalog decides
// the outcome.
func (p *Processor) DeleteArticle(ctx context.Context, id string) (*DeleteResult, error) {
	article, err := p.catalog.GetArticle(ctx, id)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, err
		}
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to load article", apperr.FieldArticleID(id))
	}

	log := p.log.With(zap.String("work_id", article.WorkID), zap.String("article_id", id))

	if p.graph != nil {
		if err := p.graph.DeleteSubgraph(ctx, kg.ArticleRef(id)); err != nil {
			log.Error("Failed to delete article from graph", zap.Error(err))
		}
	}

	if err := p.catalog.DeleteArticle(ctx, id); err != nil {
		if apperr.IsNotFound(err) {
			return nil, err
		}
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to delete article", apperr.FieldArticleID(id))
	}

	out := &DeleteResult{ArticleID: id, WorkID: article.WorkID}

	remaining, err := p.catalog.CountArticles(ctx, article.WorkID)
	if err != nil {
		log.Error("Failed to count remaining articles", zap.Error(err))
	} else if remaining == 0 {
		if err := p.catalog.DeleteWork(ctx, article.WorkID); err != nil {
			log.Error("Failed to delete empty work", zap.Error(err))
		} else {
			out.WorkDeleted = true
		}
		if p.graph != nil {
			if err := p.graph.DeleteSubgraph(ctx, kg.WorkRef(article.WorkID)); err != nil {
				log.Error("Failed to delete work from graph", zap.Error(err))
			}
		}
	}

	p.invalidate(ctx, article.WorkID, out.WorkDeleted)

	log.Info("Article deleted", zap.Bool("work_deleted", out.WorkDeleted))
	return out, nil
}

func (p *Processor) invalidate(ctx context.Context, workID string, worksChanged bool) {
	if p.views == nil {
		return
	}
	if worksChanged {
		p.views.InvalidateAll(ctx)
		return
	}
	p.views.InvalidateWork(ctx, workID)
}

func recordReport(r *builder.UpsertReport) {
	metrics.GraphWrites.WithLabelValues("faction").Add(float64(r.Factions))
	metrics.GraphWrites.WithLabelValues("character").Add(float64(r.Characters))
	metrics.GraphWrites.WithLabelValues("membership").Add(float64(r.Memberships))
	metrics.GraphWrites.WithLabelValues("relationship").Add(float64(r.Relationships))
	metrics.GraphWrites.WithLabelValues("event").Add(float64(r.Events))
	metrics.GraphWriteFailures.Add(float64(r.Failed))
	metrics.EntitiesSkipped.Add(float64(r.Skipped))
}
