package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/storygraph/backend/internal/catalog"
	"github.com/storygraph/backend/internal/ingestion"
	"github.com/storygraph/backend/internal/middleware/validation"
	"github.com/storygraph/backend/internal/storage/models"
	"github.com/storygraph/backend/pkg/apperr"
	"github.com/storygraph/backend/pkg/logger"
)

// Ingestor runs article analysis and deletion.
type Ingestor interface {
	Analyze(ctx context.Context, req ingestion.AnalyzeRequest) (*ingestion.AnalyzeResult, error)
	DeleteArticle(ctx context.Context, id string) (*ingestion.DeleteResult, error)
}

type ArticleCatalog interface {
	ListWorks(ctx context.Context) ([]models.Work, error)
	ListArticles(ctx context.Context, workID string) ([]models.Article, error)
	GetArticle(ctx context.Context, id string) (*models.Article, error)
}

type ArticleViewer interface {
	ArticleView(ctx context.Context, articleID string) (*catalog.ArticleView, error)
}

type ArticleHandler struct {
	processor Ingestor
	catalog   ArticleCatalog
	graph     GraphReader
	views     ArticleViewer
}

func NewArticleHandler(processor Ingestor, catalog ArticleCatalog, graph GraphReader, views ArticleViewer) *ArticleHandler {
	return &ArticleHandler{
		processor: processor,
		catalog:   catalog,
		graph:     graph,
		views:     views,
	}
}

// WorkArticles groups a work's articles for the article list.
type WorkArticles struct {
	WorkID   string           `json:"work_id"`
	WorkName string           `json:"work_name"`
	Articles []models.Article `json:"articles"`
}

func (h *ArticleHandler) ListArticles(c *fiber.Ctx) error {
	ctx := c.UserContext()

	works, err := h.catalog.ListWorks(ctx)
	if err != nil {
		return fail(c, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list works"))
	}
	articles, err := h.catalog.ListArticles(ctx, "")
	if err != nil {
		return fail(c, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list articles"))
	}

	groups := make([]WorkArticles, 0, len(works))
	index := make(map[string]int, len(works))
	for _, w := range works {
		index[w.ID] = len(groups)
		groups = append(groups, WorkArticles{WorkID: w.ID, WorkName: w.Name, Articles: []models.Article{}})
	}
	for _, a := range articles {
		if i, found := index[a.WorkID]; found {
			groups[i].Articles = append(groups[i].Articles, a)
		}
	}
	return ok(c, groups)
}

func (h *ArticleHandler) GetArticle(c *fiber.Ctx) error {
	article, err := h.catalog.GetArticle(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, article)
}

func (h *ArticleHandler) ArticleGraph(c *fiber.Ctx) error {
	view, err := h.graph.ArticleGraph(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, view)
}

// ArticleAnalysis returns what the article contributed to both stores.
func (h *ArticleHandler) ArticleAnalysis(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")

	if _, err := h.catalog.GetArticle(ctx, id); err != nil {
		return fail(c, err)
	}
	view, err := h.views.ArticleView(ctx, id)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, view)
}

func (h *ArticleHandler) Analyze(c *fiber.Ctx) error {
	body, _ := c.Locals(validation.AnalyzeBodyKey).(*validation.AnalyzeBody)
	if body == nil {
		body = &validation.AnalyzeBody{}
		if err := c.BodyParser(body); err != nil {
			return invalid(c, "invalid request body")
		}
	}

	result, err := h.processor.Analyze(c.UserContext(), ingestion.AnalyzeRequest{
		Content: body.Content,
		Format:  body.Format,
	})
	if err != nil {
		return fail(c, err)
	}

	logger.Info("Article analyzed",
		zap.String("article_id", result.ArticleID),
		zap.String("work_id", result.WorkID),
		zap.Bool("graph_success", result.GraphSuccess),
	)
	return ok(c, result)
}

func (h *ArticleHandler) DeleteArticle(c *fiber.Ctx) error {
	result, err := h.processor.DeleteArticle(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, result)
}
