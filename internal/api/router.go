// Package api assembles the HTTP read API.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/storygraph/backend/internal/api/handlers"
	"github.com/storygraph/backend/internal/metrics"
	"github.com/storygraph/backend/internal/middleware/ratelimit"
	"github.com/storygraph/backend/internal/middleware/security"
	"github.com/storygraph/backend/internal/middleware/validation"
)

type Config struct {
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	BodyLimit          int
	RateLimitPerMinute int
	MaxContentSize     int
	AllowedOrigins     []string
	Development        bool
	// AccessLog enables the per-request log line.
	AccessLog bool
}

type Handlers struct {
	Works       *handlers.WorkHandler
	Articles    *handlers.ArticleHandler
	Maintenance *handlers.MaintenanceHandler
	Health      *handlers.HealthHandler
}

// NewApp builds the fiber app with every route registered. The returned
// stop func releases the rate limiter.
func NewApp(cfg Config, h Handlers, log *zap.Logger) (*fiber.App, func()) {
	if log == nil {
		log = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          handlers.ErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if cfg.AccessLog {
		app.Use(fiberlogger.New())
	}
	origins := "*"
	if len(cfg.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		IsDevelopment:  cfg.Development,
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimitPerMinute,
		Logger:               log.Named("ratelimit"),
	})
	validate := validation.Config{
		MaxContentSize: cfg.MaxContentSize,
		Logger:         log.Named("validation"),
	}

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1", validation.QueryMiddleware(validate))

	api.Get("/health", h.Health.Health)
	api.Get("/ready", h.Health.Ready)

	api.Get("/works", h.Works.ListWorks)
	api.Get("/works/:id/graph", h.Works.WorkGraph)
	api.Get("/graph", h.Works.GlobalGraph)
	api.Get("/nodes/detail", h.Works.NodeDetail)
	api.Get("/characters", h.Works.Characters)
	api.Get("/events", h.Works.Events)
	api.Get("/events/:work_id", h.Works.Events)

	api.Get("/articles", h.Articles.ListArticles)
	api.Post("/articles/analyze", limiter.Middleware(), validation.AnalyzeMiddleware(validate), h.Articles.Analyze)
	api.Get("/articles/:id", h.Articles.GetArticle)
	api.Get("/articles/:id/graph", h.Articles.ArticleGraph)
	api.Get("/articles/:id/analysis", h.Articles.ArticleAnalysis)
	api.Delete("/articles/:id", h.Articles.DeleteArticle)

	api.Get("/maintenance/check-work-data", h.Maintenance.CheckWorks)
	api.Post("/maintenance/clean-duplicate-works", h.Maintenance.CleanDuplicates)
	api.Post("/maintenance/sync-works", h.Maintenance.SyncWorks)

	return app, limiter.Stop
}
