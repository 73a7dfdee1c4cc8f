package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/storygraph/backend/internal/cache/redis"
	"github.com/storygraph/backend/internal/catalog"
	"github.com/storygraph/backend/internal/graphview"
	"github.com/storygraph/backend/internal/ingestion"
	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/internal/kg/builder"
	"github.com/storygraph/backend/internal/kg/memory"
	"github.com/storygraph/backend/internal/kg/neo4j"
	"github.com/storygraph/backend/internal/llm"
	"github.com/storygraph/backend/internal/reconcile"
	"github.com/storygraph/backend/internal/storage/sqlite"
	"github.com/storygraph/backend/pkg/config"
	"github.com/storygraph/backend/pkg/logger"
)

// services holds every wired component. graph is nil when the graph backend
// could not be reached and requireGraph was false.
type services struct {
	cfg        *config.Config
	db         *sqlite.Client
	graph      kg.Store
	neo4j      *neo4j.Client
	redis      *redis.Client
	mirror     *catalog.Mirror
	composer   *graphview.Composer
	processor  *ingestion.Processor
	reconciler *reconcile.Service
}

func wire(ctx context.Context, cfg *config.Config, requireGraph bool) (*services, error) {
	log := logger.GetLogger()
	s := &services{cfg: cfg}

	if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	s.db = db
	if err := db.InitSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}

	switch cfg.Graph.Backend {
	case "memory":
		s.graph = memory.NewStore(log)
	default:
		client, err := neo4j.NewClient(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			if requireGraph {
				s.Close()
				return nil, err
			}
			logger.Warn("Graph store unavailable, articles will be stored in the catalog only", zap.Error(err))
			break
		}
		client.EnsureSchema(ctx)
		s.neo4j = client
		s.graph = client
	}

	var locker reconcile.Locker = reconcile.NewLocalLocker()
	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Redis unavailable, using in-process lock and no view cache", zap.Error(err))
		} else {
			s.redis = rc
			locker = rc
		}
	}

	s.mirror = catalog.NewMirror(db, s.graph, log)

	s.composer = graphview.NewComposer(db, s.graph, s.mirror, graphview.Options{CacheTTL: cfg.Redis.CacheTTL()}, log)
	if s.redis != nil {
		s.composer.SetCache(s.redis)
	}

	provider := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})
	s.processor = ingestion.NewProcessor(db, s.graph, provider, ingestion.Options{
		ChunkSize:   cfg.Ingestion.ChunkSize,
		MaxAttempts: cfg.Ingestion.MaxAttempts,
		RetryDelay:  cfg.Ingestion.RetryDelay(),
	}, log)
	s.processor.SetInvalidator(s.composer)

	var replayer reconcile.Replayer
	if s.graph != nil {
		replayer = builder.NewBuilder(s.graph, s.mirror, log)
	}
	s.reconciler = reconcile.NewService(db, s.graph, replayer, locker, reconcile.Options{LockTTL: cfg.Redis.LockTTL()}, log)
	s.reconciler.SetInvalidator(s.composer)

	logger.Info("Services wired",
		zap.String("graph_backend", cfg.Graph.Backend),
		zap.Bool("graph_available", s.graph != nil),
		zap.Bool("redis", s.redis != nil),
	)
	return s, nil
}

func (s *services) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if s.neo4j != nil {
		if err := s.neo4j.Close(ctx); err != nil {
			logger.Warn("Failed to close neo4j", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Warn("Failed to close sqlite", zap.Error(err))
		}
	}
}
