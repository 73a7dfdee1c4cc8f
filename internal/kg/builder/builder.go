// Package builder applies a canonical extraction to the graph store.
package builder

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/storygraph/backend/internal/catalog"
	"github.com/storygraph/backend/internal/extraction"
	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/pkg/apperr"
)

// EventWriter persists extracted events. The catalog Mirror implements it.
type EventWriter interface {
	SyncEvents(ctx context.Context, workID, articleID string, events []extraction.Event) catalog.SyncResult
}

// Scope identifies where an extraction is applied.
type Scope struct {
	WorkID       string
	WorkName     string
	ArticleID    string
	ArticleTitle string
}

// UpsertReport counts what one Upsert wrote. Skipped entities were dropped on
// purpose (unknown endpoint, empty type); Failed ones hit a store error.
type UpsertReport struct {
	Factions      int `json:"factions"`
	Characters    int `json:"characters"`
	Memberships   int `json:"memberships"`
	Relationships int `json:"relationships"`
	Events        int `json:"events"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
}

func (r *UpsertReport) Complete() bool {
	return r.Failed == 0
}

type Builder struct {
	graph  kg.Store
	events EventWriter
	log    *zap.Logger
}

// NewBuilder returns a Builder. events may be nil, in which case extracted
// events are not persisted.
func NewBuilder(graph kg.Store, events EventWriter, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{graph: graph, events: events, log: log.Named("builder")}
}

// Upsert merges res into the graph under scope. Only a failure to merge the
// Work or Article aborts the batch, with a GraphWriteFailed error; every
// other entity is attempted independently.
func (b *Builder) Upsert(ctx context.Context, scope Scope, res *extraction.Result) (*UpsertReport, error) {
	report := &UpsertReport{}
	workRef := kg.WorkRef(scope.WorkID)
	articleRef := kg.ArticleRef(scope.ArticleID)

	log := b.log.With(zap.String("work_id", scope.WorkID), zap.String("article_id", scope.ArticleID))

	if err := b.graph.MergeNode(ctx, workRef, map[string]any{"name": scope.WorkName}); err != nil {
		return report, apperr.Wrap(err, apperr.CodeGraphWriteFailed, "failed to merge work", apperr.FieldWorkID(scope.WorkID))
	}
	if err := b.graph.MergeNode(ctx, articleRef, map[string]any{
		"title":   scope.ArticleTitle,
		"work_id": scope.WorkID,
	}); err != nil {
		return report, apperr.Wrap(err, apperr.CodeGraphWriteFailed, "failed to merge article", apperr.FieldArticleID(scope.ArticleID))
	}
	if err := b.graph.MergeEdge(ctx, articleRef, kg.RelBelongsTo, workRef, nil); err != nil {
		return report, apperr.Wrap(err, apperr.CodeGraphWriteFailed, "failed to link article to work", apperr.FieldArticleID(scope.ArticleID))
	}

	factions := make(map[string]bool, len(res.Forces))
	for _, f := range res.Forces {
		ref := kg.FactionRef(scope.WorkID, f.Name)
		if err := b.graph.MergeNode(ctx, ref, map[string]any{"description": f.Description}); err != nil {
			report.Failed++
			log.Error("Failed to merge faction", zap.String("name", f.Name), zap.Error(err))
			continue
		}
		factions[f.Name] = true
		report.Factions++

		b.link(ctx, log, report, ref, kg.RelBelongsTo, workRef)
		b.link(ctx, log, report, articleRef, kg.RelHasFaction, ref)
	}

	characters := make(map[string]bool, len(res.Characters))
	for _, c := range res.Characters {
		ref := kg.CharacterRef(scope.WorkID, c.Name)
		if err := b.graph.MergeNode(ctx, ref, map[string]any{
			"description": c.Description,
			"faction":     c.Faction,
		}); err != nil {
			report.Failed++
			log.Error("Failed to merge character", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		characters[c.Name] = true
		report.Characters++

		b.link(ctx, log, report, ref, kg.RelBelongsTo, workRef)
		b.link(ctx, log, report, articleRef, kg.RelHasCharacter, ref)

		if c.Faction != "" && factions[c.Faction] {
			if b.link(ctx, log, report, ref, kg.RelBelongsTo, kg.FactionRef(scope.WorkID, c.Faction)) {
				report.Memberships++
			}
		}
	}

	for _, r := range res.Relationships {
		fields := []zap.Field{
			zap.String("source", r.Source),
			zap.String("target", r.Target),
			zap.String("rel_type", r.Type),
		}
		if !characters[r.Source] || !characters[r.Target] {
			report.Skipped++
			log.Warn("Skipping relationship with unknown character", fields...)
			continue
		}
		relType := kg.NormalizeRelType(r.Type)
		if strings.Trim(relType, "_") == "" {
			report.Skipped++
			log.Warn("Skipping relationship with empty type", fields...)
			continue
		}
		if kg.IsStructural(relType) {
			report.Skipped++
			log.Warn("Skipping relationship with reserved type", append(fields, zap.String("normalized", relType))...)
			continue
		}

		err := b.graph.MergeEdge(ctx,
			kg.CharacterRef(scope.WorkID, r.Source),
			relType,
			kg.CharacterRef(scope.WorkID, r.Target),
			map[string]any{"description": r.Description},
		)
		if err != nil {
			report.Failed++
			log.Error("Failed to merge relationship", append(fields, zap.Error(err))...)
			continue
		}
		report.Relationships++
	}

	if b.events != nil && len(res.Events) > 0 {
		synced := b.events.SyncEvents(ctx, scope.WorkID, scope.ArticleID, res.Events)
		report.Events = synced.Created + synced.Existing
		report.Skipped += synced.Skipped
		report.Failed += synced.Failed
	}

	log.Info("Extraction applied to graph",
		zap.Int("factions", report.Factions),
		zap.Int("characters", report.Characters),
		zap.Int("memberships", report.Memberships),
		zap.Int("relationships", report.Relationships),
		zap.Int("events", report.Events),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// link merges a structural edge and reports whether it was written.
func (b *Builder) link(ctx context.Context, log *zap.Logger, report *UpsertReport, from kg.NodeRef, relType string, to kg.NodeRef) bool {
	if err := b.graph.MergeEdge(ctx, from, relType, to, nil); err != nil {
		report.Failed++
		log.Error("Failed to merge edge",
			zap.String("from", from.String()),
			zap.String("rel_type", relType),
			zap.String("to", to.String()),
			zap.Error(err),
		)
		return false
	}
	return true
}
