// Package catalog mirrors the non-graph entities of an extraction into the
// relational catalog and assembles article views that combine both stores.
package catalog

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/storygraph/backend/internal/extraction"
	"github.com/storygraph/backend/internal/kg"
	"github.com/storygraph/backend/internal/storage/models"
	"github.com/storygraph/backend/pkg/apperr"
)

// EventStore is the slice of the relational catalog the Mirror writes to.
type EventStore interface {
	GetOrCreateEvent(ctx context.Context, ev models.Event) (*models.Event, bool, error)
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
}

// SyncResult counts the outcome of one SyncEvents call.
type SyncResult struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

type Mirror struct {
	store EventStore
	graph kg.Store
	log   *zap.Logger
}

func NewMirror(store EventStore, graph kg.Store, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{store: store, graph: graph, log: log.Named("catalog")}
}

// SyncEvents records each event for the article. An event whose title is
// already stored for the article keeps its original attributes. Per-event
// failures are logged and counted, never returned.
func (m *Mirror) SyncEvents(ctx context.Context, workID, articleID string, events []extraction.Event) SyncResult {
	var res SyncResult

	for _, ev := range events {
		title := strings.TrimSpace(ev.Title)
		if title == "" {
			res.Skipped++
			m.log.Warn("Skipping event without title", zap.String("article_id", articleID))
			continue
		}

		_, created, err := m.store.GetOrCreateEvent(ctx, models.Event{
			WorkID:       workID,
			ArticleID:    articleID,
			Name:         title,
			Description:  ev.Description,
			Time:         ev.Time,
			Location:     ev.Location,
			Participants: ev.Participants,
		})
		if err != nil {
			res.Failed++
			m.log.Error("Failed to store event",
				zap.String("work_id", workID),
				zap.String("article_id", articleID),
				zap.String("name", title),
				zap.Error(err),
			)
			continue
		}
		if created {
			res.Created++
		} else {
			res.Existing++
		}
	}

	m.log.Debug("Events synced",
		zap.String("article_id", articleID),
		zap.Int("created", res.Created),
		zap.Int("existing", res.Existing),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
	)
	return res
}

// ArticleView is everything one article contributed, read back from both
// stores.
type ArticleView struct {
	ArticleID     string             `json:"article_id"`
	Characters    []kg.CharacterNode `json:"characters"`
	Factions      []kg.FactionNode   `json:"factions"`
	Relationships []kg.Edge          `json:"relationships"`
	Memberships   []kg.Edge          `json:"memberships"`
	Events        []models.Event     `json:"events"`
}

func (m *Mirror) ArticleView(ctx context.Context, articleID string) (*ArticleView, error) {
	params := map[string]any{"article_id": articleID}
	view := &ArticleView{ArticleID: articleID}

	rows, err := m.query(ctx, kg.PatternArticleCharacters, params)
	if err != nil {
		return nil, err
	}
	view.Characters = kg.CharactersFromRows(rows)

	if rows, err = m.query(ctx, kg.PatternArticleFactions, params); err != nil {
		return nil, err
	}
	view.Factions = kg.FactionsFromRows(rows)

	if rows, err = m.query(ctx, kg.PatternArticleRelationships, params); err != nil {
		return nil, err
	}
	view.Relationships = kg.EdgesFromRows(rows)

	if rows, err = m.query(ctx, kg.PatternArticleMemberships, params); err != nil {
		return nil, err
	}
	view.Memberships = kg.EdgesFromRows(rows)

	events, err := m.store.ListEvents(ctx, models.EventFilter{ArticleID: articleID})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list article events", apperr.FieldArticleID(articleID))
	}
	view.Events = events

	return view, nil
}

// WorkEvents lists catalog events for a work, or for every work when workID
// is empty.
func (m *Mirror) WorkEvents(ctx context.Context, workID string) ([]models.Event, error) {
	events, err := m.store.ListEvents(ctx, models.EventFilter{WorkID: workID})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list events", apperr.FieldWorkID(workID))
	}
	return events, nil
}

func (m *Mirror) query(ctx context.Context, p kg.Pattern, params map[string]any) ([]kg.Row, error) {
	if m.graph == nil {
		return nil, apperr.New(apperr.CodeStoreFailure, "graph store unavailable")
	}
	rows, err := m.graph.Query(ctx, kg.Query{Pattern: p, Params: params})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeStoreFailure, "graph query failed", apperr.Field("pattern", string(p)))
	}
	return rows, nil
}
