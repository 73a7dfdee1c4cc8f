package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/storygraph/backend/internal/graphview"
	"github.com/storygraph/backend/internal/storage/models"
	"github.com/storygraph/backend/pkg/apperr"
)

type WorkCatalog interface {
	ListWorkSummaries(ctx context.Context) ([]models.WorkSummary, error)
}

// GraphReader serves composed graph views.
type GraphReader interface {
	WorkGraph(ctx context.Context, workID string, opts graphview.WorkGraphOptions) (*graphview.GraphView, error)
	ArticleGraph(ctx context.Context, articleID string) (*graphview.ArticleGraph, error)
	NodeDetail(ctx context.Context, workID, label, name string) (*graphview.NodeDetail, error)
	Characters(ctx context.Context, workID, name string) ([]graphview.CharacterHit, error)
}

type EventLister interface {
	WorkEvents(ctx context.Context, workID string) ([]models.Event, error)
}

type WorkHandler struct {
	catalog WorkCatalog
	graph   GraphReader
	events  EventLister
}

func NewWorkHandler(catalog WorkCatalog, graph GraphReader, events EventLister) *WorkHandler {
	return &WorkHandler{
		catalog: catalog,
		graph:   graph,
		events:  events,
	}
}

func (h *WorkHandler) ListWorks(c *fiber.Ctx) error {
	works, err := h.catalog.ListWorkSummaries(c.UserContext())
	if err != nil {
		return fail(c, apperr.Wrap(err, apperr.CodeStoreFailure, "failed to list works"))
	}
	return ok(c, works)
}

func (h *WorkHandler) WorkGraph(c *fiber.Ctx) error {
	view, err := h.graph.WorkGraph(c.UserContext(), c.Params("id"), graphOptions(c))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, view)
}

func (h *WorkHandler) GlobalGraph(c *fiber.Ctx) error {
	view, err := h.graph.WorkGraph(c.UserContext(), "", graphOptions(c))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, view)
}

func (h *WorkHandler) NodeDetail(c *fiber.Ctx) error {
	detail, err := h.graph.NodeDetail(c.UserContext(), c.Query("work_id"), c.Query("label"), c.Query("name"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, detail)
}

func (h *WorkHandler) Characters(c *fiber.Ctx) error {
	hits, err := h.graph.Characters(c.UserContext(), c.Query("work_id"), c.Query("name"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, hits)
}

// Events lists catalog events for the :work_id param, or all events.
func (h *WorkHandler) Events(c *fiber.Ctx) error {
	events, err := h.events.WorkEvents(c.UserContext(), c.Params("work_id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, events)
}

func graphOptions(c *fiber.Ctx) graphview.WorkGraphOptions {
	include, _ := strconv.ParseBool(c.Query("events"))
	return graphview.WorkGraphOptions{IncludeEvents: include}
}
