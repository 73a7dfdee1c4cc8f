package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/storygraph/backend/internal/reconcile"
)

type Reconciler interface {
	CheckWorks(ctx context.Context) (*reconcile.CheckReport, error)
	CleanDuplicates(ctx context.Context) (*reconcile.CleanReport, error)
	SyncWorks(ctx context.Context) (*reconcile.SyncReport, error)
}

type MaintenanceHandler struct {
	reconciler Reconciler
}

func NewMaintenanceHandler(reconciler Reconciler) *MaintenanceHandler {
	return &MaintenanceHandler{reconciler: reconciler}
}

func (h *MaintenanceHandler) CheckWorks(c *fiber.Ctx) error {
	report, err := h.reconciler.CheckWorks(c.UserContext())
	if err != nil {
		return fail(c, err)
	}
	return ok(c, report)
}

func (h *MaintenanceHandler) CleanDuplicates(c *fiber.Ctx) error {
	report, err := h.reconciler.CleanDuplicates(c.UserContext())
	if err != nil {
		return fail(c, err)
	}
	return ok(c, report)
}

func (h *MaintenanceHandler) SyncWorks(c *fiber.Ctx) error {
	report, err := h.reconciler.SyncWorks(c.UserContext())
	if err != nil {
		return fail(c, err)
	}
	return ok(c, report)
}
