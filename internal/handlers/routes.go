package handlers

import (
	"context"
	"net/http"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/models"
	"dispatch-system/internal/services"
)

// Planner routes a set of stops through the engine tiers.
type Planner interface {
	Plan(ctx context.Context, req services.PlanRequest) (*models.RoutePlan, error)
}

type RouteHandler struct {
	planner Planner
	log     *logger.Logger
}

func NewRouteHandler(planner Planner, log *logger.Logger) *RouteHandler {
	return &RouteHandler{planner: planner, log: log}
}

// Plan handles POST /routes/plan.
func (h *RouteHandler) Plan(w http.ResponseWriter, r *http.Request) {
	var req services.PlanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	plan, err := h.planner.Plan(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, plan)
}
