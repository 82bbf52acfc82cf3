package handlers

import (
	"context"
	"net/http"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/models"

	"github.com/google/uuid"
)

// EscalationRaiser opens escalation tickets.
type EscalationRaiser interface {
	Raise(ctx context.Context, orderID uuid.UUID, reason models.EscalationReason, details string) (*models.EscalationTicket, bool, error)
}

// EscalationManager is the operator view of escalation tickets.
type EscalationManager interface {
	Get(ctx context.Context, id uuid.UUID) (*models.EscalationTicket, error)
	List(ctx context.Context, openOnly bool) ([]*models.EscalationTicket, error)
	Resolve(ctx context.Context, id uuid.UUID, resolution string) (*models.EscalationTicket, error)
}

type EscalationHandler struct {
	escalations EscalationManager
	log         *logger.Logger
}

func NewEscalationHandler(escalations EscalationManager, log *logger.Logger) *EscalationHandler {
	return &EscalationHandler{escalations: escalations, log: log}
}

// List handles GET /escalations?open=true.
func (h *EscalationHandler) List(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"

	tickets, err := h.escalations.List(r.Context(), openOnly)
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}
	if tickets == nil {
		tickets = []*models.EscalationTicket{}
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"escalations": tickets,
		"count":       len(tickets),
	})
}

// Get handles GET /escalations/{id}.
func (h *EscalationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ticket, err := h.escalations.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, ticket)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// Resolve handles POST /escalations/{id}/resolve.
func (h *EscalationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ticket, err := h.escalations.Resolve(r.Context(), id, req.Resolution)
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, ticket)
}
