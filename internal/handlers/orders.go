package handlers

import (
	"context"
	"net/http"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/models"
	"dispatch-system/internal/services"

	"github.com/google/uuid"
)

// SLAReader exposes the SLA monitor's read side.
type SLAReader interface {
	OrderStatus(ctx context.Context, orderID uuid.UUID) (*models.SLAStatus, error)
	Summary(ctx context.Context) (*models.SLASummary, error)
}

// ForceReassigner moves an order to another driver on operator request.
type ForceReassigner interface {
	ForceReassign(ctx context.Context, orderID uuid.UUID) (*services.ReassignmentResult, error)
}

// ProgressApplier applies courier progress to an order.
type ProgressApplier interface {
	ApplyProgress(ctx context.Context, orderID uuid.UUID, action string, ev models.CourierProgressEvent) (*models.Order, error)
}

// OrderHandler serves the per-order control plane.
type OrderHandler struct {
	sla        SLAReader
	reassigner ForceReassigner
	escalator  EscalationRaiser
	progress   ProgressApplier
	log        *logger.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(sla SLAReader, reassigner ForceReassigner, escalator EscalationRaiser, progress ProgressApplier, log *logger.Logger) *OrderHandler {
	return &OrderHandler{
		sla:        sla,
		reassigner: reassigner,
		escalator:  escalator,
		progress:   progress,
		log:        log,
	}
}

// GetSLA handles GET /orders/{id}/sla.
func (h *OrderHandler) GetSLA(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.sla.OrderStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, status)
}

// Summary handles GET /sla/summary.
func (h *OrderHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sla.Summary(r.Context())
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, summary)
}

// Reassign handles POST /orders/{id}/reassign. A refused move is still 200;
// the result carries the reason.
func (h *OrderHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.reassigner.ForceReassign(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}

	h.log.WithField("order_id", id).WithField("reason", result.Reason).Info("Manual reassignment requested")
	writeJSONResponse(w, http.StatusOK, result)
}

type escalateRequest struct {
	Reason  models.EscalationReason `json:"reason"`
	Details string                  `json:"details"`
}

// Escalate handles POST /orders/{id}/escalate. 201 when a ticket was opened,
// 200 with the already open ticket otherwise.
func (h *OrderHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req escalateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		writeErrorResponse(w, http.StatusBadRequest, "reason is required")
		return
	}

	ticket, created, err := h.escalator.Raise(r.Context(), id, req.Reason, req.Details)
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, ticket)
}

type progressRequest struct {
	Action string `json:"action"`
	models.CourierProgressEvent
}

// Progress handles POST /orders/{id}/progress.
func (h *OrderHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DriverID == uuid.Nil {
		writeErrorResponse(w, http.StatusBadRequest, "driver_id is required")
		return
	}

	order, err := h.progress.ApplyProgress(r.Context(), id, req.Action, req.CourierProgressEvent)
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, order)
}
