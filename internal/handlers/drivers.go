package handlers

import (
	"context"
	"fmt"
	"net/http"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/models"

	"github.com/google/uuid"
)

// DriverService reads driver state and applies operator driver actions.
type DriverService interface {
	GetDriver(ctx context.Context, driverID uuid.UUID) (*models.Driver, error)
	ListDrivers(ctx context.Context, status *models.DriverStatus, limit, offset int) ([]*models.Driver, error)
	StartBreak(ctx context.Context, driverID uuid.UUID) (*models.Driver, error)
	EndBreak(ctx context.Context, driverID uuid.UUID) (*models.Driver, error)
	ArriveAtBase(ctx context.Context, driverID uuid.UUID) (*models.Driver, error)
}

type DriverHandler struct {
	drivers DriverService
	log     *logger.Logger
}

func NewDriverHandler(drivers DriverService, log *logger.Logger) *DriverHandler {
	return &DriverHandler{drivers: drivers, log: log}
}

func parseDriverStatus(raw string) (*models.DriverStatus, error) {
	if raw == "" {
		return nil, nil
	}
	status := models.DriverStatus(raw)
	switch status {
	case models.DriverStatusAvailable, models.DriverStatusBusy, models.DriverStatusReturning,
		models.DriverStatusOnBreak, models.DriverStatusOffline:
		return &status, nil
	}
	return nil, fmt.Errorf("unknown driver status %q", raw)
}

// List handles GET /drivers?status=&limit=&offset=.
func (h *DriverHandler) List(w http.ResponseWriter, r *http.Request) {
	status, err := parseDriverStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	drivers, err := h.drivers.ListDrivers(r.Context(), status, limit, offset)
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}
	if drivers == nil {
		drivers = []*models.Driver{}
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"drivers": drivers,
		"limit":   limit,
		"offset":  offset,
		"count":   len(drivers),
	})
}

// Get handles GET /drivers/{id}.
func (h *DriverHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.driverAction(w, r, h.drivers.GetDriver)
}

// StartBreak handles POST /drivers/{id}/break.
func (h *DriverHandler) StartBreak(w http.ResponseWriter, r *http.Request) {
	h.driverAction(w, r, h.drivers.StartBreak)
}

// EndBreak handles DELETE /drivers/{id}/break.
func (h *DriverHandler) EndBreak(w http.ResponseWriter, r *http.Request) {
	h.driverAction(w, r, h.drivers.EndBreak)
}

// Arrived handles POST /drivers/{id}/arrived.
func (h *DriverHandler) Arrived(w http.ResponseWriter, r *http.Request) {
	h.driverAction(w, r, h.drivers.ArriveAtBase)
}

func (h *DriverHandler) driverAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*models.Driver, error)) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	driver, err := fn(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, driver)
}
