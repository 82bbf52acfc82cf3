package handlers

import (
	"net/http"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Orders      *OrderHandler
	Drivers     *DriverHandler
	Escalations *EscalationHandler
	Routes      *RouteHandler
	Health      *HealthHandler
}

// NewRouter mounts the control plane under /api/v1 plus health and metrics.
// A nil limiter disables rate limiting.
func NewRouter(h Handlers, limiter middleware.Limiter, log *logger.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recover(log), middleware.Metrics, middleware.Logging(log))

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health.Health).Methods(http.MethodGet)
	r.HandleFunc("/health/readiness", h.Health.Readiness).Methods(http.MethodGet)
	r.HandleFunc("/health/liveness", h.Health.Liveness).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	if limiter != nil {
		api.Use(middleware.RateLimit(limiter, log))
	}

	api.HandleFunc("/sla/summary", h.Orders.Summary).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/sla", h.Orders.GetSLA).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/reassign", h.Orders.Reassign).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/escalate", h.Orders.Escalate).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/progress", h.Orders.Progress).Methods(http.MethodPost)

	api.HandleFunc("/drivers", h.Drivers.List).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", h.Drivers.Get).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/break", h.Drivers.StartBreak).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/break", h.Drivers.EndBreak).Methods(http.MethodDelete)
	api.HandleFunc("/drivers/{id}/arrived", h.Drivers.Arrived).Methods(http.MethodPost)

	api.HandleFunc("/escalations", h.Escalations.List).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}", h.Escalations.Get).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}/resolve", h.Escalations.Resolve).Methods(http.MethodPost)

	api.HandleFunc("/routes/plan", h.Routes.Plan).Methods(http.MethodPost)

	return r
}
