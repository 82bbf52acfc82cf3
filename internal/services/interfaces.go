package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatch-system/internal/database"
	"dispatch-system/internal/models"
	"dispatch-system/internal/routing"

	"github.com/google/uuid"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrDriverNotFound   = errors.New("driver not found")
	ErrTicketNotFound   = errors.New("escalation ticket not found")
	ErrInvalidReason    = errors.New("unknown escalation reason")
	ErrDriverMismatch   = errors.New("driver is not assigned to the order")
	ErrOrderNotInFlight = errors.New("order is not in flight")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Store is the persistence surface the loops and services need.
// *database.Store implements it.
type Store interface {
	GetPendingOrders(ctx context.Context) ([]*models.Order, error)
	GetInFlightOrders(ctx context.Context) ([]*models.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetDriver(ctx context.Context, id uuid.UUID) (*models.Driver, error)
	ListDrivers(ctx context.Context, status *models.DriverStatus, limit, offset int) ([]*models.Driver, error)
	GetAvailableDrivers(ctx context.Context, center models.Location, radiusKm float64) ([]*models.Driver, error)

	ConditionalAssign(ctx context.Context, orderID, driverID uuid.UUID, expectedOrder models.OrderStatus, expectedDriver models.DriverStatus) error
	ConditionalAssignBatch(ctx context.Context, batchID uuid.UUID, orderIDs []uuid.UUID, driverID uuid.UUID) error
	ConditionalReassign(ctx context.Context, orderID, oldDriverID, newDriverID uuid.UUID, expectedStatus models.OrderStatus) (int, error)
	ConditionalRelease(ctx context.Context, driverID uuid.UUID, expected models.DriverStatus) error
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, from, to models.OrderStatus) error
	SaveDriver(ctx context.Context, d *models.Driver, expected models.DriverStatus) error
	CompleteOrder(ctx context.Context, o *models.Order, d *models.Driver, expectedOrder models.OrderStatus, expectedDriver models.DriverStatus) error
	RecordIncident(ctx context.Context, inc *models.SLAIncident) (bool, error)
}

// EventPublisher emits domain events. Publishing never fails the caller.
type EventPublisher interface {
	PublishOrderAssigned(orderID uuid.UUID, data models.OrderAssignedEvent)
	PublishOrderReassigned(orderID uuid.UUID, data models.OrderReassignedEvent)
	PublishNoDriver(orderID uuid.UUID, data models.NoDriverEvent)
	PublishSLA(eventType models.EventType, data models.SLAEvent)
	PublishEscalation(eventType models.EventType, ticket *models.EscalationTicket)
}

// Notifier delivers driver, customer and operator notices without blocking.
type Notifier interface {
	NotifyDriver(driverID uuid.UUID, note models.Notification)
	NotifyCustomer(orderID uuid.UUID, note models.Notification)
	NotifyEscalation(ticket *models.EscalationTicket)
}

// TicketStore persists escalation tickets with one open ticket per (order, level).
type TicketStore interface {
	Open(ctx context.Context, t *models.EscalationTicket) (*models.EscalationTicket, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*models.EscalationTicket, error)
	Resolve(ctx context.Context, id uuid.UUID, resolution string, at time.Time) (*models.EscalationTicket, bool, error)
	List(ctx context.Context, openOnly bool) ([]*models.EscalationTicket, error)
}

// StreakCounter counts consecutive no-driver dispatch misses per order.
type StreakCounter interface {
	Incr(ctx context.Context, orderID uuid.UUID) (int64, error)
	Reset(ctx context.Context, orderID uuid.UUID) error
}

// RoutingProvider computes a road leg between two points.
type RoutingProvider interface {
	Route(ctx context.Context, origin, destination models.Location) (*routing.Route, error)
}

// Solver is the external large-batch optimiser.
type Solver interface {
	Solve(ctx context.Context, depot models.Location, stops []models.Stop, vehicles []models.Vehicle) (*routing.SolverResult, error)
}

// Escalator opens escalation tickets.
type Escalator interface {
	Raise(ctx context.Context, orderID uuid.UUID, reason models.EscalationReason, details string) (*models.EscalationTicket, bool, error)
}

// Reassigner moves an at-risk order to a better driver.
type Reassigner interface {
	Reassign(ctx context.Context, order *models.Order, status models.SLAStatus) (*ReassignmentResult, error)
}

func notFound(err error, sentinel error, id uuid.UUID) error {
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}
