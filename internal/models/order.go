package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a state machine rejects a transition.
var ErrInvalidTransition = errors.New("invalid state transition")

// ServiceClass is the delivery product an order was booked under.
type ServiceClass string

const (
	ServiceClassUrgent   ServiceClass = "URGENT"
	ServiceClassStandard ServiceClass = "STANDARD"
)

// Valid reports whether c is a known service class.
func (c ServiceClass) Valid() bool {
	return c == ServiceClassUrgent || c == ServiceClassStandard
}

// OrderStatus is the order lifecycle status.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusAssigned  OrderStatus = "ASSIGNED"
	OrderStatusPickedUp  OrderStatus = "PICKED_UP"
	OrderStatusInTransit OrderStatus = "IN_TRANSIT"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// InFlightStatuses are the statuses watched by the SLA monitor.
var InFlightStatuses = []OrderStatus{OrderStatusAssigned, OrderStatusPickedUp, OrderStatusInTransit}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusFailed
}

// IsInFlight reports whether a driver is working the order.
func (s OrderStatus) IsInFlight() bool {
	return s == OrderStatusAssigned || s == OrderStatusPickedUp || s == OrderStatusInTransit
}

// Order is a single delivery job.
type Order struct {
	ID                uuid.UUID    `json:"id" db:"id"`
	ServiceClass      ServiceClass `json:"service_class" db:"service_class"`
	Status            OrderStatus  `json:"status" db:"status"`
	Pickup            Location     `json:"pickup"`
	Dropoff           Location     `json:"dropoff"`
	DriverID          *uuid.UUID   `json:"driver_id,omitempty" db:"driver_id"`
	BatchID           *uuid.UUID   `json:"batch_id,omitempty" db:"batch_id"`
	ReassignmentCount int          `json:"reassignment_count" db:"reassignment_count"`
	PriorityWeight    float64      `json:"priority_weight" db:"priority_weight"`
	Weight            float64      `json:"weight" db:"weight"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
	DeliveredAt       *time.Time   `json:"delivered_at,omitempty" db:"delivered_at"`
}

func (o *Order) transitionErr(to OrderStatus) error {
	return fmt.Errorf("%w: order %s %s -> %s", ErrInvalidTransition, o.ID, o.Status, to)
}

// Assign moves a pending order to ASSIGNED with the given driver.
func (o *Order) Assign(driverID uuid.UUID) error {
	if o.Status != OrderStatusPending || o.DriverID != nil {
		return o.transitionErr(OrderStatusAssigned)
	}
	if driverID == uuid.Nil {
		return fmt.Errorf("%w: order %s assigned to nil driver", ErrInvalidTransition, o.ID)
	}
	id := driverID
	o.DriverID = &id
	o.Status = OrderStatusAssigned
	return nil
}

// PickUp records that the driver collected the parcel.
func (o *Order) PickUp() error {
	if o.Status != OrderStatusAssigned {
		return o.transitionErr(OrderStatusPickedUp)
	}
	o.Status = OrderStatusPickedUp
	return nil
}

// StartTransit records that the driver left the pickup for the dropoff.
func (o *Order) StartTransit() error {
	if o.Status != OrderStatusPickedUp {
		return o.transitionErr(OrderStatusInTransit)
	}
	o.Status = OrderStatusInTransit
	return nil
}

// Deliver completes the order.
func (o *Order) Deliver(at time.Time) error {
	if o.Status != OrderStatusInTransit {
		return o.transitionErr(OrderStatusDelivered)
	}
	o.Status = OrderStatusDelivered
	o.DeliveredAt = &at
	return nil
}

// Fail terminates an in-flight order without delivery.
func (o *Order) Fail() error {
	if !o.Status.IsInFlight() {
		return o.transitionErr(OrderStatusFailed)
	}
	o.Status = OrderStatusFailed
	return nil
}

// SwapDriver replaces the driver of an in-flight order. Status is unchanged.
func (o *Order) SwapDriver(newDriverID uuid.UUID) error {
	if !o.Status.IsInFlight() || o.DriverID == nil {
		return fmt.Errorf("%w: order %s cannot swap driver in status %s", ErrInvalidTransition, o.ID, o.Status)
	}
	if *o.DriverID == newDriverID || newDriverID == uuid.Nil {
		return fmt.Errorf("%w: order %s swap to same or nil driver", ErrInvalidTransition, o.ID)
	}
	id := newDriverID
	o.DriverID = &id
	o.ReassignmentCount++
	return nil
}

// PendingLegTarget is the point a driver still has to reach: the pickup until
// the parcel is collected, the dropoff afterwards.
func (o *Order) PendingLegTarget() Location {
	if o.Status == OrderStatusPending || o.Status == OrderStatusAssigned {
		return o.Pickup
	}
	return o.Dropoff
}

// HasDriver reports whether the order currently references a driver.
func (o *Order) HasDriver() bool {
	return o.DriverID != nil && *o.DriverID != uuid.Nil
}
