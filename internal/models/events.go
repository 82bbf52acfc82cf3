package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the type tag carried in the Kafka header and envelope.
type EventType string

const (
	EventTypeOrderAssigned      EventType = "order.assigned"
	EventTypeOrderReassigned    EventType = "order.reassigned"
	EventTypeDispatchNoDriver   EventType = "dispatch.no_driver"
	EventTypeSLAWarning         EventType = "sla.warning"
	EventTypeSLACritical        EventType = "sla.critical"
	EventTypeSLABreached        EventType = "sla.breached"
	EventTypeEscalationRaised   EventType = "escalation.raised"
	EventTypeEscalationResolved EventType = "escalation.resolved"

	// Inbound courier progress events.
	EventTypeOrderPickedUp    EventType = "courier.picked_up"
	EventTypeOrderInTransit   EventType = "courier.in_transit"
	EventTypeOrderDelivered   EventType = "courier.delivered"
	EventTypeOrderFailed      EventType = "courier.failed"
	EventTypeDriverArrived    EventType = "courier.arrived_at_base"
	EventTypeDriverBreakStart EventType = "courier.break_started"
	EventTypeDriverBreakEnd   EventType = "courier.break_ended"
)

// Event is the envelope published on every topic.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      EventType   `json:"type"`
	OrderID   uuid.UUID   `json:"order_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// OrderAssignedEvent is the payload of order.assigned.
type OrderAssignedEvent struct {
	DriverID     uuid.UUID    `json:"driver_id"`
	BatchID      *uuid.UUID   `json:"batch_id,omitempty"`
	ServiceClass ServiceClass `json:"service_class"`
	Score        float64      `json:"score"`
	DistanceKm   float64      `json:"distance_km"`
	Plan         *RoutePlan   `json:"plan,omitempty"`
}

// OrderReassignedEvent is the payload of order.reassigned.
type OrderReassignedEvent struct {
	OldDriverID       uuid.UUID   `json:"old_driver_id"`
	NewDriverID       uuid.UUID   `json:"new_driver_id"`
	ReassignmentCount int         `json:"reassignment_count"`
	Category          SLACategory `json:"category"`
	Score             float64     `json:"score"`
	Forced            bool        `json:"forced"`
}

// NoDriverEvent is the informational payload of dispatch.no_driver.
type NoDriverEvent struct {
	ServiceClass     ServiceClass `json:"service_class"`
	ConsecutiveMiss  int64        `json:"consecutive_misses"`
	RemainingMinutes float64      `json:"remaining_minutes"`
}

// SLAEvent is the payload of the sla.* events.
type SLAEvent struct {
	Status       SLAStatus  `json:"status"`
	DriverID     *uuid.UUID `json:"driver_id,omitempty"`
	Compensation float64    `json:"compensation,omitempty"`
	Currency     string     `json:"currency,omitempty"`
}

// EscalationEvent is the payload of the escalation.* events.
type EscalationEvent struct {
	Ticket EscalationTicket `json:"ticket"`
}

// CourierProgressEvent is the inbound payload published by courier apps.
type CourierProgressEvent struct {
	DriverID       uuid.UUID `json:"driver_id"`
	RequiresReturn bool      `json:"requires_return,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}
