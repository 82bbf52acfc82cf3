package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind tags a driver, customer or operator notice.
type NotificationKind string

const (
	NotifyAssignment    NotificationKind = "assignment"
	NotifyReassignedTo  NotificationKind = "reassigned_to"
	NotifyReassignedOff NotificationKind = "reassigned_off"
	NotifyDriverChanged NotificationKind = "driver_changed"
	NotifyDelay         NotificationKind = "delay"
	NotifyBreach        NotificationKind = "breach"
	NotifyEscalation    NotificationKind = "escalation"
)

// Notification is the body published to the notification exchange.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	OrderID   uuid.UUID        `json:"order_id"`
	DriverID  *uuid.UUID       `json:"driver_id,omitempty"`
	Message   string           `json:"message"`
	Data      interface{}      `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
