package models

import (
	"time"

	"github.com/google/uuid"
)

// EscalationLevel is the human tier a ticket is routed to.
type EscalationLevel int

const (
	EscalationSupervisor EscalationLevel = 1
	EscalationOpsManager EscalationLevel = 2
	EscalationEmergency  EscalationLevel = 3
)

// Valid reports whether l is one of the three tiers.
func (l EscalationLevel) Valid() bool {
	return l >= EscalationSupervisor && l <= EscalationEmergency
}

func (l EscalationLevel) String() string {
	switch l {
	case EscalationSupervisor:
		return "supervisor"
	case EscalationOpsManager:
		return "operations_manager"
	case EscalationEmergency:
		return "emergency_response"
	default:
		return "unknown"
	}
}

// EscalationReason is the trigger that selects the level.
type EscalationReason string

const (
	ReasonDriverCancelled       EscalationReason = "driver_cancelled"
	ReasonOrderAtRisk           EscalationReason = "order_at_risk"
	ReasonNoDriversAvailable    EscalationReason = "no_drivers_available"
	ReasonReassignmentFailed    EscalationReason = "reassignment_failed"
	ReasonReassignmentExhausted EscalationReason = "reassignment_exhausted"
	ReasonSevereBreach          EscalationReason = "severe_breach"
	ReasonSystemFailure         EscalationReason = "system_failure"
)

var reasonLevels = map[EscalationReason]EscalationLevel{
	ReasonDriverCancelled:       EscalationSupervisor,
	ReasonOrderAtRisk:           EscalationSupervisor,
	ReasonNoDriversAvailable:    EscalationSupervisor,
	ReasonReassignmentFailed:    EscalationOpsManager,
	ReasonReassignmentExhausted: EscalationOpsManager,
	ReasonSevereBreach:          EscalationEmergency,
	ReasonSystemFailure:         EscalationEmergency,
}

// LevelFor maps a trigger reason to its level. ok is false for unknown reasons.
func LevelFor(reason EscalationReason) (EscalationLevel, bool) {
	level, ok := reasonLevels[reason]
	return level, ok
}

var levelChannels = map[EscalationLevel][]string{
	EscalationSupervisor: {"supervisor.dashboard", "supervisor.sms"},
	EscalationOpsManager: {"ops_manager.email", "ops_manager.sms", "ops.dashboard"},
	EscalationEmergency:  {"emergency.pager", "emergency.phone", "ops_manager.sms", "executive.email"},
}

// ChannelsFor returns a copy of the fixed channel set for a level.
func ChannelsFor(level EscalationLevel) []string {
	return append([]string(nil), levelChannels[level]...)
}

// EscalationTicket is a request for human intervention on one order.
// OrderID is uuid.Nil for system-wide tickets.
type EscalationTicket struct {
	ID         uuid.UUID        `json:"id"`
	OrderID    uuid.UUID        `json:"order_id"`
	Level      EscalationLevel  `json:"level"`
	Reason     EscalationReason `json:"reason"`
	Details    string           `json:"details,omitempty"`
	Channels   []string         `json:"channels"`
	CreatedAt  time.Time        `json:"created_at"`
	Resolved   bool             `json:"resolved"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	Resolution string           `json:"resolution,omitempty"`
}
