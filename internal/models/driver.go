package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DriverStatus is the courier availability status.
type DriverStatus string

const (
	DriverStatusAvailable DriverStatus = "AVAILABLE"
	DriverStatusBusy      DriverStatus = "BUSY"
	DriverStatusReturning DriverStatus = "RETURNING"
	DriverStatusOnBreak   DriverStatus = "ON_BREAK"
	DriverStatusOffline   DriverStatus = "OFFLINE"
)

// MinOnTimeRate is the lowest rolling on-time rate still eligible for new work.
const MinOnTimeRate = 0.90

// Driver is a courier and its working-day counters.
type Driver struct {
	ID                    uuid.UUID    `json:"id" db:"id"`
	Name                  string       `json:"name" db:"name"`
	Location              Location     `json:"location"`
	Status                DriverStatus `json:"status" db:"status"`
	Capacity              float64      `json:"capacity" db:"capacity"`
	CurrentLoad           float64      `json:"current_load" db:"current_load"`
	ActiveDeliveryID      *uuid.UUID   `json:"active_delivery_id,omitempty" db:"active_delivery_id"`
	ConsecutiveDeliveries int          `json:"consecutive_deliveries" db:"consecutive_deliveries"`
	CompletedToday        int          `json:"completed_today" db:"completed_today"`
	DailyTarget           int          `json:"daily_target" db:"daily_target"`
	OnTimeRate            float64      `json:"on_time_rate" db:"on_time_rate"`
	HoursWorkedToday      float64      `json:"hours_worked_today" db:"hours_worked_today"`
	MaxWorkingHours       float64      `json:"max_working_hours" db:"max_working_hours"`
	UpdatedAt             time.Time    `json:"updated_at" db:"updated_at"`
}

// CanAcceptOrder is the eligibility predicate for new or reassigned work.
func (d *Driver) CanAcceptOrder() bool {
	return d.OnTimeRate >= MinOnTimeRate &&
		d.HoursWorkedToday < d.MaxWorkingHours &&
		d.Status == DriverStatusAvailable
}

// LoadRatio is current load over capacity; a driver without capacity is full.
func (d *Driver) LoadRatio() float64 {
	if d.Capacity <= 0 {
		return 1
	}
	return d.CurrentLoad / d.Capacity
}

// GapFromTarget is the number of deliveries still missing to reach the daily target.
func (d *Driver) GapFromTarget() int {
	gap := d.DailyTarget - d.CompletedToday
	if gap < 0 {
		return 0
	}
	return gap
}

func (d *Driver) transitionErr(to DriverStatus) error {
	return fmt.Errorf("%w: driver %s %s -> %s", ErrInvalidTransition, d.ID, d.Status, to)
}

// Assign takes a delivery (single order or batch) and becomes BUSY.
func (d *Driver) Assign(deliveryID uuid.UUID, weight float64) error {
	if d.Status != DriverStatusAvailable || d.ActiveDeliveryID != nil {
		return d.transitionErr(DriverStatusBusy)
	}
	id := deliveryID
	d.ActiveDeliveryID = &id
	d.CurrentLoad += weight
	d.ConsecutiveDeliveries++
	d.Status = DriverStatusBusy
	return nil
}

// CompleteDelivery finishes the active delivery. Drivers with a return leg go
// RETURNING, the rest become AVAILABLE subject to the mandatory break rule.
func (d *Driver) CompleteDelivery(requiresReturn bool, breakThreshold int) error {
	if d.Status != DriverStatusBusy {
		return d.transitionErr(DriverStatusAvailable)
	}
	d.ActiveDeliveryID = nil
	d.CurrentLoad = 0
	d.CompletedToday++
	if requiresReturn {
		d.Status = DriverStatusReturning
		return nil
	}
	d.becomeAvailable(breakThreshold)
	return nil
}

// ArriveAtBase ends the return leg.
func (d *Driver) ArriveAtBase(breakThreshold int) error {
	if d.Status != DriverStatusReturning {
		return d.transitionErr(DriverStatusAvailable)
	}
	d.becomeAvailable(breakThreshold)
	return nil
}

// Release drops the active delivery without completing it (reassignment).
func (d *Driver) Release(weight float64) error {
	if d.Status != DriverStatusBusy {
		return d.transitionErr(DriverStatusAvailable)
	}
	d.ActiveDeliveryID = nil
	d.CurrentLoad -= weight
	if d.CurrentLoad < 0 {
		d.CurrentLoad = 0
	}
	if d.ConsecutiveDeliveries > 0 {
		d.ConsecutiveDeliveries--
	}
	d.Status = DriverStatusAvailable
	return nil
}

// StartBreak puts an available driver on break and resets the streak.
func (d *Driver) StartBreak() error {
	if d.Status != DriverStatusAvailable {
		return d.transitionErr(DriverStatusOnBreak)
	}
	d.Status = DriverStatusOnBreak
	d.ConsecutiveDeliveries = 0
	return nil
}

// EndBreak returns the driver to AVAILABLE.
func (d *Driver) EndBreak() error {
	if d.Status != DriverStatusOnBreak {
		return d.transitionErr(DriverStatusAvailable)
	}
	d.Status = DriverStatusAvailable
	return nil
}

// GoOffline ends the shift.
func (d *Driver) GoOffline() error {
	if d.Status != DriverStatusAvailable && d.Status != DriverStatusOnBreak {
		return d.transitionErr(DriverStatusOffline)
	}
	d.Status = DriverStatusOffline
	return nil
}

// GoOnline starts a shift.
func (d *Driver) GoOnline() error {
	if d.Status != DriverStatusOffline {
		return d.transitionErr(DriverStatusAvailable)
	}
	d.Status = DriverStatusAvailable
	return nil
}

func (d *Driver) becomeAvailable(breakThreshold int) {
	d.Status = DriverStatusAvailable
	if breakThreshold > 0 && d.ConsecutiveDeliveries >= breakThreshold {
		d.Status = DriverStatusOnBreak
		d.ConsecutiveDeliveries = 0
	}
}
