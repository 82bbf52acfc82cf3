package models

import (
	"time"

	"github.com/google/uuid"
)

// SLACategory classifies how much of the SLA budget an order has consumed.
type SLACategory string

const (
	SLAHealthy  SLACategory = "HEALTHY"
	SLAWarning  SLACategory = "WARNING"
	SLACritical SLACategory = "CRITICAL"
	SLABreached SLACategory = "BREACHED"
)

// Severity orders categories from HEALTHY (0) to BREACHED (3).
func (c SLACategory) Severity() int {
	switch c {
	case SLAWarning:
		return 1
	case SLACritical:
		return 2
	case SLABreached:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether c is as severe as other or worse.
func (c SLACategory) AtLeast(other SLACategory) bool {
	return c.Severity() >= other.Severity()
}

// SLAPolicy holds the per-class budgets and category thresholds.
type SLAPolicy struct {
	UrgentMinutes   int
	StandardMinutes int
	WarningPercent  float64
	CriticalPercent float64
}

// DefaultSLAPolicy is 60/240 minutes with 75% and 90% thresholds.
func DefaultSLAPolicy() SLAPolicy {
	return SLAPolicy{
		UrgentMinutes:   60,
		StandardMinutes: 240,
		WarningPercent:  75,
		CriticalPercent: 90,
	}
}

// MinutesFor returns the SLA budget of a service class.
func (p SLAPolicy) MinutesFor(class ServiceClass) int {
	if class == ServiceClassUrgent {
		return p.UrgentMinutes
	}
	return p.StandardMinutes
}

// Deadline returns the moment the order breaches.
func (p SLAPolicy) Deadline(o *Order) time.Time {
	return o.CreatedAt.Add(time.Duration(p.MinutesFor(o.ServiceClass)) * time.Minute)
}

// SLAStatus is the derived SLA position of one order at one instant.
type SLAStatus struct {
	OrderID          uuid.UUID    `json:"order_id"`
	ServiceClass     ServiceClass `json:"service_class"`
	SLAMinutes       int          `json:"sla_minutes"`
	ElapsedMinutes   float64      `json:"elapsed_minutes"`
	PercentConsumed  float64      `json:"percent_consumed"`
	RemainingMinutes float64      `json:"remaining_minutes"`
	Category         SLACategory  `json:"category"`
	ComputedAt       time.Time    `json:"computed_at"`
}

// BreachMinutes is how far past the deadline the order is, zero if not breached.
func (s SLAStatus) BreachMinutes() float64 {
	if s.RemainingMinutes >= 0 {
		return 0
	}
	return -s.RemainingMinutes
}

// ComputeSLAStatus derives the SLA status of an order at now.
func ComputeSLAStatus(o *Order, now time.Time, p SLAPolicy) SLAStatus {
	budget := p.MinutesFor(o.ServiceClass)
	elapsed := now.Sub(o.CreatedAt).Minutes()
	if elapsed < 0 {
		elapsed = 0
	}

	percent := 0.0
	if budget > 0 {
		percent = elapsed / float64(budget) * 100
	}

	return SLAStatus{
		OrderID:          o.ID,
		ServiceClass:     o.ServiceClass,
		SLAMinutes:       budget,
		ElapsedMinutes:   elapsed,
		PercentConsumed:  percent,
		RemainingMinutes: float64(budget) - elapsed,
		Category:         p.Categorize(percent),
		ComputedAt:       now,
	}
}

// Categorize maps a consumed percentage to a category.
func (p SLAPolicy) Categorize(percent float64) SLACategory {
	switch {
	case percent >= 100:
		return SLABreached
	case percent >= p.CriticalPercent:
		return SLACritical
	case percent >= p.WarningPercent:
		return SLAWarning
	default:
		return SLAHealthy
	}
}

// SLAIncident is persisted when an order first breaches.
type SLAIncident struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	OrderID       uuid.UUID    `json:"order_id" db:"order_id"`
	ServiceClass  ServiceClass `json:"service_class" db:"service_class"`
	DriverID      *uuid.UUID   `json:"driver_id,omitempty" db:"driver_id"`
	BreachMinutes float64      `json:"breach_minutes" db:"breach_minutes"`
	Compensation  float64      `json:"compensation" db:"compensation"`
	Currency      string       `json:"currency" db:"currency"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// SLASummary is the fleet-wide real-time SLA snapshot.
type SLASummary struct {
	Status              string              `json:"status"`
	TotalActive         int                 `json:"total_active"`
	TotalAtRisk         int                 `json:"total_at_risk"`
	TotalBreached       int                 `json:"total_breached"`
	ByCategory          map[SLACategory]int `json:"by_category"`
	AvgElapsedMinutes   float64             `json:"avg_elapsed_minutes"`
	MinRemainingMinutes float64             `json:"min_remaining_minutes"`
	AtRiskDeliveries    []SLAStatus         `json:"at_risk_deliveries"`
	Timestamp           time.Time           `json:"timestamp"`
}
