package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatch-system/internal/config"
	"dispatch-system/internal/database"
	"dispatch-system/internal/logger"
	"dispatch-system/internal/metrics"
	"dispatch-system/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Reasons a reassignment did not happen.
const (
	ReasonNotAtRisk    = "not_at_risk"
	ReasonNotInFlight  = "not_in_flight"
	ReasonMaxAttempts  = "max_attempts_reached"
	ReasonNoCandidate  = "no_candidate"
	ReasonLowScore     = "best_candidate_below_threshold"
	ReasonLostRace     = "conflict"
	ReasonReassignedOK = "reassigned"
)

// ReassignmentResult reports one reassignment attempt.
type ReassignmentResult struct {
	OrderID           uuid.UUID          `json:"order_id"`
	Reassigned        bool               `json:"reassigned"`
	Reason            string             `json:"reason"`
	OldDriverID       *uuid.UUID         `json:"old_driver_id,omitempty"`
	NewDriverID       *uuid.UUID         `json:"new_driver_id,omitempty"`
	Score             float64            `json:"score,omitempty"`
	ReassignmentCount int                `json:"reassignment_count"`
	Category          models.SLACategory `json:"category"`
	Attempts          int                `json:"attempts"`
}

// Exhausted reports whether the order has used up its reassignments.
func (r *ReassignmentResult) Exhausted() bool {
	return r.Reason == ReasonMaxAttempts
}

// ReassignmentService moves at-risk orders to better drivers.
type ReassignmentService struct {
	store    Store
	events   EventPublisher
	notifier Notifier
	config   *config.ReassignmentConfig
	policy   models.SLAPolicy
	log      *logrus.Entry
	now      func() time.Time
}

func NewReassignmentService(store Store, events EventPublisher, notifier Notifier, cfg *config.ReassignmentConfig, policy models.SLAPolicy, log *logger.Logger) *ReassignmentService {
	return &ReassignmentService{
		store:    store,
		events:   events,
		notifier: notifier,
		config:   cfg,
		policy:   policy,
		log:      log.Component("reassignment"),
		now:      time.Now,
	}
}

// ShouldReassign reports whether the monitor should try to move the order.
func (s *ReassignmentService) ShouldReassign(o *models.Order, status models.SLAStatus) bool {
	return status.Category.AtLeast(models.SLACritical) && o.ReassignmentCount < s.config.MaxAttempts
}

// Reassign moves an order in CRITICAL or BREACHED to the best eligible
// driver. A nil error with Reassigned=false is a normal outcome.
func (s *ReassignmentService) Reassign(ctx context.Context, o *models.Order, status models.SLAStatus) (*ReassignmentResult, error) {
	if s.ShouldReassign(o, status) {
		return s.attempt(ctx, o, status.Category, "sla", false), nil
	}

	result := &ReassignmentResult{OrderID: o.ID, Reason: ReasonNotAtRisk, Category: status.Category,
		ReassignmentCount: o.ReassignmentCount}
	if status.Category.AtLeast(models.SLACritical) {
		result.Reason = ReasonMaxAttempts
		if o.HasDriver() {
			oldDriver := *o.DriverID
			result.OldDriverID = &oldDriver
		}
		metrics.RecordReassignment("sla", ReasonMaxAttempts)
	}
	return result, nil
}

// ForceReassign is the operator path. It skips the category gate but still
// honours the attempt limit.
func (s *ReassignmentService) ForceReassign(ctx context.Context, orderID uuid.UUID) (*ReassignmentResult, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, notFound(err, ErrOrderNotFound, orderID)
	}
	if !o.Status.IsInFlight() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotInFlight, orderID, o.Status)
	}
	status := models.ComputeSLAStatus(o, s.now(), s.policy)
	return s.attempt(ctx, o, status.Category, "manual", true), nil
}

func (s *ReassignmentService) attempt(ctx context.Context, o *models.Order, category models.SLACategory, trigger string, forced bool) *ReassignmentResult {
	result := &ReassignmentResult{
		OrderID:           o.ID,
		Category:          category,
		ReassignmentCount: o.ReassignmentCount,
	}
	entry := s.log.WithFields(logrus.Fields{
		"order_id": o.ID,
		"category": category,
		"trigger":  trigger,
	})

	if !o.Status.IsInFlight() || !o.HasDriver() {
		result.Reason = ReasonNotInFlight
		return s.finish(entry, result, trigger)
	}
	oldDriver := *o.DriverID
	result.OldDriverID = &oldDriver

	if o.ReassignmentCount >= s.config.MaxAttempts {
		result.Reason = ReasonMaxAttempts
		return s.finish(entry, result, trigger)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		result.Attempts = attempt
		if attempt == 2 {
			if !sleepCtx(ctx, s.config.RetryBackoff) {
				break
			}
			// the first try may have lost to a pickup or another reassignment
			fresh, err := s.store.GetOrder(ctx, o.ID)
			if err != nil {
				entry.WithError(err).Warn("Failed to reload order before retry")
				result.Reason = ReasonNoCandidate
				break
			}
			o = fresh
			if !o.Status.IsInFlight() || !o.HasDriver() {
				result.Reason = ReasonNotInFlight
				return s.finish(entry, result, trigger)
			}
			if *o.DriverID != oldDriver {
				result.Reason = ReasonLostRace
				return s.finish(entry, result, trigger)
			}
			result.ReassignmentCount = o.ReassignmentCount
			if o.ReassignmentCount >= s.config.MaxAttempts {
				result.Reason = ReasonMaxAttempts
				return s.finish(entry, result, trigger)
			}
		}

		best, reason, err := s.bestCandidate(ctx, o, o.PendingLegTarget(), oldDriver)
		if err == nil && best == nil {
			result.Reason = reason
			return s.finish(entry, result, trigger)
		}

		if err == nil {
			var count int
			count, err = s.reassignCall(ctx, o, oldDriver, best.Driver.ID)
			if err == nil {
				newDriver := best.Driver.ID
				result.Reassigned = true
				result.Reason = ReasonReassignedOK
				result.NewDriverID = &newDriver
				result.Score = best.Score
				result.ReassignmentCount = count
				s.announce(o, oldDriver, newDriver, result, forced)
				return s.finish(entry, result, trigger)
			}
		}

		entry.WithError(err).WithField("attempt", attempt).Warn("Reassignment attempt failed")
		if errors.Is(err, database.ErrConflict) {
			result.Reason = ReasonLostRace
		} else {
			result.Reason = ReasonNoCandidate
		}
	}
	return s.finish(entry, result, trigger)
}

func (s *ReassignmentService) bestCandidate(ctx context.Context, o *models.Order, target models.Location, exclude uuid.UUID) (*ScoredDriver, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.externalTimeout())
	defer cancel()

	drivers, err := s.store.GetAvailableDrivers(callCtx, target, s.config.RadiusKm)
	if err != nil {
		return nil, "", err
	}

	candidates := drivers[:0:0]
	for _, d := range drivers {
		if d.ID != exclude {
			candidates = append(candidates, d)
		}
	}
	ranked := withSpareCapacity(RankDrivers(candidates, target, ScoreParams{RadiusKm: s.config.RadiusKm}), o.Weight)
	if len(ranked) == 0 {
		return nil, ReasonNoCandidate, nil
	}
	if ranked[0].Score < s.config.MinAcceptScore {
		return nil, ReasonLowScore, nil
	}
	return &ranked[0], "", nil
}

func (s *ReassignmentService) reassignCall(ctx context.Context, o *models.Order, oldDriver, newDriver uuid.UUID) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.externalTimeout())
	defer cancel()
	return s.store.ConditionalReassign(callCtx, o.ID, oldDriver, newDriver, o.Status)
}

func (s *ReassignmentService) announce(o *models.Order, oldDriver, newDriver uuid.UUID, result *ReassignmentResult, forced bool) {
	s.events.PublishOrderReassigned(o.ID, models.OrderReassignedEvent{
		OldDriverID:       oldDriver,
		NewDriverID:       newDriver,
		ReassignmentCount: result.ReassignmentCount,
		Category:          result.Category,
		Score:             result.Score,
		Forced:            forced,
	})

	s.notifier.NotifyDriver(newDriver, models.Notification{
		Kind:     models.NotifyReassignedTo,
		OrderID:  o.ID,
		DriverID: &newDriver,
		Message:  "An order has been reassigned to you",
		Data:     o,
	})
	s.notifier.NotifyDriver(oldDriver, models.Notification{
		Kind:     models.NotifyReassignedOff,
		OrderID:  o.ID,
		DriverID: &oldDriver,
		Message:  "An order has been moved to another driver",
	})
	s.notifier.NotifyCustomer(o.ID, models.Notification{
		Kind:     models.NotifyDriverChanged,
		OrderID:  o.ID,
		DriverID: &newDriver,
		Message:  "A new driver is on the way with your order",
	})
}

func (s *ReassignmentService) finish(entry *logrus.Entry, result *ReassignmentResult, trigger string) *ReassignmentResult {
	outcome := "success"
	if !result.Reassigned {
		outcome = result.Reason
	}
	metrics.RecordReassignment(trigger, outcome)

	entry = entry.WithField("reason", result.Reason)
	if result.Reassigned {
		entry.WithField("new_driver_id", *result.NewDriverID).Info("Order reassigned")
	} else {
		entry.Info("Order not reassigned")
	}
	return result
}

func (s *ReassignmentService) externalTimeout() time.Duration {
	if s.config.ExternalTimeout <= 0 {
		return 3 * time.Second
	}
	return s.config.ExternalTimeout
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
