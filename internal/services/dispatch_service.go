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

// DispatchService is the auto-dispatch loop body.
type DispatchService struct {
	store     Store
	events    EventPublisher
	notifier  Notifier
	streaks   StreakCounter
	escalator Escalator
	planner   *RoutePlanner
	batches   *BatchQueue
	config    *config.DispatchConfig
	policy    models.SLAPolicy
	log       *logrus.Entry
	now       func() time.Time
}

func NewDispatchService(store Store, events EventPublisher, notifier Notifier, streaks StreakCounter, escalator Escalator,
	planner *RoutePlanner, batches *BatchQueue, cfg *config.DispatchConfig, policy models.SLAPolicy, log *logger.Logger) *DispatchService {
	return &DispatchService{
		store:     store,
		events:    events,
		notifier:  notifier,
		streaks:   streaks,
		escalator: escalator,
		planner:   planner,
		batches:   batches,
		config:    cfg,
		policy:    policy,
		log:       log.Component("dispatch"),
		now:       time.Now,
	}
}

// Tick walks pending orders most urgent first. A batch handed over by the
// batching loop is tried when its most urgent member comes up; if it cannot
// be placed its members go through single dispatch.
func (s *DispatchService) Tick(ctx context.Context) error {
	pending, err := s.store.GetPendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending orders: %w", err)
	}
	batchOf := s.pendingBatches(pending)

	handled := make(map[uuid.UUID]bool)
	tried := make(map[uuid.UUID]bool)
	var errs []error
	assigned, batched := 0, 0

	for _, o := range pending {
		if handled[o.ID] {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if b, ok := batchOf[o.ID]; ok && !tried[b.ID] {
			tried[b.ID] = true
			placed, err := s.dispatchBatch(ctx, b)
			if err != nil {
				errs = append(errs, err)
			}
			if placed {
				batched++
				for _, id := range b.OrderIDs() {
					handled[id] = true
				}
				continue
			}
		}

		ok, err := s.dispatchOrder(ctx, o)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			assigned++
		}
	}

	s.log.WithFields(logrus.Fields{
		"pending":  len(pending),
		"batches":  batched,
		"assigned": assigned,
		"errors":   len(errs),
	}).Debug("Dispatch tick completed")

	// a tick fails only when nothing could be attempted cleanly
	if len(errs) > 0 && assigned == 0 && batched == 0 {
		return errors.Join(errs...)
	}
	return nil
}

// pendingBatches takes the latest batch set and indexes the batches whose
// members are all still pending by member id. Stale batches are dropped.
func (s *DispatchService) pendingBatches(pending []*models.Order) map[uuid.UUID]*models.Batch {
	isPending := make(map[uuid.UUID]bool, len(pending))
	for _, o := range pending {
		isPending[o.ID] = true
	}

	batchOf := make(map[uuid.UUID]*models.Batch)
	for _, b := range s.batches.Take() {
		stale := false
		for _, id := range b.OrderIDs() {
			if !isPending[id] {
				stale = true
				break
			}
		}
		if stale {
			metrics.RecordBatches("stale", 1)
			continue
		}
		for _, id := range b.OrderIDs() {
			batchOf[id] = b
		}
	}
	return batchOf
}

// DispatchOrder runs the single-order path for one order id.
func (s *DispatchService) DispatchOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return false, notFound(err, ErrOrderNotFound, orderID)
	}
	if o.Status != models.OrderStatusPending {
		return false, nil
	}
	return s.dispatchOrder(ctx, o)
}

func (s *DispatchService) dispatchOrder(ctx context.Context, o *models.Order) (bool, error) {
	entry := s.log.WithFields(logrus.Fields{
		"order_id":      o.ID,
		"service_class": o.ServiceClass,
	})

	drivers, err := s.store.GetAvailableDrivers(ctx, o.Pickup, s.config.MaxRadiusKm)
	if err != nil {
		metrics.RecordAssignment(string(o.ServiceClass), "error")
		return false, fmt.Errorf("failed to load drivers for order %s: %w", o.ID, err)
	}

	ranked := withSpareCapacity(RankDrivers(drivers, o.Pickup, ScoreParams{RadiusKm: s.config.MaxRadiusKm}), o.Weight)
	if len(ranked) == 0 {
		metrics.RecordAssignment(string(o.ServiceClass), "no_driver")
		return false, s.noDriver(ctx, o)
	}

	best := ranked[0]
	err = s.store.ConditionalAssign(ctx, o.ID, best.Driver.ID, models.OrderStatusPending, models.DriverStatusAvailable)
	if errors.Is(err, database.ErrConflict) {
		metrics.RecordAssignment(string(o.ServiceClass), "conflict")
		entry.WithError(err).Debug("Assignment lost a race, retrying next tick")
		return false, nil
	}
	if err != nil {
		metrics.RecordAssignment(string(o.ServiceClass), "error")
		return false, fmt.Errorf("failed to assign order %s: %w", o.ID, err)
	}
	metrics.RecordAssignment(string(o.ServiceClass), "success")

	if err := s.streaks.Reset(ctx, o.ID); err != nil {
		entry.WithError(err).Warn("Failed to reset no-driver streak")
	}

	driverID := best.Driver.ID
	plan := s.plan(ctx, o.ServiceClass, o.Pickup, []*models.Order{o}, best.Driver)
	s.events.PublishOrderAssigned(o.ID, models.OrderAssignedEvent{
		DriverID:     driverID,
		ServiceClass: o.ServiceClass,
		Score:        best.Score,
		DistanceKm:   best.DistanceKm,
		Plan:         plan,
	})
	s.notifier.NotifyDriver(driverID, models.Notification{
		Kind:     models.NotifyAssignment,
		OrderID:  o.ID,
		DriverID: &driverID,
		Message:  "New order assigned",
		Data:     o,
	})

	entry.WithFields(logrus.Fields{
		"driver_id":   driverID,
		"score":       best.Score,
		"distance_km": best.DistanceKm,
	}).Info("Order assigned")
	return true, nil
}

func (s *DispatchService) dispatchBatch(ctx context.Context, b *models.Batch) (bool, error) {
	entry := s.log.WithFields(logrus.Fields{
		"batch_id": b.ID,
		"orders":   b.Size(),
		"weight":   b.TotalWeight,
	})

	drivers, err := s.store.GetAvailableDrivers(ctx, b.Centroid, s.config.MaxRadiusKm)
	if err != nil {
		return false, fmt.Errorf("failed to load drivers for batch %s: %w", b.ID, err)
	}

	ranked := withSpareCapacity(RankDrivers(drivers, b.Centroid, ScoreParams{RadiusKm: s.config.MaxRadiusKm}), b.TotalWeight)
	if len(ranked) == 0 {
		metrics.RecordBatches("no_driver", 1)
		entry.Debug("No driver can take the batch, members fall back to single dispatch")
		return false, nil
	}

	best := ranked[0]
	err = s.store.ConditionalAssignBatch(ctx, b.ID, b.OrderIDs(), best.Driver.ID)
	if errors.Is(err, database.ErrConflict) {
		metrics.RecordBatches("conflict", 1)
		entry.WithError(err).Debug("Batch assignment lost a race, members fall back to single dispatch")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to assign batch %s: %w", b.ID, err)
	}
	metrics.RecordBatches("assigned", 1)

	driverID := best.Driver.ID
	batchID := b.ID
	plan := s.plan(ctx, b.ServiceClass, b.Centroid, b.Orders, best.Driver)
	for _, o := range b.Orders {
		metrics.RecordAssignment(string(o.ServiceClass), "success")
		if err := s.streaks.Reset(ctx, o.ID); err != nil {
			entry.WithError(err).WithField("order_id", o.ID).Warn("Failed to reset no-driver streak")
		}
		s.events.PublishOrderAssigned(o.ID, models.OrderAssignedEvent{
			DriverID:     driverID,
			BatchID:      &batchID,
			ServiceClass: o.ServiceClass,
			Score:        best.Score,
			DistanceKm:   best.DistanceKm,
			Plan:         plan,
		})
	}
	s.notifier.NotifyDriver(driverID, models.Notification{
		Kind:     models.NotifyAssignment,
		OrderID:  b.Orders[0].ID,
		DriverID: &driverID,
		Message:  fmt.Sprintf("New batch of %d orders assigned", b.Size()),
		Data:     b,
	})

	entry.WithFields(logrus.Fields{
		"driver_id": driverID,
		"score":     best.Score,
	}).Info("Batch assigned")
	return true, nil
}

// noDriver records a miss and escalates once the streak reaches the threshold.
func (s *DispatchService) noDriver(ctx context.Context, o *models.Order) error {
	streak, err := s.streaks.Incr(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("failed to count no-driver miss for order %s: %w", o.ID, err)
	}

	status := models.ComputeSLAStatus(o, s.now(), s.policy)
	s.events.PublishNoDriver(o.ID, models.NoDriverEvent{
		ServiceClass:     o.ServiceClass,
		ConsecutiveMiss:  streak,
		RemainingMinutes: status.RemainingMinutes,
	})

	entry := s.log.WithFields(logrus.Fields{
		"order_id": o.ID,
		"streak":   streak,
	})
	if streak < int64(s.config.NoDriverEscalateAfter) {
		entry.Info("No driver available")
		return nil
	}

	details := fmt.Sprintf("no driver within %.1f km for %d consecutive dispatch ticks", s.config.MaxRadiusKm, streak)
	if _, _, err := s.escalator.Raise(ctx, o.ID, models.ReasonNoDriversAvailable, details); err != nil {
		return fmt.Errorf("failed to escalate order %s: %w", o.ID, err)
	}
	if err := s.streaks.Reset(ctx, o.ID); err != nil {
		entry.WithError(err).Warn("Failed to reset no-driver streak")
	}
	entry.Warn("No driver available, escalated")
	return nil
}

// plan routes the drop-offs from start, the pickup point or a batch's pickup
// centroid. Routing problems never fail an assignment; the plan is simply
// left out.
func (s *DispatchService) plan(ctx context.Context, class models.ServiceClass, start models.Location, orders []*models.Order, d *models.Driver) *models.RoutePlan {
	if s.planner == nil {
		return nil
	}
	timeout := s.config.PlanTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	planCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stops := make([]models.Stop, 0, len(orders))
	for _, o := range orders {
		stops = append(stops, models.Stop{ID: o.ID, OrderID: o.ID, Location: o.Dropoff, Demand: o.Weight})
	}

	plan, err := s.planner.Plan(planCtx, PlanRequest{
		Depot:            start,
		Stops:            stops,
		Vehicles:         []models.Vehicle{{ID: d.ID, Start: start, Capacity: d.Capacity}},
		ServiceClass:     class,
		PreferEfficiency: s.config.PreferEfficiency,
	})
	if err != nil {
		s.log.WithError(err).WithField("driver_id", d.ID).Warn("Failed to plan route")
		return nil
	}
	return plan
}
