package services

import (
	"context"
	"fmt"
	"time"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Courier progress actions accepted by the control plane.
const (
	ProgressPickedUp  = "picked_up"
	ProgressInTransit = "in_transit"
	ProgressDelivered = "delivered"
	ProgressFailed    = "failed"
)

// LifecycleService applies courier progress to orders and drivers.
type LifecycleService struct {
	store          Store
	escalator      Escalator
	breakThreshold int
	log            *logrus.Entry
	now            func() time.Time
}

func NewLifecycleService(store Store, escalator Escalator, breakThreshold int, log *logger.Logger) *LifecycleService {
	return &LifecycleService{
		store:          store,
		escalator:      escalator,
		breakThreshold: breakThreshold,
		log:            log.Component("lifecycle"),
		now:            time.Now,
	}
}

// HandleProgress applies one courier progress event. Driver events ignore orderID.
func (s *LifecycleService) HandleProgress(ctx context.Context, eventType models.EventType, orderID uuid.UUID, ev models.CourierProgressEvent) error {
	var err error
	switch eventType {
	case models.EventTypeOrderPickedUp:
		_, err = s.PickUp(ctx, orderID, ev.DriverID)
	case models.EventTypeOrderInTransit:
		_, err = s.StartTransit(ctx, orderID, ev.DriverID)
	case models.EventTypeOrderDelivered:
		_, err = s.Deliver(ctx, orderID, ev.DriverID, ev.RequiresReturn)
	case models.EventTypeOrderFailed:
		_, err = s.Fail(ctx, orderID, ev.DriverID, ev.Reason)
	case models.EventTypeDriverArrived:
		_, err = s.ArriveAtBase(ctx, ev.DriverID)
	case models.EventTypeDriverBreakStart:
		_, err = s.StartBreak(ctx, ev.DriverID)
	case models.EventTypeDriverBreakEnd:
		_, err = s.EndBreak(ctx, ev.DriverID)
	default:
		return fmt.Errorf("%w: unknown progress event %q", ErrInvalidRequest, eventType)
	}
	return err
}

// ApplyProgress is HandleProgress keyed by the control plane action name.
func (s *LifecycleService) ApplyProgress(ctx context.Context, orderID uuid.UUID, action string, ev models.CourierProgressEvent) (*models.Order, error) {
	switch action {
	case ProgressPickedUp:
		return s.PickUp(ctx, orderID, ev.DriverID)
	case ProgressInTransit:
		return s.StartTransit(ctx, orderID, ev.DriverID)
	case ProgressDelivered:
		return s.Deliver(ctx, orderID, ev.DriverID, ev.RequiresReturn)
	case ProgressFailed:
		return s.Fail(ctx, orderID, ev.DriverID, ev.Reason)
	default:
		return nil, fmt.Errorf("%w: unknown progress action %q", ErrInvalidRequest, action)
	}
}

// PickUp records parcel collection.
func (s *LifecycleService) PickUp(ctx context.Context, orderID, driverID uuid.UUID) (*models.Order, error) {
	return s.advance(ctx, orderID, driverID, (*models.Order).PickUp)
}

// StartTransit records departure towards the drop-off.
func (s *LifecycleService) StartTransit(ctx context.Context, orderID, driverID uuid.UUID) (*models.Order, error) {
	return s.advance(ctx, orderID, driverID, (*models.Order).StartTransit)
}

func (s *LifecycleService) advance(ctx context.Context, orderID, driverID uuid.UUID, step func(*models.Order) error) (*models.Order, error) {
	o, err := s.orderFor(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}
	from := o.Status
	if err := step(o); err != nil {
		return nil, err
	}
	if err := s.store.UpdateOrderStatus(ctx, o.ID, from, o.Status); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"order_id": o.ID,
		"from":     from,
		"to":       o.Status,
	}).Info("Order progressed")
	return o, nil
}

// Deliver completes the order and frees its driver. A driver working a batch
// stays BUSY until the last member is finished.
func (s *LifecycleService) Deliver(ctx context.Context, orderID, driverID uuid.UUID, requiresReturn bool) (*models.Order, error) {
	o, err := s.orderFor(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}
	expectedOrder := o.Status
	if err := o.Deliver(s.now().UTC()); err != nil {
		return nil, err
	}
	return s.finish(ctx, o, expectedOrder, true, requiresReturn)
}

// Fail terminates the order without delivery, releases the driver and opens
// a supervisor ticket.
func (s *LifecycleService) Fail(ctx context.Context, orderID, driverID uuid.UUID, reason string) (*models.Order, error) {
	o, err := s.orderFor(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}
	expectedOrder := o.Status
	if err := o.Fail(); err != nil {
		return nil, err
	}
	if _, err := s.finish(ctx, o, expectedOrder, false, false); err != nil {
		return nil, err
	}

	if reason == "" {
		reason = "courier reported failure"
	}
	if _, _, err := s.escalator.Raise(ctx, o.ID, models.ReasonDriverCancelled, reason); err != nil {
		s.log.WithError(err).WithField("order_id", o.ID).Error("Failed to escalate failed order")
	}
	return o, nil
}

func (s *LifecycleService) finish(ctx context.Context, o *models.Order, expectedOrder models.OrderStatus, delivered, requiresReturn bool) (*models.Order, error) {
	var d *models.Driver
	var expectedDriver models.DriverStatus

	if o.HasDriver() {
		driver, err := s.store.GetDriver(ctx, *o.DriverID)
		if err != nil {
			return nil, notFound(err, ErrDriverNotFound, *o.DriverID)
		}
		expectedDriver = driver.Status
		updated, err := s.freeDriver(ctx, o, driver, delivered, requiresReturn)
		if err != nil {
			return nil, err
		}
		d = updated
	}

	if err := s.store.CompleteOrder(ctx, o, d, expectedOrder, expectedDriver); err != nil {
		return nil, err
	}

	entry := s.log.WithFields(logrus.Fields{
		"order_id": o.ID,
		"status":   o.Status,
	})
	if d != nil {
		entry = entry.WithFields(logrus.Fields{"driver_id": d.ID, "driver_status": d.Status})
	}
	entry.Info("Order finished")
	return o, nil
}

// freeDriver advances the driver whose active delivery is o or o's batch.
// It returns nil when the driver is not holding this order.
func (s *LifecycleService) freeDriver(ctx context.Context, o *models.Order, d *models.Driver, delivered, requiresReturn bool) (*models.Driver, error) {
	active := d.ActiveDeliveryID
	if active == nil {
		return nil, nil
	}
	inBatch := o.BatchID != nil && *active == *o.BatchID
	if *active != o.ID && !inBatch {
		return nil, nil
	}

	if inBatch {
		open, err := s.openBatchMembers(ctx, *o.BatchID, o.ID)
		if err != nil {
			return nil, err
		}
		if open > 0 {
			d.CurrentLoad -= o.Weight
			if d.CurrentLoad < 0 {
				d.CurrentLoad = 0
			}
			if delivered {
				d.CompletedToday++
			}
			return d, nil
		}
	}

	if delivered {
		if err := d.CompleteDelivery(requiresReturn, s.breakThreshold); err != nil {
			return nil, err
		}
		return d, nil
	}
	if err := d.Release(o.Weight); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *LifecycleService) openBatchMembers(ctx context.Context, batchID, except uuid.UUID) (int, error) {
	orders, err := s.store.GetInFlightOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load batch members: %w", err)
	}
	open := 0
	for _, o := range orders {
		if o.ID != except && o.BatchID != nil && *o.BatchID == batchID {
			open++
		}
	}
	return open, nil
}

// orderFor loads the order and checks that driverID, when set, is its driver.
func (s *LifecycleService) orderFor(ctx context.Context, orderID, driverID uuid.UUID) (*models.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, notFound(err, ErrOrderNotFound, orderID)
	}
	if driverID != uuid.Nil && (!o.HasDriver() || *o.DriverID != driverID) {
		return nil, fmt.Errorf("%w: order %s, driver %s", ErrDriverMismatch, orderID, driverID)
	}
	return o, nil
}

// ArriveAtBase ends a driver's return leg.
func (s *LifecycleService) ArriveAtBase(ctx context.Context, driverID uuid.UUID) (*models.Driver, error) {
	return s.driverStep(ctx, driverID, "arrived_at_base", func(d *models.Driver) error {
		return d.ArriveAtBase(s.breakThreshold)
	})
}

// StartBreak puts an available driver on break.
func (s *LifecycleService) StartBreak(ctx context.Context, driverID uuid.UUID) (*models.Driver, error) {
	return s.driverStep(ctx, driverID, "break_started", (*models.Driver).StartBreak)
}

// EndBreak returns a driver from break.
func (s *LifecycleService) EndBreak(ctx context.Context, driverID uuid.UUID) (*models.Driver, error) {
	return s.driverStep(ctx, driverID, "break_ended", (*models.Driver).EndBreak)
}

func (s *LifecycleService) driverStep(ctx context.Context, driverID uuid.UUID, action string, step func(*models.Driver) error) (*models.Driver, error) {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, notFound(err, ErrDriverNotFound, driverID)
	}
	expected := d.Status
	if err := step(d); err != nil {
		return nil, err
	}
	if err := s.store.SaveDriver(ctx, d, expected); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"driver_id": d.ID,
		"action":    action,
		"status":    d.Status,
	}).Info("Driver state changed")
	return d, nil
}

// GetDriver returns one driver.
func (s *LifecycleService) GetDriver(ctx context.Context, driverID uuid.UUID) (*models.Driver, error) {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, notFound(err, ErrDriverNotFound, driverID)
	}
	return d, nil
}

// ListDrivers pages through drivers, optionally filtered by status.
func (s *LifecycleService) ListDrivers(ctx context.Context, status *models.DriverStatus, limit, offset int) ([]*models.Driver, error) {
	return s.store.ListDrivers(ctx, status, limit, offset)
}
