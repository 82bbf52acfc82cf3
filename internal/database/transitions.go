package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dispatch-system/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Transition is a state change of an order, a driver, or both, written only
// if each row is still in its expected status.
type Transition struct {
	Order          *models.Order
	ExpectedOrder  models.OrderStatus
	Driver         *models.Driver
	ExpectedDriver models.DriverStatus
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func inFlightStatuses() interface{} {
	out := make([]string, 0, len(models.InFlightStatuses))
	for _, st := range models.InFlightStatuses {
		out = append(out, string(st))
	}
	return pq.Array(out)
}

func conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func checkAffected(result sql.Result, want int64, format string, args ...interface{}) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != want {
		return conflictf(format, args...)
	}
	return nil
}

// ConditionalAssign sets order.driver and status ASSIGNED where the order is in
// expectedOrder, and makes the driver BUSY where it is in expectedDriver. Both
// rows commit together or not at all; a lost race returns ErrConflict.
func (s *Store) ConditionalAssign(ctx context.Context, orderID, driverID uuid.UUID, expectedOrder models.OrderStatus, expectedDriver models.DriverStatus) (err error) {
	defer observe("conditional_assign", time.Now(), &err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	var weight float64
	orderQuery := `
		UPDATE orders
		SET driver_id = $1, status = $2, updated_at = $3
		WHERE id = $4 AND status = $5 AND driver_id IS NULL
		RETURNING weight
	`
	err = tx.QueryRowContext(ctx, orderQuery, driverID, models.OrderStatusAssigned, now, orderID, expectedOrder).Scan(&weight)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conflictf("order %s is no longer %s", orderID, expectedOrder)
		}
		return fmt.Errorf("failed to assign order: %w", err)
	}

	if err = s.takeDriverTx(ctx, tx, driverID, orderID, weight, expectedDriver, now); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"order_id":  orderID,
		"driver_id": driverID,
	}).Debug("Order assigned")

	return nil
}

// ConditionalAssignBatch assigns every order of a batch to one driver. All
// orders must still be PENDING and unassigned, otherwise nothing is written.
func (s *Store) ConditionalAssignBatch(ctx context.Context, batchID uuid.UUID, orderIDs []uuid.UUID, driverID uuid.UUID) (err error) {
	defer observe("conditional_assign_batch", time.Now(), &err)
	if len(orderIDs) == 0 {
		return fmt.Errorf("empty batch %s", batchID)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	orderQuery := `
		UPDATE orders
		SET driver_id = $1, status = $2, batch_id = $3, updated_at = $4
		WHERE id = ANY($5::uuid[]) AND status = $6 AND driver_id IS NULL
		RETURNING weight
	`
	rows, err := tx.QueryContext(ctx, orderQuery, driverID, models.OrderStatusAssigned, batchID, now,
		pq.Array(uuidStrings(orderIDs)), models.OrderStatusPending)
	if err != nil {
		return fmt.Errorf("failed to assign batch: %w", err)
	}

	var (
		total   float64
		updated int
	)
	for rows.Next() {
		var w float64
		if err = rows.Scan(&w); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan batch weight: %w", err)
		}
		total += w
		updated++
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return fmt.Errorf("failed to assign batch: %w", err)
	}
	if updated != len(orderIDs) {
		return conflictf("batch %s: %d of %d orders still pending", batchID, updated, len(orderIDs))
	}

	if err = s.takeDriverTx(ctx, tx, driverID, batchID, total, models.DriverStatusAvailable, now); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ConditionalReassign swaps the driver of an in-flight order. The order must
// still be held by oldDriverID in expectedStatus and newDriverID must be
// AVAILABLE. The old driver always sheds the order's weight and is released
// once no in-flight order references it. Returns the new reassignment count.
func (s *Store) ConditionalReassign(ctx context.Context, orderID, oldDriverID, newDriverID uuid.UUID, expectedStatus models.OrderStatus) (count int, err error) {
	defer observe("conditional_reassign", time.Now(), &err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	var weight float64
	orderQuery := `
		UPDATE orders
		SET driver_id = $1, batch_id = NULL, reassignment_count = reassignment_count + 1, updated_at = $2
		WHERE id = $3 AND driver_id = $4 AND status = $5
		RETURNING reassignment_count, weight
	`
	err = tx.QueryRowContext(ctx, orderQuery, newDriverID, now, orderID, oldDriverID, expectedStatus).Scan(&count, &weight)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, conflictf("order %s no longer held by %s in %s", orderID, oldDriverID, expectedStatus)
		}
		return 0, fmt.Errorf("failed to reassign order: %w", err)
	}

	if err = s.takeDriverTx(ctx, tx, newDriverID, orderID, weight, models.DriverStatusAvailable, now); err != nil {
		return 0, err
	}

	unloadQuery := `
		UPDATE drivers
		SET current_load = GREATEST(current_load - $1, 0), updated_at = $2
		WHERE id = $3 AND status = $4
	`
	if _, err = tx.ExecContext(ctx, unloadQuery, weight, now, oldDriverID, models.DriverStatusBusy); err != nil {
		return 0, fmt.Errorf("failed to unload previous driver: %w", err)
	}

	releaseQuery := `
		UPDATE drivers
		SET status = $1, active_delivery_id = NULL, current_load = 0,
		    consecutive_deliveries = GREATEST(consecutive_deliveries - 1, 0),
		    updated_at = $2
		WHERE id = $3 AND status = $4
		  AND NOT EXISTS (
		      SELECT 1 FROM orders WHERE driver_id = $3 AND status = ANY($5)
		  )
	`
	result, err := tx.ExecContext(ctx, releaseQuery, models.DriverStatusAvailable, now,
		oldDriverID, models.DriverStatusBusy, inFlightStatuses())
	if err != nil {
		return 0, fmt.Errorf("failed to release previous driver: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		s.log.WithFields(map[string]interface{}{
			"order_id":  orderID,
			"driver_id": oldDriverID,
		}).Info("Previous driver keeps other active work, not released")
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return count, nil
}

// ConditionalRelease makes a driver AVAILABLE if it is in expected status and
// no in-flight order still references it.
func (s *Store) ConditionalRelease(ctx context.Context, driverID uuid.UUID, expected models.DriverStatus) (err error) {
	defer observe("conditional_release", time.Now(), &err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE drivers
		SET status = $1, active_delivery_id = NULL, current_load = 0, updated_at = $2
		WHERE id = $3 AND status = $4
		  AND NOT EXISTS (
		      SELECT 1 FROM orders WHERE driver_id = $3 AND status = ANY($5)
		  )
	`
	result, err := s.db.ExecContext(ctx, query, models.DriverStatusAvailable, s.now(), driverID, expected, inFlightStatuses())
	if err != nil {
		return fmt.Errorf("failed to release driver: %w", err)
	}
	return checkAffected(result, 1, "driver %s is not %s or still holds in-flight work", driverID, expected)
}

// ApplyTransition writes the order and/or driver of t, each guarded by its
// expected status, in one transaction.
func (s *Store) ApplyTransition(ctx context.Context, t Transition) (err error) {
	defer observe("apply_transition", time.Now(), &err)
	if t.Order == nil && t.Driver == nil {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	if o := t.Order; o != nil {
		query := `
			UPDATE orders
			SET status = $1, driver_id = $2, batch_id = $3, reassignment_count = $4,
			    delivered_at = $5, updated_at = $6
			WHERE id = $7 AND status = $8
		`
		result, err := tx.ExecContext(ctx, query, o.Status, o.DriverID, o.BatchID, o.ReassignmentCount,
			o.DeliveredAt, now, o.ID, t.ExpectedOrder)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if err := checkAffected(result, 1, "order %s is no longer %s", o.ID, t.ExpectedOrder); err != nil {
			return err
		}
	}

	if d := t.Driver; d != nil {
		query := `
			UPDATE drivers
			SET status = $1, active_delivery_id = $2, current_load = $3, consecutive_deliveries = $4,
			    completed_today = $5, lat = $6, lon = $7, updated_at = $8
			WHERE id = $9 AND status = $10
		`
		result, err := tx.ExecContext(ctx, query, d.Status, d.ActiveDeliveryID, d.CurrentLoad,
			d.ConsecutiveDeliveries, d.CompletedToday, d.Location.Lat, d.Location.Lon, now, d.ID, t.ExpectedDriver)
		if err != nil {
			return fmt.Errorf("failed to update driver: %w", err)
		}
		if err := checkAffected(result, 1, "driver %s is no longer %s", d.ID, t.ExpectedDriver); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// takeDriverTx moves a driver to BUSY with deliveryID as its active delivery.
func (s *Store) takeDriverTx(ctx context.Context, tx *sql.Tx, driverID, deliveryID uuid.UUID, weight float64, expected models.DriverStatus, now time.Time) error {
	query := `
		UPDATE drivers
		SET status = $1, active_delivery_id = $2, current_load = current_load + $3,
		    consecutive_deliveries = consecutive_deliveries + 1, updated_at = $4
		WHERE id = $5 AND status = $6 AND active_delivery_id IS NULL
	`
	result, err := tx.ExecContext(ctx, query, models.DriverStatusBusy, deliveryID, weight, now, driverID, expected)
	if err != nil {
		return fmt.Errorf("failed to update driver: %w", err)
	}
	return checkAffected(result, 1, "driver %s is no longer %s", driverID, expected)
}

// UpdateOrderStatus moves an order from one status to another without
// touching its driver.
func (s *Store) UpdateOrderStatus(ctx context.Context, id uuid.UUID, from, to models.OrderStatus) (err error) {
	defer observe("update_order_status", time.Now(), &err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	result, err := s.db.ExecContext(ctx, query, to, s.now(), id, from)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return checkAffected(result, 1, "order %s is no longer %s", id, from)
}

// SaveDriver writes a driver whose state machine was advanced in memory.
func (s *Store) SaveDriver(ctx context.Context, d *models.Driver, expected models.DriverStatus) error {
	return s.ApplyTransition(ctx, Transition{Driver: d, ExpectedDriver: expected})
}

// CompleteOrder writes a terminal order together with the driver it frees.
func (s *Store) CompleteOrder(ctx context.Context, o *models.Order, d *models.Driver, expectedOrder models.OrderStatus, expectedDriver models.DriverStatus) error {
	return s.ApplyTransition(ctx, Transition{
		Order:          o,
		ExpectedOrder:  expectedOrder,
		Driver:         d,
		ExpectedDriver: expectedDriver,
	})
}
