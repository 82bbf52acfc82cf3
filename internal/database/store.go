package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"dispatch-system/internal/geo"
	"dispatch-system/internal/logger"
	"dispatch-system/internal/metrics"
	"dispatch-system/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update matched no row because
	// the state changed since it was read.
	ErrConflict = errors.New("conditional update conflict")
)

const orderColumns = `id, service_class, status, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	driver_id, batch_id, reassignment_count, priority_weight, weight, created_at, updated_at, delivered_at`

const driverColumns = `id, name, lat, lon, status, capacity, current_load, active_delivery_id,
	consecutive_deliveries, completed_today, daily_target, on_time_rate, hours_worked_today,
	max_working_hours, updated_at`

// kmPerDegree is the length of one degree of latitude.
const kmPerDegree = 111.0

// Store is the transactional order/driver store. Every mutation is a
// compare-and-swap on the status read by the caller.
type Store struct {
	db      *DB
	log     *logger.Logger
	policy  models.SLAPolicy
	timeout time.Duration
	now     func() time.Time
}

// NewStore wraps a connection pool. The SLA policy is used to order pending
// orders by deadline.
func NewStore(db *DB, policy models.SLAPolicy, timeout time.Duration, log *logger.Logger) *Store {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Store{
		db:      db,
		log:     log,
		policy:  policy,
		timeout: timeout,
		now:     time.Now,
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// observe records a store call; deferred with a pointer so the final error is seen.
func observe(op string, start time.Time, errp *error) {
	metrics.RecordDatabaseQuery(op, *errp, time.Since(start))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o           models.Order
		driverID    uuid.NullUUID
		batchID     uuid.NullUUID
		deliveredAt sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.ServiceClass, &o.Status,
		&o.Pickup.Lat, &o.Pickup.Lon, &o.Dropoff.Lat, &o.Dropoff.Lon,
		&driverID, &batchID, &o.ReassignmentCount, &o.PriorityWeight, &o.Weight,
		&o.CreatedAt, &o.UpdatedAt, &deliveredAt,
	)
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		id := driverID.UUID
		o.DriverID = &id
	}
	if batchID.Valid {
		id := batchID.UUID
		o.BatchID = &id
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		o.DeliveredAt = &t
	}
	return &o, nil
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var (
		d        models.Driver
		activeID uuid.NullUUID
	)
	err := row.Scan(
		&d.ID, &d.Name, &d.Location.Lat, &d.Location.Lon, &d.Status,
		&d.Capacity, &d.CurrentLoad, &activeID,
		&d.ConsecutiveDeliveries, &d.CompletedToday, &d.DailyTarget, &d.OnTimeRate,
		&d.HoursWorkedToday, &d.MaxWorkingHours, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if activeID.Valid {
		id := activeID.UUID
		d.ActiveDeliveryID = &id
	}
	return &d, nil
}

func collectOrders(rows *sql.Rows) ([]*models.Order, error) {
	defer rows.Close()
	var orders []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func collectDrivers(rows *sql.Rows) ([]*models.Driver, error) {
	defer rows.Close()
	var drivers []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan driver: %w", err)
		}
		drivers = append(drivers, d)
	}
	return drivers, rows.Err()
}

// GetPendingOrders returns PENDING orders, the earliest SLA deadline first.
func (s *Store) GetPendingOrders(ctx context.Context) (orders []*models.Order, err error) {
	defer observe("get_pending_orders", time.Now(), &err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1
		ORDER BY created_at + make_interval(mins => CASE WHEN service_class = $2 THEN $3::int ELSE $4::int END) ASC,
		         priority_weight DESC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, models.OrderStatusPending,
		models.ServiceClassUrgent, s.policy.UrgentMinutes, s.policy.StandardMinutes)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending orders: %w", err)
	}
	return collectOrders(rows)
}

// GetInFlightOrders returns orders in ASSIGNED, PICKED_UP or IN_TRANSIT.
func (s *Store) GetInFlightOrders(ctx context.Context) (orders []*models.Order, err error) {
	defer observe("get_in_flight_orders", time.Now(), &err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = ANY($1) ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, inFlightStatuses())
	if err != nil {
		return nil, fmt.Errorf("failed to get in-flight orders: %w", err)
	}
	return collectOrders(rows)
}

// GetOrder returns one order.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// GetDriver returns one driver.
func (s *Store) GetDriver(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	d, err := scanDriver(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}
	return d, nil
}

// ListDrivers returns drivers, optionally filtered by status.
func (s *Store) ListDrivers(ctx context.Context, status *models.DriverStatus, limit, offset int) ([]*models.Driver, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + driverColumns + ` FROM drivers WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *status)
		argIndex++
	}

	query += " ORDER BY id ASC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, limit)
		argIndex++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list drivers: %w", err)
	}
	return collectDrivers(rows)
}

// GetAvailableDrivers returns AVAILABLE drivers within radiusKm of center.
// A bounding box narrows the scan; the exact great-circle check runs here.
func (s *Store) GetAvailableDrivers(ctx context.Context, center models.Location, radiusKm float64) (drivers []*models.Driver, err error) {
	defer observe("get_available_drivers", time.Now(), &err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	latDelta := radiusKm / kmPerDegree
	lonDelta := radiusKm / (kmPerDegree * math.Max(math.Cos(center.Lat*math.Pi/180), 0.01))

	query := `
		SELECT ` + driverColumns + `
		FROM drivers
		WHERE status = $1
		  AND lat BETWEEN $2 AND $3
		  AND lon BETWEEN $4 AND $5
	`
	rows, err := s.db.QueryContext(ctx, query, models.DriverStatusAvailable,
		center.Lat-latDelta, center.Lat+latDelta, center.Lon-lonDelta, center.Lon+lonDelta)
	if err != nil {
		return nil, fmt.Errorf("failed to get available drivers: %w", err)
	}

	candidates, err := collectDrivers(rows)
	if err != nil {
		return nil, err
	}

	drivers = candidates[:0]
	for _, d := range candidates {
		if geo.HaversineKm(center, d.Location) <= radiusKm {
			drivers = append(drivers, d)
		}
	}
	return drivers, nil
}

// RecordIncident stores the breach record of an order. Only the first record
// per order is kept; created reports whether this call inserted it.
func (s *Store) RecordIncident(ctx context.Context, inc *models.SLAIncident) (created bool, err error) {
	defer observe("record_incident", time.Now(), &err)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO sla_incidents (id, order_id, service_class, driver_id, breach_minutes, compensation, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, inc.ID, inc.OrderID, inc.ServiceClass, inc.DriverID,
		inc.BreachMinutes, inc.Compensation, inc.Currency, inc.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record incident: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// Health pings the underlying pool.
func (s *Store) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}
