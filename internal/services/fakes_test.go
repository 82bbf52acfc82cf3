package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"dispatch-system/internal/config"
	"dispatch-system/internal/database"
	"dispatch-system/internal/geo"
	"dispatch-system/internal/models"
	ticketstore "dispatch-system/internal/redis"
	"dispatch-system/internal/routing"

	"github.com/google/uuid"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var riyadh = models.Location{Lat: 24.7136, Lon: 46.6753}

// offset moves a point roughly dLatKm north and dLonKm east.
func offset(p models.Location, dLatKm, dLonKm float64) models.Location {
	return models.Location{Lat: p.Lat + dLatKm/111.0, Lon: p.Lon + dLonKm/101.0}
}

func newDriver(loc models.Location) *models.Driver {
	return &models.Driver{
		ID:              uuid.New(),
		Name:            "driver",
		Location:        loc,
		Status:          models.DriverStatusAvailable,
		Capacity:        3000,
		DailyTarget:     20,
		CompletedToday:  10,
		OnTimeRate:      0.95,
		MaxWorkingHours: 10,
	}
}

func newOrder(class models.ServiceClass, ageMinutes float64, pickup models.Location) *models.Order {
	return &models.Order{
		ID:           uuid.New(),
		ServiceClass: class,
		Status:       models.OrderStatusPending,
		Pickup:       pickup,
		Dropoff:      offset(pickup, 3, 3),
		Weight:       100,
		CreatedAt:    testNow.Add(-time.Duration(ageMinutes * float64(time.Minute))),
	}
}

// assignedTo marks o in flight with d as its driver.
func assignedTo(o *models.Order, d *models.Driver, status models.OrderStatus) *models.Order {
	id := d.ID
	o.DriverID = &id
	o.Status = status
	active := o.ID
	d.ActiveDeliveryID = &active
	d.Status = models.DriverStatusBusy
	d.CurrentLoad = o.Weight
	return o
}

type fakeStore struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*models.Order
	drivers   map[uuid.UUID]*models.Driver
	incidents map[uuid.UUID]*models.SLAIncident

	availableErr   error
	availableFails int
	availableCalls int
	pendingErr     error
	assignErr      error
	reassignCalls  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:    make(map[uuid.UUID]*models.Order),
		drivers:   make(map[uuid.UUID]*models.Driver),
		incidents: make(map[uuid.UUID]*models.SLAIncident),
	}
}

func (f *fakeStore) addOrders(orders ...*models.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range orders {
		f.orders[o.ID] = o
	}
}

func (f *fakeStore) addDrivers(drivers ...*models.Driver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range drivers {
		f.drivers[d.ID] = d
	}
}

func (f *fakeStore) order(id uuid.UUID) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := *f.orders[id]
	return &o
}

func (f *fakeStore) driver(id uuid.UUID) *models.Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := *f.drivers[id]
	return &d
}

func (f *fakeStore) sortedOrders(keep func(*models.Order) bool) []*models.Order {
	policy := models.DefaultSLAPolicy()
	var out []*models.Order
	for _, o := range f.orders {
		if keep(o) {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return policy.Deadline(out[i]).Before(policy.Deadline(out[j]))
	})
	return out
}

func (f *fakeStore) GetPendingOrders(ctx context.Context) ([]*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	return f.sortedOrders(func(o *models.Order) bool { return o.Status == models.OrderStatusPending }), nil
}

func (f *fakeStore) GetInFlightOrders(ctx context.Context) ([]*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedOrders(func(o *models.Order) bool { return o.Status.IsInFlight() }), nil
}

func (f *fakeStore) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, database.ErrNotFound)
	}
	c := *o
	return &c, nil
}

func (f *fakeStore) GetDriver(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[id]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", id, database.ErrNotFound)
	}
	c := *d
	return &c, nil
}

func (f *fakeStore) ListDrivers(ctx context.Context, status *models.DriverStatus, limit, offset int) ([]*models.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Driver
	for _, d := range f.drivers {
		if status == nil || d.Status == *status {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (f *fakeStore) GetAvailableDrivers(ctx context.Context, center models.Location, radiusKm float64) ([]*models.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.availableCalls++
	if f.availableErr != nil && f.availableCalls <= f.availableFails {
		return nil, f.availableErr
	}
	var out []*models.Driver
	for _, d := range f.drivers {
		if d.Status == models.DriverStatusAvailable && geo.HaversineKm(d.Location, center) <= radiusKm {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (f *fakeStore) takeDriver(d *models.Driver, deliveryID uuid.UUID, weight float64) {
	id := deliveryID
	d.Status = models.DriverStatusBusy
	d.ActiveDeliveryID = &id
	d.CurrentLoad += weight
	d.ConsecutiveDeliveries++
}

func (f *fakeStore) ConditionalAssign(ctx context.Context, orderID, driverID uuid.UUID, expectedOrder models.OrderStatus, expectedDriver models.DriverStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return f.assignErr
	}
	o, d := f.orders[orderID], f.drivers[driverID]
	if o == nil || o.Status != expectedOrder || o.DriverID != nil {
		return fmt.Errorf("%w: order", database.ErrConflict)
	}
	if d == nil || d.Status != expectedDriver || d.ActiveDeliveryID != nil {
		return fmt.Errorf("%w: driver", database.ErrConflict)
	}
	id := driverID
	o.DriverID = &id
	o.Status = models.OrderStatusAssigned
	f.takeDriver(d, orderID, o.Weight)
	return nil
}

func (f *fakeStore) ConditionalAssignBatch(ctx context.Context, batchID uuid.UUID, orderIDs []uuid.UUID, driverID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.drivers[driverID]
	if d == nil || d.Status != models.DriverStatusAvailable || d.ActiveDeliveryID != nil {
		return fmt.Errorf("%w: driver", database.ErrConflict)
	}
	total := 0.0
	for _, id := range orderIDs {
		o := f.orders[id]
		if o == nil || o.Status != models.OrderStatusPending {
			return fmt.Errorf("%w: order %s", database.ErrConflict, id)
		}
		total += o.Weight
	}
	for _, id := range orderIDs {
		o := f.orders[id]
		did, bid := driverID, batchID
		o.DriverID = &did
		o.BatchID = &bid
		o.Status = models.OrderStatusAssigned
	}
	f.takeDriver(d, batchID, total)
	return nil
}

func (f *fakeStore) ConditionalReassign(ctx context.Context, orderID, oldDriverID, newDriverID uuid.UUID, expectedStatus models.OrderStatus) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reassignCalls++
	o := f.orders[orderID]
	if o == nil || o.Status != expectedStatus || o.DriverID == nil || *o.DriverID != oldDriverID {
		return 0, fmt.Errorf("%w: order", database.ErrConflict)
	}
	nd := f.drivers[newDriverID]
	if nd == nil || nd.Status != models.DriverStatusAvailable || nd.ActiveDeliveryID != nil {
		return 0, fmt.Errorf("%w: new driver", database.ErrConflict)
	}
	id := newDriverID
	o.DriverID = &id
	o.BatchID = nil
	o.ReassignmentCount++
	f.takeDriver(nd, orderID, o.Weight)
	if od := f.drivers[oldDriverID]; od != nil && od.Status == models.DriverStatusBusy {
		od.CurrentLoad = math.Max(od.CurrentLoad-o.Weight, 0)
		if f.heldByLocked(oldDriverID) == 0 {
			od.Release(od.CurrentLoad)
		}
	}
	return o.ReassignmentCount, nil
}

// heldBy counts the in-flight orders of a driver.
func (f *fakeStore) heldBy(driverID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heldByLocked(driverID)
}

func (f *fakeStore) heldByLocked(driverID uuid.UUID) int {
	n := 0
	for _, o := range f.orders {
		if o.DriverID != nil && *o.DriverID == driverID && o.Status.IsInFlight() {
			n++
		}
	}
	return n
}

func (f *fakeStore) ConditionalRelease(ctx context.Context, driverID uuid.UUID, expected models.DriverStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.drivers[driverID]
	if d == nil || d.Status != expected {
		return database.ErrConflict
	}
	d.Status = models.DriverStatusAvailable
	d.ActiveDeliveryID = nil
	return nil
}

func (f *fakeStore) UpdateOrderStatus(ctx context.Context, id uuid.UUID, from, to models.OrderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	if o == nil || o.Status != from {
		return database.ErrConflict
	}
	o.Status = to
	return nil
}

func (f *fakeStore) SaveDriver(ctx context.Context, d *models.Driver, expected models.DriverStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.drivers[d.ID]
	if cur == nil || cur.Status != expected {
		return database.ErrConflict
	}
	c := *d
	f.drivers[d.ID] = &c
	return nil
}

func (f *fakeStore) CompleteOrder(ctx context.Context, o *models.Order, d *models.Driver, expectedOrder models.OrderStatus, expectedDriver models.DriverStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.orders[o.ID]
	if cur == nil || cur.Status != expectedOrder {
		return database.ErrConflict
	}
	if d != nil {
		curD := f.drivers[d.ID]
		if curD == nil || curD.Status != expectedDriver {
			return database.ErrConflict
		}
		cd := *d
		f.drivers[d.ID] = &cd
	}
	co := *o
	f.orders[o.ID] = &co
	return nil
}

func (f *fakeStore) RecordIncident(ctx context.Context, inc *models.SLAIncident) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.incidents[inc.OrderID]; ok {
		return false, nil
	}
	f.incidents[inc.OrderID] = inc
	return true, nil
}

type publishedEvent struct {
	eventType models.EventType
	orderID   uuid.UUID
	data      interface{}
}

type fakeEvents struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeEvents) add(t models.EventType, orderID uuid.UUID, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{eventType: t, orderID: orderID, data: data})
}

func (f *fakeEvents) PublishOrderAssigned(orderID uuid.UUID, data models.OrderAssignedEvent) {
	f.add(models.EventTypeOrderAssigned, orderID, data)
}

func (f *fakeEvents) PublishOrderReassigned(orderID uuid.UUID, data models.OrderReassignedEvent) {
	f.add(models.EventTypeOrderReassigned, orderID, data)
}

func (f *fakeEvents) PublishNoDriver(orderID uuid.UUID, data models.NoDriverEvent) {
	f.add(models.EventTypeDispatchNoDriver, orderID, data)
}

func (f *fakeEvents) PublishSLA(eventType models.EventType, data models.SLAEvent) {
	f.add(eventType, data.Status.OrderID, data)
}

func (f *fakeEvents) PublishEscalation(eventType models.EventType, ticket *models.EscalationTicket) {
	f.add(eventType, ticket.OrderID, ticket)
}

func (f *fakeEvents) ofType(t models.EventType) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedEvent
	for _, e := range f.events {
		if e.eventType == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu          sync.Mutex
	drivers     map[uuid.UUID][]models.Notification
	customers   map[uuid.UUID][]models.Notification
	escalations []*models.EscalationTicket
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		drivers:   make(map[uuid.UUID][]models.Notification),
		customers: make(map[uuid.UUID][]models.Notification),
	}
}

func (f *fakeNotifier) NotifyDriver(driverID uuid.UUID, note models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drivers[driverID] = append(f.drivers[driverID], note)
}

func (f *fakeNotifier) NotifyCustomer(orderID uuid.UUID, note models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[orderID] = append(f.customers[orderID], note)
}

func (f *fakeNotifier) NotifyEscalation(ticket *models.EscalationTicket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalations = append(f.escalations, ticket)
}

type fakeStreaks struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int64
}

func newFakeStreaks() *fakeStreaks {
	return &fakeStreaks{counts: make(map[uuid.UUID]int64)}
}

func (f *fakeStreaks) Incr(ctx context.Context, orderID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[orderID]++
	return f.counts[orderID], nil
}

func (f *fakeStreaks) Reset(ctx context.Context, orderID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, orderID)
	return nil
}

func (f *fakeStreaks) get(orderID uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[orderID]
}

type raised struct {
	orderID uuid.UUID
	reason  models.EscalationReason
	details string
}

type fakeEscalator struct {
	mu     sync.Mutex
	raised []raised
}

func (f *fakeEscalator) Raise(ctx context.Context, orderID uuid.UUID, reason models.EscalationReason, details string) (*models.EscalationTicket, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, raised{orderID: orderID, reason: reason, details: details})
	level, _ := models.LevelFor(reason)
	return &models.EscalationTicket{ID: uuid.New(), OrderID: orderID, Level: level, Reason: reason}, true, nil
}

func (f *fakeEscalator) reasons() []models.EscalationReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EscalationReason, 0, len(f.raised))
	for _, r := range f.raised {
		out = append(out, r.reason)
	}
	return out
}

type fakeReassigner struct {
	mu     sync.Mutex
	calls  int
	result *ReassignmentResult
	err    error
}

func (f *fakeReassigner) Reassign(ctx context.Context, o *models.Order, status models.SLAStatus) (*ReassignmentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeReassigner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTicketStore struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]*models.EscalationTicket
	open    map[string]uuid.UUID
}

func newFakeTicketStore() *fakeTicketStore {
	return &fakeTicketStore{
		tickets: make(map[uuid.UUID]*models.EscalationTicket),
		open:    make(map[string]uuid.UUID),
	}
}

func slotKey(orderID uuid.UUID, level models.EscalationLevel) string {
	return fmt.Sprintf("%s:%d", orderID, level)
}

func (f *fakeTicketStore) Open(ctx context.Context, t *models.EscalationTicket) (*models.EscalationTicket, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.open[slotKey(t.OrderID, t.Level)]; ok {
		return f.tickets[id], false, nil
	}
	f.tickets[t.ID] = t
	f.open[slotKey(t.OrderID, t.Level)] = t.ID
	return t, true, nil
}

func (f *fakeTicketStore) Get(ctx context.Context, id uuid.UUID) (*models.EscalationTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return nil, errTicketGone(id)
	}
	return t, nil
}

func (f *fakeTicketStore) Resolve(ctx context.Context, id uuid.UUID, resolution string, at time.Time) (*models.EscalationTicket, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return nil, false, errTicketGone(id)
	}
	if t.Resolved {
		return t, false, nil
	}
	t.Resolved = true
	t.ResolvedAt = &at
	t.Resolution = resolution
	delete(f.open, slotKey(t.OrderID, t.Level))
	return t, true, nil
}

func (f *fakeTicketStore) List(ctx context.Context, openOnly bool) ([]*models.EscalationTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.EscalationTicket
	for _, t := range f.tickets {
		if !openOnly || !t.Resolved {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type fakeSolver struct {
	result *routing.SolverResult
	err    error
	calls  int
}

func (f *fakeSolver) Solve(ctx context.Context, depot models.Location, stops []models.Stop, vehicles []models.Vehicle) (*routing.SolverResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeRouter struct {
	err   error
	calls int
}

func (f *fakeRouter) Route(ctx context.Context, origin, destination models.Location) (*routing.Route, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	km := geo.HaversineKm(origin, destination) * 1.3
	return &routing.Route{DistanceKm: km, DurationMin: km * 2}, nil
}

var errInfra = errors.New("connection reset by peer")

func errTicketGone(id uuid.UUID) error {
	return fmt.Errorf("ticket %s: %w", id, ticketstore.ErrTicketNotFound)
}

func testSLAConfig() *config.SLAConfig {
	return &config.SLAConfig{
		MonitorInterval:  30 * time.Second,
		OrderTimeout:     time.Second,
		MaxConcurrency:   4,
		UrgentMinutes:    60,
		StandardMinutes:  240,
		WarningPercent:   75,
		CriticalPercent:  90,
		UrgentPenalty:    10,
		UrgentCap:        200,
		StandardPenalty:  5,
		StandardCap:      100,
		Currency:         "SAR",
		AtRiskMinutes:    15,
		SevereBreachMins: 30,
	}
}

func testDispatchConfig() *config.DispatchConfig {
	return &config.DispatchConfig{
		Interval:              10 * time.Second,
		MaxRadiusKm:           10,
		NoDriverEscalateAfter: 3,
		BreakThreshold:        5,
		LargeBatchThreshold:   50,
		PlanTimeout:           time.Second,
		PreferEfficiency:      true,
	}
}

func testReassignmentConfig() *config.ReassignmentConfig {
	return &config.ReassignmentConfig{
		MaxAttempts:     3,
		RadiusKm:        15,
		MinAcceptScore:  0.40,
		RetryBackoff:    time.Millisecond,
		ExternalTimeout: time.Second,
	}
}

func testBatchingConfig() *config.BatchingConfig {
	return &config.BatchingConfig{
		Interval:          30 * time.Second,
		EligibilityWindow: 30 * time.Minute,
		ProximityKm:       2,
		VehicleCapacity:   3000,
	}
}
