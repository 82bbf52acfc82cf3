package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dispatch-system/internal/config"
	"dispatch-system/internal/logger"
	"dispatch-system/internal/metrics"
	"dispatch-system/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Overall fleet states reported by Summary.
const (
	FleetIdle     = "idle"
	FleetHealthy  = "healthy"
	FleetWarning  = "warning"
	FleetCritical = "critical"
)

const (
	atRiskListLimit      = 20
	warningAtRiskOrders  = 5
	defaultOrderTimeout  = 10 * time.Second
	defaultMaxConcurrent = 16
)

// orderState is what the monitor already did for one in-flight order.
type orderState struct {
	emitted           map[models.SLACategory]bool
	reassignAttempted bool
	severeRaised      bool
	incidentRecorded  bool
}

// SLAMonitor is the SLA monitor loop body.
type SLAMonitor struct {
	store        Store
	events       EventPublisher
	notifier     Notifier
	reassigner   Reassigner
	escalator    Escalator
	compensation *CompensationService
	config       *config.SLAConfig
	policy       models.SLAPolicy
	log          *logrus.Entry
	now          func() time.Time

	mu     sync.Mutex
	states map[uuid.UUID]*orderState
}

func NewSLAMonitor(store Store, events EventPublisher, notifier Notifier, reassigner Reassigner, escalator Escalator,
	compensation *CompensationService, cfg *config.SLAConfig, policy models.SLAPolicy, log *logger.Logger) *SLAMonitor {
	return &SLAMonitor{
		store:        store,
		events:       events,
		notifier:     notifier,
		reassigner:   reassigner,
		escalator:    escalator,
		compensation: compensation,
		config:       cfg,
		policy:       policy,
		log:          log.Component("sla_monitor"),
		now:          time.Now,
		states:       make(map[uuid.UUID]*orderState),
	}
}

// Tick classifies every in-flight order and acts on first crossings. Orders
// are evaluated concurrently, each under its own timeout.
func (m *SLAMonitor) Tick(ctx context.Context) error {
	orders, err := m.store.GetInFlightOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load in-flight orders: %w", err)
	}
	m.prune(orders)

	now := m.now()
	counts := map[string]int{
		string(models.SLAHealthy):  0,
		string(models.SLAWarning):  0,
		string(models.SLACritical): 0,
		string(models.SLABreached): 0,
	}

	limit := m.config.MaxConcurrency
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}
	timeout := m.config.OrderTimeout
	if timeout <= 0 {
		timeout = defaultOrderTimeout
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, o := range orders {
		status := models.ComputeSLAStatus(o, now, m.policy)
		counts[string(status.Category)]++
		if status.Category == models.SLAHealthy {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(o *models.Order, status models.SLAStatus) {
			defer wg.Done()
			defer func() { <-sem }()

			orderCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			m.evaluate(orderCtx, o, status)
		}(o, status)
	}
	wg.Wait()

	metrics.SetSLACategoryCounts(counts)
	m.log.WithFields(logrus.Fields{
		"in_flight": len(orders),
		"warning":   counts[string(models.SLAWarning)],
		"critical":  counts[string(models.SLACritical)],
		"breached":  counts[string(models.SLABreached)],
	}).Debug("SLA monitor tick completed")
	return nil
}

func (m *SLAMonitor) evaluate(ctx context.Context, o *models.Order, status models.SLAStatus) {
	entry := m.log.WithFields(logrus.Fields{
		"order_id": o.ID,
		"category": status.Category,
		"percent":  status.PercentConsumed,
	})

	switch status.Category {
	case models.SLAWarning:
		if m.firstCrossing(o.ID, models.SLAWarning) {
			m.events.PublishSLA(models.EventTypeSLAWarning, models.SLAEvent{Status: status, DriverID: o.DriverID})
			entry.Info("Order entered SLA warning")
		}

	case models.SLACritical:
		if m.firstCrossing(o.ID, models.SLACritical) {
			m.events.PublishSLA(models.EventTypeSLACritical, models.SLAEvent{Status: status, DriverID: o.DriverID})
			entry.Warn("Order entered SLA critical")
		}
		m.reassign(ctx, o, status, entry)

	case models.SLABreached:
		if m.firstCrossing(o.ID, models.SLABreached) {
			m.breached(o, status, entry)
		}
		m.recordIncident(ctx, o, status, entry)
		m.reassign(ctx, o, status, entry)
		if status.BreachMinutes() > m.config.SevereBreachMins && m.claim(o.ID, func(s *orderState) *bool { return &s.severeRaised }) {
			details := fmt.Sprintf("breached by %.1f minutes", status.BreachMinutes())
			if _, _, err := m.escalator.Raise(ctx, o.ID, models.ReasonSevereBreach, details); err != nil {
				m.release(o.ID, func(s *orderState) *bool { return &s.severeRaised })
				entry.WithError(err).Error("Failed to raise severe breach escalation")
			}
		}
	}
}

func (m *SLAMonitor) breached(o *models.Order, status models.SLAStatus, entry *logrus.Entry) {
	compensation := m.compensation.Calculate(o.ServiceClass, status.BreachMinutes())
	currency := m.compensation.Currency()

	m.events.PublishSLA(models.EventTypeSLABreached, models.SLAEvent{
		Status:       status,
		DriverID:     o.DriverID,
		Compensation: compensation,
		Currency:     currency,
	})
	m.notifier.NotifyCustomer(o.ID, models.Notification{
		Kind:    models.NotifyBreach,
		OrderID: o.ID,
		Message: fmt.Sprintf("Your delivery is late. A compensation of %.2f %s has been credited.", compensation, currency),
		Data:    map[string]interface{}{"compensation": compensation, "currency": currency},
	})
	metrics.RecordBreach(string(o.ServiceClass), currency, compensation)
	entry.WithField("compensation", compensation).Warn("Order breached SLA")
}

func (m *SLAMonitor) recordIncident(ctx context.Context, o *models.Order, status models.SLAStatus, entry *logrus.Entry) {
	if !m.claim(o.ID, func(s *orderState) *bool { return &s.incidentRecorded }) {
		return
	}
	_, err := m.store.RecordIncident(ctx, &models.SLAIncident{
		ID:            uuid.New(),
		OrderID:       o.ID,
		ServiceClass:  o.ServiceClass,
		DriverID:      o.DriverID,
		BreachMinutes: status.BreachMinutes(),
		Compensation:  m.compensation.Calculate(o.ServiceClass, status.BreachMinutes()),
		Currency:      m.compensation.Currency(),
		CreatedAt:     status.ComputedAt.UTC(),
	})
	if err != nil {
		// retried on the next tick
		m.release(o.ID, func(s *orderState) *bool { return &s.incidentRecorded })
		entry.WithError(err).Error("Failed to record SLA incident")
	}
}

func (m *SLAMonitor) reassign(ctx context.Context, o *models.Order, status models.SLAStatus, entry *logrus.Entry) {
	if !m.claim(o.ID, func(s *orderState) *bool { return &s.reassignAttempted }) {
		return
	}

	result, err := m.reassigner.Reassign(ctx, o, status)
	if err == nil {
		switch {
		case result.Reassigned:
			return
		case result.Reason == ReasonLostRace:
			// the order changed under us; look again next tick
			m.release(o.ID, func(s *orderState) *bool { return &s.reassignAttempted })
			entry.Info("Reassignment lost a race, retrying next tick")
			return
		case result.Reason == ReasonNotInFlight:
			return
		}
	}

	reason := models.ReasonReassignmentFailed
	var details string
	if err != nil {
		details = err.Error()
	} else {
		details = result.Reason
		if result.Exhausted() {
			reason = models.ReasonReassignmentExhausted
		}
	}
	if _, _, err := m.escalator.Raise(ctx, o.ID, reason, details); err != nil {
		entry.WithError(err).Error("Failed to escalate failed reassignment")
	}
}

// firstCrossing reports true once per order and category.
func (m *SLAMonitor) firstCrossing(id uuid.UUID, category models.SLACategory) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(id)
	if st.emitted[category] {
		return false
	}
	st.emitted[category] = true
	return true
}

// claim sets the selected flag and reports whether it was clear before.
func (m *SLAMonitor) claim(id uuid.UUID, flag func(*orderState) *bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := flag(m.stateLocked(id))
	if *f {
		return false
	}
	*f = true
	return true
}

func (m *SLAMonitor) release(id uuid.UUID, flag func(*orderState) *bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*flag(m.stateLocked(id)) = false
}

func (m *SLAMonitor) stateLocked(id uuid.UUID) *orderState {
	st, ok := m.states[id]
	if !ok {
		st = &orderState{emitted: make(map[models.SLACategory]bool)}
		m.states[id] = st
	}
	return st
}

// prune drops state for orders that are no longer in flight.
func (m *SLAMonitor) prune(inFlight []*models.Order) {
	live := make(map[uuid.UUID]bool, len(inFlight))
	for _, o := range inFlight {
		live[o.ID] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.states {
		if !live[id] {
			delete(m.states, id)
		}
	}
}

// Tracked is the number of orders with monitor state.
func (m *SLAMonitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// OrderStatus returns the SLA status of one order. Finished orders are
// measured at their delivery time.
func (m *SLAMonitor) OrderStatus(ctx context.Context, orderID uuid.UUID) (*models.SLAStatus, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, notFound(err, ErrOrderNotFound, orderID)
	}
	at := m.now()
	if o.DeliveredAt != nil {
		at = *o.DeliveredAt
	}
	status := models.ComputeSLAStatus(o, at, m.policy)
	return &status, nil
}

// Summary is the real-time fleet snapshot: active, at-risk and breached
// counts with the most urgent at-risk orders.
func (m *SLAMonitor) Summary(ctx context.Context) (*models.SLASummary, error) {
	orders, err := m.store.GetInFlightOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load in-flight orders: %w", err)
	}

	now := m.now()
	summary := &models.SLASummary{
		Status:           FleetIdle,
		TotalActive:      len(orders),
		ByCategory:       make(map[models.SLACategory]int),
		AtRiskDeliveries: []models.SLAStatus{},
		Timestamp:        now.UTC(),
	}
	if len(orders) == 0 {
		return summary, nil
	}

	var elapsed float64
	summary.MinRemainingMinutes = models.ComputeSLAStatus(orders[0], now, m.policy).RemainingMinutes
	for _, o := range orders {
		status := models.ComputeSLAStatus(o, now, m.policy)
		summary.ByCategory[status.Category]++
		elapsed += status.ElapsedMinutes
		if status.RemainingMinutes < summary.MinRemainingMinutes {
			summary.MinRemainingMinutes = status.RemainingMinutes
		}
		if status.RemainingMinutes < 0 {
			summary.TotalBreached++
		}
		if status.RemainingMinutes < m.config.AtRiskMinutes {
			summary.TotalAtRisk++
			summary.AtRiskDeliveries = append(summary.AtRiskDeliveries, status)
		}
	}
	summary.AvgElapsedMinutes = elapsed / float64(len(orders))

	sort.SliceStable(summary.AtRiskDeliveries, func(i, j int) bool {
		return summary.AtRiskDeliveries[i].RemainingMinutes < summary.AtRiskDeliveries[j].RemainingMinutes
	})
	if len(summary.AtRiskDeliveries) > atRiskListLimit {
		summary.AtRiskDeliveries = summary.AtRiskDeliveries[:atRiskListLimit]
	}

	switch {
	case summary.TotalBreached > 0:
		summary.Status = FleetCritical
	case summary.TotalAtRisk > warningAtRiskOrders:
		summary.Status = FleetWarning
	default:
		summary.Status = FleetHealthy
	}
	return summary, nil
}
