package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/metrics"
	"dispatch-system/internal/models"
	ticketstore "dispatch-system/internal/redis"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EscalationService opens, resolves and lists tickets for human intervention.
type EscalationService struct {
	tickets  TicketStore
	events   EventPublisher
	notifier Notifier
	log      *logrus.Entry
	now      func() time.Time
}

func NewEscalationService(tickets TicketStore, events EventPublisher, notifier Notifier, log *logger.Logger) *EscalationService {
	return &EscalationService{
		tickets:  tickets,
		events:   events,
		notifier: notifier,
		log:      log.Component("escalation"),
		now:      time.Now,
	}
}

// Raise opens a ticket at the level the reason maps to. While a ticket for the
// same order and level is open the existing one is returned with created=false
// and nothing is sent.
func (s *EscalationService) Raise(ctx context.Context, orderID uuid.UUID, reason models.EscalationReason, details string) (*models.EscalationTicket, bool, error) {
	level, ok := models.LevelFor(reason)
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}

	ticket := &models.EscalationTicket{
		ID:        uuid.New(),
		OrderID:   orderID,
		Level:     level,
		Reason:    reason,
		Details:   details,
		Channels:  models.ChannelsFor(level),
		CreatedAt: s.now().UTC(),
	}

	open, created, err := s.tickets.Open(ctx, ticket)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open escalation: %w", err)
	}

	entry := s.log.WithFields(logrus.Fields{
		"ticket_id": open.ID,
		"order_id":  orderID,
		"level":     int(level),
		"reason":    reason,
	})
	if !created {
		entry.Debug("Escalation already open")
		return open, false, nil
	}

	metrics.RecordEscalation(int(level), string(reason))
	s.events.PublishEscalation(models.EventTypeEscalationRaised, open)
	s.notifier.NotifyEscalation(open)
	entry.Warn("Escalation raised")
	return open, true, nil
}

// RaiseSystemFailure opens a system-wide emergency ticket for a loop that keeps failing.
func (s *EscalationService) RaiseSystemFailure(ctx context.Context, loop string, failures int, lastErr error) {
	details := fmt.Sprintf("loop %s failed %d consecutive ticks", loop, failures)
	if lastErr != nil {
		details = fmt.Sprintf("%s: %v", details, lastErr)
	}
	if _, _, err := s.Raise(ctx, uuid.Nil, models.ReasonSystemFailure, details); err != nil {
		s.log.WithError(err).WithField("loop", loop).Error("Failed to raise system failure escalation")
	}
}

// Resolve closes a ticket. Resolving a closed ticket is a no-op.
func (s *EscalationService) Resolve(ctx context.Context, id uuid.UUID, resolution string) (*models.EscalationTicket, error) {
	ticket, changed, err := s.tickets.Resolve(ctx, id, resolution, s.now().UTC())
	if err != nil {
		if errors.Is(err, ticketstore.ErrTicketNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
		}
		return nil, err
	}

	if changed {
		s.events.PublishEscalation(models.EventTypeEscalationResolved, ticket)
		s.log.WithFields(logrus.Fields{
			"ticket_id": id,
			"order_id":  ticket.OrderID,
			"level":     int(ticket.Level),
		}).Info("Escalation resolved")
	}
	return ticket, nil
}

// Get returns one ticket.
func (s *EscalationService) Get(ctx context.Context, id uuid.UUID) (*models.EscalationTicket, error) {
	ticket, err := s.tickets.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ticketstore.ErrTicketNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
		}
		return nil, err
	}
	return ticket, nil
}

// List returns tickets oldest first, optionally only the open ones.
func (s *EscalationService) List(ctx context.Context, openOnly bool) ([]*models.EscalationTicket, error) {
	return s.tickets.List(ctx, openOnly)
}
