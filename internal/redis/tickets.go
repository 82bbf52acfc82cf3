package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dispatch-system/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrTicketNotFound is returned for unknown or expired ticket ids.
var ErrTicketNotFound = errors.New("escalation ticket not found")

// openTicketScript stores a ticket only when no open ticket exists for the
// same (order, level). It returns {1, id} when created and {0, existing id}
// otherwise.
var openTicketScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return {0, existing}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return {1, ARGV[1]}
`)

// TicketStore keeps escalation tickets in Redis.
type TicketStore struct {
	client *Client
	ttl    time.Duration
}

// NewTicketStore returns a ticket store whose records expire after ttl.
func NewTicketStore(client *Client, ttl time.Duration) *TicketStore {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &TicketStore{client: client, ttl: ttl}
}

func openKey(orderID uuid.UUID, level models.EscalationLevel) string {
	return GenerateKey(KeyPrefixOpenTicket, orderID, int(level))
}

func ticketKey(id uuid.UUID) string {
	return GenerateKey(KeyPrefixTicket, id)
}

// Open stores t unless an open ticket for the same order and level exists.
// It returns the ticket that is open afterwards and whether t was stored.
func (s *TicketStore) Open(ctx context.Context, t *models.EscalationTicket) (*models.EscalationTicket, bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal ticket: %w", err)
	}

	keys := []string{openKey(t.OrderID, t.Level), ticketKey(t.ID), KeyTicketIndex}
	res, err := openTicketScript.Run(ctx, s.client.client, keys,
		t.ID.String(), data, s.ttl.Milliseconds(), t.CreatedAt.UnixMilli()).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to open ticket: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, false, fmt.Errorf("unexpected open ticket reply %v", res)
	}
	created, _ := reply[0].(int64)
	if created == 1 {
		s.client.log.WithField("ticket_id", t.ID).
			WithField("order_id", t.OrderID).
			WithField("level", int(t.Level)).
			Debug("Escalation ticket stored")
		return t, true, nil
	}

	idStr, _ := reply[1].(string)
	existingID, err := uuid.Parse(idStr)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt open ticket reference %q: %w", idStr, err)
	}
	existing, err := s.Get(ctx, existingID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get returns one ticket.
func (s *TicketStore) Get(ctx context.Context, id uuid.UUID) (*models.EscalationTicket, error) {
	val, err := s.client.client.Get(ctx, ticketKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("ticket %s: %w", id, ErrTicketNotFound)
		}
		return nil, fmt.Errorf("failed to get ticket %s: %w", id, err)
	}

	var t models.EscalationTicket
	if err := json.Unmarshal(val, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ticket %s: %w", id, err)
	}
	return &t, nil
}

// Resolve closes a ticket and frees its (order, level) slot. Resolving an
// already resolved ticket returns it unchanged with changed=false.
func (s *TicketStore) Resolve(ctx context.Context, id uuid.UUID, resolution string, at time.Time) (ticket *models.EscalationTicket, changed bool, err error) {
	key := ticketKey(id)

	txf := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("ticket %s: %w", id, ErrTicketNotFound)
			}
			return err
		}

		var t models.EscalationTicket
		if err := json.Unmarshal(val, &t); err != nil {
			return fmt.Errorf("failed to unmarshal ticket %s: %w", id, err)
		}
		ticket = &t
		if t.Resolved {
			return nil
		}

		resolvedAt := at
		t.Resolved = true
		t.ResolvedAt = &resolvedAt
		t.Resolution = resolution
		data, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("failed to marshal ticket: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			pipe.Del(ctx, openKey(t.OrderID, t.Level))
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err = s.client.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrTicketNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to resolve ticket %s: %w", id, err)
	}
	return ticket, changed, nil
}

// List returns tickets oldest first. Expired entries are dropped from the index.
func (s *TicketStore) List(ctx context.Context, openOnly bool) ([]*models.EscalationTicket, error) {
	ids, err := s.client.client.ZRange(ctx, KeyTicketIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket index: %w", err)
	}
	if len(ids) == 0 {
		return []*models.EscalationTicket{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, GenerateKey(KeyPrefixTicket, id))
	}
	values, err := s.client.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get tickets: %w", err)
	}

	tickets := make([]*models.EscalationTicket, 0, len(values))
	var expired []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var t models.EscalationTicket
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.client.log.WithError(err).WithField("ticket_id", ids[i]).Warn("Skipping corrupt ticket")
			continue
		}
		if openOnly && t.Resolved {
			continue
		}
		tickets = append(tickets, &t)
	}

	if len(expired) > 0 {
		if err := s.client.client.ZRem(ctx, KeyTicketIndex, expired...).Err(); err != nil {
			s.client.log.WithError(err).Warn("Failed to prune ticket index")
		}
	}
	return tickets, nil
}
