package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"dispatch-system/internal/config"
	"dispatch-system/internal/logger"
	"dispatch-system/internal/metrics"
	"dispatch-system/internal/models"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// ErrMalformedEvent marks a message that can never be processed.
var ErrMalformedEvent = errors.New("malformed event")

// InboundEvent is a consumed envelope whose payload is decoded by the handler.
type InboundEvent struct {
	ID        uuid.UUID        `json:"id"`
	Type      models.EventType `json:"type"`
	OrderID   uuid.UUID        `json:"order_id"`
	Timestamp time.Time        `json:"timestamp"`
	Data      json.RawMessage  `json:"data"`
}

// EventHandler processes one consumed event.
type EventHandler func(ctx context.Context, event *InboundEvent) error

// ProgressHandler adapts a courier progress callback to an EventHandler.
func ProgressHandler(fn func(ctx context.Context, eventType models.EventType, orderID uuid.UUID, progress models.CourierProgressEvent) error) EventHandler {
	return func(ctx context.Context, event *InboundEvent) error {
		var progress models.CourierProgressEvent
		if len(event.Data) > 0 {
			if err := json.Unmarshal(event.Data, &progress); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
			}
		}
		return fn(ctx, event.Type, event.OrderID, progress)
	}
}

// Consumer reads courier progress events from a consumer group.
type Consumer struct {
	consumer sarama.ConsumerGroup
	log      *logger.Logger
	handlers map[models.EventType]EventHandler
	topics   []string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewConsumer joins the consumer group for the courier progress topic.
func NewConsumer(cfg *config.KafkaConfig, log *logger.Logger) (*Consumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaCfg.Consumer.Group.Session.Timeout = 10 * time.Second
	saramaCfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	log.Info("Kafka consumer created successfully")

	return newConsumer(group, []string{cfg.Topics.CourierProgress}, log), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, log *logger.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		consumer: group,
		log:      log,
		handlers: make(map[models.EventType]EventHandler),
		topics:   topics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler sets the handler for one event type.
func (c *Consumer) RegisterHandler(eventType models.EventType, handler EventHandler) {
	c.handlers[eventType] = handler
	c.log.WithField("event_type", eventType).Info("Event handler registered")
}

// Start consumes in the background until Stop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.consumer.Consume(c.ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.log.WithError(err).Error("Error consuming messages")
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()

	c.log.WithField("topics", c.topics).Info("Kafka consumer started")
}

// Stop leaves the group and waits for the consume loop.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.consumer.Close()
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			err := c.processMessage(session.Context(), message)
			if err != nil {
				c.log.WithError(err).
					WithField("topic", message.Topic).
					WithField("partition", message.Partition).
					WithField("offset", message.Offset).
					Error("Failed to process message")
			}
			// transient failures stay unmarked and are redelivered after a rebalance
			if err == nil || isPermanent(err) {
				session.MarkMessage(message, "")
			}

		case <-session.Context().Done():
			return nil
		}
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrMalformedEvent) || errors.Is(err, models.ErrInvalidTransition)
}

// processMessage decodes and dispatches one message.
func (c *Consumer) processMessage(ctx context.Context, message *sarama.ConsumerMessage) (err error) {
	var event InboundEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		metrics.RecordEventConsumed("unknown", err)
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	defer func() { metrics.RecordEventConsumed(string(event.Type), err) }()

	c.log.WithField("event_type", event.Type).
		WithField("event_id", event.ID).
		WithField("order_id", event.OrderID).
		Debug("Processing event")

	handler, exists := c.handlers[event.Type]
	if !exists {
		c.log.WithField("event_type", event.Type).Warn("No handler registered for event type")
		return nil
	}

	if err := handler(ctx, &event); err != nil {
		return fmt.Errorf("handler failed for event type %s: %w", event.Type, err)
	}
	return nil
}
