package kafka

import (
	"encoding/json"
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

// Producer publishes engine events. Publishing never blocks the caller: a
// message that cannot be queued is dropped and counted.
type Producer struct {
	producer sarama.AsyncProducer
	log      *logger.Logger
	topics   config.Topics
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewProducer connects an async producer to the brokers.
func NewProducer(cfg *config.KafkaConfig, log *logger.Logger) (*Producer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Producer.Retry.Backoff = 250 * time.Millisecond
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.Compression = sarama.CompressionSnappy
	saramaCfg.Producer.Flush.Frequency = 50 * time.Millisecond
	saramaCfg.Net.DialTimeout = 5 * time.Second
	saramaCfg.Net.WriteTimeout = 5 * time.Second

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	log.Info("Kafka producer created successfully")

	return newProducer(producer, cfg.Topics, log), nil
}

func newProducer(producer sarama.AsyncProducer, topics config.Topics, log *logger.Logger) *Producer {
	p := &Producer{
		producer: producer,
		log:      log,
		topics:   topics,
		now:      time.Now,
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		for msg := range producer.Successes() {
			metrics.RecordEventPublished(msg.Topic, nil)
			p.log.WithField("topic", msg.Topic).
				WithField("partition", msg.Partition).
				WithField("offset", msg.Offset).
				Debug("Event published successfully")
		}
	}()
	go func() {
		defer p.wg.Done()
		for perr := range producer.Errors() {
			metrics.RecordEventPublished(perr.Msg.Topic, perr.Err)
			p.log.WithError(perr.Err).WithField("topic", perr.Msg.Topic).Error("Failed to publish event")
		}
	}()

	return p
}

// Close flushes buffered messages and stops the producer.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.producer.AsyncClose()
	p.wg.Wait()
	return nil
}

// PublishOrderAssigned publishes order.assigned.
func (p *Producer) PublishOrderAssigned(orderID uuid.UUID, data models.OrderAssignedEvent) {
	p.publishEvent(p.topics.Dispatch, models.EventTypeOrderAssigned, orderID, data)
}

// PublishOrderReassigned publishes order.reassigned.
func (p *Producer) PublishOrderReassigned(orderID uuid.UUID, data models.OrderReassignedEvent) {
	p.publishEvent(p.topics.Dispatch, models.EventTypeOrderReassigned, orderID, data)
}

// PublishNoDriver publishes the informational dispatch.no_driver event.
func (p *Producer) PublishNoDriver(orderID uuid.UUID, data models.NoDriverEvent) {
	p.publishEvent(p.topics.Dispatch, models.EventTypeDispatchNoDriver, orderID, data)
}

// PublishSLA publishes one of sla.warning, sla.critical or sla.breached.
func (p *Producer) PublishSLA(eventType models.EventType, data models.SLAEvent) {
	p.publishEvent(p.topics.SLA, eventType, data.Status.OrderID, data)
}

// PublishEscalation publishes escalation.raised or escalation.resolved.
func (p *Producer) PublishEscalation(eventType models.EventType, ticket *models.EscalationTicket) {
	p.publishEvent(p.topics.Escalations, eventType, ticket.OrderID, models.EscalationEvent{Ticket: *ticket})
}

// publishEvent queues an event keyed by order id so per-order events keep
// their order within a partition.
func (p *Producer) publishEvent(topic string, eventType models.EventType, orderID uuid.UUID, data interface{}) {
	event := models.Event{
		ID:        uuid.New(),
		Type:      eventType,
		OrderID:   orderID,
		Timestamp: p.now().UTC(),
		Data:      data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		metrics.RecordEventPublished(topic, err)
		p.log.WithError(err).WithField("event_type", eventType).Error("Failed to marshal event")
		return
	}

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(orderID.String()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(eventType),
			},
			{
				Key:   []byte("timestamp"),
				Value: []byte(event.Timestamp.Format(time.RFC3339)),
			},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.WithField("event_type", eventType).Warn("Producer closed, event dropped")
		return
	}

	select {
	case p.producer.Input() <- message:
		p.log.WithField("topic", topic).
			WithField("event_type", eventType).
			WithField("event_id", event.ID).
			WithField("order_id", orderID).
			Debug("Event queued")
	default:
		metrics.RecordEventPublished(topic, fmt.Errorf("buffer full"))
		p.log.WithField("topic", topic).
			WithField("event_type", eventType).
			WithField("order_id", orderID).
			Warn("Producer buffer full, event dropped")
	}
}
