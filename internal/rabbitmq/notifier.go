package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dispatch-system/internal/logger"
	"dispatch-system/internal/metrics"
	"dispatch-system/internal/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the publishing side of an AMQP channel.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type outbound struct {
	key  string
	kind string
	body []byte
}

// Notifier fans notifications out to the topic exchange from a background
// worker. Enqueueing never blocks; when the buffer is full the notice is
// dropped and counted.
type Notifier struct {
	pub      Publisher
	exchange string
	timeout  time.Duration
	log      *logger.Logger
	now      func() time.Time

	queue  chan outbound
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewNotifier starts the publishing worker.
func NewNotifier(pub Publisher, exchange string, bufferSize int, log *logger.Logger) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	n := &Notifier{
		pub:      pub,
		exchange: exchange,
		timeout:  5 * time.Second,
		log:      log,
		now:      time.Now,
		queue:    make(chan outbound, bufferSize),
	}

	n.wg.Add(1)
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for msg := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := n.pub.PublishWithContext(ctx, n.exchange, msg.key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         msg.body,
			Timestamp:    n.now(),
		})
		cancel()

		metrics.RecordNotification(msg.kind, err)
		if err != nil {
			n.log.WithError(err).WithField("routing_key", msg.key).Error("Failed to publish notification")
			continue
		}
		n.log.WithField("routing_key", msg.key).Debug("Notification published")
	}
}

// Close stops accepting notices and waits until the buffer is drained.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
}

// NotifyDriver sends a notice to notify.driver.<id>.
func (n *Notifier) NotifyDriver(driverID uuid.UUID, note models.Notification) {
	n.enqueue(fmt.Sprintf("notify.driver.%s", driverID), note)
}

// NotifyCustomer sends a notice about an order to notify.customer.<order id>.
func (n *Notifier) NotifyCustomer(orderID uuid.UUID, note models.Notification) {
	n.enqueue(fmt.Sprintf("notify.customer.%s", orderID), note)
}

// NotifyEscalation sends the ticket to every channel of its level, routed as
// escalation.<channel>.
func (n *Notifier) NotifyEscalation(ticket *models.EscalationTicket) {
	note := models.Notification{
		Kind:    models.NotifyEscalation,
		OrderID: ticket.OrderID,
		Message: fmt.Sprintf("level %d escalation (%s): %s", ticket.Level, ticket.Level, ticket.Reason),
		Data:    ticket,
	}
	for _, channel := range ticket.Channels {
		n.enqueue("escalation."+channel, note)
	}
}

func (n *Notifier) enqueue(key string, note models.Notification) {
	if note.CreatedAt.IsZero() {
		note.CreatedAt = n.now().UTC()
	}
	body, err := json.Marshal(note)
	if err != nil {
		metrics.RecordNotification(string(note.Kind), err)
		n.log.WithError(err).WithField("routing_key", key).Error("Failed to marshal notification")
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.log.WithField("routing_key", key).Warn("Notifier closed, notification dropped")
		return
	}

	select {
	case n.queue <- outbound{key: key, kind: string(note.Kind), body: body}:
	default:
		metrics.RecordNotification(string(note.Kind), fmt.Errorf("buffer full"))
		n.log.WithField("routing_key", key).Warn("Notification buffer full, dropped")
	}
}
