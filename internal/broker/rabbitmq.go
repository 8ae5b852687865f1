// Package broker moves outbox events through RabbitMQ so a separate worker
// process can run calls and POS syncs.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	Exchange = "campuseats.jobs"
	Queue    = "campuseats.jobs.worker"
)

type RabbitMQ struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
	mu     sync.Mutex

	// dial opens a fresh connection and channel; Dispatch calls it again
	// after the broker drops us.
	dial func() (*amqp.Connection, *amqp.Channel, error)
}

func Dial(url string, prefetch int, logger *zap.Logger) (*RabbitMQ, error) {
	r := &RabbitMQ{
		logger: logger,
		dial:   func() (*amqp.Connection, *amqp.Channel, error) { return connect(url, prefetch) },
	}
	conn, ch, err := r.dial()
	if err != nil {
		return nil, err
	}
	r.conn, r.ch = conn, ch
	return r, nil
}

func connect(url string, prefetch int) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if err := setup(ch, prefetch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// ensureOpen reconnects when the connection or channel is gone. One attempt
// per call; the outbox relay's backoff paces retries. Callers hold r.mu.
func (r *RabbitMQ) ensureOpen() error {
	if r.conn != nil && !r.conn.IsClosed() && r.ch != nil && !r.ch.IsClosed() {
		return nil
	}
	if r.ch != nil && !r.ch.IsClosed() {
		r.ch.Close()
	}
	if r.conn != nil && !r.conn.IsClosed() {
		r.conn.Close()
	}
	r.conn, r.ch = nil, nil

	conn, ch, err := r.dial()
	if err != nil {
		return fmt.Errorf("%w: rabbitmq reconnect: %v", domain.ErrExternalServiceUnavailable, err)
	}
	r.conn, r.ch = conn, ch
	r.logger.Info("rabbitmq reconnected")
	return nil
}

func setup(ch *amqp.Channel, prefetch int) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range []string{domain.EventCallRequested, domain.EventPOSSync} {
		if err := ch.QueueBind(Queue, key, Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Dispatch publishes e persistently and waits for the broker confirm, so
// the relay only marks the row once RabbitMQ owns the message.
func (r *RabbitMQ) Dispatch(ctx context.Context, e domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureOpen(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conf, err := r.ch.PublishWithDeferredConfirmWithContext(ctx, Exchange, e.Kind, false, false, amqp.Publishing{
		MessageId:    e.ID,
		Type:         e.Kind,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.CreatedAt,
		Body:         e.Payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", e.ID)
	}
	return nil
}

// Consume hands every delivery to d until ctx ends. Failed deliveries are
// requeued once; a second failure or a permanent error drops the message.
func (r *RabbitMQ) Consume(ctx context.Context, consumer string, d outbox.Dispatcher) error {
	deliveries, err := r.ch.ConsumeWithContext(ctx, Queue, consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery channel closed", domain.ErrExternalServiceUnavailable)
			}
			r.handle(ctx, msg, d)
		}
	}
}

func (r *RabbitMQ) handle(ctx context.Context, msg amqp.Delivery, d outbox.Dispatcher) {
	log := r.logger.With(zap.String("event_id", msg.MessageId), zap.String("kind", msg.Type))

	e := domain.OutboxEvent{
		ID:        msg.MessageId,
		Kind:      msg.Type,
		Payload:   msg.Body,
		CreatedAt: msg.Timestamp,
	}
	err := d.Dispatch(ctx, e)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			log.Error("ack failed", zap.Error(ackErr))
		}
	case outbox.IsPermanent(err) || msg.Redelivered:
		log.Warn("dropping job", zap.Error(err), zap.Bool("redelivered", msg.Redelivered))
		if nackErr := msg.Nack(false, false); nackErr != nil {
			log.Error("nack failed", zap.Error(nackErr))
		}
	default:
		log.Info("requeueing job", zap.Error(err))
		if nackErr := msg.Nack(false, true); nackErr != nil {
			log.Error("nack failed", zap.Error(nackErr))
		}
	}
}

func (r *RabbitMQ) Close() error {
	if r.ch != nil && !r.ch.IsClosed() {
		if err := r.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if r.conn != nil && !r.conn.IsClosed() {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}
