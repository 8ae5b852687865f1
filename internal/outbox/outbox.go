// Package outbox delivers side effects that were recorded in the same
// transaction as the state change that caused them. A Relay claims pending
// events after commit and hands them to a Dispatcher.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/google/uuid"
)

// NewEvent builds an event ready for Queries.EnqueueOutbox.
func NewEvent(kind string, payload any) (*domain.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &domain.OutboxEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// OrderEvent is NewEvent for the order-scoped kinds.
func OrderEvent(kind string, order *domain.Order) (*domain.OutboxEvent, error) {
	return NewEvent(kind, domain.OrderEventPayload{OrderID: order.ID, RestaurantID: order.RestaurantID})
}

type Dispatcher interface {
	Dispatch(ctx context.Context, e domain.OutboxEvent) error
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps an error the relay must not retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Handler func(ctx context.Context, e domain.OutboxEvent) error

// Local runs handlers in-process, keyed by event kind.
type Local struct {
	handlers map[string]Handler
}

func NewLocal() *Local {
	return &Local{handlers: map[string]Handler{}}
}

func (l *Local) Handle(kind string, h Handler) {
	l.handlers[kind] = h
}

func (l *Local) Dispatch(ctx context.Context, e domain.OutboxEvent) error {
	h, ok := l.handlers[e.Kind]
	if !ok {
		return Permanent(fmt.Errorf("no handler for %q", e.Kind))
	}
	return h(ctx, e)
}

// DecodeOrderEvent parses the payload of an order-scoped event.
func DecodeOrderEvent(e domain.OutboxEvent) (domain.OrderEventPayload, error) {
	var p domain.OrderEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, Permanent(fmt.Errorf("decode %s payload: %w", e.Kind, err))
	}
	if p.OrderID == "" {
		return p, Permanent(fmt.Errorf("%s payload without order id", e.Kind))
	}
	return p, nil
}
