package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type ackRecorder struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked = true; return nil }

func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

type dispatchFunc func(ctx context.Context, e domain.OutboxEvent) error

func (f dispatchFunc) Dispatch(ctx context.Context, e domain.OutboxEvent) error { return f(ctx, e) }

func delivery(ack *ackRecorder, redelivered bool) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		MessageId:    "evt-1",
		Type:         domain.EventPOSSync,
		Body:         []byte(`{"order_id":"o-1"}`),
		Redelivered:  redelivered,
	}
}

func TestHandle(t *testing.T) {
	r := &RabbitMQ{logger: zaptest.NewLogger(t)}
	transient := errors.New("pos down")

	cases := []struct {
		name        string
		err         error
		redelivered bool
		acked       bool
		requeue     bool
	}{
		{name: "success acks", acked: true},
		{name: "transient failure requeues", err: transient, requeue: true},
		{name: "second failure drops", err: transient, redelivered: true},
		{name: "permanent failure drops", err: outbox.Permanent(transient)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack := &ackRecorder{}
			var got domain.OutboxEvent
			r.handle(context.Background(), delivery(ack, tc.redelivered), dispatchFunc(func(_ context.Context, e domain.OutboxEvent) error {
				got = e
				return tc.err
			}))

			assert.Equal(t, "evt-1", got.ID)
			assert.Equal(t, domain.EventPOSSync, got.Kind)
			assert.Equal(t, tc.acked, ack.acked)
			assert.Equal(t, !tc.acked, ack.nacked)
			assert.Equal(t, tc.requeue, ack.requeue)
		})
	}
}

func TestDispatch_ReconnectsWhenClosed(t *testing.T) {
	dials := 0
	r := &RabbitMQ{
		logger: zaptest.NewLogger(t),
		dial: func() (*amqp.Connection, *amqp.Channel, error) {
			dials++
			return nil, nil, errors.New("connection refused")
		},
	}
	e := domain.OutboxEvent{ID: "evt-2", Kind: domain.EventCallRequested}

	err := r.Dispatch(context.Background(), e)
	assert.ErrorIs(t, err, domain.ErrExternalServiceUnavailable)
	assert.False(t, outbox.IsPermanent(err))
	assert.Equal(t, 1, dials)

	err = r.Dispatch(context.Background(), e)
	assert.ErrorIs(t, err, domain.ErrExternalServiceUnavailable)
	assert.Equal(t, 2, dials, "every dispatch retries the connection")
}
