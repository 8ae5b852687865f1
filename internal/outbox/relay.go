package outbox

import (
	"context"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/metrics"
	"go.uber.org/zap"
)

type Queue interface {
	ClaimOutbox(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]domain.OutboxEvent, error)
	MarkOutboxDispatched(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id, lastError string, giveUp bool, at, retryAt time.Time) error
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Lease        time.Duration
	// Backoff is the wait before the first retry; it doubles per attempt up
	// to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

type Relay struct {
	queue      Queue
	dispatcher Dispatcher
	logger     *zap.Logger
	cfg        RelayConfig
	nudge      chan struct{}
	now        func() time.Time
}

func NewRelay(queue Queue, dispatcher Dispatcher, logger *zap.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	return &Relay{
		queue:      queue,
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		nudge:      make(chan struct{}, 1),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Nudge asks the relay to drain now instead of waiting for the next tick.
// It never blocks.
func (r *Relay) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run drains until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Duration("poll_interval", r.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		case <-r.nudge:
		}

		for {
			n, err := r.Drain(ctx)
			if err != nil {
				r.logger.Error("outbox drain failed", zap.Error(err))
				break
			}
			if n < r.cfg.BatchSize {
				break
			}
		}
	}
}

// Drain claims and dispatches one batch and reports how many events it
// handled.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	events, err := r.queue.ClaimOutbox(ctx, r.cfg.BatchSize, r.now(), r.cfg.Lease)
	if err != nil {
		return 0, err
	}

	for _, e := range events {
		r.deliver(ctx, e)
	}
	return len(events), nil
}

func (r *Relay) deliver(ctx context.Context, e domain.OutboxEvent) {
	log := r.logger.With(zap.String("event_id", e.ID), zap.String("kind", e.Kind))

	err := r.dispatcher.Dispatch(ctx, e)
	if err == nil {
		metrics.OutboxDispatches.WithLabelValues(e.Kind, "ok").Inc()
		if markErr := r.queue.MarkOutboxDispatched(ctx, e.ID, r.now()); markErr != nil {
			log.Error("mark dispatched failed", zap.Error(markErr))
		}
		return
	}

	giveUp := IsPermanent(err) || e.Attempts+1 >= r.cfg.MaxAttempts
	outcome := "retry"
	if giveUp {
		outcome = "dropped"
	}
	metrics.OutboxDispatches.WithLabelValues(e.Kind, outcome).Inc()
	log.Warn("outbox dispatch failed",
		zap.Error(err),
		zap.Int("attempt", e.Attempts+1),
		zap.Bool("give_up", giveUp))

	now := r.now()
	retryAt := time.Time{}
	if !giveUp {
		retryAt = now.Add(r.backoff(e.Attempts))
	}
	if markErr := r.queue.MarkOutboxFailed(ctx, e.ID, err.Error(), giveUp, now, retryAt); markErr != nil {
		log.Error("mark failed failed", zap.Error(markErr))
	}
}

// backoff returns the wait after a failure given the attempts made before it.
func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.Backoff
	for i := 0; i < attempts && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}
