package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/outbox"
	"github.com/campuseats/ordering/internal/pos"
	"github.com/campuseats/ordering/internal/store"
	"go.uber.org/zap"
)

// POSSyncService mirrors confirmed orders into restaurant POS systems and
// pulls menus from them.
type POSSyncService struct {
	store    store.Store
	registry *pos.Registry
	logger   *zap.Logger
}

func NewPOSSyncService(s store.Store, registry *pos.Registry, logger *zap.Logger) *POSSyncService {
	return &POSSyncService{store: s, registry: registry, logger: logger}
}

func (s *POSSyncService) integration(ctx context.Context, restaurantID string) (*domain.Restaurant, pos.Integration, error) {
	rest, err := s.store.GetRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, nil, err
	}
	in, err := s.registry.Resolve(rest.POSType)
	if err != nil {
		return nil, nil, err
	}
	return rest, in, nil
}

// SyncOrder pushes a charged order to the restaurant's POS once. Orders that
// already carry an external id are skipped.
func (s *POSSyncService) SyncOrder(ctx context.Context, orderID string) (err error) {
	ctx, span := tracer.Start(ctx, "POSSyncService.SyncOrder")
	defer func() { endSpan(span, err) }()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Status.Charged() {
		return fmt.Errorf("order %s is %s: %w", order.ID, order.Status, domain.ErrConflict)
	}
	if order.ExternalOrderID != "" {
		return nil
	}
	rest, in, err := s.integration(ctx, order.RestaurantID)
	if err != nil {
		return err
	}
	res, err := in.SyncOrder(ctx, order, rest.POSConfig)
	if err != nil {
		return err
	}
	if res.ExternalOrderID == "" {
		return nil
	}
	if err := s.store.SetOrderExternalID(ctx, order.ID, res.ExternalOrderID); err != nil {
		return err
	}
	s.logger.Info("order synced to pos",
		zap.String("order_id", order.ID),
		zap.String("pos_type", in.Type()),
		zap.String("external_order_id", res.ExternalOrderID))
	return nil
}

func (s *POSSyncService) SyncMenu(ctx context.Context, restaurantID string) (res *pos.MenuSyncResult, err error) {
	ctx, span := tracer.Start(ctx, "POSSyncService.SyncMenu")
	defer func() { endSpan(span, err) }()

	rest, in, err := s.integration(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	res, err = in.SyncMenu(ctx, rest.ID, rest.POSConfig)
	if err != nil {
		return nil, err
	}
	s.logger.Info("menu synced",
		zap.String("restaurant_id", rest.ID),
		zap.Int("items_updated", res.ItemsUpdated),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// OrderStatus asks the POS for its view of a synced order.
func (s *POSSyncService) OrderStatus(ctx context.Context, orderID string) (string, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.ExternalOrderID == "" {
		return "", fmt.Errorf("order %s was not synced: %w", order.ID, domain.ErrNotFound)
	}
	rest, in, err := s.integration(ctx, order.RestaurantID)
	if err != nil {
		return "", err
	}
	return in.GetOrderStatus(ctx, order.ExternalOrderID, rest.POSConfig)
}

// RegisterJobs binds the outbox event kinds to their handlers. Call
// placement is never retried by the relay: a failed attempt is recorded and
// the restaurant or admin retries by hand. POS sync is retried unless the
// failure cannot change.
func RegisterJobs(l *outbox.Local, calls *CallService, sync *POSSyncService, logger *zap.Logger) {
	l.Handle(domain.EventCallRequested, func(ctx context.Context, e domain.OutboxEvent) error {
		p, err := outbox.DecodeOrderEvent(e)
		if err != nil {
			return err
		}
		if _, err := calls.Initiate(ctx, p.OrderID); err != nil {
			logger.Warn("call not placed", zap.String("order_id", p.OrderID), zap.Error(err))
			return outbox.Permanent(err)
		}
		return nil
	})

	l.Handle(domain.EventPOSSync, func(ctx context.Context, e domain.OutboxEvent) error {
		p, err := outbox.DecodeOrderEvent(e)
		if err != nil {
			return err
		}
		err = sync.SyncOrder(ctx, p.OrderID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict),
			errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnsupportedPOS):
			return outbox.Permanent(err)
		}
		return err
	})
}
