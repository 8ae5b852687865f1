package service

import (
	"encoding/json"
	"fmt"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/models"
	"github.com/campuseats/ordering/internal/outbox"
	"github.com/campuseats/ordering/internal/pos"
	"github.com/stretchr/testify/mock"
)

func (s *ServiceSuite) posRestaurant() *domain.Restaurant {
	return s.newRestaurant(models.CreateRestaurantRequest{
		Name:      "Burger Lab",
		POSType:   "mockpos",
		POSConfig: json.RawMessage(`{"location_id":"loc-1"}`),
	})
}

func (s *ServiceSuite) TestAccept_EnqueuesPOSSyncAndJobDelivers() {
	rest := s.posRestaurant()
	o := s.placeOrder(s.student.ID, rest.ID, "11.00")
	s.Empty(s.eventsOfKind(domain.EventCallRequested), "calling is disabled for this restaurant")

	_, err := s.orders.Accept(s.ctx, o.ID, rest.ID)
	s.Require().NoError(err)
	events := s.eventsOfKind(domain.EventPOSSync)
	s.Require().Len(events, 1)

	local := outbox.NewLocal()
	RegisterJobs(local, s.calls, s.sync, s.logger)
	s.pos.On("SyncOrder", mock.Anything, o.ID, mock.Anything).
		Return(&pos.OrderSyncResult{ExternalOrderID: "POS-77"}, nil).Once()

	s.Require().NoError(local.Dispatch(s.ctx, events[0]))
	synced, err := s.store.GetOrder(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal("POS-77", synced.ExternalOrderID)

	// Already synced orders are not pushed again.
	s.Require().NoError(local.Dispatch(s.ctx, events[0]))

	s.pos.On("GetOrderStatus", mock.Anything, "POS-77", mock.Anything).Return("preparing", nil).Once()
	status, err := s.sync.OrderStatus(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal("preparing", status)
}

func (s *ServiceSuite) TestPOSSyncJob_ErrorClassification() {
	rest := s.posRestaurant()
	o := s.placeOrder(s.student.ID, rest.ID, "11.00")

	local := outbox.NewLocal()
	RegisterJobs(local, s.calls, s.sync, s.logger)
	ev, err := outbox.OrderEvent(domain.EventPOSSync, o)
	s.Require().NoError(err)

	// Pending orders are never pushed.
	err = local.Dispatch(s.ctx, *ev)
	s.ErrorIs(err, domain.ErrConflict)
	s.True(outbox.IsPermanent(err))

	_, err = s.orders.Accept(s.ctx, o.ID, rest.ID)
	s.Require().NoError(err)
	s.pos.On("SyncOrder", mock.Anything, o.ID, mock.Anything).
		Return(nil, fmt.Errorf("%w: pos down", domain.ErrExternalServiceUnavailable)).Once()
	err = local.Dispatch(s.ctx, *ev)
	s.ErrorIs(err, domain.ErrExternalServiceUnavailable)
	s.False(outbox.IsPermanent(err))
}

func (s *ServiceSuite) TestCallJob_FailuresArePermanent() {
	o := s.placeOrder(s.student.ID, s.restaurant.ID, "11.00")
	events := s.eventsOfKind(domain.EventCallRequested)
	s.Require().Len(events, 1)

	local := outbox.NewLocal()
	RegisterJobs(local, s.calls, s.sync, s.logger)
	s.placer.On("PlaceCall", mock.Anything, mock.Anything).
		Return("", fmt.Errorf("%w: provider 500", domain.ErrExternalServiceUnavailable)).Once()

	err := local.Dispatch(s.ctx, events[0])
	s.True(outbox.IsPermanent(err))
	s.Equal(domain.CallFailed, s.latestCall(o.ID).ResponseType)
}

func (s *ServiceSuite) TestSyncMenu() {
	rest := s.posRestaurant()
	s.pos.On("SyncMenu", mock.Anything, rest.ID, mock.Anything).
		Return(&pos.MenuSyncResult{ItemsUpdated: 12}, nil).Once()

	res, err := s.sync.SyncMenu(s.ctx, rest.ID)
	s.Require().NoError(err)
	s.Equal(12, res.ItemsUpdated)

	manual, err := s.sync.SyncMenu(s.ctx, s.restaurant.ID)
	s.Require().NoError(err)
	s.Zero(manual.ItemsUpdated)
}

func (s *ServiceSuite) TestCreateRestaurant_RejectsUnknownPOS() {
	_, err := s.restaurants.Create(s.ctx, models.CreateRestaurantRequest{Name: "Mystery", POSType: "square"})
	s.ErrorIs(err, domain.ErrInvalidRequest)

	retries := 9
	_, err = s.restaurants.Create(s.ctx, models.CreateRestaurantRequest{Name: "Eager", CallRetries: &retries})
	s.ErrorIs(err, domain.ErrInvalidRequest)
}
