package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/ledger"
	"github.com/campuseats/ordering/internal/models"
	"github.com/campuseats/ordering/internal/payments"
	"github.com/campuseats/ordering/internal/pos"
	"github.com/campuseats/ordering/internal/store"
	"github.com/campuseats/ordering/internal/telephony"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type mockPlacer struct {
	mock.Mock
}

func (m *mockPlacer) PlaceCall(ctx context.Context, req telephony.CallRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Capture(ctx context.Context, accountID string, amount decimal.Decimal) (*payments.Capture, error) {
	args := m.Called(ctx, accountID, amount)
	c, _ := args.Get(0).(*payments.Capture)
	return c, args.Error(1)
}

type mockPOS struct {
	mock.Mock
}

func (m *mockPOS) Type() string { return "mockpos" }

func (m *mockPOS) ValidateConfig(cfg json.RawMessage) error { return nil }

func (m *mockPOS) SyncMenu(ctx context.Context, restaurantID string, cfg json.RawMessage) (*pos.MenuSyncResult, error) {
	args := m.Called(ctx, restaurantID, cfg)
	r, _ := args.Get(0).(*pos.MenuSyncResult)
	return r, args.Error(1)
}

func (m *mockPOS) SyncOrder(ctx context.Context, order *domain.Order, cfg json.RawMessage) (*pos.OrderSyncResult, error) {
	args := m.Called(ctx, order.ID, cfg)
	r, _ := args.Get(0).(*pos.OrderSyncResult)
	return r, args.Error(1)
}

func (m *mockPOS) GetOrderStatus(ctx context.Context, externalOrderID string, cfg json.RawMessage) (string, error) {
	args := m.Called(ctx, externalOrderID, cfg)
	return args.String(0), args.Error(1)
}

// ServiceSuite wires every service against the in-memory store.
type ServiceSuite struct {
	suite.Suite
	ctx    context.Context
	logger *zap.Logger

	store       *store.Memory
	ledger      *ledger.Ledger
	orders      *OrderService
	calls       *CallService
	accounts    *AccountService
	restaurants *RestaurantService
	sync        *POSSyncService

	placer  *mockPlacer
	gateway *mockGateway
	pos     *mockPOS

	student    *domain.Account
	restaurant *domain.Restaurant
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	logger := zaptest.NewLogger(s.T())
	s.logger = logger
	s.store = store.NewMemory()
	s.ledger = ledger.New(logger)
	s.placer = new(mockPlacer)
	s.gateway = new(mockGateway)
	s.pos = new(mockPOS)
	registry := pos.NewRegistry(s.pos)

	s.orders = NewOrderService(s.store, s.ledger, logger, OrderOptions{RefundRequireCharge: true})
	s.calls = NewCallService(s.store, s.orders, s.placer, logger, CallConfig{
		PublicBaseURL: "https://eats.example.edu",
		FromNumber:    "+15550000000",
		RatePerMinute: decimal.RequireFromString("0.0130"),
		MaxRepeats:    2,
	})
	s.accounts = NewAccountService(s.store, s.ledger, s.gateway, logger)
	s.restaurants = NewRestaurantService(s.store, registry, logger)
	s.sync = NewPOSSyncService(s.store, registry, logger)

	s.student = s.newStudent("Avery", "50")
	s.restaurant = s.newRestaurant(models.CreateRestaurantRequest{
		Name:        "Noodle Bar",
		Phone:       "+15551230000",
		CallEnabled: true,
	})
}

func (s *ServiceSuite) TearDownTest() {
	s.placer.AssertExpectations(s.T())
	s.gateway.AssertExpectations(s.T())
	s.pos.AssertExpectations(s.T())
}

func (s *ServiceSuite) newStudent(name, balance string) *domain.Account {
	acc, err := s.accounts.Create(s.ctx, models.CreateAccountRequest{Name: name, Email: name + "@example.edu"})
	s.Require().NoError(err)
	if balance != "0" {
		_, err = s.accounts.AdminCredit(s.ctx, acc.ID, models.CreditRequest{Amount: decimal.RequireFromString(balance)})
		s.Require().NoError(err)
	}
	return acc
}

func (s *ServiceSuite) newRestaurant(req models.CreateRestaurantRequest) *domain.Restaurant {
	r, err := s.restaurants.Create(s.ctx, req)
	s.Require().NoError(err)
	return r
}

func cart(price string, qty int) models.CreateOrderRequest {
	unit := decimal.RequireFromString(price)
	return models.CreateOrderRequest{
		Items: []models.OrderItemRequest{{
			MenuItemID: "pad-thai",
			Name:       "Pad Thai",
			Quantity:   qty,
			UnitPrice:  unit,
		}},
		Subtotal: unit.Mul(decimal.NewFromInt(int64(qty))),
	}
}

func (s *ServiceSuite) placeOrder(accountID, restaurantID, price string) *domain.Order {
	req := cart(price, 1)
	req.AccountID, req.RestaurantID = accountID, restaurantID
	resp, err := s.orders.Create(s.ctx, req, models.Idempotency{})
	s.Require().NoError(err)
	return resp.Order
}

func (s *ServiceSuite) balance(accountID string) string {
	acc, err := s.store.GetAccount(s.ctx, accountID)
	s.Require().NoError(err)
	return acc.Balance.StringFixed(2)
}

func (s *ServiceSuite) status(orderID string) domain.OrderStatus {
	o, err := s.store.GetOrder(s.ctx, orderID)
	s.Require().NoError(err)
	return o.Status
}

func (s *ServiceSuite) entriesOfKind(accountID string, kind domain.EntryKind) []domain.LedgerEntry {
	all, err := s.store.ListLedgerEntries(s.ctx, accountID)
	s.Require().NoError(err)
	var out []domain.LedgerEntry
	for _, e := range all {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *ServiceSuite) assertBalanced(accountID string) {
	rec, err := s.accounts.Reconcile(s.ctx, accountID)
	s.Require().NoError(err)
	s.True(rec.Balanced, "balance %s != entries %s", rec.Balance, rec.EntrySum)
}

func (s *ServiceSuite) eventsOfKind(kind string) []domain.OutboxEvent {
	var out []domain.OutboxEvent
	for _, e := range s.store.OutboxEvents() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func spoken(t *testing.T, r telephony.Response) string {
	t.Helper()
	require.NotEmpty(t, r.Verbs)
	say, ok := r.Verbs[0].(telephony.Say)
	require.True(t, ok, "first verb is %T", r.Verbs[0])
	return say.Text
}
