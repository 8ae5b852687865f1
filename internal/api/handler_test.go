package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/ledger"
	"github.com/campuseats/ordering/internal/models"
	"github.com/campuseats/ordering/internal/payments"
	"github.com/campuseats/ordering/internal/pos"
	"github.com/campuseats/ordering/internal/service"
	"github.com/campuseats/ordering/internal/store"
	"github.com/campuseats/ordering/internal/telephony"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "whsec_test"

type fakePlacer struct{ sid string }

func (f *fakePlacer) PlaceCall(context.Context, telephony.CallRequest) (string, error) {
	return f.sid, nil
}

type fakeGateway struct{}

func (fakeGateway) Capture(_ context.Context, _ string, amount decimal.Decimal) (*payments.Capture, error) {
	return &payments.Capture{Success: true, ExternalPaymentID: "pay_1", Amount: amount}, nil
}

type testEnv struct {
	router *mux.Router
	svc    Services
	store  *store.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	st := store.NewMemory()
	lg := ledger.New(logger)
	registry := pos.NewRegistry(pos.Manual{})

	orders := service.NewOrderService(st, lg, logger, service.OrderOptions{RefundRequireCharge: true})
	svc := Services{
		Orders: orders,
		Calls: service.NewCallService(st, orders, &fakePlacer{sid: "CA123"}, logger, service.CallConfig{
			PublicBaseURL: "https://eats.example.edu",
			FromNumber:    "+15550000000",
			RatePerMinute: decimal.RequireFromString("0.0130"),
			MaxRepeats:    2,
		}),
		Accounts:    service.NewAccountService(st, lg, fakeGateway{}, logger),
		Restaurants: service.NewRestaurantService(st, registry, logger),
		POS:         service.NewPOSSyncService(st, registry, logger),
	}
	return &testEnv{
		router: NewRouter(NewHandler(svc, st, logger, testSecret)),
		svc:    svc,
		store:  st,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) form(t *testing.T, path string, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// seed creates a student holding balance and a restaurant with calling on.
func (e *testEnv) seed(t *testing.T, balance string) (accountID, restaurantID string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/accounts", models.CreateAccountRequest{Name: "Jordan", Email: "Jordan@Example.edu"}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	acc := decode[domain.Account](t, rr)
	assert.Equal(t, "jordan@example.edu", acc.Email)

	rr = e.do(t, http.MethodPost, "/admin/accounts/"+acc.ID+"/credits",
		models.CreditRequest{Amount: decimal.RequireFromString(balance), Description: "welcome"}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = e.do(t, http.MethodPost, "/restaurants", models.CreateRestaurantRequest{
		Name:        "Taco Stand",
		Phone:       "+15557654321",
		CallEnabled: true,
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rest := decode[domain.Restaurant](t, rr)
	return acc.ID, rest.ID
}

func orderRequest(accountID, restaurantID, price string) models.CreateOrderRequest {
	unit := decimal.RequireFromString(price)
	return models.CreateOrderRequest{
		AccountID:    accountID,
		RestaurantID: restaurantID,
		Items:        []models.OrderItemRequest{{MenuItemID: "al-pastor", Name: "Al Pastor", Quantity: 1, UnitPrice: unit}},
		Subtotal:     unit,
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrIdempotencyMismatch, http.StatusUnprocessableEntity},
		{fmt.Errorf("debit: %w", domain.ErrInsufficientBalance), http.StatusUnprocessableEntity},
		{domain.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrUnsupportedPOS, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrRetryLimitExceeded, http.StatusTooManyRequests},
		{domain.ErrCallingDisabled, http.StatusPreconditionFailed},
		{domain.ErrNoPhoneNumber, http.StatusPreconditionFailed},
		{domain.ErrPaymentDeclined, http.StatusPaymentRequired},
		{domain.ErrExternalServiceUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestHealthCheck(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestCreateOrderIdempotency(t *testing.T) {
	e := newTestEnv(t)
	accountID, restaurantID := e.seed(t, "50")
	key := http.Header{"Idempotency-Key": {"order-abc"}}

	first := e.do(t, http.MethodPost, "/orders", orderRequest(accountID, restaurantID, "12.00"), key)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	created := decode[models.CreateOrderResponse](t, first)
	assert.Equal(t, "/orders/"+created.Order.ID, first.Header().Get("Location"))
	assert.Equal(t, domain.OrderPending, created.Order.Status)

	replay := e.do(t, http.MethodPost, "/orders", orderRequest(accountID, restaurantID, "12.00"), key)
	require.Equal(t, http.StatusOK, replay.Code, replay.Body.String())
	assert.Equal(t, created.Order.ID, decode[models.CreateOrderResponse](t, replay).Order.ID)

	mismatch := e.do(t, http.MethodPost, "/orders", orderRequest(accountID, restaurantID, "13.00"), key)
	assert.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)

	orders := decode[[]domain.Order](t, e.do(t, http.MethodGet, "/accounts/"+accountID+"/orders", nil, nil))
	assert.Len(t, orders, 1)
}

func TestCreateOrderValidation(t *testing.T) {
	e := newTestEnv(t)
	accountID, restaurantID := e.seed(t, "50")

	req := orderRequest(accountID, restaurantID, "12.00")
	req.Items = nil
	rr := e.do(t, http.MethodPost, "/orders", req, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(t, http.MethodPost, "/orders", orderRequest(accountID, "missing", "12.00"), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	bad := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAcceptAndRefund(t *testing.T) {
	e := newTestEnv(t)
	accountID, restaurantID := e.seed(t, "50")

	rr := e.do(t, http.MethodPost, "/orders", orderRequest(accountID, restaurantID, "12.00"), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	order := decode[models.CreateOrderResponse](t, rr).Order

	rr = e.do(t, http.MethodPost, "/restaurants/"+restaurantID+"/orders/"+order.ID+"/accept", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, domain.OrderConfirmed, decode[domain.Order](t, rr).Status)

	rr = e.do(t, http.MethodPost, "/restaurants/"+restaurantID+"/orders/"+order.ID+"/accept", nil, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = e.do(t, http.MethodPost, "/admin/orders/"+order.ID+"/refund", models.RefundRequest{Reason: "cold food"}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, domain.OrderRefunded, decode[domain.Order](t, rr).Status)

	acc := decode[domain.Account](t, e.do(t, http.MethodGet, "/accounts/"+accountID, nil, nil))
	assert.Equal(t, "50.00", acc.Balance.StringFixed(2))

	rec := decode[map[string]any](t, e.do(t, http.MethodGet, "/admin/accounts/"+accountID+"/reconcile", nil, nil))
	assert.Equal(t, true, rec["balanced"])
}

func TestPaymentWebhookSignature(t *testing.T) {
	e := newTestEnv(t)
	accountID, _ := e.seed(t, "5")

	ev := payments.WebhookEvent{ID: "evt_1", Type: payments.EventPaymentSucceeded}
	ev.Data.PaymentID = "pay_77"
	ev.Data.AccountID = accountID
	ev.Data.Amount = decimal.RequireFromString("20")
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
		req.Header.Set(payments.SignatureHeader, sig)
		rr := httptest.NewRecorder()
		e.router.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, post("deadbeef").Code)

	rr := post(payments.Sign(testSecret, body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, decode[models.PurchaseResponse](t, rr).Duplicate)

	rr = post(payments.Sign(testSecret, body))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[models.PurchaseResponse](t, rr).Duplicate)

	acc := decode[domain.Account](t, e.do(t, http.MethodGet, "/accounts/"+accountID, nil, nil))
	assert.Equal(t, "25.00", acc.Balance.StringFixed(2))
}

func TestIVRAcceptFlow(t *testing.T) {
	e := newTestEnv(t)
	accountID, restaurantID := e.seed(t, "50")

	rr := e.do(t, http.MethodPost, "/orders", orderRequest(accountID, restaurantID, "12.00"), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	order := decode[models.CreateOrderResponse](t, rr).Order

	call, err := e.svc.Calls.Initiate(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "CA123", call.ExternalCallID)

	rr = e.form(t, "/ivr/orders/"+order.ID+"/script", url.Values{"CallSid": {"CA123"}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "<Gather")
	assert.Contains(t, rr.Body.String(), "/ivr/orders/"+order.ID+"/response")

	rr = e.form(t, "/ivr/orders/"+order.ID+"/response", url.Values{"CallSid": {"CA123"}, "Digits": {"1"}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "<Hangup")

	got := decode[domain.Order](t, e.do(t, http.MethodGet, "/orders/"+order.ID, nil, nil))
	assert.Equal(t, domain.OrderConfirmed, got.Status)

	rr = e.form(t, "/ivr/status", url.Values{"CallSid": {"CA123"}, "CallStatus": {"completed"}, "CallDuration": {"61"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	logged := decode[domain.CallLog](t, rr)
	assert.Equal(t, "0.026", logged.Cost.StringFixed(3))
	assert.Equal(t, 61, logged.DurationSeconds)

	rr = e.form(t, "/ivr/status", url.Values{"CallSid": {"CA123"}, "CallDuration": {"x"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIVRUnknownOrderStillSpeaks(t *testing.T) {
	e := newTestEnv(t)
	rr := e.form(t, "/ivr/orders/nope/response", url.Values{"CallSid": {"CA999"}, "Digits": {"1"}})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "Goodbye")
}

func TestIVRStatusForUnknownCallIsAcknowledged(t *testing.T) {
	e := newTestEnv(t)
	rr := e.form(t, "/ivr/status", url.Values{"CallSid": {"CA-early"}, "CallStatus": {"ringing"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "ignored", decode[map[string]string](t, rr)["status"])
}
