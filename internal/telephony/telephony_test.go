package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_PlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Accounts/AC123/Calls.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550001111", r.PostForm.Get("To"))
		assert.Equal(t, "+15559990000", r.PostForm.Get("From"))
		assert.Equal(t, "https://eats.test/ivr/orders/o1/script", r.PostForm.Get("Url"))
		assert.Equal(t, "45", r.PostForm.Get("Timeout"))
		assert.Equal(t, "https://eats.test/ivr/status", r.PostForm.Get("StatusCallback"))
		assert.Len(t, r.PostForm["StatusCallbackEvent"], 4)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA42","status":"queued"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "AC123", "secret")
	sid, err := c.PlaceCall(context.Background(), CallRequest{
		To:             "+15550001111",
		From:           "+15559990000",
		ScriptURL:      "https://eats.test/ivr/orders/o1/script",
		StatusCallback: "https://eats.test/ivr/status",
		TimeoutSeconds: 45,
	})
	require.NoError(t, err)
	assert.Equal(t, "CA42", sid)
}

func TestClient_PlaceCallProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"invalid To number"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "AC123", "secret")
	_, err := c.PlaceCall(context.Background(), CallRequest{To: "nope"})
	assert.ErrorIs(t, err, domain.ErrExternalServiceUnavailable)
	assert.ErrorContains(t, err, "invalid To number")
}

func TestOrderScript(t *testing.T) {
	doc := OrderScript(OrderSummary{
		OrderID:        "3f2a9c1e-0000-4000-8000-00000000ab12",
		RestaurantName: "Noodle Bar",
		CustomerName:   "Sam",
		Total:          decimal.RequireFromString("12.5"),
		Items:          []SummaryItem{{Name: "Pad Thai", Quantity: 2}},
	}, "https://eats.test/ivr/orders/o1/response", "https://eats.test/ivr/orders/o1/timeout", 30)

	body, err := Render(doc)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, `<?xml version="1.0" encoding="UTF-8"?>`)
	assert.Contains(t, out, `<Gather input="dtmf" numDigits="1" timeout="30" action="https://eats.test/ivr/orders/o1/response" method="POST">`)
	assert.Contains(t, out, "ending in A B 1 2")
	assert.Contains(t, out, "12 dollars and 50 cents")
	assert.Contains(t, out, "2 Pad Thai.")
	assert.Contains(t, out, `<Redirect method="POST">https://eats.test/ivr/orders/o1/timeout</Redirect>`)
	assert.NotContains(t, out, "3f2a9c1e")
}

func TestMessageEndsCall(t *testing.T) {
	body, err := Render(Message(MsgAccepted))
	require.NoError(t, err)
	assert.Contains(t, string(body), MsgAccepted)
	assert.Contains(t, string(body), "<Hangup></Hangup>")
}

func TestSpokenAmount(t *testing.T) {
	assert.Equal(t, "8 dollars", SpokenAmount(decimal.NewFromInt(8)))
	assert.Equal(t, "1 dollar and 5 cents", SpokenAmount(decimal.RequireFromString("1.05")))
	assert.Equal(t, "0 dollars and 99 cents", SpokenAmount(decimal.RequireFromString("0.99")))
}

func TestMaskOrderID(t *testing.T) {
	assert.Equal(t, "A B 1 2", MaskOrderID("3f2a9c1e-0000-4000-8000-00000000ab12"))
	assert.Equal(t, "4 2", MaskOrderID("42"))
}
