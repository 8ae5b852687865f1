// Package payments talks to the card processor that sells credits and
// verifies the webhooks it sends back.
package payments

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Capture struct {
	Success           bool            `json:"success"`
	ExternalPaymentID string          `json:"external_payment_id"`
	Amount            decimal.Decimal `json:"amount"`
}

type Gateway interface {
	Capture(ctx context.Context, accountID string, amount decimal.Decimal) (*Capture, error)
}

type Client struct {
	http *resty.Client
}

type captureRequest struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type captureResponse struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Amount  decimal.Decimal `json:"amount"`
	Message string          `json:"message"`
}

func NewClient(baseURL, apiKey string) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond)
	return &Client{http: rc}
}

// Capture charges the student's card. The request carries a fresh
// Idempotency-Key so transport retries cannot charge twice.
func (c *Client) Capture(ctx context.Context, accountID string, amount decimal.Decimal) (*Capture, error) {
	var out captureResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", uuid.NewString()).
		SetBody(captureRequest{AccountID: accountID, Amount: amount, Currency: "usd"}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/captures")
	if err != nil {
		return nil, fmt.Errorf("%w: capture: %v", domain.ErrExternalServiceUnavailable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusPaymentRequired, resp.IsSuccess() && out.Status != "succeeded":
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, out.Message)
	case resp.IsError():
		return nil, fmt.Errorf("%w: capture: status %d", domain.ErrExternalServiceUnavailable, resp.StatusCode())
	}

	return &Capture{Success: true, ExternalPaymentID: out.ID, Amount: out.Amount}, nil
}
