// Package telephony places outbound IVR calls through a Twilio-compatible
// REST API and renders the voice documents the provider fetches during a
// call.
package telephony

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/go-resty/resty/v2"
)

type CallRequest struct {
	To             string
	From           string
	ScriptURL      string
	StatusCallback string
	TimeoutSeconds int
}

// Placer starts a call and returns the provider's call identifier.
type Placer interface {
	PlaceCall(ctx context.Context, req CallRequest) (string, error)
}

type Client struct {
	http       *resty.Client
	accountSID string
}

type callResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewClient(baseURL, accountSID, authToken string) *Client {
	// No transport retries: a retried POST can ring the restaurant twice.
	rc := resty.New().
		SetBaseURL(baseURL).
		SetBasicAuth(accountSID, authToken).
		SetTimeout(10 * time.Second)
	return &Client{http: rc, accountSID: accountSID}
}

func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.ScriptURL)
	form.Set("Method", "POST")
	form.Set("Timeout", strconv.Itoa(req.TimeoutSeconds))
	form.Set("StatusCallback", req.StatusCallback)
	form.Set("StatusCallbackMethod", "POST")
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}

	var out callResponse
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormDataFromValues(form).
		SetResult(&out).
		SetError(&apiErr).
		Post(fmt.Sprintf("/Accounts/%s/Calls.json", c.accountSID))
	if err != nil {
		return "", fmt.Errorf("%w: place call: %v", domain.ErrExternalServiceUnavailable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: place call: status %d: %s",
			domain.ErrExternalServiceUnavailable, resp.StatusCode(), apiErr.Message)
	}
	if out.SID == "" {
		return "", fmt.Errorf("%w: place call: empty call sid", domain.ErrExternalServiceUnavailable)
	}
	return out.SID, nil
}
