package pos

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const TypeGenericREST = "generic_rest"

type restConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	LocationID string `json:"location_id"`
}

func parseRESTConfig(raw json.RawMessage) (*restConfig, error) {
	var cfg restConfig
	if len(raw) == 0 {
		return nil, fmt.Errorf("pos config missing: %w", domain.ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("pos config: %v: %w", err, domain.ErrInvalidRequest)
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("pos base_url must be an http(s) URL: %w", domain.ErrInvalidRequest)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pos api_key is required: %w", domain.ErrInvalidRequest)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &cfg, nil
}

// GenericREST speaks a small JSON contract most hosted POS vendors can be
// adapted to: GET /menu, POST /orders, GET /orders/{id}.
type GenericREST struct {
	http *resty.Client
}

func NewGenericREST() *GenericREST {
	return &GenericREST{http: resty.New().SetTimeout(10 * time.Second)}
}

func (g *GenericREST) Type() string { return TypeGenericREST }

func (g *GenericREST) ValidateConfig(raw json.RawMessage) error {
	_, err := parseRESTConfig(raw)
	return err
}

func (g *GenericREST) request(ctx context.Context, cfg *restConfig) *resty.Request {
	return g.http.R().
		SetContext(ctx).
		SetAuthToken(cfg.APIKey).
		SetHeader("X-Location-ID", cfg.LocationID)
}

func unavailable(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: pos %s: %v", domain.ErrExternalServiceUnavailable, op, err)
	}
	return fmt.Errorf("%w: pos %s: status %d", domain.ErrExternalServiceUnavailable, op, resp.StatusCode())
}

type menuResponse struct {
	Items []struct {
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Price decimal.Decimal `json:"price"`
	} `json:"items"`
}

func (g *GenericREST) SyncMenu(ctx context.Context, restaurantID string, raw json.RawMessage) (*MenuSyncResult, error) {
	cfg, err := parseRESTConfig(raw)
	if err != nil {
		return nil, err
	}

	var out menuResponse
	resp, err := g.request(ctx, cfg).SetResult(&out).Get(cfg.BaseURL + "/menu")
	if err != nil || resp.IsError() {
		return nil, unavailable("menu sync", resp, err)
	}

	res := &MenuSyncResult{}
	for _, it := range out.Items {
		if it.ID == "" || it.Price.IsNegative() {
			res.Errors = append(res.Errors, fmt.Sprintf("skipped item %q", it.Name))
			continue
		}
		res.ItemsUpdated++
	}
	return res, nil
}

type orderPayload struct {
	Reference string             `json:"reference"`
	Total     decimal.Decimal    `json:"total"`
	Items     []orderItemPayload `json:"items"`
}

type orderItemPayload struct {
	MenuItemID   string          `json:"menu_item_id"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Modifiers    []string        `json:"modifiers,omitempty"`
	Instructions string          `json:"instructions,omitempty"`
}

func (g *GenericREST) SyncOrder(ctx context.Context, order *domain.Order, raw json.RawMessage) (*OrderSyncResult, error) {
	cfg, err := parseRESTConfig(raw)
	if err != nil {
		return nil, err
	}

	body := orderPayload{Reference: order.ID, Total: order.FinalAmount}
	for _, it := range order.Items {
		body.Items = append(body.Items, orderItemPayload{
			MenuItemID:   it.MenuItemID,
			Quantity:     it.Quantity,
			UnitPrice:    it.UnitPrice,
			Modifiers:    it.ModifiersSelected,
			Instructions: it.CustomInstructions,
		})
	}

	var out struct {
		ID string `json:"id"`
	}
	resp, err := g.request(ctx, cfg).
		SetHeader("Idempotency-Key", order.ID).
		SetBody(body).
		SetResult(&out).
		Post(cfg.BaseURL + "/orders")
	if err != nil || resp.IsError() {
		return nil, unavailable("order sync", resp, err)
	}
	return &OrderSyncResult{ExternalOrderID: out.ID}, nil
}

func (g *GenericREST) GetOrderStatus(ctx context.Context, externalOrderID string, raw json.RawMessage) (string, error) {
	cfg, err := parseRESTConfig(raw)
	if err != nil {
		return "", err
	}

	var out struct {
		Status string `json:"status"`
	}
	resp, err := g.request(ctx, cfg).
		SetPathParam("id", externalOrderID).
		SetResult(&out).
		Get(cfg.BaseURL + "/orders/{id}")
	if err != nil || resp.IsError() {
		return "", unavailable("order status", resp, err)
	}
	return out.Status, nil
}
