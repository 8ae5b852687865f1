package models

import (
	"encoding/json"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/promotion"
	"github.com/shopspring/decimal"
)

// OrderItemRequest is one line of the checkout cart.
type OrderItemRequest struct {
	MenuItemID         string          `json:"menu_item_id"`
	Name               string          `json:"name"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	ModifiersSelected  []string        `json:"modifiers_selected,omitempty"`
	CustomInstructions string          `json:"custom_instructions,omitempty"`
}

// CreateOrderRequest is the checkout payload. Subtotal is what the client
// displayed and must match the items to the cent.
type CreateOrderRequest struct {
	AccountID    string             `json:"account_id"`
	RestaurantID string             `json:"restaurant_id"`
	Items        []OrderItemRequest `json:"items"`
	Subtotal     decimal.Decimal    `json:"subtotal"`
}

// Idempotency carries the client's Idempotency-Key and the hash of the
// request body it was sent with.
type Idempotency struct {
	Key         string
	RequestHash string
}

type CreateOrderResponse struct {
	Order             *domain.Order       `json:"order"`
	Promotion         promotion.Result    `json:"promotion"`
	BalanceSufficient bool                `json:"balance_sufficient"`
	LoyaltyReward     *domain.LedgerEntry `json:"loyalty_reward,omitempty"`
	Replayed          bool                `json:"-"`
}

type PreviewRequest struct {
	AccountID    string          `json:"account_id"`
	RestaurantID string          `json:"restaurant_id"`
	Subtotal     decimal.Decimal `json:"subtotal"`
}

type PreviewResponse struct {
	promotion.Result
	Balance           decimal.Decimal `json:"balance"`
	BalanceSufficient bool            `json:"balance_sufficient"`
}

// TransitionRequest is sent by a restaurant acting on one of its orders.
type TransitionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

type CreateAccountRequest struct {
	Name  string             `json:"name"`
	Email string             `json:"email"`
	Role  domain.AccountRole `json:"role"`
}

type CreditRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type PurchaseRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type CreateRestaurantRequest struct {
	Name               string          `json:"name"`
	OwnerAccountID     string          `json:"owner_account_id"`
	Phone              string          `json:"phone"`
	CallPhone          string          `json:"call_phone"`
	CallEnabled        bool            `json:"call_enabled"`
	CallRetries        *int            `json:"call_retries"`
	CallTimeoutSeconds int             `json:"call_timeout_seconds"`
	POSType            string          `json:"pos_type"`
	POSConfig          json.RawMessage `json:"pos_config,omitempty"`
}

type PromotionConfigRequest struct {
	FirstTimeEnabled      bool            `json:"first_time_enabled"`
	FirstTimePercent      decimal.Decimal `json:"first_time_percent"`
	LoyaltyEnabled        bool            `json:"loyalty_enabled"`
	LoyaltySpendThreshold decimal.Decimal `json:"loyalty_spend_threshold"`
	LoyaltyRewardAmount   decimal.Decimal `json:"loyalty_reward_amount"`
}

// PurchaseResponse reports the credited entry. Duplicate is set when the
// payment had already been credited by an earlier delivery.
type PurchaseResponse struct {
	Entry     *domain.LedgerEntry `json:"entry"`
	Duplicate bool                `json:"duplicate"`
}

// CallStatusUpdate is an asynchronous telephony status event.
// DurationSeconds is negative when the provider did not report one.
type CallStatusUpdate struct {
	CallSID         string
	Status          string
	DurationSeconds int
}
