package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type AccountRole string

const (
	RoleStudent    AccountRole = "STUDENT"
	RoleRestaurant AccountRole = "RESTAURANT"
	RoleAdmin      AccountRole = "ADMIN"
)

// Account holds a credit balance. Balance is only ever written together with
// a LedgerEntry and always equals the sum of that account's entries.
type Account struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Email     string          `json:"email"`
	Role      AccountRole     `json:"role"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

type EntryKind string

const (
	EntryPurchase      EntryKind = "PURCHASE"
	EntryAdminAdd      EntryKind = "ADMIN_ADD"
	EntrySpend         EntryKind = "SPEND"
	EntryRefund        EntryKind = "REFUND"
	EntryLoyaltyReward EntryKind = "LOYALTY_REWARD"
)

// LedgerEntry is an immutable, signed movement of credit on one account.
type LedgerEntry struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	Kind         EntryKind       `json:"kind"`
	Description  string          `json:"description"`
	OrderID      string          `json:"order_id,omitempty"`
	ExternalRef  string          `json:"external_ref,omitempty"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Restaurant struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	OwnerAccountID     string          `json:"owner_account_id"`
	Phone              string          `json:"phone"`
	CallPhone          string          `json:"call_phone,omitempty"`
	CallEnabled        bool            `json:"call_enabled"`
	CallRetries        int             `json:"call_retries"`
	CallTimeoutSeconds int             `json:"call_timeout_seconds"`
	POSType            string          `json:"pos_type,omitempty"`
	POSConfig          json.RawMessage `json:"pos_config,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

const (
	MinCallTimeoutSeconds = 15
	MaxCallTimeoutSeconds = 120
	MaxCallRetries        = 5
)

// CallNumber returns the number the IVR should dial, preferring the
// dedicated call line over the public phone.
func (r *Restaurant) CallNumber() string {
	if r.CallPhone != "" {
		return r.CallPhone
	}
	return r.Phone
}

// CallTimeout clamps the configured keypad window to what the telephony
// provider accepts.
func (r *Restaurant) CallTimeout() int {
	switch {
	case r.CallTimeoutSeconds <= 0:
		return 30
	case r.CallTimeoutSeconds < MinCallTimeoutSeconds:
		return MinCallTimeoutSeconds
	case r.CallTimeoutSeconds > MaxCallTimeoutSeconds:
		return MaxCallTimeoutSeconds
	}
	return r.CallTimeoutSeconds
}

// MaxCallAttempts is the initial call plus the configured retries.
func (r *Restaurant) MaxCallAttempts() int {
	retries := r.CallRetries
	if retries < 0 {
		retries = 0
	}
	if retries > MaxCallRetries {
		retries = MaxCallRetries
	}
	return retries + 1
}

type PromotionConfig struct {
	RestaurantID          string          `json:"restaurant_id"`
	FirstTimeEnabled      bool            `json:"first_time_enabled"`
	FirstTimePercent      decimal.Decimal `json:"first_time_percent"`
	LoyaltyEnabled        bool            `json:"loyalty_enabled"`
	LoyaltySpendThreshold decimal.Decimal `json:"loyalty_spend_threshold"`
	LoyaltyRewardAmount   decimal.Decimal `json:"loyalty_reward_amount"`
}

type CustomerRelationship struct {
	AccountID       string          `json:"account_id"`
	RestaurantID    string          `json:"restaurant_id"`
	IsFirstTime     bool            `json:"is_first_time"`
	TotalSpent      decimal.Decimal `json:"total_spent"`
	LoyaltyProgress decimal.Decimal `json:"loyalty_progress"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type PromotionType string

const (
	PromotionNone      PromotionType = ""
	PromotionFirstTime PromotionType = "FIRST_TIME"
)

type Order struct {
	ID                  string          `json:"id"`
	AccountID           string          `json:"account_id"`
	RestaurantID        string          `json:"restaurant_id"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	DiscountAmount      decimal.Decimal `json:"discount_amount"`
	FinalAmount         decimal.Decimal `json:"final_amount"`
	Status              OrderStatus     `json:"status"`
	PromotionApplied    PromotionType   `json:"promotion_applied,omitempty"`
	LoyaltyRewardEarned decimal.Decimal `json:"loyalty_reward_earned"`
	RefundReason        string          `json:"refund_reason,omitempty"`
	ExternalOrderID     string          `json:"external_order_id,omitempty"`
	Items               []OrderItem     `json:"items"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type OrderItem struct {
	ID                 string          `json:"id"`
	OrderID            string          `json:"order_id"`
	MenuItemID         string          `json:"menu_item_id"`
	Name               string          `json:"name"`
	Quantity           int             `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	TotalPrice         decimal.Decimal `json:"total_price"`
	ModifiersSelected  []string        `json:"modifiers_selected,omitempty"`
	CustomInstructions string          `json:"custom_instructions,omitempty"`
}

// PromotionCost records the marketing spend a restaurant absorbed on one order.
type PromotionCost struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	RestaurantID   string          `json:"restaurant_id"`
	CostAmount     decimal.Decimal `json:"cost_amount"`
	PromotionType  PromotionType   `json:"promotion_type"`
	OriginalTotal  decimal.Decimal `json:"original_total"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CallLog is one outbound IVR attempt for an order.
type CallLog struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	RestaurantID    string          `json:"restaurant_id"`
	CallTime        time.Time       `json:"call_time"`
	ExternalCallID  string          `json:"external_call_id,omitempty"`
	ResponseType    CallResponse    `json:"response_type"`
	KeypadResponse  string          `json:"keypad_response,omitempty"`
	RepeatCount     int             `json:"repeat_count"`
	DurationSeconds int             `json:"duration_seconds"`
	Cost            decimal.Decimal `json:"cost"`
	Success         bool            `json:"success"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// OutboxEvent is a side effect recorded in the same transaction as the state
// change that caused it and dispatched after commit.
type OutboxEvent struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

const (
	EventCallRequested = "call.requested"
	EventPOSSync       = "pos.sync"
)

// OrderEventPayload is the body of every order-scoped outbox event.
type OrderEventPayload struct {
	OrderID      string `json:"order_id"`
	RestaurantID string `json:"restaurant_id"`
}

// IdempotencyRecord binds a client supplied Idempotency-Key to the resource
// its first request produced. A replay with the same key and body returns
// that resource; a replay with a different body is rejected.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	Scope       string    `json:"scope"`
	RequestHash string    `json:"request_hash"`
	ResourceID  string    `json:"resource_id"`
	CreatedAt   time.Time `json:"created_at"`
}
