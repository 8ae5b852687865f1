package store

import (
	"context"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/shopspring/decimal"
)

// Queries is every read and write the services perform. Implementations
// return domain.ErrNotFound for missing rows. The *ForUpdate variants take a
// row lock that is held until the surrounding transaction ends.
type Queries interface {
	CreateAccount(ctx context.Context, a *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountForUpdate(ctx context.Context, id string) (*domain.Account, error)
	UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error

	InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error)
	SumLedgerEntries(ctx context.Context, accountID string) (decimal.Decimal, error)
	CountOrderEntries(ctx context.Context, orderID string, kind domain.EntryKind) (int, error)
	GetLedgerEntryByExternalRef(ctx context.Context, kind domain.EntryKind, ref string) (*domain.LedgerEntry, error)

	CreateRestaurant(ctx context.Context, r *domain.Restaurant) error
	GetRestaurant(ctx context.Context, id string) (*domain.Restaurant, error)
	UpsertPromotionConfig(ctx context.Context, c *domain.PromotionConfig) error
	// GetPromotionConfig returns nil, nil when the restaurant has none.
	GetPromotionConfig(ctx context.Context, restaurantID string) (*domain.PromotionConfig, error)

	// GetCustomerRelationship returns nil, nil when the pair has never ordered.
	GetCustomerRelationship(ctx context.Context, accountID, restaurantID string) (*domain.CustomerRelationship, error)
	// LockCustomerRelationship creates the pair as first-time if absent and locks it.
	LockCustomerRelationship(ctx context.Context, accountID, restaurantID string) (*domain.CustomerRelationship, error)
	SaveCustomerRelationship(ctx context.Context, r *domain.CustomerRelationship) error

	InsertOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus, refundReason string) error
	SetOrderExternalID(ctx context.Context, id, externalID string) error
	ListOrdersByAccount(ctx context.Context, accountID string) ([]domain.Order, error)
	ListOrdersByRestaurant(ctx context.Context, restaurantID string, status domain.OrderStatus) ([]domain.Order, error)
	InsertPromotionCost(ctx context.Context, c *domain.PromotionCost) error
	// GetPromotionCost returns nil, nil when no discount was applied.
	GetPromotionCost(ctx context.Context, orderID string) (*domain.PromotionCost, error)

	InsertCallLog(ctx context.Context, c *domain.CallLog) error
	UpdateCallLog(ctx context.Context, c *domain.CallLog) error
	GetCallLogForUpdate(ctx context.Context, id string) (*domain.CallLog, error)
	// GetCallLogByExternalIDForUpdate locks the most recent row for the call.
	GetCallLogByExternalIDForUpdate(ctx context.Context, externalCallID string) (*domain.CallLog, error)
	LatestCallLogForUpdate(ctx context.Context, orderID string) (*domain.CallLog, error)
	CountCallLogs(ctx context.Context, orderID string) (int, error)
	ListCallLogs(ctx context.Context, orderID string) ([]domain.CallLog, error)

	EnqueueOutbox(ctx context.Context, e *domain.OutboxEvent) error
	// ClaimOutbox leases up to limit undispatched events until now+lease,
	// skipping rows another relay currently holds. Expired leases are
	// claimable again.
	ClaimOutbox(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]domain.OutboxEvent, error)
	MarkOutboxDispatched(ctx context.Context, id string, at time.Time) error
	// MarkOutboxFailed counts a failed attempt. A retryable event stays
	// leased until retryAt; giveUp marks it dispatched with its last error.
	MarkOutboxFailed(ctx context.Context, id, lastError string, giveUp bool, at, retryAt time.Time) error

	// GetIdempotencyRecord returns nil, nil for an unseen key.
	GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// InsertIdempotencyRecord fails with domain.ErrConflict if the key exists.
	InsertIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error
}

// Store is the storage handle injected into every component. Writes that
// must be atomic go through InTx; a failing fn rolls everything back.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
