package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the production Store backed by a pgx pool.
type Postgres struct {
	*queries
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{queries: &queries{db: pool}, pool: pool}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// InTx runs fn in a READ COMMITTED transaction. Serialization is obtained
// with explicit row locks, so every *ForUpdate read sees the latest commit.
func (p *Postgres) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{db: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Message)
		case "23514":
			return fmt.Errorf("%w: %s", domain.ErrInvalidAmount, pgErr.Message)
		}
	}
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}

// decimalScanner adapts NUMERIC columns onto shopspring decimals.
type decimalScanner struct {
	dst *decimal.Decimal
}

func num(dst *decimal.Decimal) *decimalScanner {
	return &decimalScanner{dst: dst}
}

func (s *decimalScanner) ScanNumeric(v pgtype.Numeric) error {
	if !v.Valid || v.Int == nil {
		*s.dst = decimal.Zero
		return nil
	}
	if v.NaN || v.InfinityModifier != pgtype.Finite {
		return fmt.Errorf("non-finite numeric cannot be used as money")
	}
	*s.dst = decimal.NewFromBigInt(v.Int, v.Exp)
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type queries struct {
	db dbtx
}

// Accounts

const accountColumns = `id, name, email, role, balance, created_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.Role, num(&a.Balance), &a.CreatedAt)
	if err != nil {
		return nil, notFound(err, "account")
	}
	return &a, nil
}

func (q *queries) CreateAccount(ctx context.Context, a *domain.Account) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO accounts (id, name, email, role, balance, created_at) VALUES ($1, $2, $3, $4, 0, $5)",
		a.ID, a.Name, a.Email, a.Role, a.CreatedAt)
	return mapPgError(err)
}

func (q *queries) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return scanAccount(q.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

func (q *queries) GetAccountForUpdate(ctx context.Context, id string) (*domain.Account, error) {
	return scanAccount(q.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id))
}

func (q *queries) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := q.db.Exec(ctx, "UPDATE accounts SET balance = $1 WHERE id = $2", balance, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account: %w", domain.ErrNotFound)
	}
	return nil
}

// Ledger

const entryColumns = `id, account_id, amount, kind, description, order_id, external_ref, balance_after, created_at`

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var (
		e           domain.LedgerEntry
		orderID     *string
		externalRef *string
	)
	err := row.Scan(&e.ID, &e.AccountID, num(&e.Amount), &e.Kind, &e.Description,
		&orderID, &externalRef, num(&e.BalanceAfter), &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if orderID != nil {
		e.OrderID = *orderID
	}
	if externalRef != nil {
		e.ExternalRef = *externalRef
	}
	return &e, nil
}

func (q *queries) InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, amount, kind, description, order_id, external_ref, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AccountID, e.Amount, e.Kind, e.Description,
		nullable(e.OrderID), nullable(e.ExternalRef), e.BalanceAfter, e.CreatedAt)
	return mapPgError(err)
}

func (q *queries) ListLedgerEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE account_id = $1 ORDER BY created_at, id", accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (q *queries) SumLedgerEntries(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := q.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1", accountID).Scan(num(&sum))
	return sum, err
}

func (q *queries) CountOrderEntries(ctx context.Context, orderID string, kind domain.EntryKind) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE order_id = $1 AND kind = $2", orderID, kind).Scan(&n)
	return n, err
}

func (q *queries) GetLedgerEntryByExternalRef(ctx context.Context, kind domain.EntryKind, ref string) (*domain.LedgerEntry, error) {
	e, err := scanEntry(q.db.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE kind = $1 AND external_ref = $2", kind, ref))
	if err != nil {
		return nil, notFound(err, "ledger entry")
	}
	return e, nil
}

// Restaurants and promotions

func (q *queries) CreateRestaurant(ctx context.Context, r *domain.Restaurant) error {
	var posConfig any
	if len(r.POSConfig) > 0 {
		posConfig = r.POSConfig
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO restaurants (id, name, owner_account_id, phone, call_phone, call_enabled, call_retries,
			call_timeout_seconds, pos_type, pos_config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Name, nullable(r.OwnerAccountID), r.Phone, r.CallPhone, r.CallEnabled, r.CallRetries,
		r.CallTimeout(), r.POSType, posConfig, r.CreatedAt)
	return mapPgError(err)
}

func (q *queries) GetRestaurant(ctx context.Context, id string) (*domain.Restaurant, error) {
	var (
		r     domain.Restaurant
		owner *string
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, name, owner_account_id, phone, call_phone, call_enabled, call_retries,
			call_timeout_seconds, pos_type, pos_config, created_at
		FROM restaurants WHERE id = $1`, id).Scan(
		&r.ID, &r.Name, &owner, &r.Phone, &r.CallPhone, &r.CallEnabled, &r.CallRetries,
		&r.CallTimeoutSeconds, &r.POSType, &r.POSConfig, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err, "restaurant")
	}
	if owner != nil {
		r.OwnerAccountID = *owner
	}
	return &r, nil
}

func (q *queries) UpsertPromotionConfig(ctx context.Context, c *domain.PromotionConfig) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO promotion_configs (restaurant_id, first_time_enabled, first_time_percent,
			loyalty_enabled, loyalty_spend_threshold, loyalty_reward_amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (restaurant_id) DO UPDATE SET
			first_time_enabled = EXCLUDED.first_time_enabled,
			first_time_percent = EXCLUDED.first_time_percent,
			loyalty_enabled = EXCLUDED.loyalty_enabled,
			loyalty_spend_threshold = EXCLUDED.loyalty_spend_threshold,
			loyalty_reward_amount = EXCLUDED.loyalty_reward_amount`,
		c.RestaurantID, c.FirstTimeEnabled, c.FirstTimePercent,
		c.LoyaltyEnabled, c.LoyaltySpendThreshold, c.LoyaltyRewardAmount)
	return mapPgError(err)
}

func (q *queries) GetPromotionConfig(ctx context.Context, restaurantID string) (*domain.PromotionConfig, error) {
	var c domain.PromotionConfig
	err := q.db.QueryRow(ctx, `
		SELECT restaurant_id, first_time_enabled, first_time_percent,
			loyalty_enabled, loyalty_spend_threshold, loyalty_reward_amount
		FROM promotion_configs WHERE restaurant_id = $1`, restaurantID).Scan(
		&c.RestaurantID, &c.FirstTimeEnabled, num(&c.FirstTimePercent),
		&c.LoyaltyEnabled, num(&c.LoyaltySpendThreshold), num(&c.LoyaltyRewardAmount))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Customer relationships

const relationshipColumns = `account_id, restaurant_id, is_first_time, total_spent, loyalty_progress, created_at, updated_at`

func scanRelationship(row pgx.Row) (*domain.CustomerRelationship, error) {
	var r domain.CustomerRelationship
	err := row.Scan(&r.AccountID, &r.RestaurantID, &r.IsFirstTime, num(&r.TotalSpent),
		num(&r.LoyaltyProgress), &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *queries) GetCustomerRelationship(ctx context.Context, accountID, restaurantID string) (*domain.CustomerRelationship, error) {
	r, err := scanRelationship(q.db.QueryRow(ctx,
		"SELECT "+relationshipColumns+" FROM customer_relationships WHERE account_id = $1 AND restaurant_id = $2",
		accountID, restaurantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (q *queries) LockCustomerRelationship(ctx context.Context, accountID, restaurantID string) (*domain.CustomerRelationship, error) {
	_, err := q.db.Exec(ctx, `
		INSERT INTO customer_relationships (account_id, restaurant_id, is_first_time, total_spent, loyalty_progress)
		VALUES ($1, $2, TRUE, 0, 0)
		ON CONFLICT (account_id, restaurant_id) DO NOTHING`, accountID, restaurantID)
	if err != nil {
		return nil, mapPgError(err)
	}
	r, err := scanRelationship(q.db.QueryRow(ctx,
		"SELECT "+relationshipColumns+" FROM customer_relationships WHERE account_id = $1 AND restaurant_id = $2 FOR UPDATE",
		accountID, restaurantID))
	if err != nil {
		return nil, notFound(err, "customer relationship")
	}
	return r, nil
}

func (q *queries) SaveCustomerRelationship(ctx context.Context, r *domain.CustomerRelationship) error {
	_, err := q.db.Exec(ctx, `
		UPDATE customer_relationships
		SET is_first_time = $3, total_spent = $4, loyalty_progress = $5, updated_at = $6
		WHERE account_id = $1 AND restaurant_id = $2`,
		r.AccountID, r.RestaurantID, r.IsFirstTime, r.TotalSpent, r.LoyaltyProgress, r.UpdatedAt)
	return mapPgError(err)
}

// Orders

const orderColumns = `id, account_id, restaurant_id, total_amount, discount_amount, final_amount, status,
	promotion_applied, loyalty_reward_earned, refund_reason, external_order_id, created_at, updated_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.AccountID, &o.RestaurantID, num(&o.TotalAmount), num(&o.DiscountAmount),
		num(&o.FinalAmount), &o.Status, &o.PromotionApplied, num(&o.LoyaltyRewardEarned),
		&o.RefundReason, &o.ExternalOrderID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (q *queries) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO orders (id, account_id, restaurant_id, total_amount, discount_amount, final_amount, status,
			promotion_applied, loyalty_reward_earned, refund_reason, external_order_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.AccountID, o.RestaurantID, o.TotalAmount, o.DiscountAmount, o.FinalAmount, o.Status,
		o.PromotionApplied, o.LoyaltyRewardEarned, o.RefundReason, o.ExternalOrderID, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}

	for i, item := range o.Items {
		modifiers := item.ModifiersSelected
		if modifiers == nil {
			modifiers = []string{}
		}
		_, err = q.db.Exec(ctx, `
			INSERT INTO order_items (id, order_id, menu_item_id, name, quantity, unit_price, total_price,
				modifiers_selected, custom_instructions, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			item.ID, o.ID, item.MenuItemID, item.Name, item.Quantity, item.UnitPrice, item.TotalPrice,
			modifiers, item.CustomInstructions, i)
		if err != nil {
			return fmt.Errorf("failed to insert item: %w", mapPgError(err))
		}
	}
	return nil
}

func (q *queries) loadItems(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, 0, len(orders))
	byID := make(map[string]*domain.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
		o.Items = []domain.OrderItem{}
	}

	rows, err := q.db.Query(ctx, `
		SELECT id, order_id, menu_item_id, name, quantity, unit_price, total_price, modifiers_selected, custom_instructions
		FROM order_items WHERE order_id = ANY($1::uuid[]) ORDER BY order_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.MenuItemID, &it.Name, &it.Quantity,
			num(&it.UnitPrice), num(&it.TotalPrice), &it.ModifiersSelected, &it.CustomInstructions); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if o, ok := byID[it.OrderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	return rows.Err()
}

func (q *queries) getOrder(ctx context.Context, sql, id string) (*domain.Order, error) {
	o, err := scanOrder(q.db.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, notFound(err, "order")
	}
	if err := q.loadItems(ctx, []*domain.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (q *queries) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return q.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

func (q *queries) GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	return q.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
}

func (q *queries) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus, refundReason string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE orders SET status = $2, refund_reason = COALESCE(NULLIF($3, ''), refund_reason), updated_at = NOW()
		WHERE id = $1`, id, status, refundReason)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order: %w", domain.ErrNotFound)
	}
	return nil
}

func (q *queries) SetOrderExternalID(ctx context.Context, id, externalID string) error {
	tag, err := q.db.Exec(ctx,
		"UPDATE orders SET external_order_id = $2, updated_at = NOW() WHERE id = $1", id, externalID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order: %w", domain.ErrNotFound)
	}
	return nil
}

func (q *queries) listOrders(ctx context.Context, sql string, args ...any) ([]domain.Order, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var list []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		list = append(list, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := q.loadItems(ctx, list); err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(list))
	for _, o := range list {
		orders = append(orders, *o)
	}
	return orders, nil
}

func (q *queries) ListOrdersByAccount(ctx context.Context, accountID string) ([]domain.Order, error) {
	return q.listOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE account_id = $1 ORDER BY created_at DESC", accountID)
}

func (q *queries) ListOrdersByRestaurant(ctx context.Context, restaurantID string, status domain.OrderStatus) ([]domain.Order, error) {
	return q.listOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE restaurant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`, restaurantID, string(status))
}

func (q *queries) InsertPromotionCost(ctx context.Context, c *domain.PromotionCost) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO promotion_costs (id, order_id, restaurant_id, cost_amount, promotion_type, original_total,
			discount_amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.OrderID, c.RestaurantID, c.CostAmount, c.PromotionType, c.OriginalTotal, c.DiscountAmount, c.CreatedAt)
	return mapPgError(err)
}

func (q *queries) GetPromotionCost(ctx context.Context, orderID string) (*domain.PromotionCost, error) {
	var c domain.PromotionCost
	err := q.db.QueryRow(ctx, `
		SELECT id, order_id, restaurant_id, cost_amount, promotion_type, original_total, discount_amount, created_at
		FROM promotion_costs WHERE order_id = $1`, orderID).Scan(
		&c.ID, &c.OrderID, &c.RestaurantID, num(&c.CostAmount), &c.PromotionType,
		num(&c.OriginalTotal), num(&c.DiscountAmount), &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Call logs

const callColumns = `id, order_id, restaurant_id, call_time, external_call_id, response_type, keypad_response,
	repeat_count, duration_seconds, cost, success, updated_at`

func scanCall(row pgx.Row) (*domain.CallLog, error) {
	var c domain.CallLog
	err := row.Scan(&c.ID, &c.OrderID, &c.RestaurantID, &c.CallTime, &c.ExternalCallID, &c.ResponseType,
		&c.KeypadResponse, &c.RepeatCount, &c.DurationSeconds, num(&c.Cost), &c.Success, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (q *queries) InsertCallLog(ctx context.Context, c *domain.CallLog) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO call_logs (id, order_id, restaurant_id, call_time, external_call_id, response_type,
			keypad_response, repeat_count, duration_seconds, cost, success, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.OrderID, c.RestaurantID, c.CallTime, c.ExternalCallID, c.ResponseType,
		c.KeypadResponse, c.RepeatCount, c.DurationSeconds, c.Cost, c.Success, c.UpdatedAt)
	return mapPgError(err)
}

func (q *queries) UpdateCallLog(ctx context.Context, c *domain.CallLog) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE call_logs SET external_call_id = $2, response_type = $3, keypad_response = $4, repeat_count = $5,
			duration_seconds = $6, cost = $7, success = $8, updated_at = $9
		WHERE id = $1`,
		c.ID, c.ExternalCallID, c.ResponseType, c.KeypadResponse, c.RepeatCount,
		c.DurationSeconds, c.Cost, c.Success, c.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("call log: %w", domain.ErrNotFound)
	}
	return nil
}

func (q *queries) GetCallLogForUpdate(ctx context.Context, id string) (*domain.CallLog, error) {
	c, err := scanCall(q.db.QueryRow(ctx, `
		SELECT `+callColumns+` FROM call_logs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "call log")
	}
	return c, nil
}

func (q *queries) GetCallLogByExternalIDForUpdate(ctx context.Context, externalCallID string) (*domain.CallLog, error) {
	c, err := scanCall(q.db.QueryRow(ctx, `
		SELECT `+callColumns+` FROM call_logs WHERE external_call_id = $1
		ORDER BY call_time DESC LIMIT 1 FOR UPDATE`, externalCallID))
	if err != nil {
		return nil, notFound(err, "call log")
	}
	return c, nil
}

func (q *queries) LatestCallLogForUpdate(ctx context.Context, orderID string) (*domain.CallLog, error) {
	c, err := scanCall(q.db.QueryRow(ctx, `
		SELECT `+callColumns+` FROM call_logs WHERE order_id = $1
		ORDER BY call_time DESC LIMIT 1 FOR UPDATE`, orderID))
	if err != nil {
		return nil, notFound(err, "call log")
	}
	return c, nil
}

func (q *queries) CountCallLogs(ctx context.Context, orderID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, "SELECT COUNT(*) FROM call_logs WHERE order_id = $1", orderID).Scan(&n)
	return n, err
}

func (q *queries) ListCallLogs(ctx context.Context, orderID string) ([]domain.CallLog, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+callColumns+" FROM call_logs WHERE order_id = $1 ORDER BY call_time", orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []domain.CallLog
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

// Outbox

func (q *queries) EnqueueOutbox(ctx context.Context, e *domain.OutboxEvent) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO outbox_events (id, kind, payload, created_at) VALUES ($1, $2, $3, $4)",
		e.ID, e.Kind, e.Payload, e.CreatedAt)
	return mapPgError(err)
}

func (q *queries) ClaimOutbox(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]domain.OutboxEvent, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE outbox_events SET locked_until = $2
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE dispatched_at IS NULL AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, payload, attempts, last_error, created_at`, limit, now.Add(lease), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.Payload, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func (q *queries) MarkOutboxDispatched(ctx context.Context, id string, at time.Time) error {
	_, err := q.db.Exec(ctx,
		"UPDATE outbox_events SET dispatched_at = $2, locked_until = NULL, attempts = attempts + 1 WHERE id = $1", id, at)
	return err
}

func (q *queries) MarkOutboxFailed(ctx context.Context, id, lastError string, giveUp bool, at, retryAt time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2,
			locked_until = CASE WHEN $3 THEN NULL ELSE $5::timestamptz END,
			dispatched_at = CASE WHEN $3 THEN $4::timestamptz ELSE NULL END
		WHERE id = $1`, id, lastError, giveUp, at, retryAt)
	return err
}

// Idempotency keys

func (q *queries) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := q.db.QueryRow(ctx,
		"SELECT key, scope, request_hash, resource_id, created_at FROM idempotency_keys WHERE key = $1", key).Scan(
		&rec.Key, &rec.Scope, &rec.RequestHash, &rec.ResourceID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return &rec, nil
}

func (q *queries) InsertIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	_, err := q.db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, scope, request_hash, resource_id, created_at) VALUES ($1, $2, $3, $4, $5)",
		rec.Key, rec.Scope, rec.RequestHash, rec.ResourceID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("key reservation failed: %w", mapPgError(err))
	}
	return nil
}
