package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/shopspring/decimal"
)

type relKey struct {
	account    string
	restaurant string
}

type memData struct {
	accounts    map[string]domain.Account
	entries     []domain.LedgerEntry
	restaurants map[string]domain.Restaurant
	promos      map[string]domain.PromotionConfig
	rels        map[relKey]domain.CustomerRelationship
	orders      map[string]domain.Order
	orderSeq    []string
	costs       map[string]domain.PromotionCost
	calls       []domain.CallLog
	outbox      []memOutbox
	idem        map[string]domain.IdempotencyRecord
}

type memOutbox struct {
	event       domain.OutboxEvent
	lockedUntil time.Time
}

func newMemData() *memData {
	return &memData{
		accounts:    map[string]domain.Account{},
		restaurants: map[string]domain.Restaurant{},
		promos:      map[string]domain.PromotionConfig{},
		rels:        map[relKey]domain.CustomerRelationship{},
		orders:      map[string]domain.Order{},
		costs:       map[string]domain.PromotionCost{},
		idem:        map[string]domain.IdempotencyRecord{},
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	c.entries = append([]domain.LedgerEntry(nil), d.entries...)
	for k, v := range d.restaurants {
		c.restaurants[k] = copyRestaurant(v)
	}
	for k, v := range d.promos {
		c.promos[k] = v
	}
	for k, v := range d.rels {
		c.rels[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = copyOrder(v)
	}
	c.orderSeq = append([]string(nil), d.orderSeq...)
	for k, v := range d.costs {
		c.costs[k] = v
	}
	c.calls = append([]domain.CallLog(nil), d.calls...)
	for _, o := range d.outbox {
		o.event = copyEvent(o.event)
		c.outbox = append(c.outbox, o)
	}
	for k, v := range d.idem {
		c.idem[k] = v
	}
	return c
}

func copyRestaurant(r domain.Restaurant) domain.Restaurant {
	if r.POSConfig != nil {
		r.POSConfig = append([]byte(nil), r.POSConfig...)
	}
	return r
}

func copyOrder(o domain.Order) domain.Order {
	items := make([]domain.OrderItem, len(o.Items))
	for i, it := range o.Items {
		if it.ModifiersSelected != nil {
			it.ModifiersSelected = append([]string(nil), it.ModifiersSelected...)
		}
		items[i] = it
	}
	o.Items = items
	return o
}

func copyEvent(e domain.OutboxEvent) domain.OutboxEvent {
	e.Payload = append([]byte(nil), e.Payload...)
	if e.DispatchedAt != nil {
		at := *e.DispatchedAt
		e.DispatchedAt = &at
	}
	return e
}

// Memory is an in-process Store with the same observable semantics as
// Postgres. All transactions are serialized behind one lock and a failing
// transaction restores the snapshot taken when it began.
type Memory struct {
	*memQueries
	mu sync.Mutex
}

func NewMemory() *Memory {
	m := &Memory{}
	m.memQueries = &memQueries{mu: &m.mu, d: newMemData()}
	return m
}

func (m *Memory) InTx(ctx context.Context, fn func(q Queries) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.d.clone()
	if err := fn(&memQueries{d: m.d}); err != nil {
		*m.d = *snapshot
		return err
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() {}

// memQueries operates on the shared data. Outside a transaction mu guards
// each call; inside InTx mu is nil because the store lock is already held.
type memQueries struct {
	mu *sync.Mutex
	d  *memData
}

func (q *memQueries) guard() func() {
	if q.mu == nil {
		return func() {}
	}
	q.mu.Lock()
	return q.mu.Unlock
}

func (q *memQueries) CreateAccount(_ context.Context, a *domain.Account) error {
	defer q.guard()()
	if _, ok := q.d.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, domain.ErrConflict)
	}
	acc := *a
	acc.Balance = decimal.Zero
	q.d.accounts[a.ID] = acc
	return nil
}

func (q *memQueries) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	defer q.guard()()
	a, ok := q.d.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account: %w", domain.ErrNotFound)
	}
	return &a, nil
}

func (q *memQueries) GetAccountForUpdate(ctx context.Context, id string) (*domain.Account, error) {
	return q.GetAccount(ctx, id)
}

func (q *memQueries) UpdateAccountBalance(_ context.Context, id string, balance decimal.Decimal) error {
	defer q.guard()()
	a, ok := q.d.accounts[id]
	if !ok {
		return fmt.Errorf("account: %w", domain.ErrNotFound)
	}
	if balance.IsNegative() {
		return fmt.Errorf("negative balance: %w", domain.ErrInvalidAmount)
	}
	a.Balance = balance
	q.d.accounts[id] = a
	return nil
}

func (q *memQueries) InsertLedgerEntry(_ context.Context, e *domain.LedgerEntry) error {
	defer q.guard()()
	if _, ok := q.d.accounts[e.AccountID]; !ok {
		return fmt.Errorf("account: %w", domain.ErrNotFound)
	}
	if e.Amount.IsZero() {
		return fmt.Errorf("zero ledger entry: %w", domain.ErrInvalidAmount)
	}
	if e.ExternalRef != "" {
		for _, existing := range q.d.entries {
			if existing.Kind == e.Kind && existing.ExternalRef == e.ExternalRef {
				return fmt.Errorf("external ref %s: %w", e.ExternalRef, domain.ErrConflict)
			}
		}
	}
	q.d.entries = append(q.d.entries, *e)
	return nil
}

func (q *memQueries) ListLedgerEntries(_ context.Context, accountID string) ([]domain.LedgerEntry, error) {
	defer q.guard()()
	var out []domain.LedgerEntry
	for _, e := range q.d.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *memQueries) SumLedgerEntries(_ context.Context, accountID string) (decimal.Decimal, error) {
	defer q.guard()()
	sum := decimal.Zero
	for _, e := range q.d.entries {
		if e.AccountID == accountID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

func (q *memQueries) CountOrderEntries(_ context.Context, orderID string, kind domain.EntryKind) (int, error) {
	defer q.guard()()
	n := 0
	for _, e := range q.d.entries {
		if e.OrderID == orderID && e.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (q *memQueries) GetLedgerEntryByExternalRef(_ context.Context, kind domain.EntryKind, ref string) (*domain.LedgerEntry, error) {
	defer q.guard()()
	for _, e := range q.d.entries {
		if e.Kind == kind && e.ExternalRef == ref {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("ledger entry: %w", domain.ErrNotFound)
}

func (q *memQueries) CreateRestaurant(_ context.Context, r *domain.Restaurant) error {
	defer q.guard()()
	if _, ok := q.d.restaurants[r.ID]; ok {
		return fmt.Errorf("restaurant %s: %w", r.ID, domain.ErrConflict)
	}
	rest := copyRestaurant(*r)
	rest.CallTimeoutSeconds = r.CallTimeout()
	q.d.restaurants[r.ID] = rest
	return nil
}

func (q *memQueries) GetRestaurant(_ context.Context, id string) (*domain.Restaurant, error) {
	defer q.guard()()
	r, ok := q.d.restaurants[id]
	if !ok {
		return nil, fmt.Errorf("restaurant: %w", domain.ErrNotFound)
	}
	r = copyRestaurant(r)
	return &r, nil
}

func (q *memQueries) UpsertPromotionConfig(_ context.Context, c *domain.PromotionConfig) error {
	defer q.guard()()
	if _, ok := q.d.restaurants[c.RestaurantID]; !ok {
		return fmt.Errorf("restaurant: %w", domain.ErrNotFound)
	}
	q.d.promos[c.RestaurantID] = *c
	return nil
}

func (q *memQueries) GetPromotionConfig(_ context.Context, restaurantID string) (*domain.PromotionConfig, error) {
	defer q.guard()()
	c, ok := q.d.promos[restaurantID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (q *memQueries) GetCustomerRelationship(_ context.Context, accountID, restaurantID string) (*domain.CustomerRelationship, error) {
	defer q.guard()()
	r, ok := q.d.rels[relKey{accountID, restaurantID}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (q *memQueries) LockCustomerRelationship(_ context.Context, accountID, restaurantID string) (*domain.CustomerRelationship, error) {
	defer q.guard()()
	key := relKey{accountID, restaurantID}
	r, ok := q.d.rels[key]
	if !ok {
		if _, ok := q.d.accounts[accountID]; !ok {
			return nil, fmt.Errorf("account: %w", domain.ErrNotFound)
		}
		if _, ok := q.d.restaurants[restaurantID]; !ok {
			return nil, fmt.Errorf("restaurant: %w", domain.ErrNotFound)
		}
		now := time.Now().UTC()
		r = domain.CustomerRelationship{
			AccountID:       accountID,
			RestaurantID:    restaurantID,
			IsFirstTime:     true,
			TotalSpent:      decimal.Zero,
			LoyaltyProgress: decimal.Zero,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		q.d.rels[key] = r
	}
	return &r, nil
}

func (q *memQueries) SaveCustomerRelationship(_ context.Context, r *domain.CustomerRelationship) error {
	defer q.guard()()
	key := relKey{r.AccountID, r.RestaurantID}
	existing, ok := q.d.rels[key]
	if !ok {
		return fmt.Errorf("customer relationship: %w", domain.ErrNotFound)
	}
	if r.LoyaltyProgress.IsNegative() {
		return fmt.Errorf("negative loyalty progress: %w", domain.ErrInvalidAmount)
	}
	existing.IsFirstTime = r.IsFirstTime
	existing.TotalSpent = r.TotalSpent
	existing.LoyaltyProgress = r.LoyaltyProgress
	existing.UpdatedAt = r.UpdatedAt
	q.d.rels[key] = existing
	return nil
}

func (q *memQueries) InsertOrder(_ context.Context, o *domain.Order) error {
	defer q.guard()()
	if _, ok := q.d.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, domain.ErrConflict)
	}
	if _, ok := q.d.accounts[o.AccountID]; !ok {
		return fmt.Errorf("account: %w", domain.ErrNotFound)
	}
	if _, ok := q.d.restaurants[o.RestaurantID]; !ok {
		return fmt.Errorf("restaurant: %w", domain.ErrNotFound)
	}
	stored := copyOrder(*o)
	for i := range stored.Items {
		stored.Items[i].OrderID = o.ID
		if stored.Items[i].Quantity <= 0 {
			return fmt.Errorf("failed to insert item: %w", domain.ErrInvalidRequest)
		}
	}
	q.d.orders[o.ID] = stored
	q.d.orderSeq = append(q.d.orderSeq, o.ID)
	return nil
}

func (q *memQueries) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	defer q.guard()()
	o, ok := q.d.orders[id]
	if !ok {
		return nil, fmt.Errorf("order: %w", domain.ErrNotFound)
	}
	o = copyOrder(o)
	return &o, nil
}

func (q *memQueries) GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	return q.GetOrder(ctx, id)
}

func (q *memQueries) UpdateOrderStatus(_ context.Context, id string, status domain.OrderStatus, refundReason string) error {
	defer q.guard()()
	o, ok := q.d.orders[id]
	if !ok {
		return fmt.Errorf("order: %w", domain.ErrNotFound)
	}
	o.Status = status
	if refundReason != "" {
		o.RefundReason = refundReason
	}
	o.UpdatedAt = time.Now().UTC()
	q.d.orders[id] = o
	return nil
}

func (q *memQueries) SetOrderExternalID(_ context.Context, id, externalID string) error {
	defer q.guard()()
	o, ok := q.d.orders[id]
	if !ok {
		return fmt.Errorf("order: %w", domain.ErrNotFound)
	}
	o.ExternalOrderID = externalID
	o.UpdatedAt = time.Now().UTC()
	q.d.orders[id] = o
	return nil
}

func (q *memQueries) listOrders(match func(domain.Order) bool) []domain.Order {
	var out []domain.Order
	for i := len(q.d.orderSeq) - 1; i >= 0; i-- {
		o := q.d.orders[q.d.orderSeq[i]]
		if match(o) {
			out = append(out, copyOrder(o))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (q *memQueries) ListOrdersByAccount(_ context.Context, accountID string) ([]domain.Order, error) {
	defer q.guard()()
	return q.listOrders(func(o domain.Order) bool { return o.AccountID == accountID }), nil
}

func (q *memQueries) ListOrdersByRestaurant(_ context.Context, restaurantID string, status domain.OrderStatus) ([]domain.Order, error) {
	defer q.guard()()
	return q.listOrders(func(o domain.Order) bool {
		return o.RestaurantID == restaurantID && (status == "" || o.Status == status)
	}), nil
}

func (q *memQueries) InsertPromotionCost(_ context.Context, c *domain.PromotionCost) error {
	defer q.guard()()
	if _, ok := q.d.costs[c.OrderID]; ok {
		return fmt.Errorf("promotion cost for %s: %w", c.OrderID, domain.ErrConflict)
	}
	q.d.costs[c.OrderID] = *c
	return nil
}

func (q *memQueries) GetPromotionCost(_ context.Context, orderID string) (*domain.PromotionCost, error) {
	defer q.guard()()
	c, ok := q.d.costs[orderID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (q *memQueries) InsertCallLog(_ context.Context, c *domain.CallLog) error {
	defer q.guard()()
	if _, ok := q.d.orders[c.OrderID]; !ok {
		return fmt.Errorf("order: %w", domain.ErrNotFound)
	}
	q.d.calls = append(q.d.calls, *c)
	return nil
}

func (q *memQueries) UpdateCallLog(_ context.Context, c *domain.CallLog) error {
	defer q.guard()()
	for i := range q.d.calls {
		if q.d.calls[i].ID == c.ID {
			q.d.calls[i] = *c
			return nil
		}
	}
	return fmt.Errorf("call log: %w", domain.ErrNotFound)
}

func (q *memQueries) latestCall(match func(domain.CallLog) bool) (*domain.CallLog, error) {
	var best *domain.CallLog
	for i := range q.d.calls {
		c := q.d.calls[i]
		if !match(c) {
			continue
		}
		if best == nil || !c.CallTime.Before(best.CallTime) {
			best = &c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("call log: %w", domain.ErrNotFound)
	}
	return best, nil
}

func (q *memQueries) GetCallLogForUpdate(_ context.Context, id string) (*domain.CallLog, error) {
	defer q.guard()()
	return q.latestCall(func(c domain.CallLog) bool { return c.ID == id })
}

func (q *memQueries) GetCallLogByExternalIDForUpdate(_ context.Context, externalCallID string) (*domain.CallLog, error) {
	defer q.guard()()
	if externalCallID == "" {
		return nil, fmt.Errorf("call log: %w", domain.ErrNotFound)
	}
	return q.latestCall(func(c domain.CallLog) bool { return c.ExternalCallID == externalCallID })
}

func (q *memQueries) LatestCallLogForUpdate(_ context.Context, orderID string) (*domain.CallLog, error) {
	defer q.guard()()
	return q.latestCall(func(c domain.CallLog) bool { return c.OrderID == orderID })
}

func (q *memQueries) CountCallLogs(_ context.Context, orderID string) (int, error) {
	defer q.guard()()
	n := 0
	for _, c := range q.d.calls {
		if c.OrderID == orderID {
			n++
		}
	}
	return n, nil
}

func (q *memQueries) ListCallLogs(_ context.Context, orderID string) ([]domain.CallLog, error) {
	defer q.guard()()
	var out []domain.CallLog
	for _, c := range q.d.calls {
		if c.OrderID == orderID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CallTime.Before(out[j].CallTime) })
	return out, nil
}

func (q *memQueries) EnqueueOutbox(_ context.Context, e *domain.OutboxEvent) error {
	defer q.guard()()
	for _, o := range q.d.outbox {
		if o.event.ID == e.ID {
			return fmt.Errorf("outbox event %s: %w", e.ID, domain.ErrConflict)
		}
	}
	q.d.outbox = append(q.d.outbox, memOutbox{event: copyEvent(*e)})
	return nil
}

func (q *memQueries) ClaimOutbox(_ context.Context, limit int, now time.Time, lease time.Duration) ([]domain.OutboxEvent, error) {
	defer q.guard()()
	var out []domain.OutboxEvent
	for i := range q.d.outbox {
		if len(out) >= limit {
			break
		}
		o := &q.d.outbox[i]
		if o.event.DispatchedAt != nil || now.Before(o.lockedUntil) {
			continue
		}
		o.lockedUntil = now.Add(lease)
		out = append(out, copyEvent(o.event))
	}
	return out, nil
}

func (q *memQueries) outboxRow(id string) (*memOutbox, error) {
	for i := range q.d.outbox {
		if q.d.outbox[i].event.ID == id {
			return &q.d.outbox[i], nil
		}
	}
	return nil, fmt.Errorf("outbox event: %w", domain.ErrNotFound)
}

func (q *memQueries) MarkOutboxDispatched(_ context.Context, id string, at time.Time) error {
	defer q.guard()()
	o, err := q.outboxRow(id)
	if err != nil {
		return err
	}
	o.event.Attempts++
	o.event.DispatchedAt = &at
	o.lockedUntil = time.Time{}
	return nil
}

func (q *memQueries) MarkOutboxFailed(_ context.Context, id, lastError string, giveUp bool, at, retryAt time.Time) error {
	defer q.guard()()
	o, err := q.outboxRow(id)
	if err != nil {
		return err
	}
	o.event.Attempts++
	o.event.LastError = lastError
	o.lockedUntil = retryAt
	if giveUp {
		o.event.DispatchedAt = &at
		o.lockedUntil = time.Time{}
	}
	return nil
}

func (q *memQueries) GetIdempotencyRecord(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	defer q.guard()()
	rec, ok := q.d.idem[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (q *memQueries) InsertIdempotencyRecord(_ context.Context, rec *domain.IdempotencyRecord) error {
	defer q.guard()()
	if _, ok := q.d.idem[rec.Key]; ok {
		return fmt.Errorf("key reservation failed: %w", domain.ErrConflict)
	}
	q.d.idem[rec.Key] = *rec
	return nil
}

// OutboxEvents returns every recorded event, dispatched or not.
func (m *Memory) OutboxEvents() []domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(m.d.outbox))
	for _, o := range m.d.outbox {
		out = append(out, copyEvent(o.event))
	}
	return out
}
