// Package ledger moves credit between the outside world and student
// accounts. Every balance change is paired with an append-only LedgerEntry in
// the caller's transaction, so an account's balance always equals the sum of
// its entries.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Accounts is the slice of the store a posting needs. Callers pass the
// transaction-scoped queries so the lock, the balance write and the entry
// commit together.
type Accounts interface {
	GetAccountForUpdate(ctx context.Context, id string) (*domain.Account, error)
	UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error
	InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error
}

// Reader is used by the read-only views.
type Reader interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListLedgerEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error)
	SumLedgerEntries(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// Posting describes one movement. Amount is always positive; the direction
// comes from Credit or Debit.
type Posting struct {
	AccountID   string
	Amount      decimal.Decimal
	Kind        domain.EntryKind
	Description string
	OrderID     string
	ExternalRef string
}

type Ledger struct {
	logger *zap.Logger
	now    func() time.Time
}

func New(logger *zap.Logger) *Ledger {
	return &Ledger{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

var creditKinds = map[domain.EntryKind]bool{
	domain.EntryPurchase:      true,
	domain.EntryAdminAdd:      true,
	domain.EntryRefund:        true,
	domain.EntryLoyaltyReward: true,
}

// Credit adds p.Amount to the account.
func (l *Ledger) Credit(ctx context.Context, q Accounts, p Posting) (*domain.LedgerEntry, error) {
	if !creditKinds[p.Kind] {
		return nil, fmt.Errorf("%s cannot be credited: %w", p.Kind, domain.ErrInvalidRequest)
	}
	return l.post(ctx, q, p, false)
}

// Debit removes p.Amount from the account, failing with
// domain.ErrInsufficientBalance rather than going negative.
func (l *Ledger) Debit(ctx context.Context, q Accounts, p Posting) (*domain.LedgerEntry, error) {
	if p.Kind != domain.EntrySpend {
		return nil, fmt.Errorf("%s cannot be debited: %w", p.Kind, domain.ErrInvalidRequest)
	}
	return l.post(ctx, q, p, true)
}

func (l *Ledger) post(ctx context.Context, q Accounts, p Posting, debit bool) (*domain.LedgerEntry, error) {
	amount := p.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount %s: %w", p.Amount, domain.ErrInvalidAmount)
	}

	acc, err := q.GetAccountForUpdate(ctx, p.AccountID)
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}

	signed := amount
	if debit {
		if acc.Balance.LessThan(amount) {
			l.logger.Info("debit refused",
				zap.String("account_id", p.AccountID),
				zap.String("balance", acc.Balance.StringFixed(2)),
				zap.String("amount", amount.StringFixed(2)))
			return nil, domain.ErrInsufficientBalance
		}
		signed = amount.Neg()
	}

	balance := acc.Balance.Add(signed)
	entry := &domain.LedgerEntry{
		ID:           uuid.NewString(),
		AccountID:    p.AccountID,
		Amount:       signed,
		Kind:         p.Kind,
		Description:  p.Description,
		OrderID:      p.OrderID,
		ExternalRef:  p.ExternalRef,
		BalanceAfter: balance,
		CreatedAt:    l.now(),
	}
	if err := q.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("ledger entry failed: %w", err)
	}
	if err := q.UpdateAccountBalance(ctx, p.AccountID, balance); err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
	}
	return entry, nil
}

// Observe records committed entries in the ledger metrics. Call it only after
// the enclosing transaction committed.
func Observe(entries ...*domain.LedgerEntry) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		metrics.LedgerEntries.WithLabelValues(string(e.Kind)).Inc()
		metrics.LedgerVolume.WithLabelValues(string(e.Kind)).Add(e.Amount.Abs().InexactFloat64())
	}
}

func (l *Ledger) Balance(ctx context.Context, r Reader, accountID string) (decimal.Decimal, error) {
	acc, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

func (l *Ledger) Entries(ctx context.Context, r Reader, accountID string) ([]domain.LedgerEntry, error) {
	if _, err := r.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return r.ListLedgerEntries(ctx, accountID)
}

type Reconciliation struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	EntrySum  decimal.Decimal `json:"entry_sum"`
	Balanced  bool            `json:"balanced"`
}

// Reconcile compares the stored balance with the sum of the account's entries.
func (l *Ledger) Reconcile(ctx context.Context, r Reader, accountID string) (*Reconciliation, error) {
	acc, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := r.SumLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("sum entries: %w", err)
	}
	rec := &Reconciliation{
		AccountID: accountID,
		Balance:   acc.Balance,
		EntrySum:  sum,
		Balanced:  acc.Balance.Equal(sum),
	}
	if !rec.Balanced {
		l.logger.Error("ledger out of balance",
			zap.String("account_id", accountID),
			zap.String("balance", acc.Balance.String()),
			zap.String("entry_sum", sum.String()))
	}
	return rec, nil
}
