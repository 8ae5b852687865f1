package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/ledger"
	"github.com/campuseats/ordering/internal/models"
	"github.com/campuseats/ordering/internal/payments"
	"github.com/campuseats/ordering/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AccountService owns account creation and every credit that does not come
// from an order: card purchases, payment webhooks and admin grants.
type AccountService struct {
	store   store.Store
	ledger  *ledger.Ledger
	gateway payments.Gateway
	logger  *zap.Logger
	now     func() time.Time
}

func NewAccountService(s store.Store, l *ledger.Ledger, gateway payments.Gateway, logger *zap.Logger) *AccountService {
	return &AccountService{store: s, ledger: l, gateway: gateway, logger: logger, now: utcNow}
}

func (s *AccountService) Create(ctx context.Context, req models.CreateAccountRequest) (*domain.Account, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", domain.ErrInvalidRequest)
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, fmt.Errorf("email %q: %w", req.Email, domain.ErrInvalidRequest)
	}
	role := req.Role
	if role == "" {
		role = domain.RoleStudent
	}
	switch role {
	case domain.RoleStudent, domain.RoleRestaurant, domain.RoleAdmin:
	default:
		return nil, fmt.Errorf("role %q: %w", role, domain.ErrInvalidRequest)
	}

	acc := &domain.Account{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     strings.ToLower(req.Email),
		Role:      role,
		Balance:   decimal.Zero,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}
	s.logger.Info("account created", zap.String("account_id", acc.ID), zap.String("role", string(acc.Role)))
	return acc, nil
}

func (s *AccountService) Get(ctx context.Context, id string) (*domain.Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *AccountService) Entries(ctx context.Context, id string) ([]domain.LedgerEntry, error) {
	return s.ledger.Entries(ctx, s.store, id)
}

func (s *AccountService) Reconcile(ctx context.Context, id string) (*ledger.Reconciliation, error) {
	return s.ledger.Reconcile(ctx, s.store, id)
}

// AdminCredit grants credit outside of any payment.
func (s *AccountService) AdminCredit(ctx context.Context, accountID string, req models.CreditRequest) (entry *domain.LedgerEntry, err error) {
	ctx, span := tracer.Start(ctx, "AccountService.AdminCredit")
	defer func() { endSpan(span, err) }()

	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = "Admin credit"
	}
	err = s.store.InTx(ctx, func(q store.Queries) error {
		entry, err = s.ledger.Credit(ctx, q, ledger.Posting{
			AccountID:   accountID,
			Amount:      req.Amount,
			Kind:        domain.EntryAdminAdd,
			Description: desc,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	ledger.Observe(entry)
	s.logger.Info("admin credit", zap.String("account_id", accountID), zap.String("amount", entry.Amount.StringFixed(2)))
	return entry, nil
}

// Purchase captures a card payment and credits the account. The credit is
// keyed by the processor's payment id, so a webhook for the same payment
// never credits twice.
func (s *AccountService) Purchase(ctx context.Context, accountID string, req models.PurchaseRequest) (resp *models.PurchaseResponse, err error) {
	ctx, span := tracer.Start(ctx, "AccountService.Purchase")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("account.id", accountID))

	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount %s: %w", req.Amount, domain.ErrInvalidAmount)
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	capture, err := s.gateway.Capture(ctx, accountID, amount)
	if err != nil {
		s.logger.Warn("payment capture failed", zap.String("account_id", accountID), zap.Error(err))
		return nil, err
	}
	if !capture.Success {
		return nil, domain.ErrPaymentDeclined
	}
	credited := amount
	if capture.Amount.IsPositive() {
		credited = capture.Amount
	}
	return s.creditPayment(ctx, accountID, capture.ExternalPaymentID, credited, "Credit purchase")
}

// ApplyWebhook credits a payment reported by the processor. Event types
// other than payment.succeeded are acknowledged and ignored.
func (s *AccountService) ApplyWebhook(ctx context.Context, ev payments.WebhookEvent) (resp *models.PurchaseResponse, err error) {
	ctx, span := tracer.Start(ctx, "AccountService.ApplyWebhook")
	defer func() { endSpan(span, err) }()

	if ev.Type != payments.EventPaymentSucceeded {
		s.logger.Debug("webhook ignored", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
		return nil, nil
	}
	if ev.Data.PaymentID == "" || ev.Data.AccountID == "" {
		return nil, fmt.Errorf("payment event without payment or account id: %w", domain.ErrInvalidRequest)
	}
	amount := ev.Data.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount %s: %w", ev.Data.Amount, domain.ErrInvalidAmount)
	}
	return s.creditPayment(ctx, ev.Data.AccountID, ev.Data.PaymentID, amount, "Credit purchase")
}

func (s *AccountService) creditPayment(ctx context.Context, accountID, paymentID string, amount decimal.Decimal, desc string) (*models.PurchaseResponse, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("%w: processor returned no payment id", domain.ErrExternalServiceUnavailable)
	}

	resp := &models.PurchaseResponse{}
	err := s.store.InTx(ctx, func(q store.Queries) error {
		prior, err := q.GetLedgerEntryByExternalRef(ctx, domain.EntryPurchase, paymentID)
		switch {
		case err == nil:
			resp.Entry, resp.Duplicate = prior, true
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		resp.Entry, err = s.ledger.Credit(ctx, q, ledger.Posting{
			AccountID:   accountID,
			Amount:      amount,
			Kind:        domain.EntryPurchase,
			Description: desc,
			ExternalRef: paymentID,
		})
		return err
	})
	if errors.Is(err, domain.ErrConflict) {
		// A concurrent delivery of the same payment won the unique index.
		prior, lookupErr := s.store.GetLedgerEntryByExternalRef(ctx, domain.EntryPurchase, paymentID)
		if lookupErr != nil {
			return nil, err
		}
		return &models.PurchaseResponse{Entry: prior, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if resp.Duplicate {
		s.logger.Info("payment already credited", zap.String("payment_id", paymentID))
		return resp, nil
	}
	ledger.Observe(resp.Entry)
	s.logger.Info("payment credited",
		zap.String("account_id", accountID),
		zap.String("payment_id", paymentID),
		zap.String("amount", resp.Entry.Amount.StringFixed(2)))
	return resp, nil
}
