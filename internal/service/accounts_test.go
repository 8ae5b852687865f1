package service

import (
	"fmt"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/models"
	"github.com/campuseats/ordering/internal/payments"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

func (s *ServiceSuite) TestCreateAccount_Validation() {
	_, err := s.accounts.Create(s.ctx, models.CreateAccountRequest{Name: "", Email: "x@example.edu"})
	s.ErrorIs(err, domain.ErrInvalidRequest)
	_, err = s.accounts.Create(s.ctx, models.CreateAccountRequest{Name: "Dana", Email: "not-an-email"})
	s.ErrorIs(err, domain.ErrInvalidRequest)
	_, err = s.accounts.Create(s.ctx, models.CreateAccountRequest{Name: "Dana", Email: "d@example.edu", Role: "GUEST"})
	s.ErrorIs(err, domain.ErrInvalidRequest)

	acc, err := s.accounts.Create(s.ctx, models.CreateAccountRequest{Name: "Dana", Email: "D@Example.edu"})
	s.Require().NoError(err)
	s.Equal(domain.RoleStudent, acc.Role)
	s.Equal("d@example.edu", acc.Email)
	s.True(acc.Balance.IsZero())
}

func (s *ServiceSuite) TestAdminCredit_RejectsNonPositive() {
	_, err := s.accounts.AdminCredit(s.ctx, s.student.ID, models.CreditRequest{Amount: decimal.Zero})
	s.ErrorIs(err, domain.ErrInvalidAmount)
	_, err = s.accounts.AdminCredit(s.ctx, "missing", models.CreditRequest{Amount: decimal.NewFromInt(5)})
	s.ErrorIs(err, domain.ErrNotFound)
	s.Equal("50.00", s.balance(s.student.ID))
}

func (s *ServiceSuite) TestPurchase_CreditsOnceAcrossWebhook() {
	amount := decimal.RequireFromString("25.00")
	s.gateway.On("Capture", mock.Anything, s.student.ID, mock.MatchedBy(amount.Equal)).
		Return(&payments.Capture{Success: true, ExternalPaymentID: "pay_1", Amount: amount}, nil).Once()

	resp, err := s.accounts.Purchase(s.ctx, s.student.ID, models.PurchaseRequest{Amount: amount})
	s.Require().NoError(err)
	s.False(resp.Duplicate)
	s.Equal(domain.EntryPurchase, resp.Entry.Kind)
	s.Equal("pay_1", resp.Entry.ExternalRef)
	s.Equal("75.00", s.balance(s.student.ID))

	ev := payments.WebhookEvent{ID: "evt_1", Type: payments.EventPaymentSucceeded}
	ev.Data.PaymentID = "pay_1"
	ev.Data.AccountID = s.student.ID
	ev.Data.Amount = amount
	dup, err := s.accounts.ApplyWebhook(s.ctx, ev)
	s.Require().NoError(err)
	s.True(dup.Duplicate)
	s.Equal(resp.Entry.ID, dup.Entry.ID)
	s.Equal("75.00", s.balance(s.student.ID))
	s.assertBalanced(s.student.ID)
}

func (s *ServiceSuite) TestPurchase_DeclinedCreditsNothing() {
	s.gateway.On("Capture", mock.Anything, s.student.ID, mock.Anything).
		Return(nil, fmt.Errorf("%w: card expired", domain.ErrPaymentDeclined)).Once()

	_, err := s.accounts.Purchase(s.ctx, s.student.ID, models.PurchaseRequest{Amount: decimal.NewFromInt(10)})
	s.ErrorIs(err, domain.ErrPaymentDeclined)
	s.Empty(s.entriesOfKind(s.student.ID, domain.EntryPurchase))

	_, err = s.accounts.Purchase(s.ctx, s.student.ID, models.PurchaseRequest{Amount: decimal.NewFromInt(-1)})
	s.ErrorIs(err, domain.ErrInvalidAmount)
}

func (s *ServiceSuite) TestWebhook_FirstDeliveryCredits() {
	ev := payments.WebhookEvent{ID: "evt_2", Type: payments.EventPaymentSucceeded}
	ev.Data.PaymentID = "pay_web"
	ev.Data.AccountID = s.student.ID
	ev.Data.Amount = decimal.RequireFromString("12.345")

	resp, err := s.accounts.ApplyWebhook(s.ctx, ev)
	s.Require().NoError(err)
	s.False(resp.Duplicate)
	s.Equal("62.35", s.balance(s.student.ID))

	ignored, err := s.accounts.ApplyWebhook(s.ctx, payments.WebhookEvent{ID: "evt_3", Type: "payment.refunded"})
	s.Require().NoError(err)
	s.Nil(ignored)
}
