package service

import (
	"sync"
	"sync/atomic"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/models"
	"github.com/shopspring/decimal"
)

func (s *ServiceSuite) enablePromotions(firstTimePercent, threshold, reward string) {
	_, err := s.restaurants.SetPromotions(s.ctx, s.restaurant.ID, models.PromotionConfigRequest{
		FirstTimeEnabled:      firstTimePercent != "0",
		FirstTimePercent:      decimal.RequireFromString(firstTimePercent),
		LoyaltyEnabled:        threshold != "0",
		LoyaltySpendThreshold: decimal.RequireFromString(threshold),
		LoyaltyRewardAmount:   decimal.RequireFromString(reward),
	})
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestCreate_FirstTimeDiscountDoesNotCharge() {
	s.enablePromotions("20", "0", "0")

	req := cart("12.50", 2)
	req.AccountID, req.RestaurantID = s.student.ID, s.restaurant.ID
	resp, err := s.orders.Create(s.ctx, req, models.Idempotency{})
	s.Require().NoError(err)

	o := resp.Order
	s.Equal(domain.OrderPending, o.Status)
	s.Equal("25.00", o.TotalAmount.StringFixed(2))
	s.Equal("5.00", o.DiscountAmount.StringFixed(2))
	s.Equal("20.00", o.FinalAmount.StringFixed(2))
	s.Equal(domain.PromotionFirstTime, o.PromotionApplied)
	s.True(resp.BalanceSufficient)
	s.Equal("50.00", s.balance(s.student.ID))
	s.Require().Len(o.Items, 1)
	s.Equal("25.00", o.Items[0].TotalPrice.StringFixed(2))

	cost, err := s.orders.PromotionCost(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Require().NotNil(cost)
	s.Equal("5.00", cost.CostAmount.StringFixed(2))
	s.Equal(s.restaurant.ID, cost.RestaurantID)

	rel, err := s.store.GetCustomerRelationship(s.ctx, s.student.ID, s.restaurant.ID)
	s.Require().NoError(err)
	s.False(rel.IsFirstTime)
	s.Equal("20.00", rel.TotalSpent.StringFixed(2))

	s.Len(s.eventsOfKind(domain.EventCallRequested), 1)

	second := s.placeOrder(s.student.ID, s.restaurant.ID, "10.00")
	s.True(second.DiscountAmount.IsZero())
	s.Equal(domain.PromotionNone, second.PromotionApplied)
}

func (s *ServiceSuite) TestCreate_LoyaltyRewardCreditedImmediately() {
	s.enablePromotions("0", "30", "5")

	first := s.placeOrder(s.student.ID, s.restaurant.ID, "20.00")
	s.True(first.LoyaltyRewardEarned.IsZero())

	req := cart("20.00", 1)
	req.AccountID, req.RestaurantID = s.student.ID, s.restaurant.ID
	resp, err := s.orders.Create(s.ctx, req, models.Idempotency{})
	s.Require().NoError(err)
	s.Equal("5.00", resp.Order.LoyaltyRewardEarned.StringFixed(2))
	s.Require().NotNil(resp.LoyaltyReward)
	s.Equal(resp.Order.ID, resp.LoyaltyReward.OrderID)
	s.Equal("55.00", s.balance(s.student.ID))

	rel, err := s.store.GetCustomerRelationship(s.ctx, s.student.ID, s.restaurant.ID)
	s.Require().NoError(err)
	s.Equal("10.00", rel.LoyaltyProgress.StringFixed(2))
	s.assertBalanced(s.student.ID)
}

func (s *ServiceSuite) TestCreate_Validation() {
	base := cart("8.00", 1)
	base.AccountID, base.RestaurantID = s.student.ID, s.restaurant.ID

	mismatch := base
	mismatch.Subtotal = decimal.RequireFromString("9.00")
	_, err := s.orders.Create(s.ctx, mismatch, models.Idempotency{})
	s.ErrorIs(err, domain.ErrInvalidAmount)

	empty := base
	empty.Items = nil
	_, err = s.orders.Create(s.ctx, empty, models.Idempotency{})
	s.ErrorIs(err, domain.ErrInvalidRequest)

	unknown := base
	unknown.RestaurantID = "missing"
	_, err = s.orders.Create(s.ctx, unknown, models.Idempotency{})
	s.ErrorIs(err, domain.ErrNotFound)

	orders, err := s.orders.ListByAccount(s.ctx, s.student.ID)
	s.Require().NoError(err)
	s.Empty(orders)
}

func (s *ServiceSuite) TestCreate_IdempotencyKey() {
	req := cart("8.00", 1)
	req.AccountID, req.RestaurantID = s.student.ID, s.restaurant.ID
	idem := models.Idempotency{Key: "checkout-1", RequestHash: "abc"}

	first, err := s.orders.Create(s.ctx, req, idem)
	s.Require().NoError(err)
	s.False(first.Replayed)

	again, err := s.orders.Create(s.ctx, req, idem)
	s.Require().NoError(err)
	s.True(again.Replayed)
	s.Equal(first.Order.ID, again.Order.ID)

	_, err = s.orders.Create(s.ctx, req, models.Idempotency{Key: "checkout-1", RequestHash: "different"})
	s.ErrorIs(err, ErrIdempotencyMismatch)

	orders, err := s.orders.ListByAccount(s.ctx, s.student.ID)
	s.Require().NoError(err)
	s.Len(orders, 1)
}

func (s *ServiceSuite) TestAccept_ChargesOnce() {
	o := s.placeOrder(s.student.ID, s.restaurant.ID, "20.00")

	confirmed, err := s.orders.Accept(s.ctx, o.ID, s.restaurant.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderConfirmed, confirmed.Status)
	s.Equal("30.00", s.balance(s.student.ID))

	_, err = s.orders.Accept(s.ctx, o.ID, s.restaurant.ID)
	s.ErrorIs(err, domain.ErrConflict)

	spends := s.entriesOfKind(s.student.ID, domain.EntrySpend)
	s.Require().Len(spends, 1)
	s.Equal("-20.00", spends[0].Amount.StringFixed(2))
	s.Equal(o.ID, spends[0].OrderID)
	s.assertBalanced(s.student.ID)
}

func (s *ServiceSuite) TestAccept_InsufficientBalanceLeavesPending() {
	poor := s.newStudent("Blake", "5")
	o := s.placeOrder(poor.ID, s.restaurant.ID, "20.00")

	_, err := s.orders.Accept(s.ctx, o.ID, s.restaurant.ID)
	s.ErrorIs(err, domain.ErrInsufficientBalance)
	s.Equal(domain.OrderPending, s.status(o.ID))
	s.Equal("5.00", s.balance(poor.ID))
	s.Empty(s.entriesOfKind(poor.ID, domain.EntrySpend))
}

func (s *ServiceSuite) TestAccept_OtherRestaurantCannotSeeOrder() {
	other := s.newRestaurant(models.CreateRestaurantRequest{Name: "Taco Cart"})
	o := s.placeOrder(s.student.ID, s.restaurant.ID, "10.00")

	_, err := s.orders.Accept(s.ctx, o.ID, other.ID)
	s.ErrorIs(err, domain.ErrNotFound)
	s.Equal(domain.OrderPending, s.status(o.ID))
}

func (s *ServiceSuite) TestAccept_ConcurrentDecisionsChargeOnce() {
	o := s.placeOrder(s.student.ID, s.restaurant.ID, "20.00")

	var wg sync.WaitGroup
	var accepted, rejected int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = s.orders.Accept(s.ctx, o.ID, s.restaurant.ID)
				if err == nil {
					atomic.AddInt32(&accepted, 1)
				}
			} else {
				_, err = s.orders.Reject(s.ctx, o.ID, s.restaurant.ID, "closing")
				if err == nil {
					atomic.AddInt32(&rejected, 1)
				}
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), accepted+rejected)
	spends := s.entriesOfKind(s.student.ID, domain.EntrySpend)
	if accepted == 1 {
		s.Len(spends, 1)
		s.Equal(domain.OrderConfirmed, s.status(o.ID))
	} else {
		s.Empty(spends)
		s.Equal(domain.OrderCancelled, s.status(o.ID))
	}
	s.assertBalanced(s.student.ID)
}

func (s *ServiceSuite) TestReject_MovesNoCredit() {
	o := s.placeOrder(s.student.ID, s.restaurant.ID, "20.00")

	cancelled, err := s.orders.Reject(s.ctx, o.ID, s.restaurant.ID, "out of noodles")
	s.Require().NoError(err)
	s.Equal(domain.OrderCancelled, cancelled.Status)
	s.Equal("50.00", s.balance(s.student.ID))

	_, err = s.orders.Accept(s.ctx, o.ID, s.restaurant.ID)
	s.ErrorIs(err, domain.ErrConflict)
}

func (s *ServiceSuite) TestComplete() {
	o := s.placeOrder(s.student.ID, s.restaurant.ID, "20.00")

	_, err := s.orders.Complete(s.ctx, o.ID, s.restaurant.ID)
	s.ErrorIs(err, domain.ErrConflict)

	_, err = s.orders.Accept(s.ctx, o.ID, s.restaurant.ID)
	s.Require().NoError(err)
	done, err := s.orders.Complete(s.ctx, o.ID, s.restaurant.ID)
	s.Require().NoError(err)
	s.Equal(domain.OrderCompleted, done.Status)

	list, err := s.orders.ListByRestaurant(s.ctx, s.restaurant.ID, domain.OrderCompleted)
	s.Require().NoError(err)
	s.Len(list, 1)

	_, err = s.orders.ListByRestaurant(s.ctx, s.restaurant.ID, "LOST")
	s.ErrorIs(err, domain.ErrInvalidRequest)
}

func (s *ServiceSuite) TestRefund_RestoresBalance() {
	o := s.placeOrder(s.student.ID, s.restaurant.ID, "20.00")
	_, err := s.orders.Accept(s.ctx, o.ID, s.restaurant.ID)
	s.Require().NoError(err)

	refunded, err := s.orders.Refund(s.ctx, o.ID, "cold food")
	s.Require().NoError(err)
	s.Equal(domain.OrderRefunded, refunded.Status)
	s.Equal("cold food", refunded.RefundReason)
	s.Equal("50.00", s.balance(s.student.ID))

	_, err = s.orders.Refund(s.ctx, o.ID, "again")
	s.ErrorIs(err, domain.ErrConflict)
	s.Len(s.entriesOfKind(s.student.ID, domain.EntryRefund), 1)
	s.assertBalanced(s.student.ID)
}

func (s *ServiceSuite) TestRefund_RequiresPriorCharge() {
	o := s.placeOrder(s.student.ID, s.restaurant.ID, "20.00")

	_, err := s.orders.Refund(s.ctx, o.ID, "changed mind")
	s.ErrorIs(err, domain.ErrConflict)
	s.Equal(domain.OrderPending, s.status(o.ID))

	_, err = s.orders.Refund(s.ctx, o.ID, " ")
	s.ErrorIs(err, domain.ErrInvalidRequest)
}

func (s *ServiceSuite) TestRefund_FullyDiscountedOrder() {
	s.enablePromotions("100", "0", "0")
	o := s.placeOrder(s.student.ID, s.restaurant.ID, "20.00")
	s.True(o.FinalAmount.IsZero())

	_, err := s.orders.Accept(s.ctx, o.ID, s.restaurant.ID)
	s.Require().NoError(err)
	_, err = s.orders.Complete(s.ctx, o.ID, s.restaurant.ID)
	s.Require().NoError(err)

	refunded, err := s.orders.Refund(s.ctx, o.ID, "wrong order delivered")
	s.Require().NoError(err)
	s.Equal(domain.OrderRefunded, refunded.Status)
	s.Empty(s.entriesOfKind(s.student.ID, domain.EntrySpend))
	s.Empty(s.entriesOfKind(s.student.ID, domain.EntryRefund))
	s.Equal("50.00", s.balance(s.student.ID))
	s.assertBalanced(s.student.ID)
}

func (s *ServiceSuite) TestRefund_WithoutChargeRequirementCreditsCancelledOrder() {
	orders := NewOrderService(s.store, s.ledger, s.logger, OrderOptions{RefundRequireCharge: false})
	o := s.placeOrder(s.student.ID, s.restaurant.ID, "20.00")

	_, err := orders.Reject(s.ctx, o.ID, s.restaurant.ID, "closed early")
	s.Require().NoError(err)
	s.Empty(s.entriesOfKind(s.student.ID, domain.EntrySpend))

	refunded, err := orders.Refund(s.ctx, o.ID, "goodwill")
	s.Require().NoError(err)
	s.Equal(domain.OrderRefunded, refunded.Status)

	refunds := s.entriesOfKind(s.student.ID, domain.EntryRefund)
	s.Require().Len(refunds, 1)
	s.Equal("20.00", refunds[0].Amount.StringFixed(2))
	s.Equal(o.ID, refunds[0].OrderID)
	s.Equal("70.00", s.balance(s.student.ID))
	s.assertBalanced(s.student.ID)

	_, err = orders.Refund(s.ctx, o.ID, "again")
	s.ErrorIs(err, domain.ErrConflict)
}

func (s *ServiceSuite) TestPreview_WritesNothing() {
	s.enablePromotions("10", "0", "0")

	p, err := s.orders.Preview(s.ctx, models.PreviewRequest{
		AccountID:    s.student.ID,
		RestaurantID: s.restaurant.ID,
		Subtotal:     decimal.RequireFromString("30"),
	})
	s.Require().NoError(err)
	s.Equal("27.00", p.FinalAmount.StringFixed(2))
	s.True(p.BalanceSufficient)

	rel, err := s.store.GetCustomerRelationship(s.ctx, s.student.ID, s.restaurant.ID)
	s.Require().NoError(err)
	s.Nil(rel)
}
