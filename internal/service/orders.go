package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/ledger"
	"github.com/campuseats/ordering/internal/metrics"
	"github.com/campuseats/ordering/internal/models"
	"github.com/campuseats/ordering/internal/outbox"
	"github.com/campuseats/ordering/internal/pos"
	"github.com/campuseats/ordering/internal/promotion"
	"github.com/campuseats/ordering/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type OrderOptions struct {
	// RefundRequireCharge refuses refunds for orders that never had a
	// SPEND entry posted.
	RefundRequireCharge bool
}

type OrderService struct {
	store  store.Store
	ledger *ledger.Ledger
	logger *zap.Logger
	opts   OrderOptions
	notify func()
	now    func() time.Time
}

func NewOrderService(s store.Store, l *ledger.Ledger, logger *zap.Logger, opts OrderOptions) *OrderService {
	return &OrderService{
		store:  s,
		ledger: l,
		logger: logger,
		opts:   opts,
		notify: func() {},
		now:    utcNow,
	}
}

// OnEnqueue registers fn to run after a commit that wrote outbox events.
func (s *OrderService) OnEnqueue(fn func()) {
	if fn != nil {
		s.notify = fn
	}
}

func validateCreate(req models.CreateOrderRequest) (decimal.Decimal, error) {
	if req.AccountID == "" || req.RestaurantID == "" {
		return decimal.Zero, fmt.Errorf("account_id and restaurant_id are required: %w", domain.ErrInvalidRequest)
	}
	if len(req.Items) == 0 {
		return decimal.Zero, fmt.Errorf("order has no items: %w", domain.ErrInvalidRequest)
	}
	sum := decimal.Zero
	for i, it := range req.Items {
		if it.MenuItemID == "" || strings.TrimSpace(it.Name) == "" {
			return decimal.Zero, fmt.Errorf("item %d needs menu_item_id and name: %w", i, domain.ErrInvalidRequest)
		}
		if it.Quantity <= 0 {
			return decimal.Zero, fmt.Errorf("item %d quantity %d: %w", i, it.Quantity, domain.ErrInvalidRequest)
		}
		if it.UnitPrice.IsNegative() {
			return decimal.Zero, fmt.Errorf("item %d unit price %s: %w", i, it.UnitPrice, domain.ErrInvalidAmount)
		}
		sum = sum.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	sum = sum.Round(2)
	if !sum.IsPositive() {
		return decimal.Zero, fmt.Errorf("subtotal must be positive: %w", domain.ErrInvalidAmount)
	}
	if !req.Subtotal.Round(2).Equal(sum) {
		return decimal.Zero, fmt.Errorf("subtotal %s does not match items %s: %w", req.Subtotal, sum.StringFixed(2), domain.ErrInvalidAmount)
	}
	return sum, nil
}

// Create places an order in PENDING, applies promotions, credits any loyalty
// reward and schedules the confirmation call, all in one transaction. The
// student is not charged until the restaurant accepts.
func (s *OrderService) Create(ctx context.Context, req models.CreateOrderRequest, idem models.Idempotency) (resp *models.CreateOrderResponse, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.Create")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("restaurant.id", req.RestaurantID))

	subtotal, err := validateCreate(req)
	if err != nil {
		return nil, err
	}

	var enqueued bool
	err = s.store.InTx(ctx, func(q store.Queries) error {
		if idem.Key != "" {
			rec, err := q.GetIdempotencyRecord(ctx, idem.Key)
			if err != nil {
				return err
			}
			if rec != nil {
				if rec.Scope != scopeOrderCreate || rec.RequestHash != idem.RequestHash {
					return ErrIdempotencyMismatch
				}
				resp, err = s.replay(ctx, q, rec.ResourceID)
				return err
			}
		}

		acc, err := q.GetAccount(ctx, req.AccountID)
		if err != nil {
			return fmt.Errorf("account %s: %w", req.AccountID, err)
		}
		rest, err := q.GetRestaurant(ctx, req.RestaurantID)
		if err != nil {
			return fmt.Errorf("restaurant %s: %w", req.RestaurantID, err)
		}
		rel, err := q.LockCustomerRelationship(ctx, req.AccountID, req.RestaurantID)
		if err != nil {
			return err
		}
		cfg, err := q.GetPromotionConfig(ctx, req.RestaurantID)
		if err != nil {
			return err
		}
		res := promotion.Evaluate(promotion.Input{Subtotal: subtotal, Config: cfg, Relationship: rel})

		now := s.now()
		order := &domain.Order{
			ID:                  uuid.NewString(),
			AccountID:           req.AccountID,
			RestaurantID:        req.RestaurantID,
			TotalAmount:         res.Subtotal,
			DiscountAmount:      res.DiscountAmount,
			FinalAmount:         res.FinalAmount,
			Status:              domain.OrderPending,
			PromotionApplied:    res.PromotionApplied,
			LoyaltyRewardEarned: res.LoyaltyRewardEarned,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		for _, it := range req.Items {
			order.Items = append(order.Items, domain.OrderItem{
				ID:                 uuid.NewString(),
				OrderID:            order.ID,
				MenuItemID:         it.MenuItemID,
				Name:               it.Name,
				Quantity:           it.Quantity,
				UnitPrice:          it.UnitPrice.Round(2),
				TotalPrice:         it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2),
				ModifiersSelected:  it.ModifiersSelected,
				CustomInstructions: it.CustomInstructions,
			})
		}
		if err := q.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		if res.DiscountAmount.IsPositive() {
			err := q.InsertPromotionCost(ctx, &domain.PromotionCost{
				ID:             uuid.NewString(),
				OrderID:        order.ID,
				RestaurantID:   order.RestaurantID,
				CostAmount:     res.DiscountAmount,
				PromotionType:  res.PromotionApplied,
				OriginalTotal:  res.Subtotal,
				DiscountAmount: res.DiscountAmount,
				CreatedAt:      now,
			})
			if err != nil {
				return fmt.Errorf("insert promotion cost: %w", err)
			}
		}

		rel.IsFirstTime = res.UpdatedIsFirstTime
		rel.TotalSpent = rel.TotalSpent.Add(res.FinalAmount)
		rel.LoyaltyProgress = res.UpdatedLoyaltyProgress
		rel.UpdatedAt = now
		if err := q.SaveCustomerRelationship(ctx, rel); err != nil {
			return fmt.Errorf("save relationship: %w", err)
		}

		balance := acc.Balance
		var reward *domain.LedgerEntry
		if res.RewardEarned() {
			reward, err = s.ledger.Credit(ctx, q, ledger.Posting{
				AccountID:   order.AccountID,
				Amount:      res.LoyaltyRewardEarned,
				Kind:        domain.EntryLoyaltyReward,
				Description: fmt.Sprintf("Loyalty reward from %s", rest.Name),
				OrderID:     order.ID,
			})
			if err != nil {
				return fmt.Errorf("loyalty reward: %w", err)
			}
			balance = reward.BalanceAfter
		}

		if rest.CallEnabled {
			ev, err := outbox.OrderEvent(domain.EventCallRequested, order)
			if err != nil {
				return err
			}
			if err := q.EnqueueOutbox(ctx, ev); err != nil {
				return fmt.Errorf("enqueue call: %w", err)
			}
			enqueued = true
		}

		if idem.Key != "" {
			err := q.InsertIdempotencyRecord(ctx, &domain.IdempotencyRecord{
				Key:         idem.Key,
				Scope:       scopeOrderCreate,
				RequestHash: idem.RequestHash,
				ResourceID:  order.ID,
				CreatedAt:   now,
			})
			if err != nil {
				return fmt.Errorf("idempotency record: %w", err)
			}
		}

		resp = &models.CreateOrderResponse{
			Order:             order,
			Promotion:         res,
			BalanceSufficient: balance.GreaterThanOrEqual(order.FinalAmount),
			LoyaltyReward:     reward,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp.Replayed {
		return resp, nil
	}

	metrics.OrderTransitions.WithLabelValues(string(domain.OrderPending)).Inc()
	ledger.Observe(resp.LoyaltyReward)
	if enqueued {
		s.notify()
	}
	s.logger.Info("order created",
		zap.String("order_id", resp.Order.ID),
		zap.String("account_id", resp.Order.AccountID),
		zap.String("restaurant_id", resp.Order.RestaurantID),
		zap.String("final_amount", resp.Order.FinalAmount.StringFixed(2)),
		zap.String("promotion", string(resp.Order.PromotionApplied)),
		zap.Bool("balance_sufficient", resp.BalanceSufficient))
	return resp, nil
}

func (s *OrderService) replay(ctx context.Context, q store.Queries, orderID string) (*models.CreateOrderResponse, error) {
	order, err := q.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &models.CreateOrderResponse{
		Order: order,
		Promotion: promotion.Result{
			Subtotal:            order.TotalAmount,
			DiscountAmount:      order.DiscountAmount,
			FinalAmount:         order.FinalAmount,
			PromotionApplied:    order.PromotionApplied,
			LoyaltyRewardEarned: order.LoyaltyRewardEarned,
		},
		Replayed: true,
	}, nil
}

// Preview evaluates promotions for a prospective order without writing
// anything.
func (s *OrderService) Preview(ctx context.Context, req models.PreviewRequest) (*models.PreviewResponse, error) {
	if req.AccountID == "" || req.RestaurantID == "" {
		return nil, fmt.Errorf("account_id and restaurant_id are required: %w", domain.ErrInvalidRequest)
	}
	if !req.Subtotal.Round(2).IsPositive() {
		return nil, fmt.Errorf("subtotal must be positive: %w", domain.ErrInvalidAmount)
	}
	acc, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetRestaurant(ctx, req.RestaurantID); err != nil {
		return nil, err
	}
	rel, err := s.store.GetCustomerRelationship(ctx, req.AccountID, req.RestaurantID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.store.GetPromotionConfig(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}
	res := promotion.Evaluate(promotion.Input{Subtotal: req.Subtotal, Config: cfg, Relationship: rel})
	return &models.PreviewResponse{
		Result:            res,
		Balance:           acc.Balance,
		BalanceSufficient: acc.Balance.GreaterThanOrEqual(res.FinalAmount),
	}, nil
}

// lockOwned locks the order and hides it from restaurants that do not own
// it. An empty restaurantID skips the ownership check.
func lockOwned(ctx context.Context, q store.Queries, orderID, restaurantID string) (*domain.Order, error) {
	o, err := q.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if restaurantID != "" && o.RestaurantID != restaurantID {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return o, nil
}

func illegal(o *domain.Order, next domain.OrderStatus) error {
	return fmt.Errorf("order %s is %s, cannot become %s: %w", o.ID, o.Status, next, domain.ErrConflict)
}

// Accept charges the student and confirms the order. Insufficient balance
// leaves the order PENDING.
func (s *OrderService) Accept(ctx context.Context, orderID, restaurantID string) (order *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.Accept")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID))

	var charge *domain.LedgerEntry
	err = s.store.InTx(ctx, func(q store.Queries) error {
		o, err := lockOwned(ctx, q, orderID, restaurantID)
		if err != nil {
			return err
		}
		if !o.Status.CanTransition(domain.OrderConfirmed) {
			return illegal(o, domain.OrderConfirmed)
		}
		rest, err := q.GetRestaurant(ctx, o.RestaurantID)
		if err != nil {
			return err
		}
		if o.FinalAmount.IsPositive() {
			charge, err = s.ledger.Debit(ctx, q, ledger.Posting{
				AccountID:   o.AccountID,
				Amount:      o.FinalAmount,
				Kind:        domain.EntrySpend,
				Description: fmt.Sprintf("Order at %s", rest.Name),
				OrderID:     o.ID,
			})
			if err != nil {
				return err
			}
		}
		if err := q.UpdateOrderStatus(ctx, o.ID, domain.OrderConfirmed, ""); err != nil {
			return err
		}
		o.Status = domain.OrderConfirmed
		if rest.POSType != "" && rest.POSType != pos.TypeManual {
			ev, err := outbox.OrderEvent(domain.EventPOSSync, o)
			if err != nil {
				return err
			}
			if err := q.EnqueueOutbox(ctx, ev); err != nil {
				return fmt.Errorf("enqueue pos sync: %w", err)
			}
		}
		order = o
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			s.logger.Info("order accept refused", zap.String("order_id", orderID), zap.Error(err))
		}
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(domain.OrderConfirmed)).Inc()
	ledger.Observe(charge)
	s.notify()
	s.logger.Info("order confirmed",
		zap.String("order_id", order.ID),
		zap.String("charged", order.FinalAmount.StringFixed(2)))
	return order, nil
}

// Reject cancels a pending order. Nothing was charged, so nothing moves.
func (s *OrderService) Reject(ctx context.Context, orderID, restaurantID, reason string) (order *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.Reject")
	defer func() { endSpan(span, err) }()

	order, err = s.transition(ctx, orderID, restaurantID, domain.OrderCancelled, reason)
	if err != nil {
		return nil, err
	}
	s.logger.Info("order cancelled", zap.String("order_id", order.ID), zap.String("reason", reason))
	return order, nil
}

// Complete closes out a confirmed order.
func (s *OrderService) Complete(ctx context.Context, orderID, restaurantID string) (order *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.Complete")
	defer func() { endSpan(span, err) }()

	order, err = s.transition(ctx, orderID, restaurantID, domain.OrderCompleted, "")
	if err != nil {
		return nil, err
	}
	s.logger.Info("order completed", zap.String("order_id", order.ID))
	return order, nil
}

func (s *OrderService) transition(ctx context.Context, orderID, restaurantID string, next domain.OrderStatus, reason string) (*domain.Order, error) {
	var order *domain.Order
	err := s.store.InTx(ctx, func(q store.Queries) error {
		o, err := lockOwned(ctx, q, orderID, restaurantID)
		if err != nil {
			return err
		}
		if !o.Status.CanTransition(next) {
			return illegal(o, next)
		}
		if err := q.UpdateOrderStatus(ctx, o.ID, next, reason); err != nil {
			return err
		}
		o.Status = next
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OrderTransitions.WithLabelValues(string(next)).Inc()
	return order, nil
}

// Refund returns the charged amount to the student. It is an administrative
// override and may be applied from any status except REFUNDED.
func (s *OrderService) Refund(ctx context.Context, orderID, reason string) (order *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.Refund")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("refund reason is required: %w", domain.ErrInvalidRequest)
	}

	var credit *domain.LedgerEntry
	err = s.store.InTx(ctx, func(q store.Queries) error {
		o, err := q.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == domain.OrderRefunded {
			return illegal(o, domain.OrderRefunded)
		}
		charges, err := q.CountOrderEntries(ctx, o.ID, domain.EntrySpend)
		if err != nil {
			return err
		}
		// A confirmed order with nothing to charge has no SPEND entry to find.
		freeOrder := !o.FinalAmount.IsPositive() && o.Status.Charged()
		if s.opts.RefundRequireCharge && charges == 0 && !freeOrder {
			return fmt.Errorf("order %s was never charged: %w", o.ID, domain.ErrConflict)
		}
		if (charges > 0 || !s.opts.RefundRequireCharge) && o.FinalAmount.IsPositive() {
			credit, err = s.ledger.Credit(ctx, q, ledger.Posting{
				AccountID:   o.AccountID,
				Amount:      o.FinalAmount,
				Kind:        domain.EntryRefund,
				Description: fmt.Sprintf("Refund: %s", reason),
				OrderID:     o.ID,
			})
			if err != nil {
				return err
			}
		}
		if err := q.UpdateOrderStatus(ctx, o.ID, domain.OrderRefunded, reason); err != nil {
			return err
		}
		o.Status = domain.OrderRefunded
		o.RefundReason = reason
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(domain.OrderRefunded)).Inc()
	ledger.Observe(credit)
	s.logger.Info("order refunded",
		zap.String("order_id", order.ID),
		zap.Bool("credited", credit != nil),
		zap.String("reason", reason))
	return order, nil
}

func (s *OrderService) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

func (s *OrderService) PromotionCost(ctx context.Context, orderID string) (*domain.PromotionCost, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.GetPromotionCost(ctx, orderID)
}

func (s *OrderService) ListByAccount(ctx context.Context, accountID string) ([]domain.Order, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListOrdersByAccount(ctx, accountID)
}

// ListByRestaurant lists a restaurant's orders, optionally filtered by status.
func (s *OrderService) ListByRestaurant(ctx context.Context, restaurantID string, status domain.OrderStatus) ([]domain.Order, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", status, domain.ErrInvalidRequest)
	}
	if _, err := s.store.GetRestaurant(ctx, restaurantID); err != nil {
		return nil, err
	}
	return s.store.ListOrdersByRestaurant(ctx, restaurantID, status)
}
