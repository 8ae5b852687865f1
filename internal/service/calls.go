package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/metrics"
	"github.com/campuseats/ordering/internal/models"
	"github.com/campuseats/ordering/internal/store"
	"github.com/campuseats/ordering/internal/telephony"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type CallConfig struct {
	// PublicBaseURL is where the telephony provider reaches our IVR routes.
	PublicBaseURL string
	FromNumber    string
	RatePerMinute decimal.Decimal
	MaxRepeats    int
}

// CallService drives the outbound confirmation call for pending orders.
type CallService struct {
	store  store.Store
	orders *OrderService
	placer telephony.Placer
	logger *zap.Logger
	cfg    CallConfig
	now    func() time.Time
}

func NewCallService(s store.Store, orders *OrderService, placer telephony.Placer, logger *zap.Logger, cfg CallConfig) *CallService {
	return &CallService{
		store:  s,
		orders: orders,
		placer: placer,
		logger: logger,
		cfg:    cfg,
		now:    utcNow,
	}
}

func (s *CallService) scriptURL(orderID string) string {
	return fmt.Sprintf("%s/ivr/orders/%s/script", s.cfg.PublicBaseURL, orderID)
}

func (s *CallService) responseURL(orderID string) string {
	return fmt.Sprintf("%s/ivr/orders/%s/response", s.cfg.PublicBaseURL, orderID)
}

func (s *CallService) timeoutURL(orderID string) string {
	return fmt.Sprintf("%s/ivr/orders/%s/timeout", s.cfg.PublicBaseURL, orderID)
}

func (s *CallService) statusURL() string {
	return s.cfg.PublicBaseURL + "/ivr/status"
}

// Initiate places the first call for a new order. A second delivery of the
// same request returns the existing attempt instead of ringing again.
func (s *CallService) Initiate(ctx context.Context, orderID string) (*domain.CallLog, error) {
	return s.place(ctx, orderID, "", true)
}

// Retry places another call for a pending order on the restaurant's behalf,
// bounded by the restaurant's retry setting.
func (s *CallService) Retry(ctx context.Context, orderID, restaurantID string) (*domain.CallLog, error) {
	return s.place(ctx, orderID, restaurantID, false)
}

func (s *CallService) place(ctx context.Context, orderID, restaurantID string, initial bool) (call *domain.CallLog, err error) {
	ctx, span := tracer.Start(ctx, "CallService.Place")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.Bool("call.initial", initial))

	var (
		rest     *domain.Restaurant
		existing bool
		timeout  int
	)
	err = s.store.InTx(ctx, func(q store.Queries) error {
		o, err := lockOwned(ctx, q, orderID, restaurantID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderPending {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, domain.ErrConflict)
		}
		rest, err = q.GetRestaurant(ctx, o.RestaurantID)
		if err != nil {
			return err
		}
		if !rest.CallEnabled {
			return domain.ErrCallingDisabled
		}
		if rest.CallNumber() == "" {
			return domain.ErrNoPhoneNumber
		}
		attempts, err := q.CountCallLogs(ctx, o.ID)
		if err != nil {
			return err
		}
		if initial && attempts > 0 {
			call, err = q.LatestCallLogForUpdate(ctx, o.ID)
			existing = true
			return err
		}
		if attempts >= rest.MaxCallAttempts() {
			return fmt.Errorf("%d of %d attempts used: %w", attempts, rest.MaxCallAttempts(), domain.ErrRetryLimitExceeded)
		}
		call = &domain.CallLog{
			ID:           uuid.NewString(),
			OrderID:      o.ID,
			RestaurantID: o.RestaurantID,
			CallTime:     s.now(),
			ResponseType: domain.CallInitiated,
			Cost:         decimal.Zero,
			UpdatedAt:    s.now(),
		}
		timeout = rest.CallTimeout()
		return q.InsertCallLog(ctx, call)
	})
	if err != nil {
		return nil, err
	}
	if existing {
		s.logger.Info("call already placed", zap.String("order_id", orderID), zap.String("call_id", call.ID))
		return call, nil
	}

	sid, placeErr := s.placer.PlaceCall(ctx, telephony.CallRequest{
		To:             rest.CallNumber(),
		From:           s.cfg.FromNumber,
		ScriptURL:      s.scriptURL(orderID),
		StatusCallback: s.statusURL(),
		TimeoutSeconds: timeout,
	})

	// The script callback may already have advanced the row while the
	// provider was still answering, so only the outcome of placement is
	// written here.
	if err := s.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.GetCallLogForUpdate(ctx, call.ID)
		if err != nil {
			return err
		}
		if placeErr != nil {
			if !c.ResponseType.Advances(domain.CallFailed) {
				return nil
			}
			c.ResponseType = domain.CallFailed
		} else {
			c.ExternalCallID = sid
		}
		c.UpdatedAt = s.now()
		call = c
		return q.UpdateCallLog(ctx, c)
	}); err != nil {
		return nil, fmt.Errorf("record call attempt: %w", err)
	}

	if placeErr != nil {
		metrics.CallResponses.WithLabelValues(string(domain.CallFailed)).Inc()
		s.logger.Warn("call placement failed",
			zap.String("order_id", orderID),
			zap.String("call_id", call.ID),
			zap.Error(placeErr))
		if !errors.Is(placeErr, domain.ErrExternalServiceUnavailable) {
			placeErr = fmt.Errorf("%w: %v", domain.ErrExternalServiceUnavailable, placeErr)
		}
		return nil, placeErr
	}

	metrics.CallResponses.WithLabelValues(string(domain.CallInitiated)).Inc()
	s.logger.Info("call placed",
		zap.String("order_id", orderID),
		zap.String("call_id", call.ID),
		zap.String("external_call_id", sid),
		zap.Bool("retry", !initial))
	return call, nil
}

// Script renders the voice document the provider fetches when the call is
// answered. An order that is no longer pending gets a short goodbye.
func (s *CallService) Script(ctx context.Context, orderID, callSID string) (telephony.Response, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return telephony.Response{}, err
	}
	if order.Status != domain.OrderPending {
		return telephony.Message(telephony.MsgNotPending), nil
	}
	rest, err := s.store.GetRestaurant(ctx, order.RestaurantID)
	if err != nil {
		return telephony.Response{}, err
	}
	acc, err := s.store.GetAccount(ctx, order.AccountID)
	if err != nil {
		return telephony.Response{}, err
	}

	if _, err := s.record(ctx, orderID, callSID, func(c *domain.CallLog) {
		if c.ResponseType.Advances(domain.CallAnswered) {
			c.ResponseType = domain.CallAnswered
		}
	}); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return telephony.Response{}, err
	}

	return s.script(order, rest, acc), nil
}

func (s *CallService) script(order *domain.Order, rest *domain.Restaurant, acc *domain.Account) telephony.Response {
	summary := telephony.OrderSummary{
		OrderID:        order.ID,
		RestaurantName: rest.Name,
		CustomerName:   acc.Name,
		Total:          order.FinalAmount,
	}
	for _, it := range order.Items {
		summary.Items = append(summary.Items, telephony.SummaryItem{Name: it.Name, Quantity: it.Quantity})
	}
	return telephony.OrderScript(summary, s.responseURL(order.ID), s.timeoutURL(order.ID), rest.CallTimeout())
}

// record locks the call for orderID, preferring the row matching callSID,
// and applies fn to it.
func (s *CallService) record(ctx context.Context, orderID, callSID string, fn func(c *domain.CallLog)) (*domain.CallLog, error) {
	var call *domain.CallLog
	err := s.store.InTx(ctx, func(q store.Queries) error {
		c, err := lockCall(ctx, q, orderID, callSID)
		if err != nil {
			return err
		}
		before := *c
		fn(c)
		if c.ResponseType == before.ResponseType && c.KeypadResponse == before.KeypadResponse &&
			c.RepeatCount == before.RepeatCount && c.Success == before.Success {
			call = c
			return nil
		}
		c.UpdatedAt = s.now()
		if err := q.UpdateCallLog(ctx, c); err != nil {
			return err
		}
		call = c
		return nil
	})
	return call, err
}

func lockCall(ctx context.Context, q store.Queries, orderID, callSID string) (*domain.CallLog, error) {
	if callSID != "" {
		c, err := q.GetCallLogByExternalIDForUpdate(ctx, callSID)
		switch {
		case err == nil && c.OrderID == orderID:
			return c, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return nil, err
		}
	}
	return q.LatestCallLogForUpdate(ctx, orderID)
}

// settle moves the call to a terminal response unless it already has one.
func settle(next domain.CallResponse, digits string, success bool) func(c *domain.CallLog) {
	return func(c *domain.CallLog) {
		if !c.ResponseType.Advances(next) {
			return
		}
		c.ResponseType = next
		c.KeypadResponse = digits
		c.Success = success
	}
}

// HandleDigit applies the restaurant's keypad choice and returns the voice
// document to play next.
func (s *CallService) HandleDigit(ctx context.Context, orderID, callSID, digits string) (resp telephony.Response, err error) {
	ctx, span := tracer.Start(ctx, "CallService.HandleDigit")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("call.digits", digits))

	switch digits {
	case "1":
		return s.decide(ctx, orderID, callSID, digits, domain.CallAccepted)
	case "2":
		return s.decide(ctx, orderID, callSID, digits, domain.CallRejected)
	case "3":
		return s.repeat(ctx, orderID, callSID)
	case "0":
		if err := s.finish(ctx, orderID, callSID, settle(domain.CallSupportRequested, digits, false)); err != nil {
			return telephony.Response{}, err
		}
		s.logger.Warn("restaurant requested support", zap.String("order_id", orderID))
		return telephony.SupportHandoff(), nil
	}

	if err := s.finish(ctx, orderID, callSID, settle(domain.CallInvalidResponse, digits, false)); err != nil {
		return telephony.Response{}, err
	}
	return telephony.Message(telephony.MsgInvalid), nil
}

// Timeout handles the redirect the provider follows when no digit arrived.
func (s *CallService) Timeout(ctx context.Context, orderID, callSID string) (telephony.Response, error) {
	if err := s.finish(ctx, orderID, callSID, settle(domain.CallTimeout, "", false)); err != nil {
		return telephony.Response{}, err
	}
	return telephony.Message(telephony.MsgTimeout), nil
}

func (s *CallService) finish(ctx context.Context, orderID, callSID string, fn func(c *domain.CallLog)) error {
	before := ""
	call, err := s.record(ctx, orderID, callSID, func(c *domain.CallLog) {
		before = string(c.ResponseType)
		fn(c)
	})
	if err != nil {
		return err
	}
	if string(call.ResponseType) != before {
		metrics.CallResponses.WithLabelValues(string(call.ResponseType)).Inc()
		s.logger.Info("call response recorded",
			zap.String("order_id", orderID),
			zap.String("call_id", call.ID),
			zap.String("response", string(call.ResponseType)))
	}
	return nil
}

func (s *CallService) decide(ctx context.Context, orderID, callSID, digits string, response domain.CallResponse) (telephony.Response, error) {
	var (
		actErr error
		target domain.OrderStatus
		done   string
	)
	if response == domain.CallAccepted {
		_, actErr = s.orders.Accept(ctx, orderID, "")
		target, done = domain.OrderConfirmed, telephony.MsgAccepted
	} else {
		_, actErr = s.orders.Reject(ctx, orderID, "", "Rejected by restaurant via phone")
		target, done = domain.OrderCancelled, telephony.MsgRejected
	}

	msg := done
	success := actErr == nil
	if actErr != nil {
		switch {
		case errors.Is(actErr, domain.ErrConflict):
			// Redelivered digit or the dashboard got there first.
			o, err := s.store.GetOrder(ctx, orderID)
			if err != nil {
				return telephony.Response{}, err
			}
			if o.Status == target {
				success = true
			} else {
				msg = telephony.MsgNotPending
			}
		case errors.Is(actErr, domain.ErrInsufficientBalance):
			msg = telephony.MsgAcceptFailed
		default:
			return telephony.Response{}, actErr
		}
		s.logger.Info("keypad decision not applied",
			zap.String("order_id", orderID),
			zap.String("response", string(response)),
			zap.Bool("already_applied", success),
			zap.Error(actErr))
	}

	// A decision the order could not take is not recorded as one.
	recorded := response
	if !success {
		recorded = domain.CallInvalidResponse
	}
	if err := s.finish(ctx, orderID, callSID, settle(recorded, digits, success)); err != nil {
		return telephony.Response{}, err
	}
	return telephony.Message(msg), nil
}

func (s *CallService) repeat(ctx context.Context, orderID, callSID string) (telephony.Response, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return telephony.Response{}, err
	}
	if order.Status != domain.OrderPending {
		return telephony.Message(telephony.MsgNotPending), nil
	}

	exhausted := false
	err = s.finish(ctx, orderID, callSID, func(c *domain.CallLog) {
		if c.ResponseType.IsTerminal() {
			return
		}
		if c.RepeatCount >= s.cfg.MaxRepeats {
			exhausted = true
			settle(domain.CallInvalidResponse, "3", false)(c)
			return
		}
		c.RepeatCount++
		c.ResponseType = domain.CallAwaitingRepeat
		c.KeypadResponse = "3"
	})
	if err != nil {
		return telephony.Response{}, err
	}
	if exhausted {
		return telephony.Message(telephony.MsgInvalid), nil
	}

	rest, err := s.store.GetRestaurant(ctx, order.RestaurantID)
	if err != nil {
		return telephony.Response{}, err
	}
	acc, err := s.store.GetAccount(ctx, order.AccountID)
	if err != nil {
		return telephony.Response{}, err
	}
	return s.script(order, rest, acc), nil
}

// providerStatus maps telephony status callback values onto call responses.
// An empty result leaves the response unchanged.
func providerStatus(status string, current domain.CallResponse) domain.CallResponse {
	switch status {
	case "ringing":
		return domain.CallRinging
	case "in-progress", "answered":
		return domain.CallAnswered
	case "busy", "failed", "no-answer", "canceled":
		return domain.CallFailed
	case "completed":
		// Hung up after answering without pressing a key.
		if current == domain.CallAnswered || current == domain.CallAwaitingRepeat {
			return domain.CallInvalidResponse
		}
	}
	return ""
}

// StatusCallback applies an asynchronous provider event. Response changes
// only move forward; duration and cost are overwritten by the latest report.
// A nil call with a nil error means the sid matched no call.
func (s *CallService) StatusCallback(ctx context.Context, u models.CallStatusUpdate) (call *domain.CallLog, err error) {
	ctx, span := tracer.Start(ctx, "CallService.StatusCallback")
	defer func() { endSpan(span, err) }()

	if u.CallSID == "" {
		return nil, fmt.Errorf("call sid is required: %w", domain.ErrInvalidRequest)
	}
	span.SetAttributes(attribute.String("call.sid", u.CallSID))

	var (
		addedCost decimal.Decimal
		changed   domain.CallResponse
	)
	err = s.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.GetCallLogByExternalIDForUpdate(ctx, u.CallSID)
		if err != nil {
			return err
		}
		if next := providerStatus(u.Status, c.ResponseType); next != "" && c.ResponseType.Advances(next) {
			c.ResponseType = next
			changed = next
		}
		if u.DurationSeconds >= 0 {
			cost := CallCost(u.DurationSeconds, s.cfg.RatePerMinute)
			addedCost = cost.Sub(c.Cost)
			c.DurationSeconds = u.DurationSeconds
			c.Cost = cost
		}
		c.UpdatedAt = s.now()
		if err := q.UpdateCallLog(ctx, c); err != nil {
			return err
		}
		call = c
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		// Events for a call whose sid is not stored yet, or never will be,
		// are acknowledged and dropped.
		s.logger.Warn("status for unknown call ignored",
			zap.String("external_call_id", u.CallSID),
			zap.String("status", u.Status))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if changed != "" {
		metrics.CallResponses.WithLabelValues(string(changed)).Inc()
	}
	if addedCost.IsPositive() {
		metrics.CallCost.Add(addedCost.InexactFloat64())
	}
	s.logger.Debug("call status",
		zap.String("call_id", call.ID),
		zap.String("status", u.Status),
		zap.Int("duration_seconds", call.DurationSeconds),
		zap.String("cost", call.Cost.String()))
	return call, nil
}

// CallCost bills every started minute at rate.
func CallCost(durationSeconds int, rate decimal.Decimal) decimal.Decimal {
	if durationSeconds <= 0 {
		return decimal.Zero
	}
	minutes := (durationSeconds + 59) / 60
	return rate.Mul(decimal.NewFromInt(int64(minutes)))
}

func (s *CallService) ListCalls(ctx context.Context, orderID string) ([]domain.CallLog, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.ListCallLogs(ctx, orderID)
}
