package domain

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderConfirmed, OrderCancelled},
	OrderConfirmed: {OrderCompleted},
	OrderCompleted: {OrderRefunded},
	OrderCancelled: {OrderRefunded},
}

// CanTransition reports whether the order lifecycle allows moving from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderConfirmed, OrderCancelled, OrderCompleted, OrderRefunded:
		return true
	}
	return false
}

// Charged reports whether an order in this status has had its SPEND entry posted.
func (s OrderStatus) Charged() bool {
	return s == OrderConfirmed || s == OrderCompleted
}

type CallResponse string

const (
	CallInitiated        CallResponse = "INITIATED"
	CallRinging          CallResponse = "RINGING"
	CallAnswered         CallResponse = "ANSWERED"
	CallAwaitingRepeat   CallResponse = "AWAITING_DIGIT_REPEAT"
	CallAccepted         CallResponse = "ACCEPTED"
	CallRejected         CallResponse = "REJECTED"
	CallSupportRequested CallResponse = "SUPPORT_REQUESTED"
	CallInvalidResponse  CallResponse = "INVALID_RESPONSE"
	CallFailed           CallResponse = "FAILED"
	CallTimeout          CallResponse = "TIMEOUT"
)

// progress orders call states so late or duplicated provider callbacks can
// never move a call backwards.
func (c CallResponse) progress() int {
	switch c {
	case CallInitiated:
		return 0
	case CallRinging:
		return 1
	case CallAnswered:
		return 2
	case CallAwaitingRepeat:
		return 3
	}
	return 4
}

func (c CallResponse) IsTerminal() bool {
	return c.progress() == 4
}

// Advances reports whether moving a call from c to next is forward progress.
func (c CallResponse) Advances(next CallResponse) bool {
	if c.IsTerminal() {
		return false
	}
	return next.progress() > c.progress() || (next == CallAwaitingRepeat && c == CallAwaitingRepeat)
}
