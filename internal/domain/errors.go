package domain

import "errors"

var (
	ErrInvalidAmount              = errors.New("invalid amount")
	ErrInvalidRequest             = errors.New("invalid request")
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrNotFound                   = errors.New("not found")
	ErrConflict                   = errors.New("conflict")
	ErrRetryLimitExceeded         = errors.New("call retry limit exceeded")
	ErrCallingDisabled            = errors.New("calling disabled for restaurant")
	ErrNoPhoneNumber              = errors.New("restaurant has no phone number")
	ErrPaymentDeclined            = errors.New("payment declined")
	ErrExternalServiceUnavailable = errors.New("external service unavailable")
	ErrUnsupportedPOS             = errors.New("unsupported pos integration")
)
