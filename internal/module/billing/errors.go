package billing

import "errors"

// Module errors.
var (
	ErrPlanNotFound         = errors.New("plan not found")
	ErrPlanNotActive        = errors.New("plan is not active")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("active subscription already exists")
	ErrSubscriptionCanceled = errors.New("subscription already canceled")
	ErrInsufficientTokens   = errors.New("insufficient tokens")
	ErrUnknownContentType   = errors.New("unknown content type")
	ErrMissingTransactionID = errors.New("transaction id required")
	ErrInvalidTokenAmount   = errors.New("token amount must be positive")
	ErrPermissionNotFound   = errors.New("generation permission not found")
)
