package payment

import "errors"

var (
	// ErrPlanNotPurchasable is returned when a plan has no provider price.
	ErrPlanNotPurchasable = errors.New("plan is not purchasable")
	// ErrInvalidTokenAmount is returned for non-positive token purchases.
	ErrInvalidTokenAmount = errors.New("token amount must be positive")
	// ErrMissingMetadata is returned when a provider event lacks the
	// metadata needed to apply it.
	ErrMissingMetadata = errors.New("missing event metadata")
)
