package payment

// CreateSubscriptionRequest starts a subscription checkout for a plan.
type CreateSubscriptionRequest struct {
	PlanID string `json:"planId" binding:"required"`
}

// SubscriptionCheckout carries what the frontend needs to confirm the
// first subscription payment.
type SubscriptionCheckout struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientSecret   string `json:"clientSecret"`
}

// CreateTokenCheckoutRequest starts a hosted checkout for a token pack.
type CreateTokenCheckoutRequest struct {
	Tokens int64 `json:"tokens" binding:"required"`
}

// TokenCheckout carries the hosted checkout redirect for a token purchase.
type TokenCheckout struct {
	SessionID   string `json:"sessionId"`
	CheckoutURL string `json:"checkoutUrl"`
}

// PlanSyncResult reports the outcome of a catalog sync with the provider.
type PlanSyncResult struct {
	Synced  []string `json:"synced"`
	Skipped []string `json:"skipped"`
}
