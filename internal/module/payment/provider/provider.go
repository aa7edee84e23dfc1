package provider

import (
	"context"
	"errors"
)

// ErrPaymentUnavailable is returned when the payment provider cannot be
// reached, including when the circuit breaker is open.
var ErrPaymentUnavailable = errors.New("payment provider unavailable")

// Customer represents a customer at the provider.
type Customer struct {
	ID    string
	Email string
}

// Subscription represents a subscription at the provider.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	CancelAtPeriodEnd  bool
	// ClientSecret is the payment intent secret the frontend needs to
	// confirm the first invoice. Empty once the subscription is active.
	ClientSecret string
}

// CheckoutSession represents a hosted checkout session for one-off purchases.
type CheckoutSession struct {
	ID  string
	URL string
}

// Price represents a recurring price at the provider.
type Price struct {
	ID        string
	ProductID string
}

// Provider defines the interface for payment providers.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Customer management
	CreateCustomer(ctx context.Context, email, name string) (*Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*Subscription, error)
	CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error)

	// One-off token purchases via hosted checkout
	CreateCheckoutSession(ctx context.Context, customerEmail string, amountCents int64, currency string, metadata map[string]string) (*CheckoutSession, error)

	// Catalog sync
	CreateRecurringPrice(ctx context.Context, productName string, amountCents int64, currency string) (*Price, error)

	// Webhooks
	VerifyWebhookSignature(payload []byte, signature string) error
}
