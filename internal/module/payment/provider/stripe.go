package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/price"
	"github.com/stripe/stripe-go/v76/product"
	"github.com/stripe/stripe-go/v76/subscription"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	CallTimeout   time.Duration
}

// StripeProvider implements the Provider interface for Stripe. Outbound
// calls run behind a circuit breaker so a Stripe outage fails fast instead
// of tying up request handlers.
type StripeProvider struct {
	config  *StripeConfig
	breaker *gobreaker.CircuitBreaker[any]
	logger  *zap.Logger
}

// NewStripeProvider creates a new Stripe provider.
func NewStripeProvider(config *StripeConfig, logger *zap.Logger) *StripeProvider {
	stripe.Key = config.APIKey

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &StripeProvider{
		config:  config,
		breaker: breaker,
		logger:  logger,
	}
}

// Name returns the provider name.
func (p *StripeProvider) Name() string {
	return "stripe"
}

// execute runs a Stripe call through the breaker, mapping breaker rejection
// to ErrPaymentUnavailable.
func (p *StripeProvider) execute(fn func() (any, error)) (any, error) {
	result, err := p.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
		return nil, err
	}
	return result, nil
}

// --- Customer Management ---

func (p *StripeProvider) CreateCustomer(ctx context.Context, email, name string) (*Customer, error) {
	result, err := p.execute(func() (any, error) {
		params := &stripe.CustomerParams{
			Email: stripe.String(email),
		}
		if name != "" {
			params.Name = stripe.String(name)
		}
		params.Context = ctx
		return customer.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}

	c := result.(*stripe.Customer)
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

func (p *StripeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	result, err := p.execute(func() (any, error) {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		return customer.Get(customerID, params)
	})
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}

	c := result.(*stripe.Customer)
	return &Customer{ID: c.ID, Email: c.Email}, nil
}

// --- Subscriptions ---

// CreateSubscription opens the subscription with an incomplete first invoice
// so the frontend can confirm the payment with the returned client secret.
func (p *StripeProvider) CreateSubscription(ctx context.Context, customerID, priceID string, metadata map[string]string) (*Subscription, error) {
	result, err := p.execute(func() (any, error) {
		params := &stripe.SubscriptionParams{
			Customer: stripe.String(customerID),
			Items: []*stripe.SubscriptionItemsParams{
				{Price: stripe.String(priceID)},
			},
			PaymentBehavior: stripe.String("default_incomplete"),
			PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
				SaveDefaultPaymentMethod: stripe.String("on_subscription"),
			},
		}
		params.Context = ctx
		params.AddExpand("latest_invoice.payment_intent")
		if len(metadata) > 0 {
			params.Metadata = metadata
		}
		return subscription.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	return mapStripeSubscription(result.(*stripe.Subscription)), nil
}

func (p *StripeProvider) CancelSubscriptionAtPeriodEnd(ctx context.Context, subscriptionID string) (*Subscription, error) {
	result, err := p.execute(func() (any, error) {
		params := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.Context = ctx
		return subscription.Update(subscriptionID, params)
	})
	if err != nil {
		return nil, fmt.Errorf("cancel subscription: %w", err)
	}

	return mapStripeSubscription(result.(*stripe.Subscription)), nil
}

// --- Checkout ---

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, customerEmail string, amountCents int64, currency string, metadata map[string]string) (*CheckoutSession, error) {
	result, err := p.execute(func() (any, error) {
		params := &stripe.CheckoutSessionParams{
			Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
			SuccessURL: stripe.String(p.config.SuccessURL),
			CancelURL:  stripe.String(p.config.CancelURL),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{
					PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
						Currency:   stripe.String(currency),
						UnitAmount: stripe.Int64(amountCents),
						ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
							Name: stripe.String("Token pack"),
						},
					},
					Quantity: stripe.Int64(1),
				},
			},
		}
		params.Context = ctx
		if customerEmail != "" {
			params.CustomerEmail = stripe.String(customerEmail)
		}
		if len(metadata) > 0 {
			params.Metadata = metadata
		}
		return session.New(params)
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	s := result.(*stripe.CheckoutSession)
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// --- Catalog Sync ---

// CreateRecurringPrice creates a product with a monthly recurring price.
func (p *StripeProvider) CreateRecurringPrice(ctx context.Context, productName string, amountCents int64, currency string) (*Price, error) {
	result, err := p.execute(func() (any, error) {
		productParams := &stripe.ProductParams{
			Name: stripe.String(productName),
		}
		productParams.Context = ctx
		prod, err := product.New(productParams)
		if err != nil {
			return nil, fmt.Errorf("create product: %w", err)
		}

		priceParams := &stripe.PriceParams{
			Product:    stripe.String(prod.ID),
			UnitAmount: stripe.Int64(amountCents),
			Currency:   stripe.String(currency),
			Recurring: &stripe.PriceRecurringParams{
				Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
			},
		}
		priceParams.Context = ctx
		return price.New(priceParams)
	})
	if err != nil {
		return nil, fmt.Errorf("create recurring price: %w", err)
	}

	pr := result.(*stripe.Price)
	out := &Price{ID: pr.ID}
	if pr.Product != nil {
		out.ProductID = pr.Product.ID
	}
	return out, nil
}

// --- Webhooks ---

// VerifyWebhookSignature checks the payload against the endpoint secret.
// Signature checks never go through the breaker: they are local HMAC work.
func (p *StripeProvider) VerifyWebhookSignature(payload []byte, signature string) error {
	_, err := webhook.ConstructEvent(payload, signature, p.config.WebhookSecret)
	return err
}

// --- Helpers ---

func mapStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.LatestInvoice != nil && sub.LatestInvoice.PaymentIntent != nil {
		out.ClientSecret = sub.LatestInvoice.PaymentIntent.ClientSecret
	}
	return out
}
