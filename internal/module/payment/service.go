package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/herbbie/server/internal/module/billing"
	"github.com/herbbie/server/internal/module/payment/provider"
	"github.com/herbbie/server/internal/module/user"
	"go.uber.org/zap"
)

// Config holds payment service configuration.
type Config struct {
	TokenPriceCents int64
	Currency        string
	CallTimeout     time.Duration
}

// Service orchestrates the payment provider and the billing core. It owns
// everything that talks to Stripe; the billing core only sees reconciled
// state.
type Service struct {
	provider provider.Provider
	billing  billing.ServiceInterface
	profiles user.Repository
	repo     Repository
	config   Config
	logger   *zap.Logger
}

// NewService creates a new payment service.
func NewService(
	p provider.Provider,
	billingService billing.ServiceInterface,
	profiles user.Repository,
	repo Repository,
	config Config,
	logger *zap.Logger,
) *Service {
	if config.Currency == "" {
		config.Currency = "eur"
	}
	return &Service{
		provider: p,
		billing:  billingService,
		profiles: profiles,
		repo:     repo,
		config:   config,
		logger:   logger,
	}
}

// callCtx bounds outbound provider calls so a slow Stripe response cannot
// hold a request handler past the configured timeout.
func (s *Service) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.CallTimeout)
}

// CreateSubscription opens a provider subscription for the plan and returns
// the client secret for the first payment. The local subscription record is
// created later, when the first invoice payment succeeds.
func (s *Service) CreateSubscription(ctx context.Context, userID uuid.UUID, planID string) (*SubscriptionCheckout, error) {
	plan, err := s.billing.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, billing.ErrPlanNotActive
	}
	if plan.StripePriceID == "" {
		return nil, fmt.Errorf("%w: plan %s has no provider price", ErrPlanNotPurchasable, planID)
	}

	if _, err := s.billing.GetSubscription(ctx, userID); err == nil {
		return nil, billing.ErrSubscriptionExists
	} else if !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, err
	}

	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := s.callCtx(ctx)
	defer cancel()

	customer, err := s.provider.CreateCustomer(callCtx, profile.Email, "")
	if err != nil {
		return nil, err
	}

	sub, err := s.provider.CreateSubscription(callCtx, customer.ID, plan.StripePriceID, map[string]string{
		"user_id": userID.String(),
		"plan_id": planID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("provider subscription opened",
		zap.String("user_id", userID.String()),
		zap.String("plan_id", planID),
		zap.String("subscription_id", sub.ID),
	)

	return &SubscriptionCheckout{
		SubscriptionID: sub.ID,
		ClientSecret:   sub.ClientSecret,
	}, nil
}

// CancelSubscription flags the subscription for cancellation at period end,
// provider first so a provider failure leaves local state untouched.
func (s *Service) CancelSubscription(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	sub, err := s.billing.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	if sub.StripeSubscriptionID != "" {
		callCtx, cancel := s.callCtx(ctx)
		defer cancel()

		if _, err := s.provider.CancelSubscriptionAtPeriodEnd(callCtx, sub.StripeSubscriptionID); err != nil {
			return nil, err
		}
	}

	return s.billing.MarkCancelAtPeriodEnd(ctx, userID)
}

// CreateTokenCheckout opens a hosted checkout for a token pack. Tokens are
// credited by the checkout.session.completed webhook, not here.
func (s *Service) CreateTokenCheckout(ctx context.Context, userID uuid.UUID, tokens int64) (*TokenCheckout, error) {
	if tokens <= 0 {
		return nil, ErrInvalidTokenAmount
	}

	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := s.callCtx(ctx)
	defer cancel()

	session, err := s.provider.CreateCheckoutSession(callCtx, profile.Email, tokens*s.config.TokenPriceCents, s.config.Currency, map[string]string{
		"user_id":       userID.String(),
		"tokens_amount": strconv.FormatInt(tokens, 10),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("token checkout opened",
		zap.String("user_id", userID.String()),
		zap.Int64("tokens", tokens),
		zap.String("session_id", session.ID),
	)

	return &TokenCheckout{
		SessionID:   session.ID,
		CheckoutURL: session.URL,
	}, nil
}

// SyncPlans creates provider prices for active plans that do not have one
// yet. Plans already synced are skipped.
func (s *Service) SyncPlans(ctx context.Context) (*PlanSyncResult, error) {
	plans, err := s.billing.ListPlans(ctx)
	if err != nil {
		return nil, err
	}

	result := &PlanSyncResult{}
	for _, plan := range plans {
		if plan.StripePriceID != "" || plan.PriceCents <= 0 {
			result.Skipped = append(result.Skipped, plan.ID)
			continue
		}

		callCtx, cancel := s.callCtx(ctx)
		price, err := s.provider.CreateRecurringPrice(callCtx, plan.Name, plan.PriceCents, s.config.Currency)
		cancel()
		if err != nil {
			return result, fmt.Errorf("sync plan %s: %w", plan.ID, err)
		}

		if err := s.billing.SetPlanPriceRef(ctx, plan.ID, price.ID); err != nil {
			return result, fmt.Errorf("store price ref for plan %s: %w", plan.ID, err)
		}

		s.logger.Info("plan synced with provider",
			zap.String("plan_id", plan.ID),
			zap.String("price_id", price.ID),
		)
		result.Synced = append(result.Synced, plan.ID)
	}

	return result, nil
}

// VerifyWebhookSignature checks a webhook payload signature.
func (s *Service) VerifyWebhookSignature(payload []byte, signature string) error {
	return s.provider.VerifyWebhookSignature(payload, signature)
}

// StoreWebhookEvent records an incoming event, reporting whether it is new.
func (s *Service) StoreWebhookEvent(ctx context.Context, eventID, eventType, payload string) (bool, error) {
	return s.repo.CreateWebhookEvent(ctx, &WebhookEvent{
		EventID:   eventID,
		Provider:  s.provider.Name(),
		EventType: eventType,
		Payload:   payload,
	})
}

// MarkWebhookEventProcessed records the processing outcome for an event.
func (s *Service) MarkWebhookEventProcessed(ctx context.Context, eventID string, processErr error) error {
	return s.repo.MarkWebhookEventProcessed(ctx, eventID, processErr)
}
