package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PlanCache caches the active plan catalog. Implementations degrade
// gracefully: a miss or a cache error just means a database read.
type PlanCache interface {
	Get(ctx context.Context) ([]*Plan, bool)
	Set(ctx context.Context, plans []*Plan)
	Invalidate(ctx context.Context)
}

// CreateSubscriptionParams holds the fields needed to open a subscription
// record once the first payment has succeeded.
type CreateSubscriptionParams struct {
	UserID               uuid.UUID
	PlanID               string
	StripeCustomerID     string
	StripeSubscriptionID string
	PeriodStart          time.Time
	PeriodEnd            time.Time
}

// ServiceInterface defines the billing service interface.
type ServiceInterface interface {
	// Plan catalog
	ListPlans(ctx context.Context) ([]*Plan, error)
	GetPlan(ctx context.Context, planID string) (*Plan, error)
	SetPlanPriceRef(ctx context.Context, planID, priceRef string) error

	// Subscription record
	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	CreateSubscriptionRecord(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)
	MarkCancelAtPeriodEnd(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// Balance
	GetBalance(ctx context.Context, userID uuid.UUID) (*BalanceSummary, error)

	// Provider reconciliation mutations
	UpsertProviderSubscription(ctx context.Context, ref string, status SubscriptionStatus, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error
	ApplyRenewal(ctx context.Context, ref string) error
	MarkPastDue(ctx context.Context, ref string) error
	CancelByProviderRef(ctx context.Context, ref string) error
	AddPurchasedTokens(ctx context.Context, userID uuid.UUID, tokens int64, paymentRef string) error
}

// Service implements billing catalog and subscription record operations.
type Service struct {
	repo        Repository
	planCache   PlanCache
	grantExpiry time.Duration
	logger      *zap.Logger
}

// NewService creates a new billing service. planCache may be nil when Redis
// is unavailable.
func NewService(repo Repository, planCache PlanCache, grantExpiry time.Duration, logger *zap.Logger) *Service {
	return &Service{
		repo:        repo,
		planCache:   planCache,
		grantExpiry: grantExpiry,
		logger:      logger,
	}
}

// --- Plan Catalog ---

func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	if s.planCache != nil {
		if plans, ok := s.planCache.Get(ctx); ok {
			return plans, nil
		}
	}

	plans, err := s.repo.ListActivePlans(ctx)
	if err != nil {
		return nil, err
	}

	if s.planCache != nil {
		s.planCache.Set(ctx, plans)
	}
	return plans, nil
}

func (s *Service) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	return s.repo.GetPlan(ctx, planID)
}

// SetPlanPriceRef stores the payment provider's price id for a plan and
// drops the cached catalog.
func (s *Service) SetPlanPriceRef(ctx context.Context, planID, priceRef string) error {
	plan, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	plan.StripePriceID = priceRef
	if err := s.repo.SavePlan(ctx, plan); err != nil {
		return err
	}
	if s.planCache != nil {
		s.planCache.Invalidate(ctx)
	}
	return nil
}

// --- Subscription Record ---

func (s *Service) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return s.repo.GetActiveSubscription(ctx, userID)
}

// CreateSubscriptionRecord opens the local subscription row with the plan's
// full token allocation. The repository enforces the one-active-subscription
// invariant.
func (s *Service) CreateSubscriptionRecord(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	plan, err := s.repo.GetPlan(ctx, params.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, ErrPlanNotActive
	}

	sub := &Subscription{
		ID:                   uuid.New(),
		UserID:               params.UserID,
		PlanID:               params.PlanID,
		Status:               SubscriptionStatusActive,
		StripeCustomerID:     params.StripeCustomerID,
		StripeSubscriptionID: params.StripeSubscriptionID,
		CurrentPeriodStart:   params.PeriodStart,
		CurrentPeriodEnd:     params.PeriodEnd,
		TokensRemaining:      plan.MonthlyTokens,
	}

	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("subscription record created",
		zap.String("user_id", params.UserID.String()),
		zap.String("plan_id", params.PlanID),
		zap.Int64("tokens", plan.MonthlyTokens),
	)

	sub.Plan = plan
	return sub, nil
}

func (s *Service) MarkCancelAtPeriodEnd(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	sub, err := s.repo.GetActiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.CancelAtPeriodEnd {
		return sub, nil
	}

	now := time.Now()
	if err := s.repo.MarkSubscriptionCancelAtPeriodEnd(ctx, sub.ID, now); err != nil {
		return nil, err
	}
	sub.CancelAtPeriodEnd = true
	sub.CanceledAt = &now
	return sub, nil
}

// --- Balance ---

func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*BalanceSummary, error) {
	summary := &BalanceSummary{}

	sub, err := s.repo.GetActiveSubscription(ctx, userID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	if sub != nil {
		summary.SubscriptionTokens = sub.TokensRemaining
	}

	purchased, err := s.repo.PurchasedTokenBalance(ctx, userID, time.Now())
	if err != nil {
		return nil, err
	}
	summary.PurchasedTokens = purchased
	summary.TotalTokens = summary.SubscriptionTokens + purchased

	return summary, nil
}

// --- Provider Reconciliation ---

// UpsertProviderSubscription syncs status, period bounds and the
// cancel-at-period-end flag from the provider, keyed by its subscription
// ref. Unknown refs are ignored: the local row is created by checkout
// fulfillment, not by lifecycle events.
func (s *Service) UpsertProviderSubscription(ctx context.Context, ref string, status SubscriptionStatus, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	sub, err := s.repo.GetSubscriptionByStripeID(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			s.logger.Warn("provider subscription update for unknown ref",
				zap.String("ref", ref),
			)
			return nil
		}
		return err
	}

	return s.repo.SyncSubscriptionProviderState(ctx, sub.ID, status, periodStart, periodEnd, cancelAtPeriodEnd)
}

// ApplyRenewal rolls the subscription into its next period: the new
// allowance is (remaining - used) + the plan allocation, clamped at zero,
// usage resets and a renewal credit lands in the ledger.
func (s *Service) ApplyRenewal(ctx context.Context, ref string) error {
	sub, err := s.repo.GetSubscriptionByStripeID(ctx, ref)
	if err != nil {
		return err
	}

	plan := sub.Plan
	if plan == nil {
		plan, err = s.repo.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}
	}

	newRemaining, err := s.repo.ApplyRenewalRollover(ctx, sub.ID, plan.MonthlyTokens)
	if err != nil {
		return err
	}

	grant := &TokenGrant{
		UserID:         sub.UserID,
		Amount:         plan.MonthlyTokens,
		Type:           TransactionTypeRenewal,
		SubscriptionID: &sub.ID,
	}
	if err := s.repo.CreateGrant(ctx, grant); err != nil {
		return fmt.Errorf("record renewal credit: %w", err)
	}

	s.logger.Info("subscription renewed",
		zap.String("ref", ref),
		zap.String("user_id", sub.UserID.String()),
		zap.Int64("tokens_remaining", newRemaining),
	)
	return nil
}

func (s *Service) MarkPastDue(ctx context.Context, ref string) error {
	sub, err := s.repo.GetSubscriptionByStripeID(ctx, ref)
	if err != nil {
		return err
	}
	return s.repo.SetSubscriptionStatus(ctx, sub.ID, SubscriptionStatusPastDue)
}

func (s *Service) CancelByProviderRef(ctx context.Context, ref string) error {
	sub, err := s.repo.GetSubscriptionByStripeID(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}
	if sub.Status == SubscriptionStatusCanceled {
		return nil
	}

	return s.repo.MarkSubscriptionCanceled(ctx, sub.ID, time.Now())
}

// AddPurchasedTokens credits a one-off token purchase with the configured
// expiry.
func (s *Service) AddPurchasedTokens(ctx context.Context, userID uuid.UUID, tokens int64, paymentRef string) error {
	expiresAt := time.Now().Add(s.grantExpiry)
	grant := &TokenGrant{
		UserID:           userID,
		Amount:           tokens,
		Type:             TransactionTypePurchase,
		StripePaymentRef: &paymentRef,
		ExpiresAt:        &expiresAt,
	}
	if err := s.repo.CreateGrant(ctx, grant); err != nil {
		return err
	}

	s.logger.Info("token purchase credited",
		zap.String("user_id", userID.String()),
		zap.Int64("tokens", tokens),
		zap.String("payment_ref", paymentRef),
	)
	return nil
}
