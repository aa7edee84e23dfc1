package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/herbbie/server/internal/module/user"
	"go.uber.org/zap"
)

// Evaluator decides whether a user may generate a piece of content and at
// what token cost. It only reads; charging happens in the DeductionService
// once generation is confirmed.
type Evaluator struct {
	profiles     user.Repository
	repo         Repository
	defaultCosts map[string]int
	logger       *zap.Logger
}

// NewEvaluator creates a new permission evaluator.
func NewEvaluator(profiles user.Repository, repo Repository, defaultCosts map[string]int, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		profiles:     profiles,
		repo:         repo,
		defaultCosts: defaultCosts,
		logger:       logger,
	}
}

// Evaluate checks funding sources in priority order: role bypass, active
// subscription allowance, purchased token grants, legacy one-off permission.
// The first matching source wins; an underfunded subscription denies the
// request rather than falling through to grants.
func (e *Evaluator) Evaluate(ctx context.Context, userID uuid.UUID, contentType ContentType, opts CostOptions) (*PermissionResult, error) {
	if userID == uuid.Nil || !contentType.IsValid() {
		return &PermissionResult{Allowed: false, Reason: ReasonMissingParameters}, nil
	}

	profile, err := e.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrProfileNotFound) {
			e.logger.Warn("permission check for unknown profile",
				zap.String("user_id", userID.String()),
			)
			return &PermissionResult{Allowed: false, Reason: ReasonProfileError}, nil
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}

	// Role bypass: admins and free-tier accounts generate without charge.
	switch profile.Role {
	case user.RoleAdmin:
		return &PermissionResult{Allowed: true, Reason: ReasonAdminAccess, FundingSource: FundingSourceNone}, nil
	case user.RoleFree:
		return &PermissionResult{Allowed: true, Reason: ReasonFreeAccess, FundingSource: FundingSourceNone}, nil
	}

	now := time.Now()

	// Active subscription allowance
	sub, err := e.repo.GetActiveSubscription(ctx, userID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub != nil && sub.PeriodCovers(now) && sub.Plan != nil {
		costType := CostContentType(contentType, opts)
		if base, ok := sub.Plan.CostFor(costType); ok {
			required := ComputeCost(contentType, base, opts)
			if sub.TokensRemaining >= int64(required) {
				return &PermissionResult{
					Allowed:         true,
					Reason:          ReasonSubscriptionActive,
					FundingSource:   FundingSourceSubscription,
					TokensRequired:  required,
					TokensRemaining: sub.TokensRemaining,
					Subscription:    sub,
				}, nil
			}
			return &PermissionResult{
				Allowed:         false,
				Reason:          ReasonInsufficientTokens,
				TokensRequired:  required,
				TokensRemaining: sub.TokensRemaining,
				Subscription:    sub,
			}, nil
		}
		// No cost row for this content type: the plan does not cover it,
		// fall through to purchased grants.
	}

	// Purchased token grants, priced with the flat estimate table since
	// plan-less users have no cost rows.
	balance, err := e.repo.PurchasedTokenBalance(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("load token balance: %w", err)
	}
	estimate := EstimateCost(e.defaultCosts, contentType, opts)
	if balance >= int64(estimate) {
		return &PermissionResult{
			Allowed:         true,
			Reason:          ReasonTokensAvailable,
			FundingSource:   FundingSourceTokens,
			TokensRequired:  estimate,
			TokensRemaining: balance,
		}, nil
	}

	// Legacy one-off purchase for this exact content type
	perm, err := e.repo.GetUsableLegacyPermission(ctx, userID, contentType)
	if err != nil && !errors.Is(err, ErrPermissionNotFound) {
		return nil, fmt.Errorf("load legacy permission: %w", err)
	}
	if perm != nil && perm.IsUsable() {
		return &PermissionResult{
			Allowed:       true,
			Reason:        ReasonLegacyPermission,
			FundingSource: FundingSourceLegacy,
		}, nil
	}

	return &PermissionResult{
		Allowed:         false,
		Reason:          ReasonPaymentRequired,
		TokensRequired:  estimate,
		TokensRemaining: balance,
	}, nil
}
