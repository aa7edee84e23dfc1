package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository defines the interface for billing data access.
type Repository interface {
	// Plan operations
	ListActivePlans(ctx context.Context) ([]*Plan, error)
	GetPlan(ctx context.Context, id string) (*Plan, error)
	SavePlan(ctx context.Context, plan *Plan) error

	// Subscription operations. The updates are column-scoped: none of them
	// touch the token columns, so a deduction committing between a read and
	// one of these writes cannot be overwritten.
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetActiveSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubID string) (*Subscription, error)
	SyncSubscriptionProviderState(ctx context.Context, id uuid.UUID, status SubscriptionStatus, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error
	SetSubscriptionStatus(ctx context.Context, id uuid.UUID, status SubscriptionStatus) error
	MarkSubscriptionCanceled(ctx context.Context, id uuid.UUID, canceledAt time.Time) error
	MarkSubscriptionCancelAtPeriodEnd(ctx context.Context, id uuid.UUID, canceledAt time.Time) error
	// ApplyRenewalRollover resets the period in a single UPDATE so the token
	// math composes with concurrent deductions. Returns the new allowance.
	ApplyRenewalRollover(ctx context.Context, id uuid.UUID, allocation int64) (int64, error)

	// Ledger operations
	CreateGrant(ctx context.Context, grant *TokenGrant) error
	GetGrantByTransactionID(ctx context.Context, transactionID string) (*TokenGrant, error)
	PurchasedTokenBalance(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)

	// Deduction operations. Both are atomic: concurrent calls can never
	// drive a balance negative.
	DeductSubscriptionTokens(ctx context.Context, sub *Subscription, tokens int64, usage *TokenGrant) (int64, error)
	ConsumeGrantsFIFO(ctx context.Context, userID uuid.UUID, tokens int64, usage *TokenGrant) (int64, error)

	// Legacy one-off permissions
	GetUsableLegacyPermission(ctx context.Context, userID uuid.UUID, contentType ContentType) (*GenerationPermission, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new billing repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// --- Plan Operations ---

func (r *repository) ListActivePlans(ctx context.Context) ([]*Plan, error) {
	var plans []*Plan
	err := r.db.WithContext(ctx).
		Preload("TokenCosts").
		Where("active = ?", true).
		Order("price_cents ASC").
		Find(&plans).Error
	if err != nil {
		return nil, fmt.Errorf("list active plans: %w", err)
	}
	return plans, nil
}

func (r *repository) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var plan Plan
	err := r.db.WithContext(ctx).
		Preload("TokenCosts").
		First(&plan, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &plan, nil
}

func (r *repository) SavePlan(ctx context.Context, plan *Plan) error {
	if err := r.db.WithContext(ctx).Save(plan).Error; err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// --- Subscription Operations ---

// CreateSubscription inserts a subscription row, rejecting the insert when
// the user already has an active one. The check and insert run in one
// transaction so two concurrent signups cannot both succeed.
func (r *repository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&Subscription{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND status = ?", sub.UserID, SubscriptionStatusActive).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("check active subscription: %w", err)
		}
		if count > 0 {
			return ErrSubscriptionExists
		}
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		return nil
	})
}

func (r *repository) GetActiveSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	var sub Subscription
	err := r.db.WithContext(ctx).
		Preload("Plan").
		Preload("Plan.TokenCosts").
		Where("user_id = ? AND status = ?", userID, SubscriptionStatusActive).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get active subscription: %w", err)
	}
	return &sub, nil
}

func (r *repository) GetSubscriptionByStripeID(ctx context.Context, stripeSubID string) (*Subscription, error) {
	var sub Subscription
	err := r.db.WithContext(ctx).
		Preload("Plan").
		Where("stripe_subscription_id = ?", stripeSubID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription by stripe id: %w", err)
	}
	return &sub, nil
}

func (r *repository) SyncSubscriptionProviderState(ctx context.Context, id uuid.UUID, status SubscriptionStatus, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	err := r.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":               status,
			"current_period_start": periodStart,
			"current_period_end":   periodEnd,
			"cancel_at_period_end": cancelAtPeriodEnd,
		}).Error
	if err != nil {
		return fmt.Errorf("sync subscription provider state: %w", err)
	}
	return nil
}

func (r *repository) SetSubscriptionStatus(ctx context.Context, id uuid.UUID, status SubscriptionStatus) error {
	err := r.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("id = ?", id).
		Update("status", status).Error
	if err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	return nil
}

func (r *repository) MarkSubscriptionCanceled(ctx context.Context, id uuid.UUID, canceledAt time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      SubscriptionStatusCanceled,
			"canceled_at": canceledAt,
		}).Error
	if err != nil {
		return fmt.Errorf("mark subscription canceled: %w", err)
	}
	return nil
}

func (r *repository) MarkSubscriptionCancelAtPeriodEnd(ctx context.Context, id uuid.UUID, canceledAt time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&Subscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"cancel_at_period_end": true,
			"canceled_at":          canceledAt,
		}).Error
	if err != nil {
		return fmt.Errorf("mark subscription cancel at period end: %w", err)
	}
	return nil
}

// ApplyRenewalRollover runs the rollover math inside the UPDATE, against the
// committed token columns. A deduction racing this write lands either fully
// before or fully after the rollover; neither ordering loses tokens.
func (r *repository) ApplyRenewalRollover(ctx context.Context, id uuid.UUID, allocation int64) (int64, error) {
	var remaining int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Subscription{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"tokens_remaining":        gorm.Expr("GREATEST(tokens_remaining - tokens_used_this_period + ?, 0)", allocation),
				"tokens_used_this_period": 0,
				"status":                  SubscriptionStatusActive,
			})
		if res.Error != nil {
			return fmt.Errorf("apply renewal rollover: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrSubscriptionNotFound
		}

		return tx.Model(&Subscription{}).
			Select("tokens_remaining").
			Where("id = ?", id).
			Scan(&remaining).Error
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// --- Ledger Operations ---

func (r *repository) CreateGrant(ctx context.Context, grant *TokenGrant) error {
	if err := r.db.WithContext(ctx).Create(grant).Error; err != nil {
		return fmt.Errorf("create token grant: %w", err)
	}
	return nil
}

func (r *repository) GetGrantByTransactionID(ctx context.Context, transactionID string) (*TokenGrant, error) {
	var grant TokenGrant
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get grant by transaction id: %w", err)
	}
	return &grant, nil
}

func (r *repository) PurchasedTokenBalance(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).
		Model(&TokenGrant{}).
		Select("COALESCE(SUM(tokens_amount), 0)").
		Where("user_id = ? AND transaction_type = ? AND used_at IS NULL AND (expires_at IS NULL OR expires_at > ?)",
			userID, TransactionTypePurchase, now).
		Scan(&balance).Error
	if err != nil {
		return 0, fmt.Errorf("purchased token balance: %w", err)
	}
	return balance, nil
}

// --- Deduction Operations ---

// DeductSubscriptionTokens charges tokens against the subscription allowance
// and appends the usage ledger entry in one transaction. The conditional
// UPDATE closes the race between two concurrent generations: whichever
// commits second finds tokens_remaining below the charge and matches no row.
func (r *repository) DeductSubscriptionTokens(ctx context.Context, sub *Subscription, tokens int64, usage *TokenGrant) (int64, error) {
	var remaining int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Subscription{}).
			Where("id = ? AND tokens_remaining >= ?", sub.ID, tokens).
			Updates(map[string]interface{}{
				"tokens_remaining":        gorm.Expr("tokens_remaining - ?", tokens),
				"tokens_used_this_period": gorm.Expr("tokens_used_this_period + ?", tokens),
			})
		if res.Error != nil {
			return fmt.Errorf("deduct subscription tokens: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientTokens
		}

		if err := tx.Create(usage).Error; err != nil {
			return fmt.Errorf("create usage entry: %w", err)
		}

		return tx.Model(&Subscription{}).
			Select("tokens_remaining").
			Where("id = ?", sub.ID).
			Scan(&remaining).Error
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// grantDebit is one planned mutation of a locked purchase grant.
type grantDebit struct {
	GrantID       uuid.UUID
	NewAmount     int64
	FullyConsumed bool
}

// planGrantConsumption walks grants in the given order (oldest first) and
// plans the debits covering the charge. All-or-nothing: a shortfall plans
// no debits at all.
func planGrantConsumption(grants []*TokenGrant, tokens int64) ([]grantDebit, error) {
	var available int64
	for _, g := range grants {
		available += g.Amount
	}
	if available < tokens {
		return nil, ErrInsufficientTokens
	}

	left := tokens
	debits := make([]grantDebit, 0, len(grants))
	for _, g := range grants {
		if left == 0 {
			break
		}
		if g.Amount <= left {
			left -= g.Amount
			debits = append(debits, grantDebit{GrantID: g.ID, NewAmount: 0, FullyConsumed: true})
		} else {
			debits = append(debits, grantDebit{GrantID: g.ID, NewAmount: g.Amount - left})
			left = 0
		}
	}
	return debits, nil
}

// ConsumeGrantsFIFO debits tokens from purchased grants, oldest first, and
// appends one aggregate usage entry. Grants are locked FOR UPDATE so a
// concurrent deduction waits instead of spending the same grant twice. If
// the spendable total is short the transaction rolls back untouched.
func (r *repository) ConsumeGrantsFIFO(ctx context.Context, userID uuid.UUID, tokens int64, usage *TokenGrant) (int64, error) {
	var remaining int64
	now := time.Now()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var grants []*TokenGrant
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND transaction_type = ? AND tokens_amount > 0 AND used_at IS NULL AND (expires_at IS NULL OR expires_at > ?)",
				userID, TransactionTypePurchase, now).
			Order("created_at ASC").
			Find(&grants).Error
		if err != nil {
			return fmt.Errorf("lock purchase grants: %w", err)
		}

		debits, err := planGrantConsumption(grants, tokens)
		if err != nil {
			return err
		}

		consumed := make([]string, 0, len(debits))
		for _, d := range debits {
			consumed = append(consumed, d.GrantID.String())
			updates := map[string]interface{}{"tokens_amount": d.NewAmount}
			if d.FullyConsumed {
				updates["used_at"] = now
			}
			err := tx.Model(&TokenGrant{}).
				Where("id = ?", d.GrantID).
				Updates(updates).Error
			if err != nil {
				return fmt.Errorf("consume grant: %w", err)
			}
		}

		usage.SourceGrantIDs = consumed
		if err := tx.Create(usage).Error; err != nil {
			return fmt.Errorf("create usage entry: %w", err)
		}

		var available int64
		for _, g := range grants {
			available += g.Amount
		}
		remaining = available - tokens
		return nil
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// --- Legacy Permissions ---

func (r *repository) GetUsableLegacyPermission(ctx context.Context, userID uuid.UUID, contentType ContentType) (*GenerationPermission, error) {
	var perm GenerationPermission
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND content_type = ? AND payment_status = ? AND is_active = ?",
			userID, contentType, "completed", true).
		Order("created_at DESC").
		First(&perm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPermissionNotFound
		}
		return nil, fmt.Errorf("get legacy permission: %w", err)
	}
	return &perm, nil
}
