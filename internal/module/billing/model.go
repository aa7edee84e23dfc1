package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ContentType represents a generatable content type.
type ContentType string

const (
	ContentTypeAnimation ContentType = "animation"
	ContentTypeComic     ContentType = "bd"
	ContentTypeColoring  ContentType = "coloriage"
	ContentTypeStory     ContentType = "histoire"
	ContentTypeAudio     ContentType = "audio"
	ContentTypeRhyme     ContentType = "comptine"
)

// IsValid checks if the content type is known.
func (t ContentType) IsValid() bool {
	switch t {
	case ContentTypeAnimation, ContentTypeComic, ContentTypeColoring,
		ContentTypeStory, ContentTypeAudio, ContentTypeRhyme:
		return true
	default:
		return false
	}
}

// Plan represents a subscription plan.
type Plan struct {
	ID            string `json:"id" gorm:"primaryKey"`
	Name          string `json:"name" gorm:"not null"`
	PriceCents    int64  `json:"price_cents"` // Monthly price in cents
	MonthlyTokens int64  `json:"monthly_tokens" gorm:"not null"`
	StripePriceID string `json:"-"`
	Active        bool   `json:"active" gorm:"default:true"`
	DisplayOrder  int    `json:"display_order" gorm:"default:0"`

	TokenCosts []TokenCost `json:"token_costs,omitempty" gorm:"foreignKey:PlanID"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (Plan) TableName() string {
	return "subscription_plans"
}

// CostFor returns the base token cost for a content type, if the plan has one.
func (p *Plan) CostFor(contentType ContentType) (int, bool) {
	for _, tc := range p.TokenCosts {
		if tc.ContentType == contentType {
			return tc.TokensRequired, true
		}
	}
	return 0, false
}

// TokenCost maps (plan, content type) to a base token cost.
type TokenCost struct {
	ID             int64       `json:"id" gorm:"primaryKey;autoIncrement"`
	PlanID         string      `json:"plan_id" gorm:"uniqueIndex:idx_plan_content;not null"`
	ContentType    ContentType `json:"content_type" gorm:"uniqueIndex:idx_plan_content;not null"`
	TokensRequired int         `json:"tokens_required" gorm:"not null"`
	CreatedAt      time.Time   `json:"created_at"`
}

// TableName returns the database table name.
func (TokenCost) TableName() string {
	return "token_costs"
}

// SubscriptionStatus represents the status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Subscription represents a user's subscription to a plan.
// At most one active subscription exists per user at a time; canceled rows
// are retained for history.
type Subscription struct {
	ID                   uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID               uuid.UUID          `json:"user_id" gorm:"type:uuid;index;not null"`
	PlanID               string             `json:"plan_id" gorm:"not null"`
	Status               SubscriptionStatus `json:"status" gorm:"not null;default:active"`
	StripeCustomerID     string             `json:"-"`
	StripeSubscriptionID string             `json:"-" gorm:"uniqueIndex"`
	CurrentPeriodStart   time.Time          `json:"current_period_start"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	TokensRemaining      int64              `json:"tokens_remaining" gorm:"not null;default:0;check:tokens_remaining >= 0"`
	TokensUsedThisPeriod int64              `json:"tokens_used_this_period" gorm:"not null;default:0"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end" gorm:"default:false"`
	CanceledAt           *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`

	// Relations
	Plan *Plan `json:"plan,omitempty" gorm:"foreignKey:PlanID"`
}

// TableName returns the database table name.
func (Subscription) TableName() string {
	return "subscriptions"
}

// IsActive returns true if the subscription is active.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionStatusActive
}

// PeriodCovers returns true if the current billing period covers t.
func (s *Subscription) PeriodCovers(t time.Time) bool {
	return !t.Before(s.CurrentPeriodStart) && t.Before(s.CurrentPeriodEnd)
}

// TransactionType classifies a token ledger entry.
type TransactionType string

const (
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeUsage    TransactionType = "usage"
	TransactionTypeRenewal  TransactionType = "subscription_renewal"
)

// TokenGrant is an append-only token ledger entry. Positive amounts are
// credits, negative amounts are debits.
type TokenGrant struct {
	ID               uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID           uuid.UUID       `json:"user_id" gorm:"type:uuid;index;not null"`
	Amount           int64           `json:"amount" gorm:"column:tokens_amount;not null"`
	Type             TransactionType `json:"transaction_type" gorm:"column:transaction_type;not null"`
	SubscriptionID   *uuid.UUID      `json:"subscription_id,omitempty" gorm:"type:uuid"`
	StripePaymentRef *string         `json:"-" gorm:"column:stripe_payment_ref"`
	// TransactionID is the caller-supplied idempotency key for usage debits.
	// The unique index is what makes replayed deductions charge once.
	TransactionID  *string        `json:"transaction_id,omitempty" gorm:"uniqueIndex"`
	SourceGrantIDs pq.StringArray `json:"source_grant_ids,omitempty" gorm:"type:text[]"`
	ContentType    *ContentType   `json:"content_type,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	UsedAt         *time.Time     `json:"used_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// TableName returns the database table name.
func (TokenGrant) TableName() string {
	return "user_tokens"
}

// IsSpendable returns true if the grant still holds credit that can fund a
// deduction at time now. Renewal credits are tracked on the subscription row
// itself, so only purchase grants are spendable from the ledger.
func (g *TokenGrant) IsSpendable(now time.Time) bool {
	if g.Type != TransactionTypePurchase {
		return false
	}
	if g.Amount <= 0 || g.UsedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// GenerationPermission is a legacy one-off purchase record kept for users
// who bought single generations before the token system existed.
type GenerationPermission struct {
	ID            uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID        uuid.UUID   `json:"user_id" gorm:"type:uuid;index;not null"`
	ContentType   ContentType `json:"content_type" gorm:"not null"`
	PaymentStatus string      `json:"payment_status" gorm:"not null"`
	IsActive      bool        `json:"is_active" gorm:"default:true"`
	CreatedAt     time.Time   `json:"created_at"`
}

// TableName returns the database table name.
func (GenerationPermission) TableName() string {
	return "generation_permissions"
}

// IsUsable returns true if the legacy permission can still fund a generation.
func (p *GenerationPermission) IsUsable() bool {
	return p.PaymentStatus == "completed" && p.IsActive
}
