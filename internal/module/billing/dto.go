package billing

import "github.com/google/uuid"

// Reason explains a permission or deduction outcome.
type Reason string

const (
	ReasonAdminAccess        Reason = "admin_access"
	ReasonFreeAccess         Reason = "free_access"
	ReasonSubscriptionActive Reason = "subscription_active"
	ReasonTokensAvailable    Reason = "tokens_available"
	ReasonLegacyPermission   Reason = "legacy_permission"
	ReasonInsufficientTokens Reason = "insufficient_tokens"
	ReasonPaymentRequired    Reason = "payment_required"
	ReasonProfileError       Reason = "profile_error"
	ReasonMissingParameters  Reason = "missing_parameters"
)

// FundingSource identifies what pays for a generation.
type FundingSource string

const (
	FundingSourceNone         FundingSource = "none"
	FundingSourceSubscription FundingSource = "subscription"
	FundingSourceTokens       FundingSource = "tokens"
	FundingSourceLegacy       FundingSource = "legacy_permission"
)

// PermissionResult is the evaluator's verdict. Business rejections are
// results, not errors.
type PermissionResult struct {
	Allowed         bool          `json:"hasPermission"`
	Reason          Reason        `json:"reason"`
	FundingSource   FundingSource `json:"fundingSource,omitempty"`
	TokensRequired  int           `json:"tokensRequired,omitempty"`
	TokensRemaining int64         `json:"tokensRemaining,omitempty"`
	Subscription    *Subscription `json:"subscription,omitempty"`
}

// DeductionRequest describes one confirmed charge. TransactionID is the
// caller's idempotency key for the generation request.
type DeductionRequest struct {
	UserID        uuid.UUID
	ContentType   ContentType
	Tokens        int64
	TransactionID string
	Options       CostOptions
}

// DeductionResult reports the outcome of a deduction.
type DeductionResult struct {
	Success          bool          `json:"success"`
	Reason           Reason        `json:"reason,omitempty"`
	FundingSource    FundingSource `json:"type,omitempty"`
	TokensDeducted   int64         `json:"tokensDeducted"`
	TokensRemaining  int64         `json:"tokensRemaining"`
	AlreadyProcessed bool          `json:"alreadyProcessed,omitempty"`
}

// BalanceSummary aggregates a user's funding sources for display.
type BalanceSummary struct {
	SubscriptionTokens int64 `json:"subscription_tokens"`
	PurchasedTokens    int64 `json:"purchased_tokens"`
	TotalTokens        int64 `json:"total_tokens"`
}

// CheckPermissionRequest is the inbound payload for permission checks.
type CheckPermissionRequest struct {
	UserID           uuid.UUID `json:"userId" binding:"required"`
	UserEmail        string    `json:"userEmail"`
	ContentType      string    `json:"contentType" binding:"required"`
	SelectedDuration int       `json:"selectedDuration"`
	NumPages         int       `json:"numPages"`
	SelectedVoice    string    `json:"selectedVoice"`
}

// DeductTokensRequest is the inbound payload for token deductions.
type DeductTokensRequest struct {
	UserID           uuid.UUID `json:"userId" binding:"required"`
	ContentType      string    `json:"contentType" binding:"required"`
	TokensUsed       int64     `json:"tokensUsed" binding:"required"`
	TransactionID    string    `json:"transactionId" binding:"required"`
	SelectedDuration int       `json:"selectedDuration"`
	NumPages         int       `json:"numPages"`
	SelectedVoice    string    `json:"selectedVoice"`
}

// Options converts request parameters into cost options.
func (r *CheckPermissionRequest) Options() CostOptions {
	return CostOptions{
		DurationSeconds: r.SelectedDuration,
		Pages:           r.NumPages,
		VoiceSelected:   r.SelectedVoice != "",
	}
}

// Options converts request parameters into cost options.
func (r *DeductTokensRequest) Options() CostOptions {
	return CostOptions{
		DurationSeconds: r.SelectedDuration,
		Pages:           r.NumPages,
		VoiceSelected:   r.SelectedVoice != "",
	}
}
