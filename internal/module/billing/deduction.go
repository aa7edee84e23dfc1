package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeductionService commits a token charge after a generation has been
// confirmed. Deductions are idempotent per transaction id: replaying the
// same id returns the original outcome without charging again.
type DeductionService struct {
	repo   Repository
	logger *zap.Logger
}

// NewDeductionService creates a new deduction service.
func NewDeductionService(repo Repository, logger *zap.Logger) *DeductionService {
	return &DeductionService{repo: repo, logger: logger}
}

// Deduct charges tokens from the subscription allowance when one is active,
// otherwise from purchased grants oldest-first. The charge amount must be
// the one the evaluator computed for this same request.
func (s *DeductionService) Deduct(ctx context.Context, req DeductionRequest) (*DeductionResult, error) {
	if req.TransactionID == "" {
		return nil, ErrMissingTransactionID
	}
	if req.Tokens <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTokenAmount, req.Tokens)
	}
	if !req.ContentType.IsValid() {
		return nil, ErrUnknownContentType
	}

	// Replay check before touching balances.
	if existing, err := s.repo.GetGrantByTransactionID(ctx, req.TransactionID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.replayResult(existing), nil
	}

	sub, err := s.repo.GetActiveSubscription(ctx, req.UserID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	if sub != nil {
		return s.deductFromSubscription(ctx, sub, req)
	}
	return s.deductFromGrants(ctx, req)
}

func (s *DeductionService) deductFromSubscription(ctx context.Context, sub *Subscription, req DeductionRequest) (*DeductionResult, error) {
	usage := s.usageEntry(req)
	usage.SubscriptionID = &sub.ID

	remaining, err := s.repo.DeductSubscriptionTokens(ctx, sub, req.Tokens, usage)
	switch {
	case errors.Is(err, ErrInsufficientTokens):
		return &DeductionResult{
			Success:         false,
			Reason:          ReasonInsufficientTokens,
			TokensRemaining: sub.TokensRemaining,
		}, nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		// Lost a race against a concurrent replay of the same transaction.
		return s.loadReplay(ctx, req.TransactionID)
	case err != nil:
		return nil, err
	}

	s.logger.Info("tokens deducted from subscription",
		zap.String("user_id", req.UserID.String()),
		zap.String("transaction_id", req.TransactionID),
		zap.Int64("tokens", req.Tokens),
		zap.Int64("remaining", remaining),
	)

	return &DeductionResult{
		Success:         true,
		Reason:          ReasonSubscriptionActive,
		FundingSource:   FundingSourceSubscription,
		TokensDeducted:  req.Tokens,
		TokensRemaining: remaining,
	}, nil
}

func (s *DeductionService) deductFromGrants(ctx context.Context, req DeductionRequest) (*DeductionResult, error) {
	usage := s.usageEntry(req)

	remaining, err := s.repo.ConsumeGrantsFIFO(ctx, req.UserID, req.Tokens, usage)
	switch {
	case errors.Is(err, ErrInsufficientTokens):
		return &DeductionResult{
			Success: false,
			Reason:  ReasonInsufficientTokens,
		}, nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return s.loadReplay(ctx, req.TransactionID)
	case err != nil:
		return nil, err
	}

	s.logger.Info("tokens deducted from purchased grants",
		zap.String("user_id", req.UserID.String()),
		zap.String("transaction_id", req.TransactionID),
		zap.Int64("tokens", req.Tokens),
		zap.Int64("remaining", remaining),
	)

	return &DeductionResult{
		Success:         true,
		Reason:          ReasonTokensAvailable,
		FundingSource:   FundingSourceTokens,
		TokensDeducted:  req.Tokens,
		TokensRemaining: remaining,
	}, nil
}

func (s *DeductionService) usageEntry(req DeductionRequest) *TokenGrant {
	transactionID := req.TransactionID
	contentType := req.ContentType
	return &TokenGrant{
		UserID:        req.UserID,
		Amount:        -req.Tokens,
		Type:          TransactionTypeUsage,
		TransactionID: &transactionID,
		ContentType:   &contentType,
	}
}

func (s *DeductionService) loadReplay(ctx context.Context, transactionID string) (*DeductionResult, error) {
	existing, err := s.repo.GetGrantByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("transaction %s vanished after duplicate key", transactionID)
	}
	return s.replayResult(existing), nil
}

func (s *DeductionService) replayResult(entry *TokenGrant) *DeductionResult {
	source := FundingSourceTokens
	if entry.SubscriptionID != nil {
		source = FundingSourceSubscription
	}
	return &DeductionResult{
		Success:          true,
		FundingSource:    source,
		TokensDeducted:   -entry.Amount,
		AlreadyProcessed: true,
	}
}
