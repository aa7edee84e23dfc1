package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/herbbie/server/internal/module/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestDeductionService(repo *mockBillingRepo) *DeductionService {
	return NewDeductionService(repo, zap.NewNop())
}

func TestDeductValidation(t *testing.T) {
	svc := newTestDeductionService(newMockBillingRepo())

	_, err := svc.Deduct(context.Background(), DeductionRequest{
		UserID:      uuid.New(),
		ContentType: ContentTypeStory,
		Tokens:      3,
	})
	assert.ErrorIs(t, err, ErrMissingTransactionID)

	_, err = svc.Deduct(context.Background(), DeductionRequest{
		UserID:        uuid.New(),
		ContentType:   ContentTypeStory,
		Tokens:        0,
		TransactionID: "tx-1",
	})
	assert.ErrorIs(t, err, ErrInvalidTokenAmount)
	assert.NotErrorIs(t, err, ErrMissingTransactionID)

	_, err = svc.Deduct(context.Background(), DeductionRequest{
		UserID:        uuid.New(),
		ContentType:   ContentTypeStory,
		Tokens:        -2,
		TransactionID: "tx-1",
	})
	assert.ErrorIs(t, err, ErrInvalidTokenAmount)

	_, err = svc.Deduct(context.Background(), DeductionRequest{
		UserID:        uuid.New(),
		ContentType:   ContentType("podcast"),
		Tokens:        3,
		TransactionID: "tx-1",
	})
	assert.ErrorIs(t, err, ErrUnknownContentType)
}

func TestDeductFromSubscription(t *testing.T) {
	repo := newMockBillingRepo()
	userID := uuid.New()
	plan := testPlan()
	repo.subs[userID] = activeSubscription(userID, plan, 10)

	svc := newTestDeductionService(repo)
	result, err := svc.Deduct(context.Background(), DeductionRequest{
		UserID:        userID,
		ContentType:   ContentTypeStory,
		Tokens:        3,
		TransactionID: "tx-sub-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, FundingSourceSubscription, result.FundingSource)
	assert.Equal(t, int64(3), result.TokensDeducted)
	assert.Equal(t, int64(7), result.TokensRemaining)
	assert.False(t, result.AlreadyProcessed)

	// The usage debit carries the idempotency key and a negative amount.
	require.Len(t, repo.usageInserted, 1)
	usage := repo.usageInserted[0]
	assert.Equal(t, int64(-3), usage.Amount)
	assert.Equal(t, TransactionTypeUsage, usage.Type)
	require.NotNil(t, usage.TransactionID)
	assert.Equal(t, "tx-sub-1", *usage.TransactionID)
	require.NotNil(t, usage.SubscriptionID)
}

func TestDeductSubscriptionInsufficient(t *testing.T) {
	repo := newMockBillingRepo()
	userID := uuid.New()
	plan := testPlan()
	repo.subs[userID] = activeSubscription(userID, plan, 2)
	// Grants must not be touched while a subscription exists.
	repo.balances[userID] = 100

	svc := newTestDeductionService(repo)
	result, err := svc.Deduct(context.Background(), DeductionRequest{
		UserID:        userID,
		ContentType:   ContentTypeStory,
		Tokens:        3,
		TransactionID: "tx-short",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, ReasonInsufficientTokens, result.Reason)
	assert.Equal(t, int64(100), repo.balances[userID])
	assert.Empty(t, repo.usageInserted)
}

func TestDeductFromGrants(t *testing.T) {
	repo := newMockBillingRepo()
	userID := uuid.New()
	repo.balances[userID] = 8

	svc := newTestDeductionService(repo)
	result, err := svc.Deduct(context.Background(), DeductionRequest{
		UserID:        userID,
		ContentType:   ContentTypeComic,
		Tokens:        4,
		TransactionID: "tx-grant-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, FundingSourceTokens, result.FundingSource)
	assert.Equal(t, int64(4), result.TokensDeducted)
	assert.Equal(t, int64(4), result.TokensRemaining)
}

func TestDeductReplayReturnsOriginalOutcome(t *testing.T) {
	repo := newMockBillingRepo()
	userID := uuid.New()
	plan := testPlan()
	repo.subs[userID] = activeSubscription(userID, plan, 10)

	svc := newTestDeductionService(repo)
	req := DeductionRequest{
		UserID:        userID,
		ContentType:   ContentTypeStory,
		Tokens:        3,
		TransactionID: "tx-replay",
	}

	first, err := svc.Deduct(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, int64(7), repo.subs[userID].TokensRemaining)

	second, err := svc.Deduct(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, int64(3), second.TokensDeducted)
	assert.Equal(t, FundingSourceSubscription, second.FundingSource)

	// Balance charged exactly once.
	assert.Equal(t, int64(7), repo.subs[userID].TokensRemaining)
	assert.Len(t, repo.usageInserted, 1)
}

func TestDeductLostInsertRaceLoadsReplay(t *testing.T) {
	repo := newMockBillingRepo()
	userID := uuid.New()
	plan := testPlan()
	repo.subs[userID] = activeSubscription(userID, plan, 10)

	// The concurrent winner already recorded the debit.
	tx := "tx-race"
	repo.grantsByTx[tx] = &TokenGrant{
		UserID:         userID,
		Amount:         -3,
		Type:           TransactionTypeUsage,
		TransactionID:  &tx,
		SubscriptionID: &repo.subs[userID].ID,
	}
	repo.duplicateTx = true

	// Bypass the up-front replay check to exercise the duplicate-key path.
	svc := newTestDeductionService(repo)
	result, err := svc.deductFromSubscription(context.Background(), repo.subs[userID], DeductionRequest{
		UserID:        userID,
		ContentType:   ContentTypeStory,
		Tokens:        3,
		TransactionID: tx,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.AlreadyProcessed)
	assert.Equal(t, int64(3), result.TokensDeducted)
}

// Compile-time checks that the mocks satisfy the interfaces they stand in for.
var (
	_ Repository      = (*mockBillingRepo)(nil)
	_ user.Repository = (*mockProfiles)(nil)
)
