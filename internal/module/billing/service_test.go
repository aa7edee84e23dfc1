package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockPlanCache implements PlanCache for testing.
type mockPlanCache struct {
	plans       []*Plan
	sets        int
	invalidated int
}

func (m *mockPlanCache) Get(_ context.Context) ([]*Plan, bool) {
	if m.plans == nil {
		return nil, false
	}
	return m.plans, true
}

func (m *mockPlanCache) Set(_ context.Context, plans []*Plan) {
	m.plans = plans
	m.sets++
}

func (m *mockPlanCache) Invalidate(_ context.Context) {
	m.plans = nil
	m.invalidated++
}

var _ PlanCache = (*mockPlanCache)(nil)

func newTestService(repo *mockBillingRepo, cache PlanCache) *Service {
	return NewService(repo, cache, 365*24*time.Hour, zap.NewNop())
}

func TestListPlansUsesCache(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	repo.plans[plan.ID] = plan
	cache := &mockPlanCache{}

	svc := newTestService(repo, cache)

	plans, err := svc.ListPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, 1, cache.sets)

	// Second call is served from the cache even if the table empties.
	delete(repo.plans, plan.ID)
	plans, err = svc.ListPlans(context.Background())
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestListPlansWithoutCache(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	repo.plans[plan.ID] = plan

	svc := newTestService(repo, nil)
	plans, err := svc.ListPlans(context.Background())
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestSetPlanPriceRefInvalidatesCache(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	repo.plans[plan.ID] = plan
	cache := &mockPlanCache{plans: []*Plan{plan}}

	svc := newTestService(repo, cache)
	require.NoError(t, svc.SetPlanPriceRef(context.Background(), plan.ID, "price_123"))

	assert.Equal(t, "price_123", repo.plans[plan.ID].StripePriceID)
	assert.Equal(t, 1, cache.invalidated)
}

func TestCreateSubscriptionRecord(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	repo.plans[plan.ID] = plan
	svc := newTestService(repo, nil)

	userID := uuid.New()
	now := time.Now()
	sub, err := svc.CreateSubscriptionRecord(context.Background(), CreateSubscriptionParams{
		UserID:               userID,
		PlanID:               plan.ID,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		PeriodStart:          now,
		PeriodEnd:            now.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, plan.MonthlyTokens, sub.TokensRemaining)
	assert.Equal(t, SubscriptionStatusActive, sub.Status)

	// A second active subscription for the same user is rejected.
	_, err = svc.CreateSubscriptionRecord(context.Background(), CreateSubscriptionParams{
		UserID:               userID,
		PlanID:               plan.ID,
		StripeSubscriptionID: "sub_2",
		PeriodStart:          now,
		PeriodEnd:            now.AddDate(0, 1, 0),
	})
	assert.ErrorIs(t, err, ErrSubscriptionExists)
}

func TestCreateSubscriptionRecordInactivePlan(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	plan.Active = false
	repo.plans[plan.ID] = plan
	svc := newTestService(repo, nil)

	_, err := svc.CreateSubscriptionRecord(context.Background(), CreateSubscriptionParams{
		UserID: uuid.New(),
		PlanID: plan.ID,
	})
	assert.ErrorIs(t, err, ErrPlanNotActive)
}

func TestApplyRenewalRollover(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	plan.MonthlyTokens = 150
	repo.plans[plan.ID] = plan

	userID := uuid.New()
	sub := activeSubscription(userID, plan, 10)
	sub.StripeSubscriptionID = "sub_renew"
	sub.TokensUsedThisPeriod = 40
	repo.subs[userID] = sub

	svc := newTestService(repo, nil)
	require.NoError(t, svc.ApplyRenewal(context.Background(), "sub_renew"))

	// 10 - 40 + 150 = 120
	assert.Equal(t, int64(120), sub.TokensRemaining)
	assert.Equal(t, int64(0), sub.TokensUsedThisPeriod)
	assert.Equal(t, SubscriptionStatusActive, sub.Status)

	// The renewal credit lands in the ledger.
	require.Len(t, repo.grantsCreated, 1)
	assert.Equal(t, TransactionTypeRenewal, repo.grantsCreated[0].Type)
	assert.Equal(t, int64(150), repo.grantsCreated[0].Amount)
}

func TestApplyRenewalClampsAtZero(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	plan.MonthlyTokens = 20
	repo.plans[plan.ID] = plan

	userID := uuid.New()
	sub := activeSubscription(userID, plan, 0)
	sub.StripeSubscriptionID = "sub_clamp"
	sub.TokensUsedThisPeriod = 500
	repo.subs[userID] = sub

	svc := newTestService(repo, nil)
	require.NoError(t, svc.ApplyRenewal(context.Background(), "sub_clamp"))

	assert.Equal(t, int64(0), sub.TokensRemaining)
}

func TestApplyRenewalReactivatesPastDue(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	repo.plans[plan.ID] = plan

	userID := uuid.New()
	sub := activeSubscription(userID, plan, 5)
	sub.Status = SubscriptionStatusPastDue
	sub.StripeSubscriptionID = "sub_recover"
	repo.subs[userID] = sub

	svc := newTestService(repo, nil)
	require.NoError(t, svc.ApplyRenewal(context.Background(), "sub_recover"))
	assert.Equal(t, SubscriptionStatusActive, sub.Status)
}

func TestGetBalance(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	userID := uuid.New()
	repo.subs[userID] = activeSubscription(userID, plan, 30)
	repo.balances[userID] = 12

	svc := newTestService(repo, nil)
	balance, err := svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance.SubscriptionTokens)
	assert.Equal(t, int64(12), balance.PurchasedTokens)
	assert.Equal(t, int64(42), balance.TotalTokens)
}

func TestGetBalanceWithoutSubscription(t *testing.T) {
	repo := newMockBillingRepo()
	userID := uuid.New()
	repo.balances[userID] = 7

	svc := newTestService(repo, nil)
	balance, err := svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.SubscriptionTokens)
	assert.Equal(t, int64(7), balance.TotalTokens)
}

func TestUpsertProviderSubscription(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	userID := uuid.New()
	sub := activeSubscription(userID, plan, 10)
	sub.StripeSubscriptionID = "sub_sync"
	sub.TokensUsedThisPeriod = 4
	repo.subs[userID] = sub

	svc := newTestService(repo, nil)
	periodStart := time.Unix(1700000000, 0)
	periodEnd := time.Unix(1702600000, 0)
	require.NoError(t, svc.UpsertProviderSubscription(context.Background(), "sub_sync",
		SubscriptionStatusPastDue, periodStart, periodEnd, true))

	assert.Equal(t, SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, periodStart, sub.CurrentPeriodStart)
	assert.Equal(t, periodEnd, sub.CurrentPeriodEnd)
	assert.True(t, sub.CancelAtPeriodEnd)

	// The token columns belong to the deduction path and stay untouched.
	assert.Equal(t, int64(10), sub.TokensRemaining)
	assert.Equal(t, int64(4), sub.TokensUsedThisPeriod)

	// Unknown refs are ignored.
	require.NoError(t, svc.UpsertProviderSubscription(context.Background(), "sub_unknown",
		SubscriptionStatusActive, periodStart, periodEnd, false))
}

func TestProviderWritesPreserveConcurrentDeductions(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	userID := uuid.New()
	sub := activeSubscription(userID, plan, 10)
	sub.StripeSubscriptionID = "sub_race"
	repo.subs[userID] = sub

	svc := newTestService(repo, nil)

	// A deduction commits between the webhook's read of the subscription and
	// its status write.
	sub.TokensRemaining = 7
	sub.TokensUsedThisPeriod = 3

	require.NoError(t, svc.MarkPastDue(context.Background(), "sub_race"))
	assert.Equal(t, SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, int64(7), sub.TokensRemaining)
	assert.Equal(t, int64(3), sub.TokensUsedThisPeriod)

	require.NoError(t, svc.CancelByProviderRef(context.Background(), "sub_race"))
	assert.Equal(t, int64(7), sub.TokensRemaining)
}

func TestCancelByProviderRef(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	userID := uuid.New()
	sub := activeSubscription(userID, plan, 30)
	sub.StripeSubscriptionID = "sub_cancel"
	repo.subs[userID] = sub

	svc := newTestService(repo, nil)
	require.NoError(t, svc.CancelByProviderRef(context.Background(), "sub_cancel"))
	assert.Equal(t, SubscriptionStatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)

	// Unknown refs and repeated deliveries are no-ops.
	require.NoError(t, svc.CancelByProviderRef(context.Background(), "sub_cancel"))
	require.NoError(t, svc.CancelByProviderRef(context.Background(), "sub_unknown"))
}

func TestAddPurchasedTokens(t *testing.T) {
	repo := newMockBillingRepo()
	svc := newTestService(repo, nil)

	userID := uuid.New()
	require.NoError(t, svc.AddPurchasedTokens(context.Background(), userID, 50, "pi_123"))

	require.Len(t, repo.grantsCreated, 1)
	grant := repo.grantsCreated[0]
	assert.Equal(t, TransactionTypePurchase, grant.Type)
	assert.Equal(t, int64(50), grant.Amount)
	require.NotNil(t, grant.ExpiresAt)
	assert.True(t, grant.ExpiresAt.After(time.Now().Add(364*24*time.Hour)))
	require.NotNil(t, grant.StripePaymentRef)
	assert.Equal(t, "pi_123", *grant.StripePaymentRef)
}
