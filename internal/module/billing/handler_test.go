package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/herbbie/server/internal/module/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerTest(profiles *mockProfiles, repo *mockBillingRepo) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(
		newTestEvaluator(profiles, repo),
		newTestDeductionService(repo),
		newTestService(repo, nil),
		nil,
	)
	r := gin.New()
	handler.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func postJSON(t *testing.T, r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCheckPermissionEndpoint(t *testing.T) {
	t.Run("business denial is a 200 with hasPermission false", func(t *testing.T) {
		profiles := newMockProfiles()
		repo := newMockBillingRepo()
		userID := profiles.add(user.RoleStandard)
		r := setupHandlerTest(profiles, repo)

		w := postJSON(t, r, "/api/v1/billing/check-permission",
			fmt.Sprintf(`{"userId": %q, "contentType": "histoire"}`, userID))

		assert.Equal(t, http.StatusOK, w.Code)
		var result PermissionResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.False(t, result.Allowed)
		assert.Equal(t, ReasonPaymentRequired, result.Reason)
	})

	t.Run("allowed check carries the computed cost", func(t *testing.T) {
		profiles := newMockProfiles()
		repo := newMockBillingRepo()
		userID := profiles.add(user.RoleStandard)
		repo.subs[userID] = activeSubscription(userID, testPlan(), 50)
		r := setupHandlerTest(profiles, repo)

		w := postJSON(t, r, "/api/v1/billing/check-permission",
			fmt.Sprintf(`{"userId": %q, "contentType": "animation", "selectedDuration": 120}`, userID))

		assert.Equal(t, http.StatusOK, w.Code)
		var result PermissionResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.True(t, result.Allowed)
		assert.Equal(t, 10, result.TokensRequired)
	})

	t.Run("malformed payload is a 400", func(t *testing.T) {
		r := setupHandlerTest(newMockProfiles(), newMockBillingRepo())

		w := postJSON(t, r, "/api/v1/billing/check-permission", `{"contentType": "histoire"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown content type is a 400", func(t *testing.T) {
		profiles := newMockProfiles()
		userID := profiles.add(user.RoleStandard)
		r := setupHandlerTest(profiles, newMockBillingRepo())

		w := postJSON(t, r, "/api/v1/billing/check-permission",
			fmt.Sprintf(`{"userId": %q, "contentType": "podcast"}`, userID))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown profile is a 500", func(t *testing.T) {
		r := setupHandlerTest(newMockProfiles(), newMockBillingRepo())

		w := postJSON(t, r, "/api/v1/billing/check-permission",
			fmt.Sprintf(`{"userId": %q, "contentType": "histoire"}`, uuid.New()))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestDeductTokensEndpoint(t *testing.T) {
	t.Run("successful deduction", func(t *testing.T) {
		profiles := newMockProfiles()
		repo := newMockBillingRepo()
		userID := profiles.add(user.RoleStandard)
		repo.subs[userID] = activeSubscription(userID, testPlan(), 10)
		r := setupHandlerTest(profiles, repo)

		w := postJSON(t, r, "/api/v1/billing/deduct-tokens",
			fmt.Sprintf(`{"userId": %q, "contentType": "histoire", "tokensUsed": 3, "transactionId": "tx-h-1"}`, userID))

		assert.Equal(t, http.StatusOK, w.Code)
		var result DeductionResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.True(t, result.Success)
		assert.Equal(t, int64(3), result.TokensDeducted)
		assert.Equal(t, int64(7), result.TokensRemaining)
	})

	t.Run("replay returns the original outcome with 200", func(t *testing.T) {
		profiles := newMockProfiles()
		repo := newMockBillingRepo()
		userID := profiles.add(user.RoleStandard)
		repo.subs[userID] = activeSubscription(userID, testPlan(), 10)
		r := setupHandlerTest(profiles, repo)

		body := fmt.Sprintf(`{"userId": %q, "contentType": "histoire", "tokensUsed": 3, "transactionId": "tx-h-2"}`, userID)
		first := postJSON(t, r, "/api/v1/billing/deduct-tokens", body)
		require.Equal(t, http.StatusOK, first.Code)

		second := postJSON(t, r, "/api/v1/billing/deduct-tokens", body)
		assert.Equal(t, http.StatusOK, second.Code)
		var result DeductionResult
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &result))
		assert.True(t, result.Success)
		assert.True(t, result.AlreadyProcessed)
		assert.Equal(t, int64(7), repo.subs[userID].TokensRemaining)
	})

	t.Run("insufficient balance is a 200 with success false", func(t *testing.T) {
		profiles := newMockProfiles()
		repo := newMockBillingRepo()
		userID := profiles.add(user.RoleStandard)
		repo.subs[userID] = activeSubscription(userID, testPlan(), 1)
		r := setupHandlerTest(profiles, repo)

		w := postJSON(t, r, "/api/v1/billing/deduct-tokens",
			fmt.Sprintf(`{"userId": %q, "contentType": "histoire", "tokensUsed": 3, "transactionId": "tx-h-3"}`, userID))

		assert.Equal(t, http.StatusOK, w.Code)
		var result DeductionResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.False(t, result.Success)
		assert.Equal(t, ReasonInsufficientTokens, result.Reason)
	})

	t.Run("negative token amount is a 400", func(t *testing.T) {
		profiles := newMockProfiles()
		userID := profiles.add(user.RoleStandard)
		r := setupHandlerTest(profiles, newMockBillingRepo())

		w := postJSON(t, r, "/api/v1/billing/deduct-tokens",
			fmt.Sprintf(`{"userId": %q, "contentType": "histoire", "tokensUsed": -3, "transactionId": "tx-neg"}`, userID))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing transaction id is a 400", func(t *testing.T) {
		profiles := newMockProfiles()
		userID := profiles.add(user.RoleStandard)
		r := setupHandlerTest(profiles, newMockBillingRepo())

		w := postJSON(t, r, "/api/v1/billing/deduct-tokens",
			fmt.Sprintf(`{"userId": %q, "contentType": "histoire", "tokensUsed": 3}`, userID))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestListPlansEndpoint(t *testing.T) {
	repo := newMockBillingRepo()
	plan := testPlan()
	repo.plans[plan.ID] = plan
	r := setupHandlerTest(newMockProfiles(), repo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/plans", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Plans []*Plan `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Plans, 1)
	assert.Equal(t, "decouverte", body.Plans[0].ID)
}
