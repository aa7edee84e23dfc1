package billing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func purchaseGrant(amount int64) *TokenGrant {
	return &TokenGrant{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Amount: amount,
		Type:   TransactionTypePurchase,
	}
}

func TestPlanGrantConsumption(t *testing.T) {
	t.Run("oldest grant drained, next reduced in place", func(t *testing.T) {
		older := purchaseGrant(3)
		newer := purchaseGrant(5)

		debits, err := planGrantConsumption([]*TokenGrant{older, newer}, 4)
		require.NoError(t, err)
		require.Len(t, debits, 2)

		assert.Equal(t, older.ID, debits[0].GrantID)
		assert.True(t, debits[0].FullyConsumed)
		assert.Equal(t, int64(0), debits[0].NewAmount)

		assert.Equal(t, newer.ID, debits[1].GrantID)
		assert.False(t, debits[1].FullyConsumed)
		assert.Equal(t, int64(4), debits[1].NewAmount)
	})

	t.Run("exact charge stops at the first grant", func(t *testing.T) {
		older := purchaseGrant(3)
		newer := purchaseGrant(5)

		debits, err := planGrantConsumption([]*TokenGrant{older, newer}, 3)
		require.NoError(t, err)
		require.Len(t, debits, 1)
		assert.Equal(t, older.ID, debits[0].GrantID)
		assert.True(t, debits[0].FullyConsumed)
	})

	t.Run("charge draining every grant", func(t *testing.T) {
		debits, err := planGrantConsumption([]*TokenGrant{purchaseGrant(3), purchaseGrant(5)}, 8)
		require.NoError(t, err)
		require.Len(t, debits, 2)
		assert.True(t, debits[0].FullyConsumed)
		assert.True(t, debits[1].FullyConsumed)
	})

	t.Run("shortfall plans nothing", func(t *testing.T) {
		debits, err := planGrantConsumption([]*TokenGrant{purchaseGrant(3), purchaseGrant(5)}, 9)
		assert.ErrorIs(t, err, ErrInsufficientTokens)
		assert.Empty(t, debits)
	})

	t.Run("no grants at all", func(t *testing.T) {
		_, err := planGrantConsumption(nil, 1)
		assert.ErrorIs(t, err, ErrInsufficientTokens)
	})
}
