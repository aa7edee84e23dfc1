package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	manager := NewJWTManager(&JWTConfig{
		Secret:            "test-secret",
		AccessTokenExpiry: time.Hour,
		Issuer:            "herbbie",
	})

	userID := uuid.New()
	token, expiresAt, err := manager.GenerateAccessToken(userID, "parent@example.com")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := manager.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "parent@example.com", claims.Email)
}

func TestJWTWrongSecret(t *testing.T) {
	issuer := NewJWTManager(&JWTConfig{Secret: "secret-a", AccessTokenExpiry: time.Hour})
	validator := NewJWTManager(&JWTConfig{Secret: "secret-b", AccessTokenExpiry: time.Hour})

	token, _, err := issuer.GenerateAccessToken(uuid.New(), "parent@example.com")
	require.NoError(t, err)

	_, err = validator.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestJWTExpiredToken(t *testing.T) {
	manager := NewJWTManager(&JWTConfig{
		Secret:            "test-secret",
		AccessTokenExpiry: -time.Minute,
	})

	token, _, err := manager.GenerateAccessToken(uuid.New(), "parent@example.com")
	require.NoError(t, err)

	_, err = manager.ValidateAccessToken(token)
	assert.Error(t, err)
}

func TestJWTGarbageToken(t *testing.T) {
	manager := NewJWTManager(nil)

	_, err := manager.ValidateAccessToken("not-a-token")
	assert.Error(t, err)
}
