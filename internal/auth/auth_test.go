package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipwatch/internal/config"
)

func TestAuthenticate(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{
		Enabled:   true,
		Username:  "operator",
		Password:  "hunter2",
		JWTSecret: "test-secret",
		JWTExpiry: time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, a.IsEnabled())

	token, exp, err := a.Authenticate("operator", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), exp, 5)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username)

	_, _, err = a.Authenticate("operator", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Authenticate("admin", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateWithBcryptHash(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	a, err := NewAuthenticator(config.AuthConfig{Enabled: true, Password: hash})
	require.NoError(t, err)

	_, _, err = a.Authenticate("admin", "hunter2")
	assert.NoError(t, err)
}

func TestAuthenticateDisabled(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{Password: "x"})
	require.NoError(t, err)
	assert.False(t, a.IsEnabled())

	_, _, err = a.Authenticate("admin", "x")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}

func TestValidateToken(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)

	_, err := m.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewJWTManager("other-secret", time.Hour)
	token, _, err := other.GenerateToken("admin")
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := &JWTManager{secretKey: []byte("secret"), expiry: -time.Minute}
	token, _, err = expired.GenerateToken("admin")
	require.NoError(t, err)
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
