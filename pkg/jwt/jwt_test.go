package jwt

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("test-secret", "kindnessconnect", time.Hour)
	require.NoError(t, err)
	return m
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager("", "issuer", time.Hour)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestGenerateAndValidate(t *testing.T) {
	m := newTestManager(t)

	token, err := m.GenerateToken("uid-1", "a@example.com", true, "donor")
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "uid-1", claims.UserID)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.True(t, claims.EmailVerified)
	assert.Equal(t, "donor", claims.Role)
	assert.Equal(t, "kindnessconnect", claims.Issuer)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	other, err := NewManager("other-secret", "kindnessconnect", time.Hour)
	require.NoError(t, err)
	token, err := other.GenerateToken("uid-1", "a@example.com", true, "")
	require.NoError(t, err)

	_, err = newTestManager(t).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	other, err := NewManager("test-secret", "someone-else", time.Hour)
	require.NoError(t, err)
	token, err := other.GenerateToken("uid-1", "a@example.com", true, "")
	require.NoError(t, err)

	_, err = newTestManager(t).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	claims := &Claims{UserID: "uid-1", RegisteredClaims: gojwt.RegisteredClaims{Issuer: "kindnessconnect"}}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodNone, claims).SignedString(gojwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = newTestManager(t).ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateExpired(t *testing.T) {
	m := newTestManager(t)
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := m.GenerateToken("uid-1", "a@example.com", true, "")
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestRevocation(t *testing.T) {
	m := newTestManager(t)
	base := time.Now()
	m.now = func() time.Time { return base }

	token, err := m.GenerateToken("uid-1", "a@example.com", true, "")
	require.NoError(t, err)

	m.RevokeUserTokens("uid-1")
	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrRevokedToken)

	// A token minted after the logout is valid again.
	m.now = func() time.Time { return base.Add(2 * time.Second) }
	fresh, err := m.GenerateToken("uid-1", "a@example.com", true, "")
	require.NoError(t, err)
	_, err = m.ValidateToken(fresh)
	assert.NoError(t, err)
}

func TestCleanupExpiredRevocations(t *testing.T) {
	m := newTestManager(t)
	base := time.Now()
	m.now = func() time.Time { return base }
	m.RevokeUserTokens("uid-1")

	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	m.CleanupExpiredRevocations()

	assert.False(t, m.IsRevoked("uid-1", nil))
}
