package jwt

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
	ErrMissingKey   = errors.New("signing secret is empty")
)

// Claims represents the identity token claims issued by the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	UserID        string `json:"user_id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role,omitempty"`
}

// Manager signs and validates HS256 identity tokens.
type Manager struct {
	secret   []byte
	issuer   string
	lifetime time.Duration

	// Revocations are process-local: a logout tears down sessions on this instance.
	revokedTokens map[string]time.Time
	mu            sync.RWMutex
	now           func() time.Time
}

// NewManager creates a new JWT manager.
func NewManager(secret, issuer string, lifetime time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	return &Manager{
		secret:        []byte(secret),
		issuer:        issuer,
		lifetime:      lifetime,
		revokedTokens: make(map[string]time.Time),
		now:           time.Now,
	}, nil
}

// GenerateToken issues a token for a user. Used by dev tooling and tests;
// production tokens come from the identity provider.
func (m *Manager) GenerateToken(userID, email string, emailVerified bool, role string) (string, error) {
	now := m.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.lifetime)),
		},
		UserID:        userID,
		Email:         email,
		EmailVerified: emailVerified,
		Role:          role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken validates a token and returns claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	if m.IsRevoked(claims.UserID, claims.IssuedAt) {
		return nil, ErrRevokedToken
	}

	return claims, nil
}

// RevokeUserTokens revokes every token issued to the user up to now.
func (m *Manager) RevokeUserTokens(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokedTokens[userID] = m.now()
}

// IsRevoked reports whether a token issued at issuedAt was revoked.
// Tokens issued after the revocation are accepted again.
func (m *Manager) IsRevoked(userID string, issuedAt *jwt.NumericDate) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	revokedAt, exists := m.revokedTokens[userID]
	if !exists {
		return false
	}
	if issuedAt == nil {
		return true
	}
	return !issuedAt.Time.After(revokedAt)
}

// CleanupExpiredRevocations drops revocations older than one token lifetime,
// since every token they could match has expired anyway.
func (m *Manager) CleanupExpiredRevocations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.lifetime)
	for userID, revokedAt := range m.revokedTokens {
		if revokedAt.Before(cutoff) {
			delete(m.revokedTokens, userID)
		}
	}
}
