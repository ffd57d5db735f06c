package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/pkg/jwt"
	"github.com/ayemish/kindnessconnect/pkg/log"
	"github.com/ayemish/kindnessconnect/pkg/middleware"
)

// TokenVerifier validates identity tokens.
type TokenVerifier interface {
	ValidateToken(token string) (*jwt.Claims, error)
	RevokeUserTokens(userID string)
}

// ProfileFetcher loads the authoritative profile for a token's owner.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, token string) (*domain.UserProfile, error)
}

// Provider resolves bearer tokens into sessions.
type Provider struct {
	tokens          TokenVerifier
	profiles        ProfileFetcher
	requireVerified bool
}

// NewProvider creates a provider. With requireVerified, tokens whose
// email is not verified are refused the way the login page refuses them.
func NewProvider(tokens TokenVerifier, profiles ProfileFetcher, requireVerified bool) *Provider {
	return &Provider{
		tokens:          tokens,
		profiles:        profiles,
		requireVerified: requireVerified,
	}
}

// Resolve validates token and fetches the user's profile.
// A profile that cannot be fetched is treated as a forced logout.
func (p *Provider) Resolve(ctx context.Context, token string) (Session, error) {
	l := log.Ctx(ctx)

	if token == "" {
		return Session{}, ErrAuthRequired
	}

	claims, err := p.tokens.ValidateToken(token)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if p.requireVerified && !claims.EmailVerified {
		return Session{}, ErrEmailNotVerified
	}

	profile, err := p.profiles.GetProfile(ctx, token)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldUserID, claims.UserID).Msg("profile fetch failed, forcing logout")
		return Session{}, fmt.Errorf("%w: profile unavailable", ErrUnauthenticated)
	}
	if profile.UID != "" && profile.UID != claims.UserID {
		return Session{}, fmt.Errorf("%w: profile belongs to another user", ErrUnauthenticated)
	}

	email := profile.Email
	if email == "" {
		email = claims.Email
	}
	role := profile.Role
	if role == "" {
		role = claims.Role
	}

	return Authenticated(User{
		UID:      claims.UserID,
		FullName: profile.FullName,
		Email:    email,
		Role:     ParseRole(role),
	}), nil
}

// Logout revokes every token the user holds on this instance.
func (p *Provider) Logout(uid string) {
	p.tokens.RevokeUserTokens(uid)
}

// ValidateToken implements middleware.TokenValidator.
func (p *Provider) ValidateToken(ctx context.Context, token string) (*middleware.Identity, error) {
	s, err := p.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	u := s.User
	roles := []string{}
	if u.Role != RoleUnknown {
		roles = append(roles, string(u.Role))
	}
	return &middleware.Identity{
		UserID:   u.UID,
		Email:    u.Email,
		Username: u.FullName,
		Roles:    roles,
	}, nil
}

// FromIdentity rebuilds a session from the identity the auth middleware attached.
func FromIdentity(id *middleware.Identity) Session {
	if id == nil || id.UserID == "" {
		return Session{}
	}
	role := RoleUnknown
	for _, r := range id.Roles {
		if parsed := ParseRole(r); parsed != RoleUnknown {
			role = parsed
			break
		}
	}
	return Authenticated(User{
		UID:      id.UserID,
		FullName: id.Username,
		Email:    id.Email,
		Role:     role,
	})
}

// IsAuthError reports errors that should send the client to login.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthRequired) ||
		errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrEmailNotVerified)
}
