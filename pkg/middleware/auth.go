package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ayemish/kindnessconnect/pkg/log"
	"github.com/ayemish/kindnessconnect/pkg/response"
)

const (
	UserIDKey     = "user_id"
	EmailKey      = "email"
	UsernameKey   = "username"
	RolesKey      = "roles"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "

	// LoginPath is where unauthenticated clients are sent.
	LoginPath = "/login"
)

// ErrMissingToken is returned when no bearer token was presented.
var ErrMissingToken = errors.New("missing bearer token")

// Identity is the authenticated principal attached to a request.
type Identity struct {
	UserID   string
	Email    string
	Username string
	Roles    []string
}

// TokenValidator resolves a bearer token into an identity.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}

// AuthMiddleware validates bearer tokens with a TokenValidator.
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	if !strings.HasPrefix(header, BearerPrefix) {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// RequireAuth returns a Gin middleware that validates bearer tokens.
// Failures answer 401 with a redirect to the login page.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := BearerToken(c.GetHeader(AuthHeaderKey))
		if err != nil {
			response.Redirect(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization header", LoginPath)
			return
		}

		id, err := m.validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			l := log.Ctx(c.Request.Context())
			l.Info().Err(err).Msg("rejected bearer token")
			response.Redirect(c, http.StatusUnauthorized, "UNAUTHORIZED", "failed to validate token", LoginPath)
			return
		}

		c.Set(UserIDKey, id.UserID)
		c.Set(EmailKey, id.Email)
		c.Set(UsernameKey, id.Username)
		c.Set(RolesKey, id.Roles)

		c.Request = c.Request.WithContext(log.WithFields(c.Request.Context(), log.FieldUserID, id.UserID))

		c.Next()
	}
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GetUsername extracts username from Gin context.
func GetUsername(c *gin.Context) string {
	return c.GetString(UsernameKey)
}

// GetEmail extracts email from Gin context.
func GetEmail(c *gin.Context) string {
	return c.GetString(EmailKey)
}

// GetRoles extracts roles from Gin context.
func GetRoles(c *gin.Context) []string {
	return c.GetStringSlice(RolesKey)
}
