package identity

import (
	"errors"
	"strings"
)

var (
	ErrAuthRequired     = errors.New("authentication required")
	ErrSessionLoading   = errors.New("session still loading")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrEmailNotVerified = errors.New("email not verified")
)

// Role is a closed set of platform roles.
type Role string

const (
	RoleUnknown Role = ""
	RoleDonor   Role = "donor"
	RoleAdmin   Role = "admin"
)

// ParseRole maps a stored role string onto the closed set.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleDonor:
		return RoleDonor
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

// User is the authenticated principal with its authoritative profile.
type User struct {
	UID      string
	FullName string
	Email    string
	Role     Role
}

// DisplayName is the name stamped on messages the user sends.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

// Session is the identity state a view mounts with. Loading is true
// until resolution finishes; User is nil when nobody is signed in.
type Session struct {
	User    *User
	Loading bool
}

// Authenticated wraps a resolved user.
func Authenticated(u User) Session {
	return Session{User: &u}
}

// Require returns the signed-in user or the reason there is none.
func (s Session) Require() (*User, error) {
	if s.Loading {
		return nil, ErrSessionLoading
	}
	if s.User == nil || s.User.UID == "" {
		return nil, ErrAuthRequired
	}
	return s.User, nil
}
