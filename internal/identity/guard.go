package identity

// Capability is something a route needs from the session.
type Capability int

const (
	CapChat Capability = iota + 1
	CapAdmin
)

// Decision is the outcome of a route guard.
type Decision int

const (
	Allow Decision = iota
	// Wait means the session is still resolving; render a placeholder.
	Wait
	// DenyLogin sends the client to the login page.
	DenyLogin
	// DenyForbidden sends the client home.
	DenyForbidden
)

// Redirect paths for the deny decisions.
const (
	LoginPath = "/login"
	HomePath  = "/"
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Wait:
		return "wait"
	case DenyLogin:
		return "deny_login"
	case DenyForbidden:
		return "deny_forbidden"
	default:
		return "unknown"
	}
}

// RedirectTo is where a denied client goes, or "" when none applies.
func (d Decision) RedirectTo() string {
	switch d {
	case DenyLogin:
		return LoginPath
	case DenyForbidden:
		return HomePath
	default:
		return ""
	}
}

// Guard decides whether a session may use the required capabilities.
// Role checks are advisory; the backend enforces access.
func Guard(s Session, required ...Capability) Decision {
	if s.Loading {
		return Wait
	}
	if s.User == nil || s.User.UID == "" {
		return DenyLogin
	}
	for _, c := range required {
		if !s.User.Role.Has(c) {
			return DenyForbidden
		}
	}
	return Allow
}

// Has reports whether the role grants c. Any signed-in user may chat.
func (r Role) Has(c Capability) bool {
	switch c {
	case CapChat:
		return true
	case CapAdmin:
		return r == RoleAdmin
	default:
		return false
	}
}
