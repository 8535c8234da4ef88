package sessionguard

import "strings"

// State is the outcome of evaluating the admin route guard.
type State string

const (
	StateLoading        State = "loading"
	StateNotLoggedIn    State = "not_logged_in"
	StateNotAdmin       State = "not_admin"
	StateNo2FARecord    State = "no_2fa_record"
	StateNotProvisioned State = "not_provisioned"
	StateBlocked        State = "blocked"
	StateNeeds2FA       State = "needs_2fa"
	StateAuthorized     State = "authorized"
)

// Inputs is everything the guard looks at for one evaluation.
type Inputs struct {
	Loading     bool
	LoggedIn    bool
	IsAdmin     bool
	HasRecord   bool
	Provisioned bool
	Blocked     bool
	Elevated    bool
}

// Evaluate returns the first failing state in priority order, or
// StateAuthorized.
func Evaluate(in Inputs) State {
	switch {
	case in.Loading:
		return StateLoading
	case !in.LoggedIn:
		return StateNotLoggedIn
	case !in.IsAdmin:
		return StateNotAdmin
	case !in.HasRecord:
		return StateNo2FARecord
	case !in.Provisioned:
		return StateNotProvisioned
	case in.Blocked:
		return StateBlocked
	case !in.Elevated:
		return StateNeeds2FA
	}
	return StateAuthorized
}

// Allowed reports whether s grants access to protected routes.
func (s State) Allowed() bool { return s == StateAuthorized }

// LockRoutes are never guarded, so a locked user can always reach them.
var LockRoutes = []string{"/admin/lock", "/api/admin/session/lock"}

// Exempt reports whether path is a lock route.
func Exempt(path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, r := range LockRoutes {
		if path == r {
			return true
		}
	}
	return false
}
