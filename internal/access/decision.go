package access

import (
	"fmt"
	"strings"

	"github.com/tyemirov/roleguard/internal/roles"
)

// State is the outcome of a gate evaluation.
type State int

const (
	// StateChecking means auth or roles are still loading; nothing is rendered.
	StateChecking State = iota
	// StateDenied means the fallback (if any) is rendered.
	StateDenied
	// StateGranted means the guarded content is rendered.
	StateGranted
)

func (state State) String() string {
	switch state {
	case StateChecking:
		return "checking"
	case StateDenied:
		return "denied"
	case StateGranted:
		return "granted"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (state State) MarshalText() ([]byte, error) {
	return []byte(state.String()), nil
}

// Fallback names the built-in affordance shown for a denial.
type Fallback string

const (
	FallbackNone             Fallback = "none"
	FallbackSignIn           Fallback = "sign_in"
	FallbackAccessRestricted Fallback = "access_restricted"
)

const signInMessage = "Sign in to continue"

// RoleState is the role information a gate evaluates.
type RoleState struct {
	Roles   []roles.Role
	Loading bool
}

// RoleStateFromView adapts a query view.
func RoleStateFromView(view roles.View) RoleState {
	return RoleState{Roles: view.Roles, Loading: view.IsLoading}
}

// Decision is what a presentation layer needs to render a gate.
type Decision struct {
	State         State        `json:"state"`
	Fallback      Fallback     `json:"fallback,omitempty"`
	RequiredRoles []roles.Role `json:"required_roles,omitempty"`
	Message       string       `json:"message,omitempty"`
}

// Granted reports whether guarded content may be shown.
func (decision Decision) Granted() bool {
	return decision.State == StateGranted
}

// ResolveAccess evaluates a gate. With no required roles it behaves as an auth gate;
// otherwise as a role gate that needs any one of required.
func ResolveAccess(auth roles.AuthState, roleState RoleState, required []roles.Role) Decision {
	if len(required) == 0 {
		return resolveAuthGate(auth)
	}
	return resolveRoleGate(auth, roleState, required)
}

func resolveAuthGate(auth roles.AuthState) Decision {
	if auth.Loading {
		return Decision{State: StateChecking}
	}
	if !auth.Authenticated() {
		return Decision{State: StateDenied, Fallback: FallbackSignIn, Message: signInMessage}
	}
	return Decision{State: StateGranted}
}

func resolveRoleGate(auth roles.AuthState, roleState RoleState, required []roles.Role) Decision {
	if auth.Loading || roleState.Loading {
		return Decision{State: StateChecking, RequiredRoles: required}
	}
	// Sign-in is handled by an enclosing auth gate.
	if !auth.Authenticated() {
		return Decision{State: StateDenied, Fallback: FallbackNone, RequiredRoles: required}
	}
	if !roles.Intersects(roleState.Roles, required) {
		return Decision{
			State:         StateDenied,
			Fallback:      FallbackAccessRestricted,
			RequiredRoles: required,
			Message:       restrictedMessage(required),
		}
	}
	return Decision{State: StateGranted, RequiredRoles: required}
}

func restrictedMessage(required []roles.Role) string {
	if len(required) == 1 {
		return fmt.Sprintf("This action requires %s role", required[0])
	}
	return fmt.Sprintf("This action requires one of: %s", strings.Join(roles.Strings(required), ", "))
}
