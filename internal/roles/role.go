package roles

import (
	"strings"
	"time"
)

// Role is a coarse capability label attached to a user.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleGuru  Role = "guru"
	RoleUser  Role = "user"
)

// legacyTesterLabel is the older name of the guru role still present in some rows.
const legacyTesterLabel = "tester"

// ParseRole maps a stored label onto a known role.
func ParseRole(label string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case string(RoleAdmin):
		return RoleAdmin, true
	case string(RoleGuru), legacyTesterLabel:
		return RoleGuru, true
	case string(RoleUser):
		return RoleUser, true
	default:
		return "", false
	}
}

// ParseRoles parses every label and reports the first unknown one.
func ParseRoles(labels []string) ([]Role, string, bool) {
	parsed := make([]Role, 0, len(labels))
	for _, label := range labels {
		role, ok := ParseRole(label)
		if !ok {
			return nil, label, false
		}
		parsed = append(parsed, role)
	}
	return parsed, "", true
}

// Baseline is the role set granted to any authenticated user without rows.
func Baseline() []Role {
	return []Role{RoleUser}
}

// Contains reports whether role is present in the set.
func Contains(set []Role, role Role) bool {
	for _, candidate := range set {
		if candidate == role {
			return true
		}
	}
	return false
}

// Intersects reports whether the two sets share at least one role.
func Intersects(held []Role, required []Role) bool {
	for _, role := range held {
		if Contains(required, role) {
			return true
		}
	}
	return false
}

// Strings converts roles to their labels.
func Strings(set []Role) []string {
	labels := make([]string, len(set))
	for index, role := range set {
		labels[index] = string(role)
	}
	return labels
}

func cloneRoles(set []Role) []Role {
	if set == nil {
		return nil
	}
	clone := make([]Role, len(set))
	copy(clone, set)
	return clone
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}
