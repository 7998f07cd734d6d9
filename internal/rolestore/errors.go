package rolestore

import "errors"

var (
	// ErrRoleNotGranted indicates a revoke for an assignment that does not exist.
	ErrRoleNotGranted = errors.New("roles.store.not_granted")
	// ErrEmptyUserID indicates a grant or revoke without a user id.
	ErrEmptyUserID = errors.New("roles.store.empty_user_id")
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("roles.store.unsupported_dialect")
)
