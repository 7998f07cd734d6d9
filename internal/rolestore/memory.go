package rolestore

import (
	"context"
	"strings"
	"sync"

	"github.com/tyemirov/roleguard/internal/roles"
)

// MemoryRoleStore is an in-memory store intended for tests and dev.
type MemoryRoleStore struct {
	mutex       sync.Mutex
	assignments map[string][]roles.Role
	failure     error
}

// NewMemoryRoleStore creates an empty store.
func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{assignments: make(map[string][]roles.Role)}
}

// FailWith makes every subsequent fetch return err; nil restores normal behaviour.
func (store *MemoryRoleStore) FailWith(err error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.failure = err
}

// FetchRoles returns the roles granted to userID in grant order.
func (store *MemoryRoleStore) FetchRoles(ctx context.Context, userID string) ([]roles.RoleRow, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.failure != nil {
		return nil, store.failure
	}
	granted := store.assignments[userID]
	rows := make([]roles.RoleRow, 0, len(granted))
	for _, role := range granted {
		rows = append(rows, roles.RoleRow{Role: string(role)})
	}
	return rows, nil
}

// GrantRole assigns role to userID. Granting an existing assignment is a no-op.
func (store *MemoryRoleStore) GrantRole(ctx context.Context, userID string, role roles.Role) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if roles.Contains(store.assignments[userID], role) {
		return nil
	}
	store.assignments[userID] = append(store.assignments[userID], role)
	return nil
}

// RevokeRole removes role from userID.
func (store *MemoryRoleStore) RevokeRole(ctx context.Context, userID string, role roles.Role) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	granted := store.assignments[userID]
	for index, candidate := range granted {
		if candidate != role {
			continue
		}
		remaining := append(granted[:index:index], granted[index+1:]...)
		if len(remaining) == 0 {
			delete(store.assignments, userID)
		} else {
			store.assignments[userID] = remaining
		}
		return nil
	}
	return ErrRoleNotGranted
}
