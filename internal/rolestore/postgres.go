package rolestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/roleguard/internal/roles"
)

// BuildPool creates a pgx pool with sane defaults.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("roles.store.pgx.parse: %w", err)
	}
	config.MinConns = 1
	config.MaxConns = 8
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, config)
}

// EnsureSchema creates the user_roles table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS user_roles (
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    granted_at_unix BIGINT NOT NULL,
    PRIMARY KEY (user_id, role)
);
CREATE INDEX IF NOT EXISTS idx_user_roles_user ON user_roles (user_id);
`)
	if err != nil {
		return fmt.Errorf("roles.store.pgx.schema: %w", err)
	}
	return nil
}

// PostgresRoleStore reads and writes user_roles through a pgx pool.
type PostgresRoleStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRoleStore constructs a Postgres store.
func NewPostgresRoleStore(pool *pgxpool.Pool) *PostgresRoleStore {
	return &PostgresRoleStore{pool: pool}
}

// Close releases the pool.
func (store *PostgresRoleStore) Close() {
	store.pool.Close()
}

// FetchRoles returns the role rows assigned to userID, oldest grant first.
func (store *PostgresRoleStore) FetchRoles(ctx context.Context, userID string) ([]roles.RoleRow, error) {
	result, err := store.pool.Query(ctx, `
SELECT role
FROM user_roles
WHERE user_id = $1
ORDER BY granted_at_unix ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("roles.store.fetch.pgx: %w", err)
	}
	defer result.Close()

	var rows []roles.RoleRow
	for result.Next() {
		var label string
		if scanErr := result.Scan(&label); scanErr != nil {
			return nil, fmt.Errorf("roles.store.fetch.pgx: %w", scanErr)
		}
		rows = append(rows, roles.RoleRow{Role: label})
	}
	if iterErr := result.Err(); iterErr != nil {
		return nil, fmt.Errorf("roles.store.fetch.pgx: %w", iterErr)
	}
	return rows, nil
}

// GrantRole assigns role to userID. Granting an existing assignment is a no-op.
func (store *PostgresRoleStore) GrantRole(ctx context.Context, userID string, role roles.Role) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("roles.store.grant.pgx: %w", ErrEmptyUserID)
	}
	_, err := store.pool.Exec(ctx, `
INSERT INTO user_roles (user_id, role, granted_at_unix)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, role) DO NOTHING
`, userID, string(role), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("roles.store.grant.pgx: %w", err)
	}
	return nil
}

// RevokeRole removes role from userID.
func (store *PostgresRoleStore) RevokeRole(ctx context.Context, userID string, role roles.Role) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("roles.store.revoke.pgx: %w", ErrEmptyUserID)
	}
	tag, err := store.pool.Exec(ctx, `
DELETE FROM user_roles
WHERE user_id = $1 AND role = $2
`, userID, string(role))
	if err != nil {
		return fmt.Errorf("roles.store.revoke.pgx: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("roles.store.revoke.pgx: %w", ErrRoleNotGranted)
	}
	return nil
}
