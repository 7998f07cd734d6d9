package rolestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"github.com/tyemirov/roleguard/internal/roles"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	errEmptyDatabaseURL    = errors.New("roles.store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("roles.store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("roles.store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("roles.store.unsupported_no_scheme")
)

// DatabaseRoleStore keeps role assignments in the user_roles table using GORM.
type DatabaseRoleStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseRoleStore) Driver() string {
	return store.driverLabel
}

type userRoleRecord struct {
	UserID        string `gorm:"column:user_id;primaryKey"`
	Role          string `gorm:"column:role;primaryKey"`
	GrantedAtUnix int64  `gorm:"column:granted_at_unix;not null"`
}

func (userRoleRecord) TableName() string {
	return "user_roles"
}

// NewDatabaseRoleStore opens databaseURL (postgres:// or sqlite://) and migrates user_roles.
func NewDatabaseRoleStore(ctx context.Context, databaseURL string) (*DatabaseRoleStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("roles.store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("roles.store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRoleRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("roles.store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseRoleStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// FetchRoles returns the role rows assigned to userID, oldest grant first.
func (store *DatabaseRoleStore) FetchRoles(ctx context.Context, userID string) ([]roles.RoleRow, error) {
	var records []userRoleRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("granted_at_unix ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("roles.store.fetch.%s: %w", store.driverLabel, err)
	}
	rows := make([]roles.RoleRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, roles.RoleRow{Role: record.Role})
	}
	return rows, nil
}

// GrantRole assigns role to userID. Granting an existing assignment is a no-op.
func (store *DatabaseRoleStore) GrantRole(ctx context.Context, userID string, role roles.Role) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("roles.store.grant.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	record := userRoleRecord{
		UserID:        userID,
		Role:          string(role),
		GrantedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("roles.store.grant.%s: %w", store.driverLabel, err)
	}
	return nil
}

// RevokeRole removes role from userID.
func (store *DatabaseRoleStore) RevokeRole(ctx context.Context, userID string, role roles.Role) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("roles.store.revoke.%s: %w", store.driverLabel, ErrEmptyUserID)
	}
	result := store.db.WithContext(ctx).
		Where("user_id = ? AND role = ?", userID, string(role)).
		Delete(&userRoleRecord{})
	if result.Error != nil {
		return fmt.Errorf("roles.store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("roles.store.revoke.%s: %w", store.driverLabel, ErrRoleNotGranted)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("roles.store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("roles.store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("roles.store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("roles.store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
