package rolestore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/tyemirov/roleguard/internal/roles"
	"gopkg.in/yaml.v3"
)

// SeedGrant lists the roles a user should hold at startup.
type SeedGrant struct {
	UserID string   `yaml:"user_id"`
	Roles  []string `yaml:"roles"`
}

type seedFile struct {
	Users []SeedGrant `yaml:"users"`
}

// LoadSeedFile reads a YAML document of the form
//
//	users:
//	  - user_id: google:1234
//	    roles: [admin]
func LoadSeedFile(path string) ([]SeedGrant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roles.seed.read: %w", err)
	}
	var parsed seedFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("roles.seed.parse: %w", err)
	}
	for index, grant := range parsed.Users {
		if strings.TrimSpace(grant.UserID) == "" {
			return nil, fmt.Errorf("roles.seed.entry_%d: %w", index, ErrEmptyUserID)
		}
		if _, unknown, ok := roles.ParseRoles(grant.Roles); !ok {
			return nil, fmt.Errorf("roles.seed.entry_%d: unknown role %q", index, unknown)
		}
	}
	return parsed.Users, nil
}

// ApplySeed grants every seeded role. Existing grants are left untouched.
func ApplySeed(ctx context.Context, writer roles.RoleWriter, grants []SeedGrant) (int, error) {
	applied := 0
	for _, grant := range grants {
		parsed, unknown, ok := roles.ParseRoles(grant.Roles)
		if !ok {
			return applied, fmt.Errorf("roles.seed.apply: unknown role %q for %s", unknown, grant.UserID)
		}
		for _, role := range parsed {
			if err := writer.GrantRole(ctx, grant.UserID, role); err != nil {
				return applied, fmt.Errorf("roles.seed.apply: %w", err)
			}
			applied++
		}
	}
	return applied, nil
}
