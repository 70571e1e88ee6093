package permissions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all permission schema migrations. The users table
// is owned by the surrounding application and referenced, not created,
// here.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permissions (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					resource VARCHAR(50) NOT NULL,
					action VARCHAR(50) NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(resource, action, name)
				);

				CREATE INDEX idx_permissions_resource_action ON permissions(resource, action);
				CREATE INDEX idx_permissions_is_active ON permissions(is_active);
			`,
		},
		{
			Version:     2,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL,
					description TEXT,
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					created_by BIGINT REFERENCES users(id) ON DELETE SET NULL
				);

				CREATE INDEX idx_roles_name ON roles(name);
				CREATE INDEX idx_roles_is_system ON roles(is_system);
			`,
		},
		{
			Version:     3,
			Description: "Create role_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					granted BOOLEAN NOT NULL DEFAULT TRUE,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX idx_role_permissions_role_id ON role_permissions(role_id);
				CREATE INDEX idx_role_permissions_permission_id ON role_permissions(permission_id);
			`,
		},
		{
			Version:     4,
			Description: "Create user_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_permissions (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					hospital_id VARCHAR(64),
					granted BOOLEAN NOT NULL,
					expires_at TIMESTAMP,
					granted_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					reason TEXT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_user_permissions_user_id ON user_permissions(user_id);
				CREATE INDEX idx_user_permissions_permission_id ON user_permissions(permission_id);
				CREATE INDEX idx_user_permissions_hospital_id ON user_permissions(hospital_id);
				CREATE INDEX idx_user_permissions_expires_at ON user_permissions(expires_at);
			`,
		},
		{
			Version:     5,
			Description: "Add role_id to users",
			SQL: `
				ALTER TABLE users ADD COLUMN IF NOT EXISTS role_id BIGINT REFERENCES roles(id) ON DELETE SET NULL;

				CREATE INDEX IF NOT EXISTS idx_users_role_id ON users(role_id);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS permission_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM permission_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO permission_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// InitializePermissions seeds one definition for every known (resource,
// action) pair. Existing definitions are left untouched, so repeated
// startups are safe.
func InitializePermissions(ctx context.Context, store *Store) error {
	for _, resource := range AllResources() {
		for _, action := range AllActions() {
			if _, err := store.GetPermissionByKey(ctx, resource, action); err == nil {
				continue
			} else if !errors.Is(err, ErrPermissionNotFound) {
				return err
			}

			perm := &Permission{
				Name:        fmt.Sprintf("%s.%s", resource, action),
				Description: fmt.Sprintf("%s access on %s", action, resource),
				Resource:    resource,
				Action:      action,
				IsActive:    true,
			}
			if err := store.CreatePermission(ctx, perm); err != nil {
				return fmt.Errorf("failed to seed permission %s: %w", perm.Key(), err)
			}
		}
	}
	return nil
}

// InitializeBuiltInRoles creates the system role bundles if they don't
// exist. Must run after InitializePermissions so every grant key can be
// resolved to a permission definition.
func InitializeBuiltInRoles(ctx context.Context, store *Store) error {
	for _, spec := range BuiltInRoles() {
		existing, err := store.GetRoleByName(ctx, spec.Name)
		if err == nil && existing != nil {
			continue
		}
		if err != nil && !errors.Is(err, ErrRoleNotFound) {
			return err
		}

		role := &Role{
			Name:        spec.Name,
			DisplayName: spec.DisplayName,
			Description: spec.Description,
			IsSystem:    true,
			IsActive:    true,
		}
		if err := store.CreateRole(ctx, role, nil); err != nil {
			return fmt.Errorf("failed to create built-in role %s: %w", spec.Name, err)
		}

		entries := make([]RolePermission, 0, len(spec.Grants))
		for key, granted := range spec.Grants {
			resource, action, err := splitKey(key)
			if err != nil {
				return fmt.Errorf("built-in role %s: %w", spec.Name, err)
			}
			perm, err := store.GetPermissionByKey(ctx, resource, action)
			if err != nil {
				return fmt.Errorf("built-in role %s: %w", spec.Name, err)
			}
			entries = append(entries, RolePermission{
				RoleID:       role.ID,
				PermissionID: perm.ID,
				Granted:      granted,
			})
		}

		if err := store.UpdateRolePermissions(ctx, role.ID, entries); err != nil {
			return fmt.Errorf("failed to seed built-in role %s: %w", spec.Name, err)
		}
	}
	return nil
}

// splitKey parses a "resource:action" key back into its parts
func splitKey(key string) (Resource, Action, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed permission key %q", key)
	}
	return Resource(parts[0]), Action(parts[1]), nil
}
