package permissions

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/caregrid/caregrid/pkg/auth"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Minimal schema mirroring the production migrations
	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL,
			full_name TEXT,
			role TEXT NOT NULL,
			role_id INTEGER,
			hospital_id TEXT,
			is_active INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT,
			resource TEXT NOT NULL,
			action TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(resource, action, name)
		);

		CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			description TEXT,
			is_system INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_by INTEGER
		);

		CREATE TABLE role_permissions (
			role_id INTEGER NOT NULL,
			permission_id INTEGER NOT NULL,
			granted INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (role_id, permission_id)
		);

		CREATE TABLE user_permissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			permission_id INTEGER NOT NULL,
			hospital_id TEXT,
			granted INTEGER NOT NULL,
			expires_at TIMESTAMP,
			granted_by INTEGER,
			reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}

	return db
}

func createTestUser(t *testing.T, db *sql.DB, role auth.Role, active bool) int64 {
	t.Helper()

	result, err := db.Exec(
		"INSERT INTO users (email, full_name, role, is_active) VALUES (?, ?, ?, ?)",
		"user@example.com", "Test User", string(role), active,
	)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}
	id, _ := result.LastInsertId()
	return id
}

func createTestPermission(t *testing.T, store *Store, resource Resource, action Action) *Permission {
	t.Helper()

	perm := &Permission{
		Name:     string(resource) + "." + string(action),
		Resource: resource,
		Action:   action,
		IsActive: true,
	}
	if err := store.CreatePermission(context.Background(), perm); err != nil {
		t.Fatalf("Failed to create permission %s: %v", perm.Key(), err)
	}
	return perm
}

func grantOverride(t *testing.T, store *Store, userID, permissionID int64, hospitalID *string, expiresAt *time.Time) {
	t.Helper()

	up := &UserPermission{
		UserID:       userID,
		PermissionID: permissionID,
		HospitalID:   hospitalID,
		ExpiresAt:    expiresAt,
		GrantedBy:    1,
	}
	if err := store.GrantUserPermission(context.Background(), up); err != nil {
		t.Fatalf("Failed to grant override: %v", err)
	}
}

func revokeOverride(t *testing.T, store *Store, userID, permissionID int64, hospitalID *string) {
	t.Helper()

	up := &UserPermission{
		UserID:       userID,
		PermissionID: permissionID,
		HospitalID:   hospitalID,
		GrantedBy:    1,
	}
	if err := store.RevokeUserPermission(context.Background(), up); err != nil {
		t.Fatalf("Failed to revoke override: %v", err)
	}
}

func strptr(s string) *string { return &s }
