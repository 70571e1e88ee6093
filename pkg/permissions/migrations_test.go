package permissions

import (
	"context"
	"testing"
)

func TestGetMigrations_VersionsAscending(t *testing.T) {
	migrations := GetMigrations()
	if len(migrations) == 0 {
		t.Fatal("no migrations defined")
	}

	seen := make(map[int]bool)
	last := 0
	for _, m := range migrations {
		if m.Version <= last {
			t.Errorf("version %d out of order after %d", m.Version, last)
		}
		if seen[m.Version] {
			t.Errorf("duplicate version %d", m.Version)
		}
		if m.Description == "" || m.SQL == "" {
			t.Errorf("migration %d is incomplete", m.Version)
		}
		seen[m.Version] = true
		last = m.Version
	}
}

func TestInitializePermissions_SeedsEveryPair(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	if err := InitializePermissions(ctx, store); err != nil {
		t.Fatal(err)
	}

	perms, err := store.ListPermissions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := len(AllResources()) * len(AllActions())
	if len(perms) != want {
		t.Fatalf("seeded %d permissions, want %d", len(perms), want)
	}

	// Idempotent on a second run
	if err := InitializePermissions(ctx, store); err != nil {
		t.Fatal(err)
	}
	perms, err = store.ListPermissions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(perms) != want {
		t.Errorf("second seed changed count to %d", len(perms))
	}
}

func TestInitializeBuiltInRoles_SeedsAndIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	if err := InitializePermissions(ctx, store); err != nil {
		t.Fatal(err)
	}
	if err := InitializeBuiltInRoles(ctx, store); err != nil {
		t.Fatal(err)
	}

	for _, spec := range BuiltInRoles() {
		role, err := store.GetRoleByName(ctx, spec.Name)
		if err != nil {
			t.Fatalf("role %s not seeded: %v", spec.Name, err)
		}
		if !role.IsSystem {
			t.Errorf("role %s should be a system role", spec.Name)
		}

		entries, err := store.GetRolePermissions(ctx, role.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != len(spec.Grants) {
			t.Errorf("role %s has %d entries, want %d", spec.Name, len(entries), len(spec.Grants))
		}
	}

	if err := InitializeBuiltInRoles(ctx, store); err != nil {
		t.Fatalf("second seed should be a no-op: %v", err)
	}
	roles, err := store.ListRoles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(roles) != len(BuiltInRoles()) {
		t.Errorf("second seed changed role count to %d", len(roles))
	}
}
