package sqlite

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/louisbranch/credence/internal/identity/role"
	"github.com/louisbranch/credence/internal/identity/storage"
)

func TestRoleRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	input := role.Role{
		ID:          "role-1",
		Name:        "editor",
		Description: "can edit",
		Permissions: []string{"read", "write"},
	}
	if err := store.PutRole(ctx, input); err != nil {
		t.Fatalf("put role: %v", err)
	}

	got, err := store.GetRole(ctx, "role-1")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if got.Name != "editor" || !reflect.DeepEqual(got.Permissions, []string{"read", "write"}) {
		t.Fatalf("unexpected role: %+v", got)
	}
}

func TestPutRoleUpdatesInPlace(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	r := role.Role{ID: "role-1", Name: "editor", Permissions: []string{"read"}}
	if err := store.PutRole(ctx, r); err != nil {
		t.Fatalf("put role: %v", err)
	}
	r.Permissions = []string{"read", "write"}
	if err := store.PutRole(ctx, r); err != nil {
		t.Fatalf("update role: %v", err)
	}

	got, _ := store.GetRole(ctx, "role-1")
	if !reflect.DeepEqual(got.Permissions, []string{"read", "write"}) {
		t.Fatalf("expected updated permissions, got %v", got.Permissions)
	}
}

func TestPutRoleDuplicateName(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.PutRole(ctx, role.Role{ID: "role-1", Name: "editor"}); err != nil {
		t.Fatalf("put role: %v", err)
	}
	err := store.PutRole(ctx, role.Role{ID: "role-2", Name: "editor"})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestListRolesForUser(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.PutUser(ctx, testUser("user-1")); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := store.PutRole(ctx, role.Role{ID: "role-1", Name: "editor", Permissions: []string{"a", "b"}}); err != nil {
		t.Fatalf("put role: %v", err)
	}
	if err := store.PutRole(ctx, role.Role{ID: "role-2", Name: "viewer", Permissions: []string{"b", "c"}}); err != nil {
		t.Fatalf("put role: %v", err)
	}
	if err := store.AssignRole(ctx, "user-1", "role-1"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	if err := store.AssignRole(ctx, "user-1", "role-2"); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	// Duplicate assignment is a no-op.
	if err := store.AssignRole(ctx, "user-1", "role-1"); err != nil {
		t.Fatalf("repeat assign role: %v", err)
	}

	roles, err := store.ListRolesForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(roles))
	}
	union := role.EffectivePermissions(roles)
	if !reflect.DeepEqual(union, []string{"a", "b", "c"}) {
		t.Fatalf("expected union {a,b,c}, got %v", union)
	}
}

func TestDeleteUserRemovesRoleAssignments(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.PutUser(ctx, testUser("user-1")); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := store.PutRole(ctx, role.Role{ID: "role-1", Name: "editor"}); err != nil {
		t.Fatalf("put role: %v", err)
	}
	if err := store.AssignRole(ctx, "user-1", "role-1"); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	if err := store.DeleteUser(ctx, "user-1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	roles, err := store.ListRolesForUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expected no role assignments, got %d", len(roles))
	}
	// The role definition itself survives.
	if _, err := store.GetRole(ctx, "role-1"); err != nil {
		t.Fatalf("expected role definition kept: %v", err)
	}
}
