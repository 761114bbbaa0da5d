package permission_test

import (
	"context"
	"testing"

	"github.com/authlayer/authlayer/permission"
	"github.com/authlayer/authlayer/storage"
	"github.com/stretchr/testify/require"
)

const testLoginID = "user-1"

func setup(t *testing.T) *permission.Checker {
	t.Helper()
	return permission.New(storage.NewMemoryStore())
}

func TestMatch(t *testing.T) {
	tests := []struct {
		granted   string
		requested string
		want      bool
	}{
		{"admin:read", "admin:read", true},
		{"admin:read", "admin:write", false},
		{"admin:*", "admin:read", true},
		{"admin:*", "admin:anything", true},
		{"admin:*", "other:anything", false},
		{"admin:*", "admin:sub:deep", true},
		{"admin:*", "adminx", false},
		{"*", "anything", false}, // only the ":*" suffix form wildcards
	}

	for _, tc := range tests {
		t.Run(tc.granted+"/"+tc.requested, func(t *testing.T) {
			require.Equal(t, tc.want, permission.Match(tc.granted, tc.requested))
		})
	}
}

func TestHasPermissionWildcard(t *testing.T) {
	ctx := context.Background()
	checker := setup(t)

	require.NoError(t, checker.SetPermissions(ctx, testLoginID, []string{"admin:*", "report:view"}))

	ok, err := checker.HasPermission(ctx, testLoginID, "admin:anything")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = checker.HasPermission(ctx, testLoginID, "report:view")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = checker.HasPermission(ctx, testLoginID, "other:anything")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasPermissionWithoutGrants(t *testing.T) {
	ctx := context.Background()
	checker := setup(t)

	ok, err := checker.HasPermission(ctx, "nobody", "admin:read")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasAllAndAnyPermissions(t *testing.T) {
	ctx := context.Background()
	checker := setup(t)

	require.NoError(t, checker.SetPermissions(ctx, testLoginID, []string{"doc:read", "doc:write"}))

	ok, err := checker.HasAllPermissions(ctx, testLoginID, []string{"doc:read", "doc:write"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = checker.HasAllPermissions(ctx, testLoginID, []string{"doc:read", "doc:delete"})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = checker.HasAnyPermission(ctx, testLoginID, []string{"doc:delete", "doc:read"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = checker.HasAnyPermission(ctx, testLoginID, []string{"doc:delete", "doc:admin"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRolesAreExactMatchOnly(t *testing.T) {
	ctx := context.Background()
	checker := setup(t)

	require.NoError(t, checker.SetRoles(ctx, testLoginID, []string{"admin:*", "editor"}))

	ok, err := checker.HasRole(ctx, testLoginID, "editor")
	require.NoError(t, err)
	require.True(t, ok)

	// A role literally named "admin:*" does not wildcard.
	ok, err = checker.HasRole(ctx, testLoginID, "admin:read")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = checker.HasAllRoles(ctx, testLoginID, []string{"editor", "admin:*"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = checker.HasAnyRole(ctx, testLoginID, []string{"viewer", "editor"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckGates(t *testing.T) {
	ctx := context.Background()
	checker := setup(t)

	require.NoError(t, checker.SetPermissions(ctx, testLoginID, []string{"doc:read"}))
	require.NoError(t, checker.SetRoles(ctx, testLoginID, []string{"editor"}))

	require.NoError(t, checker.CheckPermission(ctx, testLoginID, "doc:read"))
	require.ErrorIs(t, checker.CheckPermission(ctx, testLoginID, "doc:write"), permission.ErrPermissionDenied)

	require.NoError(t, checker.CheckRole(ctx, testLoginID, "editor"))
	require.ErrorIs(t, checker.CheckRole(ctx, testLoginID, "admin"), permission.ErrRoleDenied)
}

func TestSetPermissionsReplacesSet(t *testing.T) {
	ctx := context.Background()
	checker := setup(t)

	require.NoError(t, checker.SetPermissions(ctx, testLoginID, []string{"a:read"}))
	require.NoError(t, checker.SetPermissions(ctx, testLoginID, []string{"b:read"}))

	ok, err := checker.HasPermission(ctx, testLoginID, "a:read")
	require.NoError(t, err)
	require.False(t, ok)

	perms, err := checker.Permissions(ctx, testLoginID)
	require.NoError(t, err)
	require.Equal(t, []string{"b:read"}, perms)
}
