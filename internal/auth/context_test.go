package auth_test

import (
	"context"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waqedi/identity/internal/auth"
)

func tenantContext(perms ...string) auth.TenantContext {
	return auth.NewTenantContext(&auth.AccessClaims{
		TenantID:    "acme",
		Roles:       []string{"r"},
		Permissions: perms,
		TokenType:   "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "u1",
			ID:      "jti-1",
		},
	})
}

func TestTenantContextRoundTrip(t *testing.T) {
	tc := tenantContext("documents:read:tenant")
	ctx := auth.WithTenantContext(context.Background(), tc)

	got, ok := auth.TenantFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID())
	assert.Equal(t, "acme", got.TenantID())
	assert.Equal(t, "acme", auth.EffectiveTenant(ctx))

	_, ok = auth.TenantFromContext(context.Background())
	assert.False(t, ok)
}

func TestElevateRequiresSystemScope(t *testing.T) {
	rec := &recorder{}
	ctx := auth.WithTenantContext(context.Background(), tenantContext("users:create:tenant"))

	_, _, err := auth.Elevate(ctx, rec, "globex", "support ticket 42")
	require.ErrorIs(t, err, auth.ErrPermissionDenied)
	assert.Equal(t, "acme", auth.EffectiveTenant(ctx))
	require.Len(t, rec.events, 1)
	assert.False(t, rec.events[0].Success)
}

func TestElevateIsAuditedAndLeavesContextIntact(t *testing.T) {
	rec := &recorder{}
	base := auth.WithTenantContext(context.Background(), tenantContext("*:*:system"))

	elevated, e, err := auth.Elevate(base, rec, "globex", "support ticket 42")
	require.NoError(t, err)
	assert.Equal(t, "globex", e.TenantID())
	assert.Equal(t, "globex", auth.EffectiveTenant(elevated))

	tc, ok := auth.TenantFromContext(elevated)
	require.True(t, ok)
	assert.Equal(t, "acme", tc.TenantID(), "ambient identity must not change")
	assert.Equal(t, "acme", auth.EffectiveTenant(base))

	require.Len(t, rec.events, 1)
	assert.Equal(t, auth.EventElevation, rec.events[0].Name)
	assert.True(t, rec.events[0].Success)

	_, _, err = auth.Elevate(base, rec, "globex", "")
	require.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestAdminCannotGrantSystemRoleWithoutSystemScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	super := auth.Role{ID: "super", Name: "super_admin", Scope: auth.RoleScopeSystem, System: true}
	require.NoError(t, f.store.Roles().Create(ctx, &super))

	tenantAdmin := auth.WithTenantContext(ctx, tenantContext("users:update:tenant"))
	_, err := f.admin.AssignRole(tenantAdmin, f.acme.ID, auth.Assignment{UserID: f.analyst.ID, RoleID: super.ID})
	require.ErrorIs(t, err, auth.ErrPermissionDenied)

	root := auth.WithTenantContext(ctx, tenantContext("*:*:system"))
	_, err = f.admin.AssignRole(root, f.acme.ID, auth.Assignment{UserID: f.analyst.ID, RoleID: super.ID})
	require.NoError(t, err)
}

func TestAdminSystemRolesAreImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	role, err := f.store.Roles().FindByName(ctx, f.acme.ID, "analyst")
	require.NoError(t, err)
	_, err = f.admin.SetRolePermissions(ctx, f.acme.ID, role.ID, []string{"documents:delete:tenant"})
	require.ErrorIs(t, err, auth.ErrImmutableRole)
}

func TestAdminTenantBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	globex, err := f.admin.CreateTenant(ctx, auth.NewTenant{Slug: "globex", Name: "Globex"})
	require.NoError(t, err)

	_, err = f.admin.GetUser(ctx, globex.ID, f.analyst.ID)
	require.ErrorIs(t, err, auth.ErrNotFound)
	_, err = f.admin.SetUserStatus(ctx, globex.ID, f.analyst.ID, auth.UserStatusSuspended, "")
	require.ErrorIs(t, err, auth.ErrNotFound)

	_, err = f.admin.CreateTenant(ctx, auth.NewTenant{Slug: "acme", Name: "dup"})
	require.ErrorIs(t, err, auth.ErrConflict)
	_, err = f.admin.CreateTenant(ctx, auth.NewTenant{Slug: "Not A Slug", Name: "x"})
	require.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestAdminTenantRolesRejectSystemScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.admin.CreateRole(ctx, f.acme.ID, "root-ish", "", auth.RoleScopeTenant, []string{"*:*:system"})
	require.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = f.admin.CreateRole(ctx, f.acme.ID, "root-ish", "", auth.RoleScopeSystem, nil)
	require.ErrorIs(t, err, auth.ErrInvalidInput)

	role, err := f.admin.CreateRole(ctx, f.acme.ID, "curator", "", auth.RoleScopeTenant, []string{"documents:read:tenant"})
	require.NoError(t, err)
	_, err = f.admin.SetRolePermissions(ctx, f.acme.ID, role.ID, []string{"users:update:system"})
	require.ErrorIs(t, err, auth.ErrInvalidInput)

	_, err = f.admin.AssignRole(ctx, f.acme.ID, auth.Assignment{UserID: f.analyst.ID, RoleID: role.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"documents:read:tenant"}, rolePermissions(t, f, role.ID))
}

func TestAdminRolePermissionChangeInvalidatesHolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var (
		mu      sync.Mutex
		dropped []string
	)
	admin, err := auth.NewAdminService(f.store, f.hasher, auth.WithGrantInvalidator(func(userID string) {
		mu.Lock()
		dropped = append(dropped, userID)
		mu.Unlock()
	}))
	require.NoError(t, err)

	role, err := admin.CreateRole(ctx, f.acme.ID, "curator", "", auth.RoleScopeTenant, []string{"documents:read:tenant"})
	require.NoError(t, err)
	_, err = admin.AssignRole(ctx, f.acme.ID, auth.Assignment{UserID: f.analyst.ID, RoleID: role.ID})
	require.NoError(t, err)
	mu.Lock()
	dropped = nil
	mu.Unlock()

	_, err = admin.SetRolePermissions(ctx, f.acme.ID, role.ID, []string{"documents:delete:tenant"})
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{f.analyst.ID}, dropped)
	mu.Unlock()
	assert.Equal(t, []string{"documents:delete:tenant"}, rolePermissions(t, f, role.ID))

	globex, err := admin.CreateTenant(ctx, auth.NewTenant{Slug: "globex", Name: "Globex"})
	require.NoError(t, err)
	_, err = admin.SetRolePermissions(ctx, globex.ID, role.ID, nil)
	require.ErrorIs(t, err, auth.ErrNotFound, "roles of other tenants read as missing")
}

// rolePermissions reads roleID's permissions through the analyst's grants.
func rolePermissions(t *testing.T, f *fixture, roleID string) []string {
	t.Helper()
	grants, err := f.store.Roles().Grants(context.Background(), f.analyst.ID)
	require.NoError(t, err)
	for _, g := range grants {
		if g.Role.ID == roleID {
			out := make([]string, 0, len(g.Permissions))
			for _, p := range g.Permissions {
				out = append(out, p.String())
			}
			return out
		}
	}
	return nil
}
