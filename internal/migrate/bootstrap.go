package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/waqedi/identity/internal/auth"
)

// BootstrapInput describes the first tenant and its administrator.
type BootstrapInput struct {
	TenantSlug string
	TenantName string
	Email      string
	Secret     string
	Role       string
}

// BootstrapResult reports what Bootstrap found or created.
type BootstrapResult struct {
	Tenant  auth.Tenant
	User    auth.User
	Created bool
}

// Bootstrap creates the first tenant and an administrator holding in.Role
// (tenant_admin by default). It is a no-op when both already exist.
func Bootstrap(ctx context.Context, store auth.Store, admin *auth.AdminService, in BootstrapInput) (BootstrapResult, error) {
	if in.Role == "" {
		in.Role = "tenant_admin"
	}
	if in.TenantName == "" {
		in.TenantName = in.TenantSlug
	}
	var res BootstrapResult

	tenant, err := store.Tenants().FindBySlug(ctx, strings.ToLower(strings.TrimSpace(in.TenantSlug)))
	switch {
	case errors.Is(err, auth.ErrNotFound):
		tenant, err = admin.CreateTenant(ctx, auth.NewTenant{Slug: in.TenantSlug, Name: in.TenantName, Tier: auth.TierEnterprise})
		if err != nil {
			return res, fmt.Errorf("create tenant: %w", err)
		}
		res.Created = true
	case err != nil:
		return res, err
	}
	res.Tenant = tenant

	user, err := store.Users().FindByEmail(ctx, tenant.ID, strings.ToLower(strings.TrimSpace(in.Email)))
	switch {
	case errors.Is(err, auth.ErrNotFound):
		user, err = admin.CreateUser(ctx, auth.NewUser{
			TenantID: tenant.ID,
			Email:    in.Email,
			Secret:   in.Secret,
			Roles:    []string{in.Role},
		})
		if err != nil {
			return res, fmt.Errorf("create admin: %w", err)
		}
		res.Created = true
	case err != nil:
		return res, err
	}
	res.User = user
	return res, nil
}
