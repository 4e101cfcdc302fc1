package migrate

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/ids"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Catalog is the versioned set of built-in permissions and system roles.
type Catalog struct {
	Version     int           `yaml:"version"`
	Permissions []string      `yaml:"permissions"`
	Roles       []CatalogRole `yaml:"roles"`
}

// CatalogRole describes one system role.
type CatalogRole struct {
	Name        string   `yaml:"name"`
	Scope       string   `yaml:"scope"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (Catalog, error) {
	return ParseCatalog(catalogYAML)
}

// ParseCatalog decodes and validates a catalog. Unknown keys are rejected.
func ParseCatalog(raw []byte) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if c.Version <= 0 {
		return Catalog{}, errors.New("catalog: version must be positive")
	}
	seen := map[string]bool{}
	for _, r := range c.Roles {
		if r.Name == "" {
			return Catalog{}, errors.New("catalog: role without name")
		}
		if seen[r.Name] {
			return Catalog{}, fmt.Errorf("catalog: duplicate role %q", r.Name)
		}
		seen[r.Name] = true
		switch r.Scope {
		case auth.RoleScopeSystem, auth.RoleScopeTenant, auth.RoleScopeDepartment:
		default:
			return Catalog{}, fmt.Errorf("catalog: role %q has scope %q", r.Name, r.Scope)
		}
		if _, err := parseAll(r.Permissions); err != nil {
			return Catalog{}, fmt.Errorf("catalog: role %q: %w", r.Name, err)
		}
	}
	if _, err := parseAll(c.Permissions); err != nil {
		return Catalog{}, fmt.Errorf("catalog: %w", err)
	}
	return c, nil
}

// Name is the bookkeeping key recorded once the catalog is applied.
func (c Catalog) Name() string { return fmt.Sprintf("catalog-v%d", c.Version) }

// ApplyCatalog creates missing system roles and resets the permissions of
// every catalog role. Running it twice leaves the store unchanged.
func ApplyCatalog(ctx context.Context, store auth.Store, c Catalog) error {
	perms, err := parseAll(c.Permissions)
	if err != nil {
		return err
	}
	if err := store.Permissions().Ensure(ctx, perms); err != nil {
		return fmt.Errorf("ensure permissions: %w", err)
	}
	for _, cr := range c.Roles {
		rolePerms, err := parseAll(cr.Permissions)
		if err != nil {
			return err
		}
		role, err := store.Roles().FindByName(ctx, "", cr.Name)
		switch {
		case errors.Is(err, auth.ErrNotFound):
			role = auth.Role{ID: ids.New(), Name: cr.Name, Description: cr.Description, Scope: cr.Scope, System: true}
			if err := store.Roles().Create(ctx, &role); err != nil {
				return fmt.Errorf("create role %s: %w", cr.Name, err)
			}
		case err != nil:
			return fmt.Errorf("find role %s: %w", cr.Name, err)
		case !role.System:
			return fmt.Errorf("role %s exists and is not a system role", cr.Name)
		}
		if err := store.Roles().SetPermissions(ctx, role.ID, rolePerms); err != nil {
			return fmt.Errorf("set permissions of %s: %w", cr.Name, err)
		}
	}
	return nil
}

func parseAll(raw []string) ([]auth.Permission, error) {
	out := make([]auth.Permission, 0, len(raw))
	for _, s := range raw {
		p, err := auth.ParsePermission(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
