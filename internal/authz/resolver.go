package authz

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/waqedi/identity/internal/auth"
	"github.com/waqedi/identity/internal/obs"
)

// UserFinder loads users.
type UserFinder interface {
	Find(ctx context.Context, id string) (auth.User, error)
}

// GrantSource loads the grants of a user.
type GrantSource interface {
	Grants(ctx context.Context, userID string) ([]auth.Grant, error)
}

// Resolver answers authorization questions from stored grants.
type Resolver struct {
	users  UserFinder
	grants GrantSource
	cache  *PrincipalCache
	events auth.EventRecorder
}

// ResolverOption configures Resolver.
type ResolverOption func(*Resolver)

// WithCache enables principal caching. A nil cache disables it.
func WithCache(c *PrincipalCache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

// WithEvents records denials.
func WithEvents(rec auth.EventRecorder) ResolverOption {
	return func(r *Resolver) {
		if rec != nil {
			r.events = rec
		}
	}
}

func NewResolver(users UserFinder, grants GrantSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{users: users, grants: grants, events: auth.NopRecorder}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Principal loads the user and grants, through the cache when enabled.
// Inactive users resolve to a principal without grants.
func (r *Resolver) Principal(ctx context.Context, userID string) (auth.Principal, error) {
	if r.cache != nil {
		if p, ok := r.cache.Get(userID); ok {
			obs.GrantCacheLookup(true)
			return p, nil
		}
		obs.GrantCacheLookup(false)
	}
	user, err := r.users.Find(ctx, userID)
	if err != nil {
		return auth.Principal{}, err
	}
	p := auth.Principal{UserID: user.ID, TenantID: user.TenantID, DepartmentID: user.DepartmentID}
	if user.Active() {
		grants, err := r.grants.Grants(ctx, user.ID)
		if err != nil {
			return auth.Principal{}, err
		}
		p.Grants = grants
	}
	if r.cache != nil {
		r.cache.Set(p)
	}
	return p, nil
}

// Invalidate drops cached grants of userID.
func (r *Resolver) Invalidate(userID string) {
	if r.cache != nil {
		r.cache.Invalidate(userID)
	}
}

// Authorize resolves userID and evaluates the request. Unknown users are denied.
func (r *Resolver) Authorize(ctx context.Context, userID, resource, action string, t Target) (Decision, error) {
	p, err := r.Principal(ctx, userID)
	if errors.Is(err, auth.ErrNotFound) {
		d := Decision{Reason: reasonNoGrant}
		r.observe(ctx, auth.Principal{UserID: userID}, resource, action, t, d)
		return d, nil
	}
	if err != nil {
		return Decision{}, err
	}
	d := Authorize(p, resource, action, t)
	r.observe(ctx, p, resource, action, t, d)
	return d, nil
}

// Require returns auth.ErrPermissionDenied unless the request is allowed.
func (r *Resolver) Require(ctx context.Context, userID, resource, action string, t Target) error {
	d, err := r.Authorize(ctx, userID, resource, action, t)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return auth.ErrPermissionDenied
	}
	return nil
}

func (r *Resolver) observe(ctx context.Context, p auth.Principal, resource, action string, t Target, d Decision) {
	obs.AuthzDecision(d.Allowed)
	if d.Allowed {
		return
	}
	obs.Logger().Debug("authorization denied",
		zap.String("user_id", p.UserID),
		zap.String("resource", resource),
		zap.String("action", action),
		zap.String("reason", d.Reason),
	)
	r.events.Record(ctx, auth.Event{
		Name:       auth.EventAccessDenied,
		OccurredAt: time.Now().UTC(),
		TenantID:   p.TenantID,
		UserID:     p.UserID,
		Reason:     d.Reason,
		Fields: map[string]any{
			"resource":             resource,
			"action":               action,
			"target_tenant_id":     t.TenantID,
			"target_department_id": t.DepartmentID,
		},
	})
}
