package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/waqedi/identity/internal/obs"
)

// Credentials is a login request. TenantSlug may be empty when a default
// tenant is configured.
type Credentials struct {
	TenantSlug string
	Email      string
	Secret     string
}

// Service authenticates users and hands out sessions.
type Service struct {
	store         Store
	hasher        *Hasher
	issuer        *Issuer
	refresh       *RefreshCoordinator
	events        EventRecorder
	defaultTenant string
	now           func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithDefaultTenant sets the tenant slug used when a login omits one.
func WithDefaultTenant(slug string) ServiceOption {
	return func(s *Service) {
		s.defaultTenant = strings.ToLower(strings.TrimSpace(slug))
	}
}

// WithEvents sets the audit recorder.
func WithEvents(rec EventRecorder) ServiceOption {
	return func(s *Service) {
		if rec != nil {
			s.events = rec
		}
	}
}

// WithServiceClock overrides time source (useful for tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the login flow to an existing refresh coordinator.
func NewService(store Store, hasher *Hasher, issuer *Issuer, refresh *RefreshCoordinator, opts ...ServiceOption) (*Service, error) {
	if store == nil || hasher == nil || issuer == nil || refresh == nil {
		return nil, errors.New("auth: store, hasher, issuer and refresh coordinator are required")
	}
	s := &Service{
		store:   store,
		hasher:  hasher,
		issuer:  issuer,
		refresh: refresh,
		events:  NopRecorder,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issuer returns the token issuer.
func (s *Service) Issuer() *Issuer { return s.issuer }

// TenantSlug normalizes slug and falls back to the default tenant.
func (s *Service) TenantSlug(slug string) string {
	if slug = strings.ToLower(strings.TrimSpace(slug)); slug != "" {
		return slug
	}
	return s.defaultTenant
}

// Authenticate verifies credentials and starts a new refresh family.
// Unknown tenant, unknown email and wrong secret are indistinguishable.
func (s *Service) Authenticate(ctx context.Context, c Credentials) (Session, error) {
	email := normalizeEmail(c.Email)
	slug := s.TenantSlug(c.TenantSlug)
	if email == "" || c.Secret == "" || slug == "" {
		s.hasher.VerifyDummy(c.Secret)
		return Session{}, s.loginFailed(ctx, "", "", "missing credentials", ErrInvalidCredentials)
	}

	tenant, err := s.store.Tenants().FindBySlug(ctx, slug)
	if errors.Is(err, ErrNotFound) {
		s.hasher.VerifyDummy(c.Secret)
		return Session{}, s.loginFailed(ctx, "", "", "unknown tenant", ErrInvalidCredentials)
	}
	if err != nil {
		return Session{}, err
	}
	if !tenant.Active {
		return Session{}, s.loginFailed(ctx, tenant.ID, "", "tenant inactive", ErrTenantInactive)
	}

	user, err := s.store.Users().FindByEmail(ctx, tenant.ID, email)
	if errors.Is(err, ErrNotFound) {
		s.hasher.VerifyDummy(c.Secret)
		return Session{}, s.loginFailed(ctx, tenant.ID, "", "unknown email", ErrInvalidCredentials)
	}
	if err != nil {
		return Session{}, err
	}
	ok, err := s.hasher.Verify(user.PasswordHash, c.Secret)
	if err != nil {
		obs.Logger().Warn("stored password hash unreadable", zap.String("user_id", user.ID), zap.Error(err))
	}
	if !ok {
		return Session{}, s.loginFailed(ctx, tenant.ID, user.ID, "wrong secret", ErrInvalidCredentials)
	}
	if user.Status == UserStatusPending {
		return Session{}, s.loginFailed(ctx, tenant.ID, user.ID, "email not verified", ErrEmailNotVerified)
	}
	if !user.Active() {
		return Session{}, s.loginFailed(ctx, tenant.ID, user.ID, "status "+user.Status, ErrAccountSuspended)
	}
	s.rehash(ctx, user, c.Secret)

	principal, err := LoadPrincipal(ctx, s.store, user)
	if err != nil {
		return Session{}, err
	}
	now := s.now().UTC()
	session, rec, err := s.issuer.Mint(principal, "", now)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.RefreshTokens().Create(ctx, rec); err != nil {
		return Session{}, err
	}
	if err := s.store.Users().TouchLogin(ctx, user.ID, now); err != nil {
		obs.Logger().Warn("update last login failed", zap.String("user_id", user.ID), zap.Error(err))
	}

	obs.LoginOutcome("success")
	s.events.Record(ctx, Event{
		Name:     EventLoginSuccess,
		TenantID: tenant.ID,
		UserID:   user.ID,
		Success:  true,
		Fields:   map[string]any{"family_id": rec.FamilyID},
	})
	return session, nil
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, raw string) (Session, error) {
	return s.refresh.Refresh(ctx, raw)
}

// Logout revokes the refresh family of raw.
func (s *Service) Logout(ctx context.Context, raw string) error {
	return s.refresh.Logout(ctx, raw)
}

// Verify validates an access token and returns the request identity.
func (s *Service) Verify(token string) (TenantContext, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return TenantContext{}, err
	}
	return NewTenantContext(claims), nil
}

func (s *Service) rehash(ctx context.Context, user User, secret string) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(secret)
	if err == nil {
		err = s.store.Users().SetPasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		obs.Logger().Warn("password rehash failed", zap.String("user_id", user.ID), zap.Error(err))
	}
}

func (s *Service) loginFailed(ctx context.Context, tenantID, userID, reason string, err error) error {
	outcome := "invalid_credentials"
	switch {
	case errors.Is(err, ErrTenantInactive):
		outcome = "tenant_inactive"
	case errors.Is(err, ErrAccountSuspended):
		outcome = "account_inactive"
	case errors.Is(err, ErrEmailNotVerified):
		outcome = "email_unverified"
	}
	obs.LoginOutcome(outcome)
	s.events.Record(ctx, Event{
		Name:     EventLoginFailure,
		TenantID: tenantID,
		UserID:   userID,
		Reason:   reason,
	})
	return err
}
