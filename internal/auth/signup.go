package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/waqedi/identity/internal/ids"
	"github.com/waqedi/identity/internal/obs"
)

// DefaultVerificationTTL bounds how long a signup token stays usable.
const DefaultVerificationTTL = 24 * time.Hour

// VerificationSender delivers a raw email verification token to its owner.
type VerificationSender interface {
	SendVerification(ctx context.Context, u User, token string, expiresAt time.Time) error
}

// LogSender writes verification tokens to the debug log. It stands in for a
// mail transport in development.
type LogSender struct{}

func (LogSender) SendVerification(_ context.Context, u User, token string, expiresAt time.Time) error {
	obs.Logger().Debug("email verification issued",
		zap.String("user_id", u.ID),
		zap.String("email", u.Email),
		zap.String("token", token),
		zap.Time("expires_at", expiresAt))
	return nil
}

// WithVerificationSender sets how verification tokens reach users.
func WithVerificationSender(vs VerificationSender) AdminOption {
	return func(s *AdminService) {
		if vs != nil {
			s.sender = vs
		}
	}
}

// WithVerificationTTL overrides DefaultVerificationTTL.
func WithVerificationTTL(ttl time.Duration) AdminOption {
	return func(s *AdminService) {
		if ttl > 0 {
			s.verifyTTL = ttl
		}
	}
}

// WithAdminClock overrides the time source.
func WithAdminClock(fn func() time.Time) AdminOption {
	return func(s *AdminService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewSignup is the input of AdminService.Signup.
type NewSignup struct {
	TenantSlug string
	Email      string
	Secret     string
}

// Signup creates a pending user with the default role in an active tenant and
// sends a verification token. An unknown tenant and a taken address both
// return ErrSignupRejected.
func (s *AdminService) Signup(ctx context.Context, in NewSignup) (User, error) {
	tenant, err := s.store.Tenants().FindBySlug(ctx, strings.ToLower(strings.TrimSpace(in.TenantSlug)))
	if errors.Is(err, ErrNotFound) || (err == nil && !tenant.Active) {
		s.hasher.VerifyDummy(in.Secret)
		return User{}, s.signupFailed(ctx, tenant.ID, "tenant unavailable")
	}
	if err != nil {
		return User{}, err
	}
	_, err = s.store.Users().FindByEmail(ctx, tenant.ID, normalizeEmail(in.Email))
	if err == nil {
		s.hasher.VerifyDummy(in.Secret)
		return User{}, s.signupFailed(ctx, tenant.ID, "email exists")
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}
	if err := s.selfServiceRole(ctx, tenant.ID); err != nil {
		return User{}, err
	}

	u, _, err := s.createUser(ctx, NewUser{TenantID: tenant.ID, Email: in.Email, Secret: in.Secret}, UserStatusPending)
	if errors.Is(err, ErrConflict) {
		return User{}, s.signupFailed(ctx, tenant.ID, "email exists")
	}
	if err != nil {
		return User{}, err
	}
	if err := s.issueVerification(ctx, u); err != nil {
		return User{}, err
	}
	obs.SignupOutcome("created")
	s.events.Record(ctx, Event{Name: EventSignup, TenantID: tenant.ID, UserID: u.ID, Success: true})
	return u, nil
}

// VerifyEmail redeems a verification token and activates the pending user.
// Redeeming an already used token again succeeds and changes nothing.
func (s *AdminService) VerifyEmail(ctx context.Context, raw string) (User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return User{}, s.verifyFailed(ctx, "", "empty token")
	}
	v, err := s.store.EmailVerifications().FindByHash(ctx, hashSecret(raw))
	if errors.Is(err, ErrNotFound) {
		return User{}, s.verifyFailed(ctx, "", "unknown token")
	}
	if err != nil {
		return User{}, err
	}
	first := v.VerifiedAt == nil
	if first {
		now := s.now().UTC()
		if !now.Before(v.ExpiresAt) {
			return User{}, s.verifyFailed(ctx, v.UserID, "expired")
		}
		err := s.store.EmailVerifications().Confirm(ctx, v.ID, now)
		if errors.Is(err, ErrConflict) {
			first = false
		} else if err != nil {
			return User{}, err
		}
	}
	u, err := s.store.Users().Find(ctx, v.UserID)
	if err != nil {
		return User{}, err
	}
	if first {
		s.invalidate(u.ID)
		obs.SignupOutcome("verified")
		s.events.Record(ctx, Event{Name: EventEmailVerified, TenantID: u.TenantID, UserID: u.ID, Success: true,
			Fields: map[string]any{"status": u.Status}})
	}
	return u, nil
}

func (s *AdminService) issueVerification(ctx context.Context, u User) error {
	raw, err := newSecret()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	v := EmailVerification{
		ID:        ids.New(),
		UserID:    u.ID,
		TokenHash: hashSecret(raw),
		ExpiresAt: now.Add(s.verifyTTL),
		CreatedAt: now,
	}
	if err := s.store.EmailVerifications().Create(ctx, &v); err != nil {
		return err
	}
	return s.sender.SendVerification(ctx, u, raw, v.ExpiresAt)
}

// selfServiceRole refuses signup when the default role would hand out
// system scope.
func (s *AdminService) selfServiceRole(ctx context.Context, tenantID string) error {
	if s.defaultRole == "" {
		return nil
	}
	r, err := s.store.Roles().FindByName(ctx, tenantID, s.defaultRole)
	if err != nil {
		return err
	}
	if r.Scope == RoleScopeSystem {
		obs.Logger().Error("default role has system scope; signup disabled", zap.String("role", r.Name))
		return ErrSignupRejected
	}
	return nil
}

func (s *AdminService) signupFailed(ctx context.Context, tenantID, reason string) error {
	obs.SignupOutcome("rejected")
	s.events.Record(ctx, Event{Name: EventSignupFailure, TenantID: tenantID, Reason: reason})
	return ErrSignupRejected
}

func (s *AdminService) verifyFailed(ctx context.Context, userID, reason string) error {
	obs.SignupOutcome("verify_failed")
	s.events.Record(ctx, Event{Name: EventSignupFailure, UserID: userID, Reason: reason})
	return ErrVerificationInvalid
}
