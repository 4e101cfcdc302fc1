package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/waqedi/identity/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "waqedi-auth"
	defaultAudience   = "waqedi-api"

	tokenTypeAccess = "access"
	clockSkew       = 5 * time.Second
)

// AccessClaims is the claim set carried by access tokens. It is validated as
// a whole on decode; a token missing any field is malformed.
type AccessClaims struct {
	TenantID     string   `json:"tenant_id"`
	DepartmentID string   `json:"dept_id,omitempty"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions"`
	TokenType    string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Validate runs after the registered claims were checked by the parser.
func (c *AccessClaims) Validate() error {
	if strings.TrimSpace(c.Subject) == "" {
		return errors.New("subject missing")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant_id missing")
	}
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("jti missing")
	}
	if c.TokenType != tokenTypeAccess {
		return fmt.Errorf("unexpected token_type %q", c.TokenType)
	}
	if c.IssuedAt == nil || c.ExpiresAt == nil {
		return errors.New("timestamps missing")
	}
	if c.ExpiresAt.Before(c.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	for _, p := range c.Permissions {
		if _, err := ParsePermission(p); err != nil {
			return err
		}
	}
	return nil
}

// Issuer mints and verifies access tokens and mints refresh tokens.
type Issuer struct {
	keys       *KeyRing
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer)

// WithIssuer overrides the iss claim.
func WithIssuer(iss string) IssuerOption {
	return func(i *Issuer) {
		if iss = strings.TrimSpace(iss); iss != "" {
			i.issuer = iss
		}
	}
}

// WithAudience overrides the aud claim.
func WithAudience(aud string) IssuerOption {
	return func(i *Issuer) {
		if aud = strings.TrimSpace(aud); aud != "" {
			i.audience = aud
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.refreshTTL = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer signing with the ring's active key.
func NewIssuer(keys *KeyRing, opts ...IssuerOption) (*Issuer, error) {
	if keys == nil {
		return nil, errors.New("auth: key ring is required")
	}
	i := &Issuer{
		keys:       keys,
		issuer:     defaultIssuer,
		audience:   defaultAudience,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Keys exposes the key ring, e.g. for JWKS publication or rotation.
func (i *Issuer) Keys() *KeyRing { return i.keys }

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// IssueAccessToken signs a claim set for p valid from now.
func (i *Issuer) IssueAccessToken(p Principal, now time.Time) (string, time.Time, error) {
	if p.UserID == "" || p.TenantID == "" {
		return "", time.Time{}, fmt.Errorf("%w: principal without user or tenant", ErrInvalidInput)
	}
	now = now.UTC().Truncate(time.Second)
	exp := now.Add(i.accessTTL)
	claims := AccessClaims{
		TenantID:     p.TenantID,
		DepartmentID: p.DepartmentID,
		Roles:        p.RoleNames(),
		Permissions:  p.TokenPermissions(),
		TokenType:    tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   p.UserID,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	key := i.keys.signingKey()
	token := jwt.NewWithClaims(key.Method, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.sign)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer, audience, expiry and claim
// schema. Errors are ErrTokenExpired or wrap ErrTokenMalformed.
func (i *Issuer) Verify(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, i.keys.keyFunc,
		jwt.WithValidMethods(i.keys.methods()),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// NewRefreshToken generates an opaque refresh token. An empty familyID starts
// a new family. Only the hash ends up in the returned record.
func (i *Issuer) NewRefreshToken(userID, familyID string, now time.Time) (string, *RefreshToken, error) {
	raw, err := newSecret()
	if err != nil {
		return "", nil, err
	}
	if familyID == "" {
		familyID = uuid.NewString()
	}
	now = now.UTC()
	return raw, &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		FamilyID:  familyID,
		TokenHash: HashRefreshToken(raw),
		ExpiresAt: now.Add(i.refreshTTL),
		CreatedAt: now,
	}, nil
}

// HashRefreshToken returns the lookup key stored for a raw refresh token.
func HashRefreshToken(raw string) string { return hashSecret(raw) }

// newSecret returns 32 random bytes, URL-safe encoded.
func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
