package auth

import (
	"context"
	"time"
)

// LoadPrincipal resolves the grants held by user.
func LoadPrincipal(ctx context.Context, store Store, user User) (Principal, error) {
	grants, err := store.Roles().Grants(ctx, user.ID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		UserID:       user.ID,
		TenantID:     user.TenantID,
		DepartmentID: user.DepartmentID,
		Grants:       grants,
	}, nil
}

// Mint issues an access token and a refresh token for p. The refresh record is
// returned unpersisted; the caller decides between Create and Rotate.
func (i *Issuer) Mint(p Principal, familyID string, now time.Time) (Session, *RefreshToken, error) {
	access, accessExp, err := i.IssueAccessToken(p, now)
	if err != nil {
		return Session{}, nil, err
	}
	raw, rec, err := i.NewRefreshToken(p.UserID, familyID, now)
	if err != nil {
		return Session{}, nil, err
	}
	return Session{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     raw,
		RefreshExpiresAt: rec.ExpiresAt,
		Principal:        p,
	}, rec, nil
}
