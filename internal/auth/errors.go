package auth

import "errors"

// Store errors.
var (
	ErrNotFound      = errors.New("auth: not found")
	ErrConflict      = errors.New("auth: resource conflict")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrImmutableRole = errors.New("auth: system role is immutable")
)

// Credential and token errors.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTenantInactive     = errors.New("auth: tenant inactive")
	ErrAccountSuspended   = errors.New("auth: account not active")
	ErrEmailNotVerified   = errors.New("auth: email not verified")

	// ErrSignupRejected hides whether the tenant or the address was the problem.
	ErrSignupRejected      = errors.New("auth: unable to create account")
	ErrVerificationInvalid = errors.New("auth: verification token invalid or expired")

	ErrRefreshInvalid = errors.New("auth: refresh token invalid")
	ErrRefreshExpired = errors.New("auth: refresh token expired")
	// ErrRefreshReused means a rotated token was presented again. The whole
	// family has been revoked by the time this is returned.
	ErrRefreshReused = errors.New("auth: refresh token reuse detected")
	// ErrRefreshBusy is retryable: a concurrent rotation of the same token did
	// not finish in time or was won by another instance.
	ErrRefreshBusy = errors.New("auth: refresh in progress, retry")

	ErrTokenMalformed = errors.New("auth: access token malformed")
	ErrTokenExpired   = errors.New("auth: access token expired")

	ErrPermissionDenied = errors.New("auth: permission denied")
)
