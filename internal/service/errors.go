package service

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmailAlreadyInUse  = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")

	// ErrInvalidCredential covers malformed or unverifiable tokens. No
	// ledger state changes on this path.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrCredentialExpired means the link was valid but past its expiry;
	// that one link is revoked, siblings are untouched.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrCredentialRejected means reuse or an unknown credential was
	// detected and every active session for the user has been revoked.
	ErrCredentialRejected = errors.New("credential rejected")

	ErrMFARequired      = errors.New("mfa required")
	ErrInvalidMFACode   = errors.New("invalid mfa code")
	ErrMFANotConfigured = errors.New("mfa not configured")
)
