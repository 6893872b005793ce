package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for flow and registry failures.
var (
	ErrProviderUnknown       = errors.New("unknown provider")
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrStateMismatch         = errors.New("state does not match login request")
	ErrNoRefreshToken        = errors.New("no refresh token available")
	ErrNotAuthenticated      = errors.New("not authenticated")
)

// ValidationKind names the token check that failed. Callers branch on the
// kind; the wrapped error carries the detail for logs.
type ValidationKind string

const (
	ValidationMalformed        ValidationKind = "malformed"
	ValidationKeyResolution    ValidationKind = "key_resolution"
	ValidationBadSignature     ValidationKind = "bad_signature"
	ValidationIssuerMismatch   ValidationKind = "issuer_mismatch"
	ValidationAudienceMismatch ValidationKind = "audience_mismatch"
	ValidationExpired          ValidationKind = "expired"
	ValidationNonceMismatch    ValidationKind = "nonce_mismatch"
)

// ValidationError is a token verification failure tagged with the specific
// check that rejected the token.
type ValidationError struct {
	Kind ValidationKind
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "token validation failed: " + string(e.Kind)
	}
	return fmt.Sprintf("token validation failed (%s): %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func validationErr(kind ValidationKind, err error) error {
	return &ValidationError{Kind: kind, Err: err}
}

func validationErrf(kind ValidationKind, format string, args ...any) error {
	return &ValidationError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KeyResolutionError reports that a verification key could not be obtained:
// either the JWKS fetch failed or the requested kid stayed absent after a
// forced refetch.
type KeyResolutionError struct {
	Provider string
	KeyID    string
	Err      error
}

func (e *KeyResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve key %q for provider %s: %v", e.KeyID, e.Provider, e.Err)
	}
	return fmt.Sprintf("no key %q in JWKS for provider %s", e.KeyID, e.Provider)
}

func (e *KeyResolutionError) Unwrap() error { return e.Err }
