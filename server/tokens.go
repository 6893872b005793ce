package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenValidator verifies ID tokens: signature against the provider's JWKS,
// then the standard claims in a fixed order. Every failure carries the
// specific check that failed; nothing collapses into a generic "invalid".
type TokenValidator struct {
	keys   *KeyCache
	logger *slog.Logger
}

// NewTokenValidator constructs a validator on top of a key cache.
func NewTokenValidator(keys *KeyCache, logger *slog.Logger) *TokenValidator {
	return &TokenValidator{keys: keys, logger: logger}
}

// Verify checks rawToken against the provider snapshot and returns the full
// claim set. Checks run in order and each mismatch is a hard failure:
// structure, signing key, signature (asymmetric only), issuer, audience,
// expiry, and nonce when expectedNonce is non-empty.
func (v *TokenValidator) Verify(ctx context.Context, provider string, pc ProviderConfig, rawToken, expectedNonce string) (map[string]any, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, err := v.keys.Resolve(ctx, provider, pc.JWKSURI, kid)
		if err != nil {
			return nil, err
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	iss, _ := claims["iss"].(string)
	if iss != pc.Issuer {
		return nil, validationErrf(ValidationIssuerMismatch, "got issuer %q, want %q", iss, pc.Issuer)
	}

	if !audienceContains(claims["aud"], pc.ClientID) {
		return nil, validationErrf(ValidationAudienceMismatch, "audience does not include client %q", pc.ClientID)
	}

	exp := claimTime(claims["exp"])
	if exp.IsZero() || !time.Now().Before(exp) {
		return nil, validationErrf(ValidationExpired, "token expired at %v", exp)
	}

	if expectedNonce != "" {
		nonce, _ := claims["nonce"].(string)
		if nonce != expectedNonce {
			return nil, validationErr(ValidationNonceMismatch, errors.New("nonce does not match login request"))
		}
	}

	return map[string]any(claims), nil
}

// classifyParseError maps golang-jwt parse failures onto validation kinds.
func classifyParseError(err error) error {
	var keyErr *KeyResolutionError
	switch {
	case errors.As(err, &keyErr):
		return validationErr(ValidationKeyResolution, keyErr)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return validationErr(ValidationMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return validationErr(ValidationBadSignature, err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// Covers rejected algorithms, "none" and symmetric methods included.
		return validationErr(ValidationBadSignature, err)
	default:
		return validationErr(ValidationMalformed, err)
	}
}

// audienceContains reports whether the aud claim (single value or list)
// includes clientID.
func audienceContains(aud any, clientID string) bool {
	switch v := aud.(type) {
	case string:
		return v == clientID
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == clientID {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == clientID {
				return true
			}
		}
	}
	return false
}

func claimTime(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	case json.Number:
		i, _ := v.Int64()
		return time.Unix(i, 0)
	default:
		return time.Time{}
	}
}
