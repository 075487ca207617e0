package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"todoapi.org/internal/audit"
)

const (
	// Algorithm is the only signing algorithm accepted on bearer tokens.
	Algorithm = "EdDSA"
	// DefaultClockSkew is applied to both exp and nbf.
	DefaultClockSkew = 30 * time.Second
)

// Failure reasons recorded on AUTH_LOGIN_FAILURE events.
const (
	ReasonTokenExpired     = "token_expired"
	ReasonInvalidSignature = "invalid_signature"
	reasonValidationPrefix = "token_validation_failed: "
)

var (
	errMissingToken   = errors.New("missing bearer token")
	errMissingSubject = errors.New("token has no subject")
	errKeyMismatch    = errors.New("key cannot verify this algorithm")
)

// KeySource yields the verification key for a parsed, unverified token.
type KeySource interface {
	KeyForToken(ctx context.Context, token *jwt.Token) (jose.JSONWebKey, error)
}

// EventLogger is the part of the security event log used by this package.
type EventLogger interface {
	LoginFailure(ctx context.Context, reason, emailHash string, client audit.Client)
	Denied(ctx context.Context, subject, resource string, client audit.Client)
}

// Verifier validates bearer tokens issued by the identity provider.
type Verifier struct {
	keys   KeySource
	events EventLogger
	skew   time.Duration
	now    func() time.Time
}

// VerifierOption configures Verifier.
type VerifierOption func(*Verifier)

// WithClockSkew sets the tolerance applied to exp and nbf. Negative values are ignored.
func WithClockSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d >= 0 {
			v.skew = d
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewVerifier builds a Verifier. events receives one record per rejected token.
func NewVerifier(keys KeySource, events EventLogger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:   keys,
		events: events,
		skew:   DefaultClockSkew,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns the caller identity carried in the token's sub claim.
//
// Every rejection is logged once with a specific reason and reported to the
// caller as ErrCredentialsInvalid. Audience is deliberately not checked. If ctx
// is cancelled the attempt is dropped without logging and ctx.Err() is returned.
func (v *Verifier) Verify(ctx context.Context, raw string, client audit.Client) (string, error) {
	caller, err := v.verify(ctx, raw)
	if err == nil {
		return caller, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if v.events != nil {
		v.events.LoginFailure(ctx, FailureReason(err), "", client)
	}
	return "", ErrCredentialsInvalid
}

func (v *Verifier) verify(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return "", errMissingToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{Algorithm}),
		jwt.WithLeeway(v.skew),
		jwt.WithTimeFunc(v.now),
	)
	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(raw, &claims, v.keyfunc(ctx)); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubject
	}
	return claims.Subject, nil
}

func (v *Verifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		jwk, err := v.keys.KeyForToken(ctx, t)
		if err != nil {
			return nil, err
		}
		if jwk.Algorithm != "" && jwk.Algorithm != Algorithm {
			return nil, errKeyMismatch
		}
		pub, ok := jwk.Key.(ed25519.PublicKey)
		if !ok {
			return nil, errKeyMismatch
		}
		return pub, nil
	}
}

// FailureReason maps a verification error to the tag written to the
// security log.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, ErrKeyNotFound),
		errors.Is(err, errKeyMismatch):
		return ReasonInvalidSignature
	}
	return reasonValidationPrefix + failureCategory(err)
}

func failureCategory(err error) string {
	var fetchErr *KeyFetchError
	switch {
	case errors.Is(err, errMissingToken):
		return "missing_token"
	case errors.Is(err, ErrKeyIDMissing):
		return "missing_kid"
	case errors.As(err, &fetchErr):
		return "key_fetch"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "not_yet_valid"
	case errors.Is(err, errMissingSubject):
		return "missing_subject"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unverifiable"
	default:
		return "invalid_claims"
	}
}
