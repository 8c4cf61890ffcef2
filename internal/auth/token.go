// Package auth turns bearer tokens into tenant.IdentityClaims. It checks
// signature, issuer and audience only; whether the claims grant access to a
// tenant, including expiry, is decided by authz.Gate.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/tenant"
)

// ErrInvalidToken is returned for missing, malformed or unverifiable tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

const bearerPrefix = "bearer "

// Claims is the JWT body issued to tenant principals.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewVerifier returns a Verifier. Empty issuer or audience are not checked.
func NewVerifier(secret []byte, issuer, audience string) *Verifier {
	return &Verifier{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		// Time-based claims are left to authz.Gate so that an expired
		// credential is audited as a denial rather than rejected here.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// Verify parses token and returns its identity claims.
func (v *Verifier) Verify(token string) (tenant.IdentityClaims, error) {
	var c Claims
	tok, err := v.parser.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return tenant.IdentityClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	switch {
	case !tok.Valid:
		return tenant.IdentityClaims{}, ErrInvalidToken
	case c.Subject == "":
		return tenant.IdentityClaims{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	case c.ExpiresAt == nil:
		return tenant.IdentityClaims{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	case v.issuer != "" && c.Issuer != v.issuer:
		return tenant.IdentityClaims{}, fmt.Errorf("%w: issuer %q", ErrInvalidToken, c.Issuer)
	case v.audience != "" && !slices.Contains(c.Audience, v.audience):
		return tenant.IdentityClaims{}, fmt.Errorf("%w: audience", ErrInvalidToken)
	}

	claims := tenant.IdentityClaims{
		Subject:  c.Subject,
		TenantID: c.TenantID,
		Expiry:   c.ExpiresAt.Time.UTC(),
	}
	if c.IssuedAt != nil {
		claims.IssuedAt = c.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// Issue signs a token for subject in tenantID. Credential issuance belongs
// to the identity provider; this exists for tests and local tooling.
func (v *Verifier) Issue(subject, tenantID string, now time.Time, ttl time.Duration) (string, error) {
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
	}
	if v.audience != "" {
		c.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	h := strings.TrimSpace(header)
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrInvalidToken
	}
	tok := strings.TrimSpace(h[len(bearerPrefix):])
	if tok == "" {
		return "", ErrInvalidToken
	}
	return tok, nil
}

type claimsKey struct{}

// WithClaims stores verified claims in ctx.
func WithClaims(ctx context.Context, c tenant.IdentityClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims stored by WithClaims.
func ClaimsFrom(ctx context.Context) (tenant.IdentityClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(tenant.IdentityClaims)
	return c, ok
}
