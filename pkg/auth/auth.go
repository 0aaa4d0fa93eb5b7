// Package auth resolves the tenant and principal of a request from the
// x-proxy-tenant-id header and an optional HS256 bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
	"github.com/Mindburn-Labs/settld/pkg/errs"
)

// Request headers.
const (
	HeaderTenant    = "x-proxy-tenant-id"
	HeaderOpsToken  = "x-proxy-ops-token"
	HeaderActorID   = "x-proxy-actor-id"
	HeaderActorType = "x-proxy-actor-type"
)

const defaultActorType = "agent"

// Claims are the JWT claims settld accepts.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// JWTValidator validates HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator returns nil when secret is empty, which disables bearer auth.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Sign issues a token for claims. Used by operators and tests.
func (v *JWTValidator) Sign(c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// Principal is the authenticated caller of a request.
type Principal struct {
	TenantID string
	Actor    contracts.Actor
	Roles    []string
	// Token is true when the tenant came from a verified bearer token.
	Token bool
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the Principal from the context.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func unauthorized(format string, args ...any) *errs.Error {
	return errs.New(errs.KindUnauthorized, errs.CodeUnauthorized, format, args...)
}

// Resolve determines the principal of r. With a validator configured a valid
// bearer token is required, and a tenant header, if sent, must match its
// tenant_id claim. Without one the tenant header alone scopes the request.
func Resolve(r *http.Request, v *JWTValidator) (Principal, error) {
	header := strings.TrimSpace(r.Header.Get(HeaderTenant))
	actor := contracts.Actor{
		Type: strings.TrimSpace(r.Header.Get(HeaderActorType)),
		ID:   strings.TrimSpace(r.Header.Get(HeaderActorID)),
	}
	if actor.Type == "" {
		actor.Type = defaultActorType
	}

	authz := r.Header.Get("Authorization")
	if v == nil {
		if authz != "" {
			return Principal{}, unauthorized("bearer authentication is not configured")
		}
		if header == "" {
			return Principal{}, unauthorized("%s header is required", HeaderTenant)
		}
		if actor.ID == "" {
			actor.ID = "anonymous"
		}
		return Principal{TenantID: header, Actor: actor}, nil
	}

	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return Principal{}, unauthorized("missing or malformed Authorization header")
	}
	claims, err := v.Validate(parts[1])
	if err != nil {
		return Principal{}, unauthorized("invalid or expired token")
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return Principal{}, unauthorized("token must bind a subject and tenant_id")
	}
	if header != "" && header != claims.TenantID {
		return Principal{}, unauthorized("tenant header does not match token").
			With("headerTenantId", header)
	}
	actor.ID = claims.Subject
	return Principal{TenantID: claims.TenantID, Actor: actor, Roles: claims.Roles, Token: true}, nil
}

// CheckOpsToken guards operator routes. An empty expected token disables
// the ops surface entirely.
func CheckOpsToken(r *http.Request, expected string) error {
	if expected == "" {
		return unauthorized("ops endpoints are disabled")
	}
	got := r.Header.Get(HeaderOpsToken)
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return unauthorized("invalid %s", HeaderOpsToken)
	}
	return nil
}
