// Package auth resolves the calling user from a bearer token.
package auth

import (
	"context"
	"time"
)

type ctxKey int

const claimsKey ctxKey = iota

// Claims contains the verified token details the API needs.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

// WithClaims stores claims in a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFromContext returns claims from a context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// UserID returns the subject of the claims in ctx, or "".
func UserID(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok && claims != nil {
		return claims.Subject
	}
	return ""
}
