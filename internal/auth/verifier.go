package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

// DefaultTokenTTL is the lifetime of tokens issued by Sign.
const DefaultTokenTTL = 24 * time.Hour

var (
	// ErrMissingSecret is returned when no signing secret is configured.
	ErrMissingSecret = errors.New("jwt secret must be set")
	// ErrMissingSubject is returned for tokens without a sub claim.
	ErrMissingSubject = errors.New("token missing sub")
)

// Verifier validates HS256 access tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// VerifierOpts holds verifier settings.
type VerifierOpts struct {
	Issuer string
	Leeway time.Duration
}

// VerifierOption defines a configuration option for a Verifier.
type VerifierOption func(*VerifierOpts)

// WithIssuer requires tokens to carry iss.
func WithIssuer(iss string) VerifierOption {
	return func(o *VerifierOpts) { o.Issuer = iss }
}

// WithLeeway sets the allowed clock skew.
func WithLeeway(d time.Duration) VerifierOption {
	return func(o *VerifierOpts) { o.Leeway = d }
}

// NewVerifier builds a verifier for secret.
func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	cfg := VerifierOpts{Leeway: defaultLeeway}
	for _, opt := range opts {
		opt(&cfg)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: cfg.Issuer,
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// Verify parses and validates a token, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	var rc jwt.RegisteredClaims
	token, err := v.parser.ParseWithClaims(tokenString, &rc, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if rc.Subject == "" {
		return nil, ErrMissingSubject
	}
	claims := &Claims{Subject: rc.Subject, Issuer: rc.Issuer}
	if rc.ExpiresAt != nil {
		claims.ExpiresAt = rc.ExpiresAt.Time
	}
	return claims, nil
}

// Sign issues a token for subject valid for ttl. Used by tooling and tests.
func (v *Verifier) Sign(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	rc := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rc).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
