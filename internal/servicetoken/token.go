// Package servicetoken issues and validates short-lived internal JWTs the
// gateway attaches to compute service calls, so the compute process can
// reject traffic that did not come through the gateway.
package servicetoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is the default lifetime for internal service tokens.
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
	// Header carries the internal token on forwarded requests.
	Header = "X-Internal-Token"
)

// Signer issues short-lived HS256 internal service JWTs.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewSigner creates a signer. An empty secret disables signing: Sign returns
// an empty token and Attach is a no-op, so deployments without a shared
// secret still work.
func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = "gateway"
	}
	return &Signer{secret: []byte(strings.TrimSpace(secret)), issuer: issuer, ttl: ttl}
}

// Sign issues a token for the given audience.
func (s *Signer) Sign(audience string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", nil
	}
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Attach signs a token for the audience and sets it on the request header.
func (s *Signer) Attach(req *http.Request, audience string) error {
	token, err := s.Sign(audience)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set(Header, token)
	}
	return nil
}

// Verifier validates internal service JWTs.
type Verifier struct {
	secret   []byte
	audience string
	issuer   string
	leeway   time.Duration
}

// NewVerifier creates a verifier bound to one audience and issuer.
func NewVerifier(secret, issuer, audience string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("service token secret is required")
	}
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	return &Verifier{
		secret:   []byte(secret),
		audience: audience,
		issuer:   strings.TrimSpace(issuer),
		leeway:   DefaultLeeway,
	}, nil
}

// Verify parses and validates a token, returning its issuer subject.
func (v *Verifier) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty service token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("parse service token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid service token")
	}
	return claims.Subject, nil
}
