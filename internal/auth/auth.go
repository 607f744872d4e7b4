package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultIssuer   = "lexdesk"
	DefaultTokenTTL = 12 * time.Hour

	issuedAtSkew = 5 * time.Second
)

// Claims is the identity asserted by a session token.
type Claims struct {
	OrganizationID string `json:"org"`
	Role           Role   `json:"role"`
	Plan           Plan   `json:"plan"`
	Generation     int64  `json:"gen"`
	jwt.RegisteredClaims
}

// AccountID returns the account the token was issued to.
func (c *Claims) AccountID() string { return c.Subject }

// HasRole reports whether the claim's role is one of roles.
func (c *Claims) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// Token is a signed session token and its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenIssuer mints and verifies HS256 session tokens. The secret is fixed at
// construction and never leaves the issuer.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// IssuerOption configures TokenIssuer behavior.
type IssuerOption func(*TokenIssuer)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) IssuerOption {
	return func(i *TokenIssuer) {
		if v := strings.TrimSpace(issuer); v != "" {
			i.issuer = v
		}
	}
}

// WithTokenTTL configures token lifetime.
func WithTokenTTL(ttl time.Duration) IssuerOption {
	return func(i *TokenIssuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuerClock overrides time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *TokenIssuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewTokenIssuer returns an issuer signing with secret.
func NewTokenIssuer(secret []byte, opts ...IssuerOption) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: token secret is not configured")
	}
	iss := &TokenIssuer{
		secret: append([]byte(nil), secret...),
		issuer: DefaultIssuer,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// Issue signs a token for acc, a member of org.
func (i *TokenIssuer) Issue(acc *Account, org *Organization) (Token, error) {
	if acc == nil || org == nil {
		return Token{}, fmt.Errorf("%w: account and organization are required", ErrInvalidInput)
	}
	if acc.OrganizationID != org.ID {
		return Token{}, fmt.Errorf("%w: account does not belong to organization", ErrInvalidInput)
	}
	if !acc.Role.Valid() || !org.Plan.Valid() {
		return Token{}, fmt.Errorf("%w: account role or organization plan unset", ErrInvalidInput)
	}

	// NumericDate has second precision; truncate so ExpiresAt matches the claim.
	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(i.ttl)
	claims := Claims{
		OrganizationID: org.ID,
		Role:           acc.Role,
		Plan:           org.Plan,
		Generation:     acc.TokenGeneration,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   acc.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: exp}, nil
}

// Verify checks the token signature and expiry and returns its claims. It
// fails with ErrMalformedToken, ErrBadSignature or ErrExpired. The signature
// is checked over everything before the last dot before the header or
// payload is decoded, so any change to them reports ErrBadSignature.
func (i *TokenIssuer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	first := strings.IndexByte(token, '.')
	last := strings.LastIndexByte(token, '.')
	if first <= 0 || last-first < 2 || last == len(token)-1 {
		return nil, ErrMalformedToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[last+1:])
	if err != nil {
		return nil, ErrMalformedToken
	}
	if err := jwt.SigningMethodHS256.Verify(token[:last], sig, i.secret); err != nil {
		return nil, ErrBadSignature
	}

	claims := &Claims{}
	if _, err := i.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, ErrBadSignature
		}
		return nil, ErrMalformedToken
	}
	if err := i.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (i *TokenIssuer) validateClaims(claims *Claims) error {
	if claims.Issuer != i.issuer {
		return fmt.Errorf("%w: unexpected issuer %q", ErrMalformedToken, claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.OrganizationID) == "" {
		return fmt.Errorf("%w: subject or organization missing", ErrMalformedToken)
	}
	if !claims.Role.Valid() {
		return fmt.Errorf("%w: role missing", ErrMalformedToken)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return fmt.Errorf("%w: timestamps missing", ErrMalformedToken)
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return fmt.Errorf("%w: expiry precedes issued-at", ErrMalformedToken)
	}
	now := i.now().UTC()
	if !now.Before(claims.ExpiresAt.Time) {
		return ErrExpired
	}
	if claims.IssuedAt.Time.After(now.Add(issuedAtSkew)) {
		return fmt.Errorf("%w: issued in the future", ErrMalformedToken)
	}
	return nil
}
