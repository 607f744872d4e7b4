package auth

import (
	"context"
	"errors"

	"github.com/samber/oops"
)

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Account      *Account
	Organization *Organization
	Token        Token
}

// SessionService ties credential verification to token issuance and checks
// presented tokens.
type SessionService struct {
	creds           *CredentialService
	issuer          *TokenIssuer
	checkGeneration bool
}

// SessionOption configures SessionService behavior.
type SessionOption func(*SessionService)

// WithGenerationCheck makes Authenticate reject tokens whose generation no
// longer matches the account, revoking sessions after a password, role or
// activation change. It costs one store lookup per request.
func WithGenerationCheck(enabled bool) SessionOption {
	return func(s *SessionService) { s.checkGeneration = enabled }
}

func NewSessionService(creds *CredentialService, issuer *TokenIssuer, opts ...SessionOption) (*SessionService, error) {
	if creds == nil || issuer == nil {
		return nil, errors.New("auth: credential service and token issuer are required")
	}
	s := &SessionService{creds: creds, issuer: issuer}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login verifies credentials and issues a session token. An inactive
// organization fails exactly like a wrong password.
func (s *SessionService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	acc, err := s.creds.VerifyCredentials(ctx, email, password)
	if err != nil {
		return nil, err
	}
	org, err := s.creds.Organization(ctx, acc.OrganizationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("AUTH_INVALID_CREDENTIALS").
				With("reason", "organization_missing").
				With("account_id", acc.ID).
				Wrap(ErrInvalidCredentials)
		}
		return nil, oops.Code("AUTH_LOGIN_FAILED").Wrap(err)
	}
	if !org.Active {
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").
			With("reason", "organization_inactive").
			With("account_id", acc.ID).
			With("organization_id", org.ID).
			Wrap(ErrInvalidCredentials)
	}
	tok, err := s.issuer.Issue(acc, org)
	if err != nil {
		return nil, oops.Code("AUTH_TOKEN_ISSUE_FAILED").Wrap(err)
	}
	return &LoginResult{Account: acc, Organization: org, Token: tok}, nil
}

// Authenticate verifies a presented token and, when enabled, its generation.
func (s *SessionService) Authenticate(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return nil, err
	}
	if !s.checkGeneration {
		return claims, nil
	}
	gen, err := s.creds.Store().Accounts().TokenGeneration(ctx, claims.AccountID())
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrRevoked
	case err != nil:
		return nil, err
	case gen != claims.Generation:
		return nil, ErrRevoked
	}
	return claims, nil
}

// Credentials returns the credential service used for logins.
func (s *SessionService) Credentials() *CredentialService { return s.creds }
