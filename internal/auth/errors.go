package auth

import "errors"

var (
	ErrNotFound         = errors.New("auth: not found")
	ErrInvalidInput     = errors.New("auth: invalid input")
	ErrDuplicateEmail   = errors.New("auth: email already registered")
	ErrDuplicateSlug    = errors.New("auth: organization slug already registered")
	ErrStoreUnavailable = errors.New("auth: credential store unavailable")

	// ErrInvalidCredentials covers unknown email, inactive account or
	// organization, and password mismatch alike.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	ErrMalformedToken = errors.New("auth: malformed token")
	ErrBadSignature   = errors.New("auth: bad token signature")
	ErrExpired        = errors.New("auth: token expired")
	ErrRevoked        = errors.New("auth: token revoked")

	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")
)

// IsTokenError reports whether err means the presented token cannot be trusted.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrBadSignature) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrRevoked)
}

// TokenErrorReason returns a short label for metrics and logs.
func TokenErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "other"
	}
}
