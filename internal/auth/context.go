package auth

import "context"

type claimsContextKey struct{}

// ContextWithClaims attaches the verified session claims to the context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	cp := *claims
	return context.WithValue(ctx, claimsContextKey{}, &cp)
}

// ClaimsFromContext extracts the verified session claims from the context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
