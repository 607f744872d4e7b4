package auth

import (
	"context"

	"github.com/samber/oops"
)

// CanManageTeam reports whether r may create, deactivate or re-role accounts.
func (r Role) CanManageTeam() bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleLawyer, RoleAssistant, RoleFinancial, roleUnknown:
		return false
	}
	return false
}

// CanSeeFinancials reports whether r may read and write financial records.
func (r Role) CanSeeFinancials() bool {
	switch r {
	case RoleAdmin, RoleLawyer, RoleFinancial:
		return true
	case RoleAssistant, roleUnknown:
		return false
	}
	return false
}

// RequireRole returns the claims in ctx if their role is one of roles.
// Without claims it fails with ErrUnauthenticated; with the wrong role,
// ErrForbidden.
func RequireRole(ctx context.Context, roles ...Role) (*Claims, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if len(roles) > 0 && !claims.HasRole(roles...) {
		return nil, oops.Code("AUTH_FORBIDDEN").
			With("account_id", claims.AccountID()).
			With("role", claims.Role.String()).
			Wrap(ErrForbidden)
	}
	return claims, nil
}
