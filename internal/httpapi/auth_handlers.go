package httpapi

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/oops"

	"lexdesk.app/internal/audit"
	"lexdesk.app/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userView struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	Plan             auth.Plan `json:"plan"`
	OrganizationName string    `json:"organizationName"`
	Role             auth.Role `json:"role"`
}

type loginResponse struct {
	User               userView  `json:"user"`
	Token              string    `json:"token"`
	ExpiresAt          time.Time `json:"expiresAt"`
	MustChangePassword bool      `json:"mustChangePassword"`
}

type meResponse struct {
	User               userView  `json:"user"`
	OrganizationID     string    `json:"organizationId"`
	ExpiresAt          time.Time `json:"expiresAt"`
	MustChangePassword bool      `json:"mustChangePassword"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func newUserView(acc *auth.Account, org *auth.Organization) userView {
	return userView{
		ID:               acc.ID,
		Name:             acc.Name,
		Email:            acc.Email,
		Plan:             org.Plan,
		OrganizationName: org.Name,
		Role:             acc.Role,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if ok, wait := a.limiter.Allow(a.ips.clientIP(r)); !ok {
		a.metrics.LoginAttempt("limited")
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, r, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			a.metrics.LoginAttempt("invalid")
			attrs := []slog.Attr{slog.String("remote_ip", a.ips.clientIP(r))}
			if oopsErr, ok := oops.AsOops(err); ok {
				if reason, ok := oopsErr.Context()["reason"].(string); ok {
					attrs = append(attrs, slog.String("reason", reason))
				}
			}
			_ = a.audit.LogEvent(r.Context(), audit.EventLoginFailed, attrs...)
		} else {
			a.metrics.LoginAttempt("error")
		}
		a.writeServiceError(w, r, err)
		return
	}

	a.metrics.LoginAttempt("success")
	_ = a.audit.LogEvent(r.Context(), audit.EventLoginSucceeded,
		slog.String("account_id", res.Account.ID),
		slog.String("organization_id", res.Organization.ID),
		slog.String("remote_ip", a.ips.clientIP(r)),
	)
	writeJSON(w, http.StatusOK, loginResponse{
		User:               newUserView(res.Account, res.Organization),
		Token:              res.Token.Value,
		ExpiresAt:          res.Token.ExpiresAt,
		MustChangePassword: res.Account.MustRotate,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.RequireRole(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	acc, err := a.creds.Account(r.Context(), claims.AccountID())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	org, err := a.creds.Organization(r.Context(), claims.OrganizationID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	resp := meResponse{
		User:               newUserView(acc, org),
		OrganizationID:     org.ID,
		MustChangePassword: acc.MustRotate,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.RequireRole(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.creds.ChangePassword(r.Context(), claims.AccountID(), req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusForbidden, "current password is incorrect")
			return
		}
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventPasswordChanged)
	w.WriteHeader(http.StatusNoContent)
}
