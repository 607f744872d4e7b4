package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	"lexdesk.app/internal/audit"
	"lexdesk.app/internal/auth"
)

type createMemberRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

type setRoleRequest struct {
	Role string `json:"role"`
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

type teamResponse struct {
	Members []*auth.Account `json:"members"`
}

func (a *API) handleListTeam(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	members, err := a.creds.ListAccounts(r.Context(), claims.OrganizationID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if members == nil {
		members = []*auth.Account{}
	}
	writeJSON(w, http.StatusOK, teamResponse{Members: members})
}

func (a *API) handleCreateMember(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req createMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	acc, err := a.creds.CreateAccount(r.Context(), auth.NewAccount{
		OrganizationID: claims.OrganizationID,
		Name:           req.Name,
		Email:          req.Email,
		Password:       req.Password,
		Role:           role,
		MustRotate:     true,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventAccountCreated,
		slog.String("target_id", acc.ID),
		slog.String("role", acc.Role.String()),
	)
	w.Header().Set("Location", "/api/team/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	id := strings.TrimSpace(r.PathValue("id"))
	var req setActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, r, http.StatusBadRequest, "active is required")
		return
	}
	if id == claims.AccountID() && !*req.Active {
		writeError(w, r, http.StatusBadRequest, "you cannot deactivate your own account")
		return
	}
	if err := a.creds.SetActive(r.Context(), claims.OrganizationID, id, *req.Active); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventAccountActivated,
		slog.String("target_id", id),
		slog.Bool("active", *req.Active),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetRole(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	id := strings.TrimSpace(r.PathValue("id"))
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if id == claims.AccountID() && !role.CanManageTeam() {
		writeError(w, r, http.StatusBadRequest, "you cannot remove your own administrator role")
		return
	}
	if err := a.creds.UpdateRole(r.Context(), claims.OrganizationID, id, role); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventRoleChanged,
		slog.String("target_id", id),
		slog.String("role", role.String()),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	id := strings.TrimSpace(r.PathValue("id"))
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.creds.ResetPassword(r.Context(), claims.OrganizationID, id, req.Password); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventPasswordReset, slog.String("target_id", id))
	w.WriteHeader(http.StatusNoContent)
}
