package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"lexdesk.app/internal/audit"
	"lexdesk.app/internal/records"
)

type listRecordsResponse struct {
	Items     []*records.Record `json:"items"`
	NextAfter string            `json:"next_after,omitempty"`
}

type recordHandler func(http.ResponseWriter, *http.Request, records.Kind)

func (a *API) recordsHandler(kind records.Kind, fn recordHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, kind)
	})
}

func (a *API) handleListRecords(w http.ResponseWriter, r *http.Request, kind records.Kind) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), records.DefaultListLimit, 1, records.MaxListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	opts := records.ListOptions{
		Limit: limit,
		After: strings.TrimSpace(r.URL.Query().Get("after")),
	}
	items, err := a.records.List(r.Context(), kind, opts)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	resp := listRecordsResponse{Items: items}
	if resp.Items == nil {
		resp.Items = []*records.Record{}
	}
	if len(items) == limit {
		resp.NextAfter = items[len(items)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetRecord(w http.ResponseWriter, r *http.Request, kind records.Kind) {
	rec, err := a.records.Get(r.Context(), kind, r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleCreateRecord(w http.ResponseWriter, r *http.Request, kind records.Kind) {
	var req records.NewRecord
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := a.records.Create(r.Context(), kind, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = a.audit.LogEvent(r.Context(), audit.EventRecordCreated,
		slog.String("kind", kind.String()),
		slog.String("record_id", rec.ID),
	)
	w.Header().Set("Location", "/api/"+kind.String()+"/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if v < min || v > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return v, nil
}
