package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lexdesk.app/internal/audit"
	"lexdesk.app/internal/auth"
	"lexdesk.app/internal/obs"
	"lexdesk.app/internal/records"
)

const serviceName = "lexdesk"

// Readiness reports whether the service can take traffic.
type Readiness interface {
	Check(ctx context.Context) error
}

// ReadyFunc adapts a function to Readiness.
type ReadyFunc func(ctx context.Context) error

func (f ReadyFunc) Check(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// Options wires the API to its services.
type Options struct {
	Sessions *auth.SessionService
	Records  *records.Service
	Ready    Readiness
	Metrics  *obs.Metrics
	Logger   *slog.Logger
	Audit    *audit.Logger
	Version  string

	MaxBodyBytes       int64
	LoginRateBurst     int
	LoginRatePerSecond float64
	AllowedOrigins     []string
	// TrustedProxies lists addresses or CIDR prefixes whose
	// X-Forwarded-For header is believed.
	TrustedProxies []string
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	sessions *auth.SessionService
	creds    *auth.CredentialService
	records  *records.Service
	ready    Readiness
	metrics  *obs.Metrics
	logger   *slog.Logger
	audit    *audit.Logger
	limiter  *loginLimiter
	ips      ipResolver
	version  string

	maxBody int64
	origins []string
}

func New(opts Options) (*API, error) {
	if opts.Sessions == nil || opts.Records == nil {
		return nil, errors.New("httpapi: sessions and records services are required")
	}
	if opts.Ready == nil {
		opts.Ready = ReadyFunc(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = obs.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Audit == nil {
		opts.Audit = audit.New(opts.Logger)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.LoginRateBurst <= 0 {
		opts.LoginRateBurst = 10
	}
	if opts.LoginRatePerSecond <= 0 {
		opts.LoginRatePerSecond = 1
	}

	trusted, err := parseTrustedProxies(opts.TrustedProxies)
	if err != nil {
		return nil, err
	}

	a := &API{
		mux:      http.NewServeMux(),
		sessions: opts.Sessions,
		creds:    opts.Sessions.Credentials(),
		records:  opts.Records,
		ready:    opts.Ready,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		audit:    opts.Audit,
		limiter:  newLoginLimiter(opts.LoginRatePerSecond, opts.LoginRateBurst, 5*time.Minute),
		version:  opts.Version,
		maxBody:  opts.MaxBodyBytes,
		origins:  opts.AllowedOrigins,
		ips:      ipResolver{trusted: trusted},
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", a.metrics.Handler())

	a.mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	a.mux.Handle("GET /api/auth/me", a.guard(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("POST /api/auth/password", a.guard(http.HandlerFunc(a.handleChangePassword)))

	a.mux.Handle("GET /api/team", a.guard(a.teamOnly(a.handleListTeam)))
	a.mux.Handle("POST /api/team", a.guard(a.teamOnly(a.handleCreateMember)))
	a.mux.Handle("POST /api/team/{id}/active", a.guard(a.teamOnly(a.handleSetActive)))
	a.mux.Handle("POST /api/team/{id}/role", a.guard(a.teamOnly(a.handleSetRole)))
	a.mux.Handle("POST /api/team/{id}/password", a.guard(a.teamOnly(a.handleResetPassword)))

	for _, kind := range records.Kinds {
		base := "/api/" + kind.String()
		a.mux.Handle("GET "+base, a.guard(a.recordsHandler(kind, a.handleListRecords)))
		a.mux.Handle("POST "+base, a.guard(a.recordsHandler(kind, a.handleCreateRecord)))
		a.mux.Handle("GET "+base+"/{id}", a.guard(a.recordsHandler(kind, a.handleGetRecord)))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a, nil
}

// Handler returns the root handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = a.metrics.Instrument(h)
	h = Logging(a.logger, a.ips.clientIP)(h)
	h = Recover(a.logger)(h)
	return RequestID(h)
}

// Close stops background work owned by the API.
func (a *API) Close() {
	a.limiter.Close()
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		a.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, RequestID: obs.RequestIDFromContext(r.Context())})
}

// writeServiceError is the single translation point from service errors to
// HTTP responses. Client-facing messages never carry the specific reason of
// an authentication failure.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrStoreUnavailable):
		obs.LogError(r.Context(), a.logger, "store unavailable", err)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, auth.ErrUnauthenticated), auth.IsTokenError(err):
		writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, inputMessage(err))
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, r, http.StatusConflict, "email already registered")
	case errors.Is(err, auth.ErrDuplicateSlug):
		writeError(w, r, http.StatusConflict, "organization already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, r, http.StatusServiceUnavailable, "request timed out")
	default:
		obs.LogError(r.Context(), a.logger, "request failed", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

const retryAfterSeconds = 5

// inputMessage strips the sentinel prefix from validation errors.
func inputMessage(err error) string {
	msg, sentinel := err.Error(), auth.ErrInvalidInput.Error()
	if i := strings.LastIndex(msg, sentinel+": "); i >= 0 {
		return msg[i+len(sentinel)+2:]
	}
	if trimmed, ok := strings.CutSuffix(msg, ": "+sentinel); ok {
		return trimmed
	}
	return "invalid input"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		default:
			return fmt.Errorf("invalid JSON body: %v", err)
		}
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
