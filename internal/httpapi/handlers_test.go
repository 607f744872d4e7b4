package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lexdesk.app/internal/auth"
	"lexdesk.app/internal/obs"
	"lexdesk.app/internal/records"
)

const testSecret = "httpapi-test-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	api     *API
	creds   *auth.CredentialService
	clock   *testClock
	logs    *syncBuffer
	metrics *obs.Metrics
}

type envConfig struct {
	recordStore     records.Store
	checkGeneration bool
	rateBurst       int
	ready           Readiness
	trustedProxies  []string
}

type envOption func(*envConfig)

func withRecordStore(s records.Store) envOption { return func(c *envConfig) { c.recordStore = s } }
func withGenerationCheck() envOption            { return func(c *envConfig) { c.checkGeneration = true } }
func withRateBurst(n int) envOption             { return func(c *envConfig) { c.rateBurst = n } }
func withReady(r Readiness) envOption           { return func(c *envConfig) { c.ready = r } }
func withTrustedProxies(p ...string) envOption  { return func(c *envConfig) { c.trustedProxies = p } }

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{recordStore: records.NewMemoryStore(), rateBurst: 1000}
	for _, opt := range opts {
		opt(&cfg)
	}

	logs := &syncBuffer{}
	logger := obs.NewLogger("lexdesk", "test", "json", "debug", logs)

	hasher, err := auth.NewBcryptHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewBcryptHasher: %v", err)
	}
	creds, err := auth.NewCredentialService(auth.NewMemoryStore(), auth.WithHasher(hasher), auth.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewCredentialService: %v", err)
	}
	clock := &testClock{now: time.Now().UTC()}
	issuer, err := auth.NewTokenIssuer([]byte(testSecret), auth.WithIssuerClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	sessions, err := auth.NewSessionService(creds, issuer, auth.WithGenerationCheck(cfg.checkGeneration))
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	recs, err := records.NewService(cfg.recordStore)
	if err != nil {
		t.Fatalf("records.NewService: %v", err)
	}

	metrics := obs.NewMetrics()
	api, err := New(Options{
		Sessions:           sessions,
		Records:            recs,
		Ready:              cfg.ready,
		Metrics:            metrics,
		Logger:             logger,
		Version:            "test",
		LoginRateBurst:     cfg.rateBurst,
		LoginRatePerSecond: 0.001,
		TrustedProxies:     cfg.trustedProxies,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		api.Close()
	})

	return &testEnv{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		api:     api,
		creds:   creds,
		clock:   clock,
		logs:    logs,
		metrics: metrics,
	}
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *http.Response {
	e.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			data, err := json.Marshal(body)
			if err != nil {
				e.t.Fatalf("marshal body: %v", err)
			}
			raw = string(data)
		}
		payload = bytes.NewBufferString(raw)
	}
	req, err := http.NewRequest(method, e.baseURL+path, payload)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) post(path string, body any, token string) *http.Response {
	e.t.Helper()
	return e.do(http.MethodPost, path, body, bearerHeader(token))
}

func (e *testEnv) get(path, token string) *http.Response {
	e.t.Helper()
	return e.do(http.MethodGet, path, nil, bearerHeader(token))
}

func bearerHeader(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func (e *testEnv) org(name, slug string, plan auth.Plan) *auth.Organization {
	e.t.Helper()
	org, err := e.creds.CreateOrganization(context.Background(), name, slug, plan)
	if err != nil {
		e.t.Fatalf("CreateOrganization: %v", err)
	}
	return org
}

func (e *testEnv) account(org *auth.Organization, name, email, password string, role auth.Role) *auth.Account {
	e.t.Helper()
	acc, err := e.creds.CreateAccount(context.Background(), auth.NewAccount{
		OrganizationID: org.ID,
		Name:           name,
		Email:          email,
		Password:       password,
		Role:           role,
	})
	if err != nil {
		e.t.Fatalf("CreateAccount: %v", err)
	}
	return acc
}

func (e *testEnv) login(email, password string) loginResponse {
	e.t.Helper()
	resp := e.post("/api/auth/login", map[string]string{"email": email, "password": password}, "")
	expectStatus(e.t, resp, http.StatusOK)
	payload := decode[loginResponse](e.t, resp)
	if payload.Token == "" {
		e.t.Fatalf("empty token issued")
	}
	return payload
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		t.Fatalf("status=%d, want %d (body %s)", r.StatusCode, want, body)
	}
}

func expectError(t *testing.T, r *http.Response, want int) errorResponse {
	t.Helper()
	expectStatus(t, r, want)
	body := decode[errorResponse](t, r)
	if body.Error == "" {
		t.Fatalf("expected error message in body")
	}
	if body.RequestID == "" {
		t.Fatalf("expected request_id in error body")
	}
	return body
}

func TestLoginReturnsUserAndToken(t *testing.T) {
	env := newTestEnv(t)
	org := env.org("Acme", "acme", auth.PlanProfessional)
	acc := env.account(org, "Ana", "a@acme.test", "pw1234", auth.RoleLawyer)

	got := env.login("A@Acme.test", "pw1234")

	want := userView{
		ID:               acc.ID,
		Name:             "Ana",
		Email:            "a@acme.test",
		Plan:             auth.PlanProfessional,
		OrganizationName: "Acme",
		Role:             auth.RoleLawyer,
	}
	if got.User != want {
		t.Fatalf("user=%+v, want %+v", got.User, want)
	}
	if d := got.ExpiresAt.Sub(env.clock.Now()); d < 11*time.Hour || d > 12*time.Hour {
		t.Fatalf("token lifetime %v, want 12h", d)
	}
}

func TestLoginWireFormat(t *testing.T) {
	env := newTestEnv(t)
	org := env.org("Acme", "acme", auth.PlanMaster)
	env.account(org, "Ana", "a@acme.test", "pw1234", auth.RoleFinancial)

	resp := env.post("/api/auth/login", map[string]string{"email": "a@acme.test", "password": "pw1234"}, "")
	expectStatus(t, resp, http.StatusOK)
	raw := decode[map[string]any](t, resp)

	user, ok := raw["user"].(map[string]any)
	if !ok {
		t.Fatalf("user object missing: %v", raw)
	}
	for key, want := range map[string]string{
		"name":             "Ana",
		"email":            "a@acme.test",
		"plan":             "master",
		"organizationName": "Acme",
		"role":             "financial",
	} {
		if user[key] != want {
			t.Fatalf("user.%s=%v, want %q", key, user[key], want)
		}
	}
	if _, ok := raw["token"].(string); !ok {
		t.Fatalf("token missing: %v", raw)
	}
}

func TestLoginFailuresLookAlike(t *testing.T) {
	env := newTestEnv(t)
	org := env.org("Acme", "acme", auth.PlanBasic)
	env.account(org, "Ana", "a@acme.test", "pw1234", auth.RoleLawyer)

	wrong := expectError(t, env.post("/api/auth/login", map[string]string{"email": "a@acme.test", "password": "nope12"}, ""), http.StatusUnauthorized)
	unknown := expectError(t, env.post("/api/auth/login", map[string]string{"email": "z@acme.test", "password": "pw1234"}, ""), http.StatusUnauthorized)
	if wrong.Error != unknown.Error {
		t.Fatalf("failure messages differ: %q vs %q", wrong.Error, unknown.Error)
	}

	if err := env.creds.SetOrganizationActive(context.Background(), "acme", false); err != nil {
		t.Fatalf("SetOrganizationActive: %v", err)
	}
	inactive := expectError(t, env.post("/api/auth/login", map[string]string{"email": "a@acme.test", "password": "pw1234"}, ""), http.StatusUnauthorized)
	if inactive.Error != wrong.Error {
		t.Fatalf("inactive organization leaks a distinct message: %q", inactive.Error)
	}

	if strings.Contains(env.logs.String(), "pw1234") {
		t.Fatalf("plaintext password found in logs")
	}
}

func TestLoginBadBody(t *testing.T) {
	env := newTestEnv(t)
	expectError(t, env.post("/api/auth/login", "{not json", ""), http.StatusBadRequest)
	expectError(t, env.post("/api/auth/login", map[string]any{"email": "a@b.c", "password": "x", "extra": 1}, ""), http.StatusBadRequest)
	expectError(t, env.post("/api/auth/login", nil, ""), http.StatusBadRequest)
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, withRateBurst(2))
	body := map[string]string{"email": "a@acme.test", "password": "nope12"}

	for i := 0; i < 2; i++ {
		expectError(t, env.post("/api/auth/login", body, ""), http.StatusUnauthorized)
	}
	resp := env.post("/api/auth/login", body, "")
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	expectError(t, resp, http.StatusTooManyRequests)
}

func TestLoginRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	env := newTestEnv(t, withRateBurst(2))
	body := map[string]string{"email": "a@acme.test", "password": "nope12"}

	for i := 0; i < 2; i++ {
		resp := env.do(http.MethodPost, "/api/auth/login", body, map[string]string{"X-Forwarded-For": fmt.Sprintf("10.0.0.%d", i)})
		expectError(t, resp, http.StatusUnauthorized)
	}
	resp := env.do(http.MethodPost, "/api/auth/login", body, map[string]string{"X-Forwarded-For": "10.0.0.99"})
	expectError(t, resp, http.StatusTooManyRequests)
}

func TestLoginRateLimitPerForwardedClientBehindTrustedProxy(t *testing.T) {
	env := newTestEnv(t, withRateBurst(1), withTrustedProxies("127.0.0.1", "::1"))
	body := map[string]string{"email": "a@acme.test", "password": "nope12"}

	for i := 0; i < 3; i++ {
		resp := env.do(http.MethodPost, "/api/auth/login", body, map[string]string{"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", i)})
		expectError(t, resp, http.StatusUnauthorized)
	}
	resp := env.do(http.MethodPost, "/api/auth/login", body, map[string]string{"X-Forwarded-For": "203.0.113.0"})
	expectError(t, resp, http.StatusTooManyRequests)
}

func TestAcmeScenarioTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	acme := env.org("Acme", "acme", auth.PlanProfessional)
	beta := env.org("Beta", "beta", auth.PlanBasic)
	env.account(acme, "Ana", "a@acme.test", "pw1234", auth.RoleLawyer)
	env.account(beta, "Bruno", "b@beta.test", "pw5678", auth.RoleLawyer)

	acmeToken := env.login("a@acme.test", "pw1234").Token
	betaToken := env.login("b@beta.test", "pw5678").Token

	for _, title := range []string{"Acme client 1", "Acme client 2"} {
		expectStatus(t, env.post("/api/clients", map[string]any{"title": title, "data": map[string]string{"phone": "1"}}, acmeToken), http.StatusCreated)
	}
	betaResp := env.post("/api/clients", map[string]any{"title": "Beta client"}, betaToken)
	expectStatus(t, betaResp, http.StatusCreated)
	betaRec := decode[records.Record](t, betaResp)

	list := decode[listRecordsResponse](t, env.get("/api/clients", acmeToken))
	if len(list.Items) != 2 {
		t.Fatalf("acme sees %d clients, want 2", len(list.Items))
	}
	for _, rec := range list.Items {
		if rec.OrganizationID != acme.ID {
			t.Fatalf("acme sees record of %s", rec.OrganizationID)
		}
	}

	expectError(t, env.get("/api/clients/"+betaRec.ID, acmeToken), http.StatusNotFound)
	got := decode[records.Record](t, env.get("/api/clients/"+betaRec.ID, betaToken))
	if got.Title != "Beta client" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestRecordCreateRejectsOrganizationField(t *testing.T) {
	env := newTestEnv(t)
	acme := env.org("Acme", "acme", auth.PlanProfessional)
	beta := env.org("Beta", "beta", auth.PlanBasic)
	env.account(acme, "Ana", "a@acme.test", "pw1234", auth.RoleAdmin)
	token := env.login("a@acme.test", "pw1234").Token

	resp := env.post("/api/leads", map[string]any{"title": "Lead", "organizationId": beta.ID}, token)
	expectError(t, resp, http.StatusBadRequest)

	resp = env.post("/api/leads", map[string]any{"title": "Lead"}, token)
	expectStatus(t, resp, http.StatusCreated)
	if loc := resp.Header.Get("Location"); loc == "" {
		t.Fatalf("missing Location header")
	}
	rec := decode[records.Record](t, resp)
	if rec.OrganizationID != acme.ID || rec.Kind != records.KindLeads {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRecordsPagination(t *testing.T) {
	env := newTestEnv(t)
	acme := env.org("Acme", "acme", auth.PlanProfessional)
	env.account(acme, "Ana", "a@acme.test", "pw1234", auth.RoleAssistant)
	token := env.login("a@acme.test", "pw1234").Token

	for i := 0; i < 3; i++ {
		expectStatus(t, env.post("/api/agenda", map[string]any{"title": "Hearing"}, token), http.StatusCreated)
	}
	first := decode[listRecordsResponse](t, env.get("/api/agenda?limit=2", token))
	if len(first.Items) != 2 || first.NextAfter == "" {
		t.Fatalf("first page: %d items, next %q", len(first.Items), first.NextAfter)
	}
	second := decode[listRecordsResponse](t, env.get("/api/agenda?limit=2&after="+first.NextAfter, token))
	if len(second.Items) != 1 || second.NextAfter != "" {
		t.Fatalf("second page: %d items, next %q", len(second.Items), second.NextAfter)
	}
	expectError(t, env.get("/api/agenda?limit=0", token), http.StatusBadRequest)
	expectError(t, env.get("/api/agenda?limit=abc", token), http.StatusBadRequest)
}

type unavailableRecords struct{}

func (unavailableRecords) Create(context.Context, *records.Record) error {
	return auth.ErrStoreUnavailable
}
func (unavailableRecords) Get(context.Context, string, records.Kind, string) (*records.Record, error) {
	return nil, auth.ErrStoreUnavailable
}
func (unavailableRecords) List(context.Context, string, records.Kind, records.ListOptions) ([]*records.Record, error) {
	return nil, auth.ErrStoreUnavailable
}

func TestStoreUnavailableIs503(t *testing.T) {
	env := newTestEnv(t, withRecordStore(unavailableRecords{}))
	acme := env.org("Acme", "acme", auth.PlanProfessional)
	env.account(acme, "Ana", "a@acme.test", "pw1234", auth.RoleLawyer)
	token := env.login("a@acme.test", "pw1234").Token

	resp := env.get("/api/clients", token)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	expectError(t, resp, http.StatusServiceUnavailable)
}

func TestMeAndChangePassword(t *testing.T) {
	env := newTestEnv(t)
	acme := env.org("Acme", "acme", auth.PlanProfessional)
	acc := env.account(acme, "Ana", "a@acme.test", "pw1234", auth.RoleLawyer)
	token := env.login("a@acme.test", "pw1234").Token

	me := decode[meResponse](t, env.get("/api/auth/me", token))
	if me.User.ID != acc.ID || me.OrganizationID != acme.ID || me.User.OrganizationName != "Acme" {
		t.Fatalf("unexpected me: %+v", me)
	}

	expectError(t, env.post("/api/auth/password", map[string]string{"currentPassword": "wrong1", "newPassword": "pw9999"}, token), http.StatusForbidden)
	expectError(t, env.post("/api/auth/password", map[string]string{"currentPassword": "pw1234", "newPassword": "x"}, token), http.StatusBadRequest)

	resp := env.post("/api/auth/password", map[string]string{"currentPassword": "pw1234", "newPassword": "pw9999"}, token)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	expectError(t, env.post("/api/auth/login", map[string]string{"email": "a@acme.test", "password": "pw1234"}, ""), http.StatusUnauthorized)
	env.login("a@acme.test", "pw9999")
}

func TestHealthReadyMetrics(t *testing.T) {
	var ready = true
	var mu sync.Mutex
	env := newTestEnv(t, withReady(ReadyFunc(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if !ready {
			return auth.ErrStoreUnavailable
		}
		return nil
	})))

	health := decode[map[string]any](t, env.get("/healthz", ""))
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected healthz: %v", health)
	}
	expectStatus(t, env.get("/readyz", ""), http.StatusOK)

	mu.Lock()
	ready = false
	mu.Unlock()
	resp := env.get("/readyz", "")
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()

	env.post("/api/auth/login", map[string]string{"email": "a@b.test", "password": "nope12"}, "").Body.Close()
	resp = env.get("/metrics", "")
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`lexdesk_login_attempts_total{outcome="invalid"} 1`,
		`lexdesk_http_requests_total{method="GET",path="/readyz",status="503"} 1`,
	} {
		if !bytes.Contains(body, []byte(want)) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	expectError(t, env.get("/api/invoices", ""), http.StatusNotFound)
}
