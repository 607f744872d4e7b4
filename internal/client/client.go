// Package client talks to a running lexdesk server over its HTTP API and
// the gRPC health service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lexdesk.app/internal/auth"
	"lexdesk.app/internal/records"
)

// ErrRateLimited is returned when the server answers 429.
var ErrRateLimited = errors.New("client: rate limited")

// Error is a non-2xx answer. It unwraps to the auth sentinel matching the
// status so callers can use errors.Is.
type Error struct {
	StatusCode int
	Message    string
	RequestID  string

	err error
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("lexdesk: %d %s (request %s)", e.StatusCode, e.Message, e.RequestID)
	}
	return fmt.Sprintf("lexdesk: %d %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// User is the account summary returned by login and /api/auth/me.
type User struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	Plan             auth.Plan `json:"plan"`
	OrganizationName string    `json:"organizationName"`
	Role             auth.Role `json:"role"`
}

// Session is a successful login.
type Session struct {
	User               User      `json:"user"`
	Token              string    `json:"token"`
	ExpiresAt          time.Time `json:"expiresAt"`
	MustChangePassword bool      `json:"mustChangePassword"`
}

// Page is one slice of a record collection.
type Page struct {
	Items     []*records.Record `json:"items"`
	NextAfter string            `json:"next_after"`
}

type Option func(*Client)

// WithHTTPClient replaces the default client with a 10s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken starts the client with an existing session token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// Client is safe for sequential use. Login stores the token for later calls.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New returns a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL: u.String(),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Token returns the current session token, if any.
func (c *Client) Token() string { return c.token }

// Anonymous returns a copy of c without a session token.
func (c *Client) Anonymous() *Client {
	cp := *c
	cp.token = ""
	return &cp
}

// Login exchanges credentials for a session and keeps its token.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &s)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			apiErr.err = auth.ErrInvalidCredentials
		}
		return nil, err
	}
	c.token = s.Token
	return &s, nil
}

// Me returns the account behind the current token.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var resp struct {
		User User `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// ChangePassword rotates the caller's password.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	return c.do(ctx, http.MethodPost, "/api/auth/password", map[string]string{
		"currentPassword": current,
		"newPassword":     next,
	}, nil)
}

// ListRecords pages through kind. Zero limit uses the server default.
func (c *Client) ListRecords(ctx context.Context, kind records.Kind, limit int, after string) (*Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if after != "" {
		q.Set("after", after)
	}
	path := "/api/" + kind.String()
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var p Page
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetRecord fetches one record of kind.
func (c *Client) GetRecord(ctx context.Context, kind records.Kind, id string) (*records.Record, error) {
	var rec records.Record
	if err := c.do(ctx, http.MethodGet, "/api/"+kind.String()+"/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecord adds a record to kind in the caller's organization.
func (c *Client) CreateRecord(ctx context.Context, kind records.Kind, in records.NewRecord) (*records.Record, error) {
	var rec records.Record
	if err := c.do(ctx, http.MethodPost, "/api/"+kind.String(), in, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
	if payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}
	return &Error{
		StatusCode: resp.StatusCode,
		Message:    payload.Error,
		RequestID:  payload.RequestID,
		err:        sentinelFor(resp.StatusCode),
	}
}

func sentinelFor(code int) error {
	switch code {
	case http.StatusBadRequest:
		return auth.ErrInvalidInput
	case http.StatusUnauthorized:
		return auth.ErrUnauthenticated
	case http.StatusForbidden:
		return auth.ErrForbidden
	case http.StatusNotFound:
		return auth.ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return auth.ErrStoreUnavailable
	}
	return nil
}
