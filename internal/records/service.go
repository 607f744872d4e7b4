package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/oops"

	"lexdesk.app/internal/auth"
	"lexdesk.app/internal/ids"
)

// NewRecord is the caller-supplied part of a record.
type NewRecord struct {
	Title string          `json:"title"`
	Data  json.RawMessage `json:"data"`
}

// Service scopes record access to the caller's organization. The
// organization is always taken from the session claims, never from input.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("records: store is required")
	}
	return &Service{store: store, now: time.Now}, nil
}

func (s *Service) authorize(ctx context.Context, kind Kind) (*auth.Claims, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: invalid record kind", auth.ErrInvalidInput)
	}
	claims, err := auth.RequireRole(ctx)
	if err != nil {
		return nil, err
	}
	if !kind.AllowedFor(claims.Role) {
		return nil, oops.Code("RECORDS_FORBIDDEN").
			With("kind", kind.String()).
			With("role", claims.Role.String()).
			Wrap(auth.ErrForbidden)
	}
	return claims, nil
}

// List returns records of kind belonging to the caller's organization.
func (s *Service) List(ctx context.Context, kind Kind, opts ListOptions) ([]*Record, error) {
	claims, err := s.authorize(ctx, kind)
	if err != nil {
		return nil, err
	}
	out, err := s.store.List(ctx, claims.OrganizationID, kind, opts.normalized())
	if err != nil {
		return nil, oops.Code("RECORDS_LIST_FAILED").With("kind", kind.String()).Wrap(err)
	}
	return out, nil
}

// Get returns one record of the caller's organization. Records of other
// organizations are reported as not found.
func (s *Service) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	claims, err := s.authorize(ctx, kind)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, claims.OrganizationID, kind, strings.TrimSpace(id))
	if err != nil {
		return nil, oops.Code("RECORDS_GET_FAILED").With("kind", kind.String()).With("id", id).Wrap(err)
	}
	return rec, nil
}

// Create stores a new record owned by the caller's organization.
func (s *Service) Create(ctx context.Context, kind Kind, in NewRecord) (*Record, error) {
	claims, err := s.authorize(ctx, kind)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLen {
		return nil, fmt.Errorf("%w: title must have 1 to %d characters", auth.ErrInvalidInput, maxTitleLen)
	}
	data, err := normalizeData(in.Data)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:             ids.New(),
		OrganizationID: claims.OrganizationID,
		Kind:           kind,
		Title:          title,
		Data:           data,
		CreatedBy:      claims.AccountID(),
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, oops.Code("RECORDS_CREATE_FAILED").With("kind", kind.String()).Wrap(err)
	}
	return rec, nil
}

// normalizeData accepts an absent payload or a JSON object.
func normalizeData(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: data must be a JSON object", auth.ErrInvalidInput)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: data must be a JSON object", auth.ErrInvalidInput)
	}
	return out, nil
}
