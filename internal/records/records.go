// Package records holds the tenant-scoped business rows behind the clients,
// financial, agenda and leads endpoints. Every read and write is confined to
// the organization of the session claims in the request context.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lexdesk.app/internal/auth"
)

// Kind is the closed set of record collections.
type Kind uint8

const (
	kindUnknown Kind = iota
	KindClients
	KindFinancial
	KindAgenda
	KindLeads
)

// Kinds lists every collection.
var Kinds = []Kind{KindClients, KindFinancial, KindAgenda, KindLeads}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clients":
		return KindClients, nil
	case "financial":
		return KindFinancial, nil
	case "agenda":
		return KindAgenda, nil
	case "leads":
		return KindLeads, nil
	}
	return kindUnknown, fmt.Errorf("%w: unknown record kind %q", auth.ErrInvalidInput, s)
}

func (k Kind) String() string {
	switch k {
	case KindClients:
		return "clients"
	case KindFinancial:
		return "financial"
	case KindAgenda:
		return "agenda"
	case KindLeads:
		return "leads"
	case kindUnknown:
	}
	return "unknown"
}

func (k Kind) Valid() bool { return k >= KindClients && k <= KindLeads }

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: kind %d", auth.ErrInvalidInput, k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// AllowedFor reports whether role may read and write records of kind k.
func (k Kind) AllowedFor(role auth.Role) bool {
	switch k {
	case KindFinancial:
		return role.CanSeeFinancials()
	case KindClients, KindAgenda, KindLeads:
		return role.Valid()
	case kindUnknown:
	}
	return false
}

// Record is a business row owned by exactly one organization.
type Record struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	Kind           Kind            `json:"kind"`
	Title          string          `json:"title"`
	Data           json.RawMessage `json:"data"`
	CreatedBy      string          `json:"createdBy"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ListOptions pages through a collection in id order.
type ListOptions struct {
	Limit int
	After string
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
	maxTitleLen      = 200
)

func (o ListOptions) normalized() ListOptions {
	switch {
	case o.Limit <= 0:
		o.Limit = DefaultListLimit
	case o.Limit > MaxListLimit:
		o.Limit = MaxListLimit
	}
	o.After = strings.TrimSpace(o.After)
	return o
}

// Store persists records. Every method takes the owning organization and
// must never return rows of another one.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, orgID string, kind Kind, id string) (*Record, error)
	List(ctx context.Context, orgID string, kind Kind, opts ListOptions) ([]*Record, error)
}
