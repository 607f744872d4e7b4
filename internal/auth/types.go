package auth

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Role is the closed set of account roles inside an organization.
type Role uint8

const (
	roleUnknown Role = iota
	RoleAdmin
	RoleLawyer
	RoleAssistant
	RoleFinancial
)

// Roles lists every valid role in display order.
var Roles = []Role{RoleAdmin, RoleLawyer, RoleAssistant, RoleFinancial}

// ParseRole converts the wire name of a role. Input is case-insensitive.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "lawyer":
		return RoleLawyer, nil
	case "assistant":
		return RoleAssistant, nil
	case "financial":
		return RoleFinancial, nil
	}
	return roleUnknown, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleLawyer:
		return "lawyer"
	case RoleAssistant:
		return "assistant"
	case RoleFinancial:
		return "financial"
	case roleUnknown:
	}
	return "unknown"
}

// Valid reports whether r is one of Roles.
func (r Role) Valid() bool {
	return r >= RoleAdmin && r <= RoleFinancial
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: role %d", ErrInvalidInput, r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Plan is the subscription plan of an organization.
type Plan uint8

const (
	planUnknown Plan = iota
	PlanBasic
	PlanProfessional
	PlanMaster
)

// ParsePlan converts the wire name of a plan.
func ParsePlan(s string) (Plan, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return PlanBasic, nil
	case "professional":
		return PlanProfessional, nil
	case "master":
		return PlanMaster, nil
	}
	return planUnknown, fmt.Errorf("%w: unknown plan %q", ErrInvalidInput, s)
}

func (p Plan) String() string {
	switch p {
	case PlanBasic:
		return "basic"
	case PlanProfessional:
		return "professional"
	case PlanMaster:
		return "master"
	case planUnknown:
	}
	return "unknown"
}

func (p Plan) Valid() bool {
	return p >= PlanBasic && p <= PlanMaster
}

func (p Plan) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: plan %d", ErrInvalidInput, p)
	}
	return []byte(p.String()), nil
}

func (p *Plan) UnmarshalText(b []byte) error {
	parsed, err := ParsePlan(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Organization is a tenant. Every account and business record belongs to exactly one.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Plan      Plan      `json:"plan"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Account is a person operating on behalf of an organization.
type Account struct {
	ID              string    `json:"id"`
	OrganizationID  string    `json:"organizationId"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"-"`
	Role            Role      `json:"role"`
	Active          bool      `json:"active"`
	MustRotate      bool      `json:"mustChangePassword"`
	TokenGeneration int64     `json:"-"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// NewAccount carries the input of CreateAccount.
type NewAccount struct {
	OrganizationID string
	Name           string
	Email          string
	Password       string
	Role           Role
	MustRotate     bool
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// NormalizeEmail lower-cases and trims an email address. Emails are unique
// across all organizations after normalization.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

// ValidSlug reports whether s can be used as an organization slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}
