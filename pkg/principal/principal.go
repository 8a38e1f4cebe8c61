// Package principal defines the authenticated identities a session can hold:
// individual users and company accounts. Both kinds share the same base shape
// (id, email, display name, role); companies carry an additive profile
// extension that is never required for authentication decisions.
package principal

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies which of the two principal types a session belongs to.
type Kind string

const (
	KindUser    Kind = "user"
	KindCompany Kind = "company"
)

// Valid reports whether the kind is one of the two known values.
func (k Kind) Valid() bool {
	return k == KindUser || k == KindCompany
}

// ParseKind parses a kind from its string form.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case KindUser:
		return KindUser, nil
	case KindCompany:
		return KindCompany, nil
	default:
		return "", fmt.Errorf("unknown principal kind: %q", s)
	}
}

// Principal is the identity held by an authenticated session.
type Principal struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`

	// Company profile extension. Optional and additive; authentication
	// decisions never depend on any of these fields.
	Profile *CompanyProfile `json:"profile,omitempty"`
}

// CompanyProfile carries the extended fields of a company principal.
type CompanyProfile struct {
	LogoURL   string     `json:"logo_url,omitempty"`
	Website   string     `json:"website,omitempty"`
	Industry  string     `json:"industry,omitempty"`
	Size      string     `json:"size,omitempty"`
	Verified  bool       `json:"verified,omitempty"`
	AdminID   string     `json:"admin_id,omitempty"`
	JobCount  int        `json:"job_count,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// DisplayName returns the principal's name, falling back to the local part
// of the email address when no name is known.
func (p *Principal) DisplayName() string {
	if p == nil {
		return ""
	}
	if p.Name != "" {
		return p.Name
	}
	if at := strings.Index(p.Email, "@"); at > 0 {
		return p.Email[:at]
	}
	return p.Email
}

// Usable reports whether the principal carries enough identity to back a
// session. A principal without an email cannot be trusted.
func (p *Principal) Usable() bool {
	return p != nil && p.Email != ""
}

// Clone returns a deep copy of the principal.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	out := *p
	if p.Profile != nil {
		profile := *p.Profile
		out.Profile = &profile
	}
	return &out
}

// Merge overlays update onto existing and returns the result. A field from
// update wins only when it is set; fields the update omits keep their
// previously known values, so a minimal authority response never erases
// identity the session already holds. Neither argument is mutated.
func Merge(existing, update *Principal) *Principal {
	if update == nil {
		return existing.Clone()
	}
	if existing == nil {
		return update.Clone()
	}

	merged := existing.Clone()
	if update.ID != "" {
		merged.ID = update.ID
	}
	if update.Email != "" {
		merged.Email = update.Email
	}
	if update.Name != "" {
		merged.Name = update.Name
	}
	if update.Role != "" {
		merged.Role = update.Role
	}
	if update.Profile != nil {
		merged.Profile = mergeProfile(merged.Profile, update.Profile)
	}
	return merged
}

func mergeProfile(existing, update *CompanyProfile) *CompanyProfile {
	if existing == nil {
		profile := *update
		return &profile
	}

	merged := *existing
	if update.LogoURL != "" {
		merged.LogoURL = update.LogoURL
	}
	if update.Website != "" {
		merged.Website = update.Website
	}
	if update.Industry != "" {
		merged.Industry = update.Industry
	}
	if update.Size != "" {
		merged.Size = update.Size
	}
	if update.Verified {
		merged.Verified = true
	}
	if update.AdminID != "" {
		merged.AdminID = update.AdminID
	}
	if update.JobCount != 0 {
		merged.JobCount = update.JobCount
	}
	if update.CreatedAt != nil {
		merged.CreatedAt = update.CreatedAt
	}
	if update.UpdatedAt != nil {
		merged.UpdatedAt = update.UpdatedAt
	}
	return &merged
}
