// Package models holds issuer registry records and their box encoding.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	NameMinLen = 3
	NameMaxLen = 64
	URLMinLen  = 10
	URLMaxLen  = 256
)

// Issuer is the authorization record for one ledger account. A zero RevokedAt
// means the issuer is active.
type Issuer struct {
	Address        string    `json:"address"`
	AddedAt        time.Time `json:"added_at"`
	RevokedAt      time.Time `json:"revoked_at,omitzero"`
	RevokeAllPrior bool      `json:"revoke_all_prior"`
	VouchedBy      string    `json:"vouched_by"`
}

// Active reports whether the issuer may mint.
func (i Issuer) Active() bool {
	return i.RevokedAt.IsZero()
}

// Metadata is the display information kept alongside an issuer record.
type Metadata struct {
	Name             string    `json:"name"`
	FullName         string    `json:"full_name,omitempty"`
	URL              string    `json:"url"`
	OrganizationType string    `json:"organization_type,omitempty"`
	Jurisdiction     string    `json:"jurisdiction,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Validate enforces the name and URL bounds.
func (m Metadata) Validate() error {
	var errs []error
	if n := utf8.RuneCountInString(m.Name); n < NameMinLen || n > NameMaxLen {
		errs = append(errs, fmt.Errorf("name must be %d to %d characters", NameMinLen, NameMaxLen))
	}
	if !strings.HasPrefix(m.URL, "http://") && !strings.HasPrefix(m.URL, "https://") {
		errs = append(errs, errors.New("url must start with http:// or https://"))
	} else if n := len(m.URL); n < URLMinLen || n > URLMaxLen {
		errs = append(errs, fmt.Errorf("url must be %d to %d characters", URLMinLen, URLMaxLen))
	}
	for field, v := range map[string]string{
		"full_name":         m.FullName,
		"organization_type": m.OrganizationType,
		"jurisdiction":      m.Jurisdiction,
	} {
		if len(v) > URLMaxLen {
			errs = append(errs, fmt.Errorf("%s must be at most %d bytes", field, URLMaxLen))
		}
	}
	return errors.Join(errs...)
}

// IssuerInfo is the combined view returned by lookups.
type IssuerInfo struct {
	Issuer
	Active   bool     `json:"active"`
	Metadata Metadata `json:"metadata"`
}

// CredentialRevocation records an explicitly revoked credential.
type CredentialRevocation struct {
	CredentialID string    `json:"credential_id"`
	RevokedAt    time.Time `json:"revoked_at"`
	Issuer       string    `json:"issuer"`
}

// CredentialStatus is the revocation verdict for one credential.
type CredentialStatus struct {
	Revoked bool   `json:"revoked"`
	Reason  string `json:"reason,omitempty"`
}

// Stats summarizes the registry.
type Stats struct {
	IssuerCount uint64 `json:"issuer_count"`
	Admin       string `json:"admin"`
}
