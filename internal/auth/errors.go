// Package auth implements the widget authentication gate: public API key
// format checks, tenant lookup, tenant status enforcement and the per-tenant
// origin allow-list.
package auth

import (
	"errors"
	"fmt"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// Kind classifies why a request was rejected.
type Kind int

const (
	MissingCredential Kind = iota + 1
	InvalidCredentialFormat
	InvalidCredential
	TenantNotActive
	DomainNotAllowed
)

// String returns a stable, log-friendly name for k.
func (k Kind) String() string {
	switch k {
	case MissingCredential:
		return "missing_credential"
	case InvalidCredentialFormat:
		return "invalid_credential_format"
	case InvalidCredential:
		return "invalid_credential"
	case TenantNotActive:
		return "tenant_not_active"
	case DomainNotAllowed:
		return "domain_not_allowed"
	}
	return "unknown"
}

// Error is a rejection produced by the gate. Status and OriginAllowed are
// set only for TenantNotActive; OriginAllowed reports whether the declared
// origin would have passed the tenant's allow-list.
type Error struct {
	Kind          Kind
	Status        domain.TenantStatus
	Origin        string
	OriginAllowed bool
}

func (e *Error) Error() string {
	switch e.Kind {
	case TenantNotActive:
		return fmt.Sprintf("auth: tenant is %s", e.Status)
	case DomainNotAllowed:
		return fmt.Sprintf("auth: origin %q not allowed", e.Origin)
	}
	return "auth: " + e.Kind.String()
}

// KindOf returns the rejection kind carried by err, or 0 when err is not an
// *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

func reject(k Kind) *Error { return &Error{Kind: k} }
