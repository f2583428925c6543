// Package identity models the authenticated caller of a query.
//
// An Identity is produced by a Resolver from an inbound credential and is
// read-only afterwards. The effective tenant for retrieval and caching is
// always the first allowed tenant; it is never taken from request payloads.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// DLPLevel is the caller's data-loss-prevention clearance.
type DLPLevel string

const (
	// DLPStandard callers always receive redacted answers while DLP is enabled.
	DLPStandard DLPLevel = "standard"
	// DLPPrivileged callers are exempt from redaction only.
	DLPPrivileged DLPLevel = "privileged"
)

var (
	// ErrNoTenantScope is returned when an identity has no allowed tenants.
	ErrNoTenantScope = errors.New("identity has no tenant scope")

	// ErrInvalidDLPLevel is returned when parsing an unknown clearance.
	ErrInvalidDLPLevel = errors.New("invalid dlp level")

	// ErrInvalidTenant is returned for a tenant ID that cannot be used as a
	// retrieval filter value.
	ErrInvalidTenant = errors.New("invalid tenant identifier")
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]{0,127}$`)

// ValidTenantID reports whether s is a well-formed tenant ID: up to 128
// characters of letters, digits and "._:-", starting alphanumeric.
func ValidTenantID(s string) bool { return tenantPattern.MatchString(s) }

// ParseDLPLevel parses "standard" or "privileged" (case-insensitive).
// An empty string parses as standard.
func ParseDLPLevel(s string) (DLPLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(DLPStandard):
		return DLPStandard, nil
	case string(DLPPrivileged):
		return DLPPrivileged, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDLPLevel, s)
	}
}

// Identity is an immutable, already-authenticated caller descriptor.
type Identity struct {
	userID  string
	tenants []string
	level   DLPLevel
}

// New builds an Identity. The tenant slice is copied. Any level other than
// DLPPrivileged is treated as DLPStandard.
func New(userID string, tenants []string, level DLPLevel) Identity {
	if level != DLPPrivileged {
		level = DLPStandard
	}
	return Identity{
		userID:  userID,
		tenants: slices.Clone(tenants),
		level:   level,
	}
}

// UserID returns the caller's user identifier.
func (i Identity) UserID() string { return i.userID }

// DLPLevel returns the caller's clearance.
func (i Identity) DLPLevel() DLPLevel {
	if i.level == "" {
		return DLPStandard
	}
	return i.level
}

// AllowedTenants returns a copy of the ordered tenant scope.
func (i Identity) AllowedTenants() []string { return slices.Clone(i.tenants) }

// EffectiveTenant returns the first allowed tenant. It fails with
// ErrNoTenantScope when there is none and ErrInvalidTenant when it is
// malformed.
func (i Identity) EffectiveTenant() (string, error) {
	if len(i.tenants) == 0 || strings.TrimSpace(i.tenants[0]) == "" {
		return "", ErrNoTenantScope
	}
	if !ValidTenantID(i.tenants[0]) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, i.tenants[0])
	}
	return i.tenants[0], nil
}

// String omits nothing sensitive; identities hold no secrets.
func (i Identity) String() string {
	return fmt.Sprintf("identity{user=%s tenants=%v dlp=%s}", i.userID, i.tenants, i.DLPLevel())
}

type ctxKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
