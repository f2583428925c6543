package vectorstore

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/cortexd/internal/identity"
)

var (
	// ErrInvalidTenant is returned for empty or malformed tenant identifiers,
	// and by every Index given a zero TenantFilter.
	ErrInvalidTenant = errors.New("invalid tenant identifier")

	// ErrInvalidTenantField is returned for a malformed payload field name.
	ErrInvalidTenantField = errors.New("invalid tenant field name")
)

var tenantFieldPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

// DefaultTenantField is the payload key that stores a chunk's tenant.
const DefaultTenantField = "tenant_id"

// TenantFilter is an equality filter on the tenant payload field. The zero
// value is invalid and rejected by every Index.
type TenantFilter struct {
	field  string
	tenant string
}

// NewTenantFilter validates and builds a filter. An empty field uses
// DefaultTenantField.
func NewTenantFilter(field, tenant string) (TenantFilter, error) {
	if field == "" {
		field = DefaultTenantField
	}
	if !tenantFieldPattern.MatchString(field) {
		return TenantFilter{}, fmt.Errorf("%w: %q", ErrInvalidTenantField, field)
	}
	if !identity.ValidTenantID(tenant) {
		return TenantFilter{}, fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return TenantFilter{field: field, tenant: tenant}, nil
}

// Field is the payload key filtered on.
func (f TenantFilter) Field() string { return f.field }

// Tenant is the required value of Field.
func (f TenantFilter) Tenant() string { return f.tenant }

// IsZero reports whether f was not built by NewTenantFilter.
func (f TenantFilter) IsZero() bool { return f.field == "" || f.tenant == "" }

func (f TenantFilter) String() string {
	return f.field + "=" + f.tenant
}

// check is called by every Index operation.
func (f TenantFilter) check() error {
	if f.IsZero() {
		return fmt.Errorf("%w: zero tenant filter", ErrInvalidTenant)
	}
	return nil
}
