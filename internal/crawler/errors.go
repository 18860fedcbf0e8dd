package crawler

import "errors"

var (
	// ErrInvalidConfig marks a tenant configuration rejected at intake.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrSpaceNotFound means a configured space name matched no space.
	ErrSpaceNotFound = errors.New("space not found")
	// ErrTenantNotFound means no configuration exists for the tenant.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrNoWebsites means the tenant's filter matched nothing.
	ErrNoWebsites = errors.New("no websites matched")
	// ErrReconfigured means the tenant was replaced while an operation that
	// started against its previous configuration was in flight.
	ErrReconfigured = errors.New("tenant was reconfigured")
)
