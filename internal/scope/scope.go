// Package scope carries the tenant boundary of an operation. A Scope value is
// built once per request (by the auth middleware or a background job) and
// threaded explicitly through every component call; components apply it to
// every query instead of re-deriving tenancy ad hoc.
package scope

import "gorm.io/gorm"

// Scope is either bound to one tenant or global. The zero value is unusable
// on purpose: constructing a Scope goes through ForTenant or Global, so a
// query path cannot accidentally skip the tenant predicate.
type Scope struct {
	tenantID uint
	global   bool
	valid    bool
}

// ForTenant returns a scope bound to a single tenant.
func ForTenant(tenantID uint) Scope {
	return Scope{tenantID: tenantID, valid: true}
}

// Global returns an unscoped capability. A global scope never filters
// implicitly; callers narrow it with ForTenant when targeting one tenant.
func Global() Scope {
	return Scope{global: true, valid: true}
}

func (s Scope) IsGlobal() bool { return s.valid && s.global }

// TenantID returns the bound tenant, if any.
func (s Scope) TenantID() (uint, bool) {
	if !s.valid || s.global {
		return 0, false
	}
	return s.tenantID, true
}

// Apply predicates db on the scope's tenant. A global scope passes the query
// through untouched; an invalid (zero) scope matches nothing rather than
// everything.
func (s Scope) Apply(db *gorm.DB) *gorm.DB {
	if !s.valid {
		return db.Where("1 = 0")
	}
	if s.global {
		return db
	}
	return db.Where("tenant_id = ?", s.tenantID)
}

// ApplyTable is Apply with a qualified column for joined queries.
func (s Scope) ApplyTable(db *gorm.DB, table string) *gorm.DB {
	if !s.valid {
		return db.Where("1 = 0")
	}
	if s.global {
		return db
	}
	return db.Where(table+".tenant_id = ?", s.tenantID)
}

// CanAccess reports whether a row with the given tenant id (nil = global row)
// is visible to this scope.
func (s Scope) CanAccess(tenantID *uint) bool {
	if !s.valid {
		return false
	}
	if s.global {
		return true
	}
	return tenantID != nil && *tenantID == s.tenantID
}
