package authz

import (
	"fmt"

	"aurex.org/internal/identity"
)

// PermissionError names the permission that was missing. The name is for
// admin tooling and logs; handlers must only surface it to callers that
// authenticated successfully.
type PermissionError struct {
	Missing string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("authz: missing permission %s", e.Missing)
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	// Missing names the permission that blocked a denied check.
	Missing string
}

// Deny converts a denied decision into its error form; nil when allowed.
func (d Decision) Deny() error {
	if d.Allowed {
		return nil
	}
	return &PermissionError{Missing: d.Missing}
}

// Check gates an operation on an account's resolved permission set.
//
// Resolution order: an account awaiting approval is denied regardless of its
// nominal tier; an explicit AdminProfile override list, when present, is used
// exclusively; otherwise the tier default set applies, with super_admin
// implicitly holding the full catalog.
func Check(acc *identity.Account, perm string) Decision {
	deny := Decision{Missing: perm}
	if acc == nil || !acc.IsActive() {
		return deny
	}
	if acc.NeedsApproval {
		return deny
	}
	if acc.Kind != identity.KindAdmin || acc.Admin == nil {
		return deny
	}
	if acc.Admin.PermissionOverride != nil {
		for _, p := range acc.Admin.PermissionOverride {
			if p == perm {
				return Decision{Allowed: true}
			}
		}
		return deny
	}
	if acc.Admin.Tier == identity.TierSuperAdmin {
		if Known(perm) {
			return Decision{Allowed: true}
		}
		return deny
	}
	for _, p := range tierDefaults[acc.Admin.Tier] {
		if p == perm {
			return Decision{Allowed: true}
		}
	}
	return deny
}

// Require is the error-returning form of Check.
func Require(acc *identity.Account, perm string) error {
	return Check(acc, perm).Deny()
}
