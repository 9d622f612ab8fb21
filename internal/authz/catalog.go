package authz

import "aurex.org/internal/identity"

// Permission strings, grouped by resource. The catalog is static: operations
// reference these constants and the admin tooling lists them, nothing is
// registered at runtime.
const (
	PermUserRead    = "user:read"
	PermUserCreate  = "user:create"
	PermUserUpdate  = "user:update"
	PermUserDelete  = "user:delete"
	PermUserSuspend = "user:suspend"

	PermAdminRead       = "admin:read"
	PermAdminCreate     = "admin:create"
	PermAdminUpdate     = "admin:update"
	PermAdminDelete     = "admin:delete"
	PermAdminPermission = "admin:permission"

	PermTradeRead   = "trade:read"
	PermTradeCreate = "trade:create"
	PermTradeUpdate = "trade:update"
	PermTradeDelete = "trade:delete"

	PermWalletRead   = "wallet:read"
	PermWalletUpdate = "wallet:update"

	PermReportRead   = "report:read"
	PermReportExport = "report:export"

	PermAuditRead = "audit:read"
)

// Catalog is the full set of known permissions with operator-facing
// descriptions.
var Catalog = map[string]string{
	PermUserRead:        "view customer accounts",
	PermUserCreate:      "create customer accounts",
	PermUserUpdate:      "edit customer accounts",
	PermUserDelete:      "delete customer accounts",
	PermUserSuspend:     "suspend customer accounts",
	PermAdminRead:       "view administrator accounts",
	PermAdminCreate:     "create administrator accounts",
	PermAdminUpdate:     "edit administrator accounts",
	PermAdminDelete:     "delete administrator accounts",
	PermAdminPermission: "manage administrator tiers and permissions",
	PermTradeRead:       "view trades",
	PermTradeCreate:     "create trades",
	PermTradeUpdate:     "edit trades",
	PermTradeDelete:     "delete trades",
	PermWalletRead:      "view wallets",
	PermWalletUpdate:    "edit wallets",
	PermReportRead:      "view reports",
	PermReportExport:    "export reports",
	PermAuditRead:       "read the audit trail",
}

// tierDefaults maps each role tier to its default permission set. super_admin
// is absent on purpose: it implicitly receives the whole catalog.
var tierDefaults = map[identity.RoleTier][]string{
	identity.TierChief: {
		PermUserRead, PermUserCreate, PermUserUpdate, PermUserSuspend,
		PermAdminRead, PermAdminCreate, PermAdminUpdate, PermAdminDelete,
		PermTradeRead, PermTradeCreate, PermTradeUpdate,
		PermWalletRead, PermWalletUpdate,
		PermReportRead, PermReportExport,
		PermAuditRead,
	},
	identity.TierAdmin: {
		PermUserRead, PermUserCreate, PermUserUpdate,
		PermTradeRead, PermTradeCreate, PermTradeUpdate,
		PermWalletRead, PermWalletUpdate,
		PermReportRead,
	},
	identity.TierSupport: {
		PermUserRead, PermUserUpdate,
		PermTradeRead,
		PermWalletRead,
	},
	identity.TierViewer: {
		PermUserRead,
		PermTradeRead,
		PermReportRead,
	},
}

// Known reports whether the permission string exists in the catalog.
func Known(perm string) bool {
	_, ok := Catalog[perm]
	return ok
}
