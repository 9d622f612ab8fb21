package identity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates which profile variant an account carries.
type Kind string

const (
	KindCustomer Kind = "customer"
	KindAdmin    Kind = "admin"
	KindStaff    Kind = "staff"
)

// Status is the lifecycle state of an account.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// RoleTier is the ordered privilege level carried by admin profiles.
type RoleTier string

const (
	TierViewer     RoleTier = "viewer"
	TierSupport    RoleTier = "support"
	TierAdmin      RoleTier = "admin"
	TierChief      RoleTier = "chief"
	TierSuperAdmin RoleTier = "super_admin"
)

// MaxChiefs is the system-wide ceiling on simultaneously active chief accounts.
const MaxChiefs = 3

var tierRanks = map[RoleTier]int{
	TierViewer:     1,
	TierSupport:    2,
	TierAdmin:      3,
	TierChief:      4,
	TierSuperAdmin: 5,
}

// Rank returns the ordinal position of the tier; zero for unknown tiers.
func (t RoleTier) Rank() int {
	return tierRanks[t]
}

// Valid reports whether the tier is one of the known levels.
func (t RoleTier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// Account is the identity root shared by all user kinds. Exactly one profile
// pointer matching Kind is non-nil.
type Account struct {
	ID                 string    `json:"id"`
	PublicID           string    `json:"public_id"`
	Email              string    `json:"email"`
	Phone              string    `json:"phone,omitempty"`
	PasswordHash       string    `json:"-"`
	PasswordAlgo       string    `json:"-"`
	Kind               Kind      `json:"kind"`
	Status             Status    `json:"status"`
	NeedsApproval      bool      `json:"needs_approval"`
	MustChangePassword bool      `json:"must_change_password,omitempty"`
	FailedLogins       int       `json:"-"`
	ApprovedBy         string    `json:"approved_by,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`

	Customer *CustomerProfile `json:"customer_profile,omitempty"`
	Admin    *AdminProfile    `json:"admin_profile,omitempty"`
	Staff    *StaffProfile    `json:"staff_profile,omitempty"`
}

// CustomerProfile holds the trading-side extension of a customer account.
type CustomerProfile struct {
	Balance         decimal.Decimal `json:"balance"`
	RiskTier        string          `json:"risk_tier"`
	TradingVolume   decimal.Decimal `json:"trading_volume"`
	PreferredAssets []string        `json:"preferred_assets,omitempty"`
}

// AdminProfile holds the privilege extension of an administrator account.
// PermissionOverride, when non-nil, replaces the tier default permission set
// entirely; a nil slice means "no override".
type AdminProfile struct {
	Tier               RoleTier `json:"tier"`
	PermissionOverride []string `json:"permission_override"`
	Department         string   `json:"department,omitempty"`
}

// StaffProfile holds the organizational extension of a staff account.
type StaffProfile struct {
	EmployeeID string    `json:"employee_id,omitempty"`
	Position   string    `json:"position,omitempty"`
	Department string    `json:"department,omitempty"`
	HiredAt    time.Time `json:"hired_at"`
}

// Tier returns the admin role tier, or the empty tier for non-admin accounts.
func (a *Account) Tier() RoleTier {
	if a == nil || a.Admin == nil {
		return ""
	}
	return a.Admin.Tier
}

// IsActive reports whether the account may authenticate and act.
func (a *Account) IsActive() bool {
	return a != nil && a.Status == StatusActive
}

// Privileged reports whether the account holds chief-or-higher tier, which is
// what the approval workflow requires of approvers.
func (a *Account) Privileged() bool {
	return a.Tier().Rank() >= TierChief.Rank()
}

// AdminFilter narrows admin listings.
type AdminFilter struct {
	Status Status
	Tier   RoleTier
	Query  string // free-text match against email and phone
	Limit  int
	Offset int
}

// Capacity reports the protected-tier headroom of the system.
type Capacity struct {
	ActiveChiefs      int `json:"active_chiefs"`
	MaxChiefs         int `json:"max_chiefs"`
	ChiefsAvailable   int `json:"chiefs_available"`
	ActiveSuperAdmins int `json:"active_super_admins"`
	PendingApprovals  int `json:"pending_approvals"`
}
