package identity

import (
	"context"

	"aurex.org/internal/audit"
)

// Store describes persistence operations required by the identity subsystem.
// Mutating methods that take an *audit.Entry must append it in the same
// transaction as the mutation: a crash between the two must not be able to
// lose the record. Methods guarding protected-tier invariants (chief ceiling,
// last active super_admin) perform the check and the write as one serializable
// unit; callers must not pre-check and act on stale counts.
type Store interface {
	// CreateAccount persists the account and its profile variant atomically.
	CreateAccount(ctx context.Context, acc *Account, entry *audit.Entry) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	// FindByIdentifier resolves an account by email or phone.
	FindByIdentifier(ctx context.Context, identifier string) (*Account, error)
	ListAdmins(ctx context.Context, f AdminFilter) ([]*Account, int, error)
	// CountAdmins counts admin accounts regardless of status; the approval
	// workflow uses it for the bootstrap exception.
	CountAdmins(ctx context.Context) (int, error)
	AdminCapacity(ctx context.Context) (Capacity, error)

	// ApproveAdmin transitions pending -> active, recording the approver.
	// Returns ErrInvalidStateTransition if the target is not pending.
	ApproveAdmin(ctx context.Context, targetID, approverID string, entry *audit.Entry) (*Account, error)
	// RejectAdmin deletes a pending account and its profile entirely.
	RejectAdmin(ctx context.Context, targetID string, entry *audit.Entry) error
	// SetAdminStatus flips active <-> suspended. Suspending the sole active
	// super_admin fails with ErrCapacityExceeded.
	SetAdminStatus(ctx context.Context, targetID string, status Status, entry *audit.Entry) (*Account, error)
	// ChangeAdminTier promotes or demotes. Promotion to chief that would push
	// the active-chief count above MaxChiefs fails with ErrCapacityExceeded,
	// as does demoting the last active super_admin.
	ChangeAdminTier(ctx context.Context, targetID string, tier RoleTier, entry *audit.Entry) (*Account, error)

	// UpdateCredential replaces the stored hash and algorithm tag and resets
	// the failed-login counter.
	UpdateCredential(ctx context.Context, accountID, hash, algo string, mustChange bool, entry *audit.Entry) error
	// RecordAuthFailure bumps the failed-login counter and returns the new
	// value so the caller can apply the lockout threshold.
	RecordAuthFailure(ctx context.Context, accountID string) (int, error)
	// RecordAuthSuccess clears the failed-login counter.
	RecordAuthSuccess(ctx context.Context, accountID string) error
}
