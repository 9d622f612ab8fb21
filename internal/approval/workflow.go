package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"aurex.org/internal/audit"
	"aurex.org/internal/credential"
	"aurex.org/internal/identity"
	"aurex.org/internal/ids"
)

// ErrPrivilege is returned when the acting account does not hold the tier an
// approval-workflow action requires (chief or super_admin).
var ErrPrivilege = errors.New("approval: initiator tier is insufficient")

// Workflow drives the activation state machine for privileged accounts.
// Invariant checks that protect tier cardinality run inside the store's
// serializable transactions; this layer validates input, applies the tier
// rules of the workflow itself, and shapes the audit entries that the store
// appends atomically with each mutation.
type Workflow struct {
	store identity.Store
	now   func() time.Time
}

// New constructs the workflow over an identity store.
func New(store identity.Store, opts ...Option) (*Workflow, error) {
	if store == nil {
		return nil, errors.New("approval: identity store is required")
	}
	w := &Workflow{store: store, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Option configures Workflow behavior.
type Option func(*Workflow)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(w *Workflow) {
		if fn != nil {
			w.now = fn
		}
	}
}

// CreateAdminInput carries the fields for a new administrator account.
type CreateAdminInput struct {
	Email              string
	Phone              string
	Secret             string
	Tier               identity.RoleTier
	Department         string
	PermissionOverride []string
}

// CreateStaffInput carries the fields for a new staff account.
type CreateStaffInput struct {
	Email      string
	Phone      string
	Secret     string
	EmployeeID string
	Position   string
	Department string
}

// stateSnapshot is the before/after shape recorded for workflow mutations.
type stateSnapshot struct {
	Status        identity.Status   `json:"status"`
	Tier          identity.RoleTier `json:"tier,omitempty"`
	NeedsApproval bool              `json:"needs_approval"`
}

func snapshotOf(acc *identity.Account) *stateSnapshot {
	if acc == nil {
		return nil
	}
	return &stateSnapshot{
		Status:        acc.Status,
		Tier:          acc.Tier(),
		NeedsApproval: acc.NeedsApproval,
	}
}

// CreateAdmin registers a new administrator. The very first administrator in
// an empty system becomes active immediately; an admin created by a chief or
// super_admin may also activate immediately; anyone else's creation parks the
// account in pending until approved. initiator is nil only in the bootstrap
// path.
func (w *Workflow) CreateAdmin(ctx context.Context, initiator *identity.Account, in CreateAdminInput, meta audit.Entry) (*identity.Account, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if !in.Tier.Valid() {
		return nil, fmt.Errorf("%w: unknown role tier %q", identity.ErrInvalidInput, in.Tier)
	}
	if violations := credential.ValidatePolicy(in.Secret); len(violations) > 0 {
		return nil, fmt.Errorf("%w: %s", identity.ErrInvalidInput, strings.Join(violations, "; "))
	}

	existing, err := w.store.CountAdmins(ctx)
	if err != nil {
		return nil, err
	}
	bootstrap := existing == 0

	if in.Tier == identity.TierSuperAdmin && !bootstrap {
		if initiator.Tier() != identity.TierSuperAdmin {
			return nil, fmt.Errorf("%w: only a super_admin may create another super_admin", ErrPrivilege)
		}
	}

	status := identity.StatusPending
	needsApproval := true
	switch {
	case bootstrap:
		status = identity.StatusActive
		needsApproval = false
	case initiator.Privileged():
		status = identity.StatusActive
		needsApproval = false
	}

	hash, algo, err := credential.Hash(in.Secret)
	if err != nil {
		return nil, err
	}
	now := w.now().UTC()
	acc := &identity.Account{
		ID:            ids.New(),
		PublicID:      uuid.NewString(),
		Email:         email,
		Phone:         strings.TrimSpace(in.Phone),
		PasswordHash:  hash,
		PasswordAlgo:  algo,
		Kind:          identity.KindAdmin,
		Status:        status,
		NeedsApproval: needsApproval,
		CreatedAt:     now,
		UpdatedAt:     now,
		Admin: &identity.AdminProfile{
			Tier:               in.Tier,
			PermissionOverride: in.PermissionOverride,
			Department:         strings.TrimSpace(in.Department),
		},
	}
	entry := w.entry(initiator, meta, "admin.create", acc.ID)
	entry.After = audit.Snapshot(snapshotOf(acc))
	if err := w.store.CreateAccount(ctx, acc, entry); err != nil {
		return nil, err
	}
	return acc, nil
}

// CreateStaff registers a staff account under the same pending/active rules
// as administrators, minus the tier bookkeeping.
func (w *Workflow) CreateStaff(ctx context.Context, initiator *identity.Account, in CreateStaffInput, meta audit.Entry) (*identity.Account, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if violations := credential.ValidatePolicy(in.Secret); len(violations) > 0 {
		return nil, fmt.Errorf("%w: %s", identity.ErrInvalidInput, strings.Join(violations, "; "))
	}
	status := identity.StatusPending
	needsApproval := true
	if initiator.Privileged() {
		status = identity.StatusActive
		needsApproval = false
	}
	hash, algo, err := credential.Hash(in.Secret)
	if err != nil {
		return nil, err
	}
	now := w.now().UTC()
	acc := &identity.Account{
		ID:            ids.New(),
		PublicID:      uuid.NewString(),
		Email:         email,
		Phone:         strings.TrimSpace(in.Phone),
		PasswordHash:  hash,
		PasswordAlgo:  algo,
		Kind:          identity.KindStaff,
		Status:        status,
		NeedsApproval: needsApproval,
		CreatedAt:     now,
		UpdatedAt:     now,
		Staff: &identity.StaffProfile{
			EmployeeID: strings.TrimSpace(in.EmployeeID),
			Position:   strings.TrimSpace(in.Position),
			Department: strings.TrimSpace(in.Department),
			HiredAt:    now,
		},
	}
	entry := w.entry(initiator, meta, "staff.create", acc.ID)
	entry.After = audit.Snapshot(snapshotOf(acc))
	if err := w.store.CreateAccount(ctx, acc, entry); err != nil {
		return nil, err
	}
	return acc, nil
}

// Approve moves a pending account to active and records the approver. The
// pending check runs inside the store transaction; a target in any other
// state fails with ErrInvalidStateTransition.
func (w *Workflow) Approve(ctx context.Context, approver *identity.Account, targetID string, meta audit.Entry) (*identity.Account, error) {
	if !approver.Privileged() {
		return nil, ErrPrivilege
	}
	entry := w.entry(approver, meta, "admin.approve", targetID)
	return w.store.ApproveAdmin(ctx, targetID, approver.ID, entry)
}

// Reject deletes a pending account and its profile entirely. A rejected
// request leaves no resurrectable row; only the audit entry survives.
func (w *Workflow) Reject(ctx context.Context, approver *identity.Account, targetID string, meta audit.Entry) error {
	if !approver.Privileged() {
		return ErrPrivilege
	}
	entry := w.entry(approver, meta, "admin.reject", targetID)
	return w.store.RejectAdmin(ctx, targetID, entry)
}

// Suspend parks an active account. Suspending the sole active super_admin is
// refused inside the store transaction.
func (w *Workflow) Suspend(ctx context.Context, actor *identity.Account, targetID string, meta audit.Entry) (*identity.Account, error) {
	if !actor.Privileged() {
		return nil, ErrPrivilege
	}
	if actor.ID == targetID {
		return nil, fmt.Errorf("%w: cannot suspend own account", identity.ErrInvalidInput)
	}
	entry := w.entry(actor, meta, "admin.suspend", targetID)
	return w.store.SetAdminStatus(ctx, targetID, identity.StatusSuspended, entry)
}

// Activate lifts a suspension.
func (w *Workflow) Activate(ctx context.Context, actor *identity.Account, targetID string, meta audit.Entry) (*identity.Account, error) {
	if !actor.Privileged() {
		return nil, ErrPrivilege
	}
	entry := w.entry(actor, meta, "admin.activate", targetID)
	return w.store.SetAdminStatus(ctx, targetID, identity.StatusActive, entry)
}

// Promote raises the target's tier. The chief ceiling is enforced atomically
// with the tier change; two racing promotions cannot both clear the check.
func (w *Workflow) Promote(ctx context.Context, actor *identity.Account, targetID string, tier identity.RoleTier, meta audit.Entry) (*identity.Account, error) {
	return w.changeTier(ctx, actor, targetID, tier, true, meta)
}

// Demote lowers the target's tier. Demoting the last active super_admin is
// refused inside the store transaction.
func (w *Workflow) Demote(ctx context.Context, actor *identity.Account, targetID string, tier identity.RoleTier, meta audit.Entry) (*identity.Account, error) {
	return w.changeTier(ctx, actor, targetID, tier, false, meta)
}

func (w *Workflow) changeTier(ctx context.Context, actor *identity.Account, targetID string, tier identity.RoleTier, up bool, meta audit.Entry) (*identity.Account, error) {
	if !actor.Privileged() {
		return nil, ErrPrivilege
	}
	if actor.ID == targetID {
		return nil, fmt.Errorf("%w: cannot change own tier", identity.ErrInvalidInput)
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: unknown role tier %q", identity.ErrInvalidInput, tier)
	}
	if tier == identity.TierSuperAdmin && actor.Tier() != identity.TierSuperAdmin {
		return nil, fmt.Errorf("%w: only a super_admin may grant super_admin", ErrPrivilege)
	}
	target, err := w.store.GetAccount(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Kind != identity.KindAdmin {
		return nil, fmt.Errorf("%w: tier changes apply to administrator accounts", identity.ErrInvalidInput)
	}
	current := target.Tier().Rank()
	if up && tier.Rank() <= current {
		return nil, fmt.Errorf("%w: promotion must raise the tier", identity.ErrInvalidStateTransition)
	}
	if !up && tier.Rank() >= current {
		return nil, fmt.Errorf("%w: demotion must lower the tier", identity.ErrInvalidStateTransition)
	}
	action := "admin.demote"
	if up {
		action = "admin.promote"
	}
	entry := w.entry(actor, meta, action, targetID)
	return w.store.ChangeAdminTier(ctx, targetID, tier, entry)
}

// ResetCredential issues a temporary secret for the target account. The new
// hash is written with must_change_password set, so the secret only opens a
// restricted session until replaced. The temporary secret is returned exactly
// once and never stored in clear.
func (w *Workflow) ResetCredential(ctx context.Context, actor *identity.Account, targetID string, meta audit.Entry) (string, error) {
	if !actor.Privileged() {
		return "", ErrPrivilege
	}
	target, err := w.store.GetAccount(ctx, targetID)
	if err != nil {
		return "", err
	}
	temp, err := credential.GenerateTemporary(credential.DefaultTemporaryLength)
	if err != nil {
		return "", err
	}
	hash, algo, err := credential.Hash(temp)
	if err != nil {
		return "", err
	}
	entry := w.entry(actor, meta, "admin.credential.reset", target.ID)
	entry.Before = audit.Snapshot(snapshotOf(target))
	entry.After = audit.Snapshot(snapshotOf(target))
	if err := w.store.UpdateCredential(ctx, target.ID, hash, algo, true, entry); err != nil {
		return "", err
	}
	return temp, nil
}

// Capacity reports the protected-tier headroom.
func (w *Workflow) Capacity(ctx context.Context) (identity.Capacity, error) {
	return w.store.AdminCapacity(ctx)
}

func (w *Workflow) entry(actor *identity.Account, meta audit.Entry, action, resourceID string) *audit.Entry {
	entry := meta
	if actor != nil {
		entry.ActorID = actor.ID
		entry.ActorKind = string(actor.Kind)
	}
	entry.Action = action
	entry.ResourceType = "account"
	entry.ResourceID = resourceID
	entry.Outcome = audit.OutcomeSuccess
	entry.OccurredAt = w.now().UTC()
	entry.ID = ids.NewAt(entry.OccurredAt)
	return &entry
}

func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: valid email is required", identity.ErrInvalidInput)
	}
	return email, nil
}
