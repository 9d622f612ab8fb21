package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"aurex.org/internal/audit"
	"aurex.org/internal/identity"
)

var _ identity.Store = (*Store)(nil)

const accountColumns = `id, public_id, email, coalesce(phone,''), password_hash, password_algo,
	kind, status, needs_approval, must_change_password, failed_logins,
	coalesce(approved_by,''), created_at, updated_at`

// Same column list qualified for the accounts alias used in joins.
const accountColumnsJoined = `a.id, a.public_id, a.email, coalesce(a.phone,''), a.password_hash, a.password_algo,
	a.kind, a.status, a.needs_approval, a.must_change_password, a.failed_logins,
	coalesce(a.approved_by,''), a.created_at, a.updated_at`

// CreateAccount persists the account, its profile variant and the audit entry
// in one serializable transaction. Serializable isolation is what keeps two
// concurrent active-chief creations from both passing the ceiling count.
func (s *Store) CreateAccount(ctx context.Context, acc *identity.Account, entry *audit.Entry) error {
	return retrySerializable(func() error {
		return s.createAccount(ctx, acc, entry)
	})
}

func (s *Store) createAccount(ctx context.Context, acc *identity.Account, entry *audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into accounts (id, public_id, email, phone, password_hash, password_algo,
			kind, status, needs_approval, must_change_password, failed_logins, created_at, updated_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7,$8,$9,$10,0,$11,$11)
	`, acc.ID, acc.PublicID, acc.Email, acc.Phone, acc.PasswordHash, acc.PasswordAlgo,
		acc.Kind, acc.Status, acc.NeedsApproval, acc.MustChangePassword, acc.CreatedAt); err != nil {
		return mapConstraintError(err)
	}

	switch acc.Kind {
	case identity.KindCustomer:
		if acc.Customer == nil {
			return fmt.Errorf("%w: customer account requires a customer profile", identity.ErrInvalidInput)
		}
		assets, err := json.Marshal(acc.Customer.PreferredAssets)
		if err != nil {
			return fmt.Errorf("marshal preferred assets: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into customer_profiles (account_id, balance, risk_tier, trading_volume, preferred_assets)
			values ($1,$2,$3,$4,$5)
		`, acc.ID, acc.Customer.Balance, acc.Customer.RiskTier, acc.Customer.TradingVolume, assets); err != nil {
			return mapConstraintError(err)
		}
	case identity.KindAdmin:
		if acc.Admin == nil {
			return fmt.Errorf("%w: admin account requires an admin profile", identity.ErrInvalidInput)
		}
		var override []byte
		if acc.Admin.PermissionOverride != nil {
			override, err = json.Marshal(acc.Admin.PermissionOverride)
			if err != nil {
				return fmt.Errorf("marshal permission override: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			insert into admin_profiles (account_id, tier, permission_override, department)
			values ($1,$2,$3,$4)
		`, acc.ID, acc.Admin.Tier, override, acc.Admin.Department); err != nil {
			return mapConstraintError(err)
		}
		if acc.Admin.Tier == identity.TierChief && acc.Status == identity.StatusActive {
			if err := ensureChiefHeadroom(ctx, tx); err != nil {
				return err
			}
		}
	case identity.KindStaff:
		if acc.Staff == nil {
			return fmt.Errorf("%w: staff account requires a staff profile", identity.ErrInvalidInput)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into staff_profiles (account_id, employee_id, position, department, hired_at)
			values ($1,nullif($2,''),$3,$4,$5)
		`, acc.ID, acc.Staff.EmployeeID, acc.Staff.Position, acc.Staff.Department, acc.Staff.HiredAt); err != nil {
			return mapConstraintError(err)
		}
	default:
		return fmt.Errorf("%w: unknown account kind %q", identity.ErrInvalidInput, acc.Kind)
	}

	if entry != nil {
		if err := appendEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetAccount(ctx context.Context, id string) (*identity.Account, error) {
	return getAccount(ctx, s.db, `where id = $1`, id)
}

// FindByIdentifier resolves an account by email or phone.
func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (*identity.Account, error) {
	return getAccount(ctx, s.db, `where email = $1 or phone = $1`, identifier)
}

func getAccount(ctx context.Context, q querier, where string, args ...any) (*identity.Account, error) {
	row := q.QueryRowContext(ctx, `select `+accountColumns+` from accounts `+where, args...)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	if err := loadProfile(ctx, q, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*identity.Account, error) {
	var acc identity.Account
	err := row.Scan(
		&acc.ID, &acc.PublicID, &acc.Email, &acc.Phone, &acc.PasswordHash, &acc.PasswordAlgo,
		&acc.Kind, &acc.Status, &acc.NeedsApproval, &acc.MustChangePassword, &acc.FailedLogins,
		&acc.ApprovedBy, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func loadProfile(ctx context.Context, q querier, acc *identity.Account) error {
	switch acc.Kind {
	case identity.KindCustomer:
		var profile identity.CustomerProfile
		var assets []byte
		err := q.QueryRowContext(ctx, `
			select balance, risk_tier, trading_volume, preferred_assets
			from customer_profiles where account_id = $1
		`, acc.ID).Scan(&profile.Balance, &profile.RiskTier, &profile.TradingVolume, &assets)
		if err != nil {
			return profileError(err)
		}
		if len(assets) > 0 {
			if err := json.Unmarshal(assets, &profile.PreferredAssets); err != nil {
				return fmt.Errorf("decode preferred assets: %w", err)
			}
		}
		acc.Customer = &profile
	case identity.KindAdmin:
		var profile identity.AdminProfile
		var override []byte
		err := q.QueryRowContext(ctx, `
			select tier, permission_override, coalesce(department,'')
			from admin_profiles where account_id = $1
		`, acc.ID).Scan(&profile.Tier, &override, &profile.Department)
		if err != nil {
			return profileError(err)
		}
		if override != nil {
			if err := json.Unmarshal(override, &profile.PermissionOverride); err != nil {
				return fmt.Errorf("decode permission override: %w", err)
			}
			if profile.PermissionOverride == nil {
				profile.PermissionOverride = []string{}
			}
		}
		acc.Admin = &profile
	case identity.KindStaff:
		var profile identity.StaffProfile
		err := q.QueryRowContext(ctx, `
			select coalesce(employee_id,''), coalesce(position,''), coalesce(department,''), hired_at
			from staff_profiles where account_id = $1
		`, acc.ID).Scan(&profile.EmployeeID, &profile.Position, &profile.Department, &profile.HiredAt)
		if err != nil {
			return profileError(err)
		}
		acc.Staff = &profile
	}
	return nil
}

func profileError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		// An account without its profile variant breaks the 1:1 invariant.
		return fmt.Errorf("account profile missing: %w", identity.ErrNotFound)
	}
	return err
}

func (s *Store) ListAdmins(ctx context.Context, f identity.AdminFilter) ([]*identity.Account, int, error) {
	where := []string{`a.kind = 'admin'`}
	args := []any{}
	idx := 1
	if f.Status != "" {
		where = append(where, fmt.Sprintf("a.status = $%d", idx))
		args = append(args, f.Status)
		idx++
	}
	if f.Tier != "" {
		where = append(where, fmt.Sprintf("p.tier = $%d", idx))
		args = append(args, f.Tier)
		idx++
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, fmt.Sprintf("(a.email ilike $%d or a.phone ilike $%d)", idx, idx))
		args = append(args, "%"+q+"%")
		idx++
	}
	clause := strings.Join(where, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from accounts a
		join admin_profiles p on p.account_id = a.id
		where `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		select `+accountColumnsJoined+`
		from accounts a
		join admin_profiles p on p.account_id = a.id
		where %s
		order by a.created_at asc, a.id asc
		limit $%d offset $%d
	`, clause, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []*identity.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, acc := range result {
		if err := loadProfile(ctx, s.db, acc); err != nil {
			return nil, 0, err
		}
	}
	return result, total, nil
}

func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from accounts where kind = 'admin'`).Scan(&n)
	return n, err
}

func (s *Store) AdminCapacity(ctx context.Context) (identity.Capacity, error) {
	cap := identity.Capacity{MaxChiefs: identity.MaxChiefs}
	err := s.db.QueryRowContext(ctx, `
		select
			count(*) filter (where p.tier = 'chief' and a.status = 'active'),
			count(*) filter (where p.tier = 'super_admin' and a.status = 'active'),
			count(*) filter (where a.needs_approval)
		from accounts a
		join admin_profiles p on p.account_id = a.id
	`).Scan(&cap.ActiveChiefs, &cap.ActiveSuperAdmins, &cap.PendingApprovals)
	if err != nil {
		return identity.Capacity{}, err
	}
	cap.ChiefsAvailable = identity.MaxChiefs - cap.ActiveChiefs
	if cap.ChiefsAvailable < 0 {
		cap.ChiefsAvailable = 0
	}
	return cap, nil
}

// ApproveAdmin transitions pending -> active inside one serializable
// transaction: the row is locked, the state checked, the mutation applied, and
// the audit entry appended before commit. Approval counts against the chief
// ceiling the same way creation and promotion do.
func (s *Store) ApproveAdmin(ctx context.Context, targetID, approverID string, entry *audit.Entry) (*identity.Account, error) {
	var acc *identity.Account
	err := retrySerializable(func() error {
		var err error
		acc, err = s.approveAdmin(ctx, targetID, approverID, entry)
		return err
	})
	return acc, err
}

func (s *Store) approveAdmin(ctx context.Context, targetID, approverID string, entry *audit.Entry) (*identity.Account, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	before, err := lockAccount(ctx, tx, targetID)
	if err != nil {
		return nil, err
	}
	if err := loadProfile(ctx, tx, before); err != nil {
		return nil, err
	}
	if before.Status != identity.StatusPending {
		return nil, fmt.Errorf("%w: account is %s, not pending", identity.ErrInvalidStateTransition, before.Status)
	}
	if before.Tier() == identity.TierChief {
		if err := ensureChiefHeadroomExcluding(ctx, tx, targetID); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts
		set status = 'active', needs_approval = false, approved_by = $2, updated_at = now()
		where id = $1
	`, targetID, approverID); err != nil {
		return nil, err
	}
	after, err := getAccount(ctx, tx, `where id = $1`, targetID)
	if err != nil {
		return nil, err
	}
	entry.Before = audit.Snapshot(statusSnapshot(before))
	entry.After = audit.Snapshot(statusSnapshot(after))
	if err := appendEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return after, nil
}

// RejectAdmin deletes a pending account entirely; profiles cascade. The audit
// entry is the only trace left behind.
func (s *Store) RejectAdmin(ctx context.Context, targetID string, entry *audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	before, err := lockAccount(ctx, tx, targetID)
	if err != nil {
		return err
	}
	if err := loadProfile(ctx, tx, before); err != nil {
		return err
	}
	if before.Status != identity.StatusPending {
		return fmt.Errorf("%w: account is %s, not pending", identity.ErrInvalidStateTransition, before.Status)
	}
	entry.Before = audit.Snapshot(statusSnapshot(before))
	if err := appendEntry(ctx, tx, entry); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from accounts where id = $1`, targetID); err != nil {
		return err
	}
	return tx.Commit()
}

// SetAdminStatus flips active <-> suspended under a serializable transaction.
// Suspending the sole active super_admin is refused, and reactivating a chief
// counts against the chief ceiling.
func (s *Store) SetAdminStatus(ctx context.Context, targetID string, status identity.Status, entry *audit.Entry) (*identity.Account, error) {
	var acc *identity.Account
	err := retrySerializable(func() error {
		var err error
		acc, err = s.setAdminStatus(ctx, targetID, status, entry)
		return err
	})
	return acc, err
}

func (s *Store) setAdminStatus(ctx context.Context, targetID string, status identity.Status, entry *audit.Entry) (*identity.Account, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	before, err := lockAccount(ctx, tx, targetID)
	if err != nil {
		return nil, err
	}
	if err := loadProfile(ctx, tx, before); err != nil {
		return nil, err
	}
	switch {
	case status == identity.StatusSuspended && before.Status != identity.StatusActive:
		return nil, fmt.Errorf("%w: only active accounts can be suspended", identity.ErrInvalidStateTransition)
	case status == identity.StatusActive && before.Status != identity.StatusSuspended:
		return nil, fmt.Errorf("%w: only suspended accounts can be activated", identity.ErrInvalidStateTransition)
	}
	if status == identity.StatusSuspended {
		if err := ensureNotLastSuperAdmin(ctx, tx, targetID); err != nil {
			return nil, err
		}
	}
	if status == identity.StatusActive && before.Tier() == identity.TierChief {
		if err := ensureChiefHeadroomExcluding(ctx, tx, targetID); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts set status = $2, updated_at = now() where id = $1
	`, targetID, status); err != nil {
		return nil, err
	}
	after, err := getAccount(ctx, tx, `where id = $1`, targetID)
	if err != nil {
		return nil, err
	}
	entry.Before = audit.Snapshot(statusSnapshot(before))
	entry.After = audit.Snapshot(statusSnapshot(after))
	if err := appendEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return after, nil
}

// ChangeAdminTier applies a promotion or demotion with the capacity checks in
// the same serializable transaction, so a check-then-act race between two
// concurrent promotions cannot exceed the chief ceiling.
func (s *Store) ChangeAdminTier(ctx context.Context, targetID string, tier identity.RoleTier, entry *audit.Entry) (*identity.Account, error) {
	var acc *identity.Account
	err := retrySerializable(func() error {
		var err error
		acc, err = s.changeAdminTier(ctx, targetID, tier, entry)
		return err
	})
	return acc, err
}

func (s *Store) changeAdminTier(ctx context.Context, targetID string, tier identity.RoleTier, entry *audit.Entry) (*identity.Account, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	before, err := lockAccount(ctx, tx, targetID)
	if err != nil {
		return nil, err
	}
	if err := loadProfile(ctx, tx, before); err != nil {
		return nil, err
	}
	if before.Kind != identity.KindAdmin {
		return nil, fmt.Errorf("%w: tier changes apply to administrator accounts", identity.ErrInvalidInput)
	}
	if tier == identity.TierChief && before.Status == identity.StatusActive {
		if err := ensureChiefHeadroomExcluding(ctx, tx, targetID); err != nil {
			return nil, err
		}
	}
	if before.Tier() == identity.TierSuperAdmin && tier != identity.TierSuperAdmin && before.Status == identity.StatusActive {
		if err := ensureNotLastSuperAdmin(ctx, tx, targetID); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update admin_profiles set tier = $2 where account_id = $1
	`, targetID, tier); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts set updated_at = now() where id = $1
	`, targetID); err != nil {
		return nil, err
	}
	after, err := getAccount(ctx, tx, `where id = $1`, targetID)
	if err != nil {
		return nil, err
	}
	entry.Before = audit.Snapshot(statusSnapshot(before))
	entry.After = audit.Snapshot(statusSnapshot(after))
	if err := appendEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return after, nil
}

func (s *Store) UpdateCredential(ctx context.Context, accountID, hash, algo string, mustChange bool, entry *audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update accounts
		set password_hash = $2, password_algo = $3, must_change_password = $4,
			failed_logins = 0, updated_at = now()
		where id = $1
	`, accountID, hash, algo, mustChange)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return identity.ErrNotFound
	}
	if entry != nil {
		if err := appendEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) RecordAuthFailure(ctx context.Context, accountID string) (int, error) {
	var failed int
	err := s.db.QueryRowContext(ctx, `
		update accounts set failed_logins = failed_logins + 1, updated_at = now()
		where id = $1
		returning failed_logins
	`, accountID).Scan(&failed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, identity.ErrNotFound
	}
	return failed, err
}

func (s *Store) RecordAuthSuccess(ctx context.Context, accountID string) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts set failed_logins = 0, last_login_at = now(), updated_at = now()
		where id = $1
	`, accountID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// --- helpers ---

func lockAccount(ctx context.Context, tx *sql.Tx, id string) (*identity.Account, error) {
	row := tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1 for update`, id)
	return scanAccount(row)
}

func ensureChiefHeadroom(ctx context.Context, tx *sql.Tx) error {
	var chiefs int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from accounts a
		join admin_profiles p on p.account_id = a.id
		where p.tier = 'chief' and a.status = 'active'
	`).Scan(&chiefs); err != nil {
		return err
	}
	if chiefs > identity.MaxChiefs {
		return fmt.Errorf("%w: at most %d chief accounts may be active", identity.ErrCapacityExceeded, identity.MaxChiefs)
	}
	return nil
}

func ensureChiefHeadroomExcluding(ctx context.Context, tx *sql.Tx, targetID string) error {
	var chiefs int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from accounts a
		join admin_profiles p on p.account_id = a.id
		where p.tier = 'chief' and a.status = 'active' and a.id <> $1
	`, targetID).Scan(&chiefs); err != nil {
		return err
	}
	if chiefs >= identity.MaxChiefs {
		return fmt.Errorf("%w: at most %d chief accounts may be active", identity.ErrCapacityExceeded, identity.MaxChiefs)
	}
	return nil
}

func ensureNotLastSuperAdmin(ctx context.Context, tx *sql.Tx, targetID string) error {
	var tier identity.RoleTier
	err := tx.QueryRowContext(ctx, `
		select tier from admin_profiles where account_id = $1
	`, targetID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if tier != identity.TierSuperAdmin {
		return nil
	}
	var others int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from accounts a
		join admin_profiles p on p.account_id = a.id
		where p.tier = 'super_admin' and a.status = 'active' and a.id <> $1
	`, targetID).Scan(&others); err != nil {
		return err
	}
	if others == 0 {
		return fmt.Errorf("%w: the last active super_admin cannot lose its privilege", identity.ErrCapacityExceeded)
	}
	return nil
}

func statusSnapshot(acc *identity.Account) map[string]any {
	if acc == nil {
		return nil
	}
	snap := map[string]any{
		"status":         acc.Status,
		"needs_approval": acc.NeedsApproval,
	}
	if acc.Admin != nil {
		snap["tier"] = acc.Admin.Tier
	}
	return snap
}

func mapConstraintError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return identity.ErrDuplicateIdentity
		case pgErrForeignKeyViolation:
			return identity.ErrNotFound
		}
	}
	return err
}
