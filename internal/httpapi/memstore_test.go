package httpapi

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"aurex.org/internal/audit"
	"aurex.org/internal/identity"
	"aurex.org/internal/session"
)

// memStore is the in-memory backend the handler tests run against. It mirrors
// the invariants the Postgres store enforces transactionally.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*identity.Account
	order    []string
	tokens   map[string]*session.RefreshToken
	entries  []audit.Entry
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*identity.Account),
		tokens:   make(map[string]*session.RefreshToken),
	}
}

func cloneAccount(acc *identity.Account) *identity.Account {
	if acc == nil {
		return nil
	}
	out := *acc
	if acc.Customer != nil {
		c := *acc.Customer
		out.Customer = &c
	}
	if acc.Admin != nil {
		p := *acc.Admin
		out.Admin = &p
	}
	if acc.Staff != nil {
		s := *acc.Staff
		out.Staff = &s
	}
	return &out
}

func (m *memStore) append(entry *audit.Entry) {
	if entry != nil {
		m.entries = append(m.entries, *entry)
	}
}

func (m *memStore) activeChiefs(excludeID string) int {
	n := 0
	for _, acc := range m.accounts {
		if acc.ID != excludeID && acc.Status == identity.StatusActive && acc.Tier() == identity.TierChief {
			n++
		}
	}
	return n
}

func (m *memStore) activeSuperAdmins(excludeID string) int {
	n := 0
	for _, acc := range m.accounts {
		if acc.ID != excludeID && acc.Status == identity.StatusActive && acc.Tier() == identity.TierSuperAdmin {
			n++
		}
	}
	return n
}

func (m *memStore) CreateAccount(_ context.Context, acc *identity.Account, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.Email == acc.Email || (acc.Phone != "" && existing.Phone == acc.Phone) {
			return identity.ErrDuplicateIdentity
		}
	}
	if acc.Status == identity.StatusActive && acc.Tier() == identity.TierChief {
		if m.activeChiefs("")+1 > identity.MaxChiefs {
			return fmt.Errorf("%w: chief ceiling reached", identity.ErrCapacityExceeded)
		}
	}
	m.accounts[acc.ID] = cloneAccount(acc)
	m.order = append(m.order, acc.ID)
	m.append(entry)
	return nil
}

func (m *memStore) GetAccount(_ context.Context, id string) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return cloneAccount(acc), nil
}

func (m *memStore) FindByIdentifier(_ context.Context, identifier string) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.Email == identifier || (acc.Phone != "" && acc.Phone == identifier) {
			return cloneAccount(acc), nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *memStore) ListAdmins(_ context.Context, f identity.AdminFilter) ([]*identity.Account, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*identity.Account
	for _, id := range m.order {
		acc := m.accounts[id]
		if acc == nil || acc.Kind != identity.KindAdmin {
			continue
		}
		if f.Status != "" && acc.Status != f.Status {
			continue
		}
		if f.Tier != "" && acc.Tier() != f.Tier {
			continue
		}
		if f.Query != "" && !strings.Contains(acc.Email, f.Query) && !strings.Contains(acc.Phone, f.Query) {
			continue
		}
		matched = append(matched, cloneAccount(acc))
	}
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (m *memStore) CountAdmins(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, acc := range m.accounts {
		if acc.Kind == identity.KindAdmin {
			n++
		}
	}
	return n, nil
}

func (m *memStore) AdminCapacity(_ context.Context) (identity.Capacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cap := identity.Capacity{MaxChiefs: identity.MaxChiefs}
	for _, acc := range m.accounts {
		if acc.Kind != identity.KindAdmin {
			continue
		}
		if acc.NeedsApproval {
			cap.PendingApprovals++
		}
		if acc.Status != identity.StatusActive {
			continue
		}
		switch acc.Tier() {
		case identity.TierChief:
			cap.ActiveChiefs++
		case identity.TierSuperAdmin:
			cap.ActiveSuperAdmins++
		}
	}
	cap.ChiefsAvailable = identity.MaxChiefs - cap.ActiveChiefs
	if cap.ChiefsAvailable < 0 {
		cap.ChiefsAvailable = 0
	}
	return cap, nil
}

func (m *memStore) ApproveAdmin(_ context.Context, targetID, approverID string, entry *audit.Entry) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[targetID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	if acc.Status != identity.StatusPending {
		return nil, fmt.Errorf("%w: account is %s, not pending", identity.ErrInvalidStateTransition, acc.Status)
	}
	if acc.Tier() == identity.TierChief && m.activeChiefs(acc.ID) >= identity.MaxChiefs {
		return nil, fmt.Errorf("%w: chief ceiling reached", identity.ErrCapacityExceeded)
	}
	acc.Status = identity.StatusActive
	acc.NeedsApproval = false
	acc.ApprovedBy = approverID
	m.append(entry)
	return cloneAccount(acc), nil
}

func (m *memStore) RejectAdmin(_ context.Context, targetID string, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[targetID]
	if !ok {
		return identity.ErrNotFound
	}
	if acc.Status != identity.StatusPending {
		return fmt.Errorf("%w: account is %s, not pending", identity.ErrInvalidStateTransition, acc.Status)
	}
	m.append(entry)
	delete(m.accounts, targetID)
	return nil
}

func (m *memStore) SetAdminStatus(_ context.Context, targetID string, status identity.Status, entry *audit.Entry) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[targetID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	switch {
	case status == identity.StatusSuspended && acc.Status != identity.StatusActive:
		return nil, fmt.Errorf("%w: only active accounts can be suspended", identity.ErrInvalidStateTransition)
	case status == identity.StatusActive && acc.Status != identity.StatusSuspended:
		return nil, fmt.Errorf("%w: only suspended accounts can be activated", identity.ErrInvalidStateTransition)
	}
	if status == identity.StatusSuspended && acc.Tier() == identity.TierSuperAdmin && m.activeSuperAdmins(acc.ID) == 0 {
		return nil, fmt.Errorf("%w: the last active super_admin cannot lose its privilege", identity.ErrCapacityExceeded)
	}
	if status == identity.StatusActive && acc.Tier() == identity.TierChief && m.activeChiefs(acc.ID) >= identity.MaxChiefs {
		return nil, fmt.Errorf("%w: chief ceiling reached", identity.ErrCapacityExceeded)
	}
	acc.Status = status
	m.append(entry)
	return cloneAccount(acc), nil
}

func (m *memStore) ChangeAdminTier(_ context.Context, targetID string, tier identity.RoleTier, entry *audit.Entry) (*identity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[targetID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	if acc.Admin == nil {
		return nil, identity.ErrInvalidInput
	}
	if tier == identity.TierChief && acc.Status == identity.StatusActive && m.activeChiefs(acc.ID) >= identity.MaxChiefs {
		return nil, fmt.Errorf("%w: chief ceiling reached", identity.ErrCapacityExceeded)
	}
	if acc.Tier() == identity.TierSuperAdmin && tier != identity.TierSuperAdmin &&
		acc.Status == identity.StatusActive && m.activeSuperAdmins(acc.ID) == 0 {
		return nil, fmt.Errorf("%w: the last active super_admin cannot lose its privilege", identity.ErrCapacityExceeded)
	}
	acc.Admin.Tier = tier
	m.append(entry)
	return cloneAccount(acc), nil
}

func (m *memStore) UpdateCredential(_ context.Context, accountID, hash, algo string, mustChange bool, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return identity.ErrNotFound
	}
	acc.PasswordHash = hash
	acc.PasswordAlgo = algo
	acc.MustChangePassword = mustChange
	acc.FailedLogins = 0
	m.append(entry)
	return nil
}

func (m *memStore) RecordAuthFailure(_ context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return 0, identity.ErrNotFound
	}
	acc.FailedLogins++
	return acc.FailedLogins, nil
}

func (m *memStore) RecordAuthSuccess(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok {
		return identity.ErrNotFound
	}
	acc.FailedLogins = 0
	return nil
}

// --- session.TokenStore ---

func (m *memStore) CreateRefreshToken(_ context.Context, tok *session.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[tok.ID] = &cp
	return nil
}

func (m *memStore) FindRefreshToken(_ context.Context, id string) (*session.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[id]
	if !ok {
		return identity.ErrNotFound
	}
	tok.Revoked = true
	return nil
}

func (m *memStore) RevokeAccountRefreshTokens(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tok := range m.tokens {
		if tok.AccountID == accountID {
			tok.Revoked = true
		}
	}
	return nil
}

// --- audit.Sink / audit.Reader ---

func (m *memStore) Append(_ context.Context, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.append(entry)
	return nil
}

func (m *memStore) List(_ context.Context, f audit.Filter) ([]audit.Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []audit.Entry
	for _, e := range m.entries {
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}
