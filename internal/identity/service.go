package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"aurex.org/internal/audit"
	"aurex.org/internal/credential"
	"aurex.org/internal/ids"
)

// Service covers the non-workflow identity operations: customer
// self-registration, lookups and listings, and self-service credential
// changes. Administrator lifecycle mutations live in the approval workflow.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService constructs the identity service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// RegisterCustomerInput carries customer self-registration fields.
type RegisterCustomerInput struct {
	Email           string
	Phone           string
	Secret          string
	PreferredAssets []string
}

// RegisterCustomer creates a customer account. Customers need no approval
// step: the account is active immediately, with the default trading profile.
func (s *Service) RegisterCustomer(ctx context.Context, in RegisterCustomerInput, meta audit.Entry) (*Account, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if violations := credential.ValidatePolicy(in.Secret); len(violations) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(violations, "; "))
	}
	hash, algo, err := credential.Hash(in.Secret)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	acc := &Account{
		ID:           ids.New(),
		PublicID:     uuid.NewString(),
		Email:        email,
		Phone:        strings.TrimSpace(in.Phone),
		PasswordHash: hash,
		PasswordAlgo: algo,
		Kind:         KindCustomer,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		Customer: &CustomerProfile{
			Balance:         decimal.Zero,
			RiskTier:        "low",
			TradingVolume:   decimal.Zero,
			PreferredAssets: in.PreferredAssets,
		},
	}
	entry := meta
	entry.ActorID = acc.ID
	entry.ActorKind = string(KindCustomer)
	entry.Action = "customer.register"
	entry.ResourceType = "account"
	entry.ResourceID = acc.ID
	entry.Outcome = audit.OutcomeSuccess
	entry.OccurredAt = now
	entry.ID = ids.NewAt(now)
	if err := s.store.CreateAccount(ctx, acc, &entry); err != nil {
		return nil, err
	}
	return acc, nil
}

// GetAccount resolves an account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	return s.store.GetAccount(ctx, id)
}

// ListAdmins returns a page of administrator accounts plus the total count.
func (s *Service) ListAdmins(ctx context.Context, f AdminFilter) ([]*Account, int, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Status != "" && f.Status != StatusPending && f.Status != StatusActive && f.Status != StatusSuspended {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	if f.Tier != "" && !f.Tier.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown role tier %q", ErrInvalidInput, f.Tier)
	}
	return s.store.ListAdmins(ctx, f)
}

// ChangePassword replaces the caller's own secret. The current secret must
// verify, the replacement must clear policy, and the must-change flag is
// lifted as part of the same transactional write.
func (s *Service) ChangePassword(ctx context.Context, acc *Account, current, next string, meta audit.Entry) error {
	if acc == nil {
		return fmt.Errorf("%w: account is required", ErrInvalidInput)
	}
	if !credential.Verify(current, acc.PasswordHash, acc.PasswordAlgo) {
		return ErrAuthenticationFailed
	}
	if current == next {
		return fmt.Errorf("%w: new secret must differ from the current one", ErrInvalidInput)
	}
	if violations := credential.ValidatePolicy(next); len(violations) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(violations, "; "))
	}
	hash, algo, err := credential.Hash(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	entry := meta
	entry.ActorID = acc.ID
	entry.ActorKind = string(acc.Kind)
	entry.Action = "account.credential.change"
	entry.ResourceType = "account"
	entry.ResourceID = acc.ID
	entry.Outcome = audit.OutcomeSuccess
	entry.OccurredAt = now
	entry.ID = ids.NewAt(now)
	return s.store.UpdateCredential(ctx, acc.ID, hash, algo, false, &entry)
}
