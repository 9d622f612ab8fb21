package session

import (
	"context"
	"time"

	"aurex.org/internal/identity"
)

// RefreshToken is a persisted, rotated refresh credential. Only its sha256
// hash is stored; the caller-held token is "<id>.<secret>".
type RefreshToken struct {
	ID        string
	AccountID string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// TokenStore manages refresh token lifecycle.
type TokenStore interface {
	CreateRefreshToken(ctx context.Context, tok *RefreshToken) error
	FindRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeAccountRefreshTokens(ctx context.Context, accountID string) error
}

// AccountStore is the slice of the identity store the verifier needs: lookup
// for token resolution and the failed-login bookkeeping around login.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*identity.Account, error)
	FindByIdentifier(ctx context.Context, identifier string) (*identity.Account, error)
	RecordAuthFailure(ctx context.Context, accountID string) (int, error)
	RecordAuthSuccess(ctx context.Context, accountID string) error
}
