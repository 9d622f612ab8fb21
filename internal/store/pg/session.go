package pg

import (
	"context"
	"database/sql"
	"errors"

	"aurex.org/internal/identity"
	"aurex.org/internal/session"
)

var _ session.TokenStore = (*Store)(nil)

func (s *Store) CreateRefreshToken(ctx context.Context, tok *session.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, account_id, token_hash, expires_at, created_at, revoked)
		values ($1, $2, $3, $4, $5, $6)
	`, tok.ID, tok.AccountID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt, tok.Revoked)
	return mapConstraintError(err)
}

func (s *Store) FindRefreshToken(ctx context.Context, id string) (*session.RefreshToken, error) {
	var tok session.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, account_id, token_hash, expires_at, created_at, revoked
		from refresh_tokens where id = $1
	`, id).Scan(&tok.ID, &tok.AccountID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &tok.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *Store) RevokeRefreshToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where id = $1
	`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s *Store) RevokeAccountRefreshTokens(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where account_id = $1 and not revoked
	`, accountID)
	return err
}
