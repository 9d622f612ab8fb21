package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"aurex.org/internal/audit"
	"aurex.org/internal/credential"
	"aurex.org/internal/identity"
	"aurex.org/internal/ids"
	"aurex.org/internal/obs"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14

	// Consecutive failures after which authentication is refused until a
	// successful credential reset.
	maxFailedLogins = 5
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("session: invalid token")

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	Kind      string `json:"kind"`
	Tier      string `json:"tier,omitempty"`
	TokenType string `json:"token_type"`
	// Restricted marks sessions opened with a temporary credential: the only
	// operation such a token authorizes is changing the credential.
	Restricted bool `json:"restricted,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair bundles access and refresh tokens with their expirations.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Service issues and validates bearer tokens carrying identity and role.
type Service struct {
	accounts AccountStore
	tokens   TokenStore
	recorder *audit.Recorder

	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures Service behavior.
type Option func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the session verifier. The signing secret is required.
func NewService(accounts AccountStore, tokens TokenStore, recorder *audit.Recorder, secret string, opts ...Option) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("session: signing secret is required")
	}
	if accounts == nil || tokens == nil {
		return nil, errors.New("session: account and token stores are required")
	}
	s := &Service{
		accounts:   accounts,
		tokens:     tokens,
		recorder:   recorder,
		secret:     []byte(secret),
		issuer:     "aurex",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Login authenticates credentials and issues a fresh token pair. Every failure
// is identity.ErrAuthenticationFailed: the caller can never distinguish an
// unknown identifier from a wrong secret or a locked account.
func (s *Service) Login(ctx context.Context, identifier, secret string, meta audit.Entry) (TokenPair, *identity.Account, error) {
	identifier = strings.TrimSpace(strings.ToLower(identifier))
	if identifier == "" || secret == "" {
		return TokenPair{}, nil, identity.ErrAuthenticationFailed
	}
	acc, err := s.accounts.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			obs.CountAuthFailure()
			return TokenPair{}, nil, identity.ErrAuthenticationFailed
		}
		return TokenPair{}, nil, err
	}
	if !acc.IsActive() || acc.FailedLogins >= maxFailedLogins {
		s.recordLogin(ctx, acc, meta, audit.OutcomeDenied)
		obs.CountAuthFailure()
		return TokenPair{}, nil, identity.ErrAuthenticationFailed
	}
	if !credential.Verify(secret, acc.PasswordHash, acc.PasswordAlgo) {
		if _, err := s.accounts.RecordAuthFailure(ctx, acc.ID); err != nil {
			return TokenPair{}, nil, err
		}
		s.recordLogin(ctx, acc, meta, audit.OutcomeFailure)
		obs.CountAuthFailure()
		return TokenPair{}, nil, identity.ErrAuthenticationFailed
	}
	if err := s.accounts.RecordAuthSuccess(ctx, acc.ID); err != nil {
		return TokenPair{}, nil, err
	}
	pair, err := s.mint(ctx, acc)
	if err != nil {
		return TokenPair{}, nil, err
	}
	s.recordLogin(ctx, acc, meta, audit.OutcomeSuccess)
	return pair, acc, nil
}

// Verify checks signature and expiry, then re-resolves the account so a token
// minted before a suspension or deletion is rejected even while still
// formally valid.
func (s *Service) Verify(ctx context.Context, token string) (*identity.Account, *Claims, error) {
	claims, err := s.parseAccess(token)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	acc, err := s.accounts.GetAccount(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, nil, ErrInvalidToken
		}
		return nil, nil, err
	}
	if !acc.IsActive() {
		return nil, nil, ErrInvalidToken
	}
	return acc, claims, nil
}

// Refresh rotates a refresh token and issues new access credentials. A refresh
// token never authorizes an operation directly.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, *identity.Account, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, nil, ErrInvalidToken
	}
	record, err := s.tokens.FindRefreshToken(ctx, tokenID)
	if err != nil {
		return TokenPair{}, nil, ErrInvalidToken
	}
	if record.Revoked || !s.now().Before(record.ExpiresAt) {
		return TokenPair{}, nil, ErrInvalidToken
	}
	if !secureCompareHash(record.TokenHash, secret) {
		// A wrong secret against a live token id smells like theft; burn it.
		_ = s.tokens.RevokeRefreshToken(ctx, record.ID)
		return TokenPair{}, nil, ErrInvalidToken
	}
	acc, err := s.accounts.GetAccount(ctx, record.AccountID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidToken
		}
		return TokenPair{}, nil, err
	}
	if !acc.IsActive() {
		return TokenPair{}, nil, ErrInvalidToken
	}
	if err := s.tokens.RevokeRefreshToken(ctx, record.ID); err != nil {
		return TokenPair{}, nil, err
	}
	pair, err := s.mint(ctx, acc)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, acc, nil
}

// Logout revokes every refresh token held by the account. Outstanding access
// tokens expire on their own; their lifetime is kept short for that reason.
func (s *Service) Logout(ctx context.Context, acc *identity.Account, meta audit.Entry) error {
	if err := s.tokens.RevokeAccountRefreshTokens(ctx, acc.ID); err != nil {
		return err
	}
	if s.recorder != nil {
		entry := meta
		entry.ActorID = acc.ID
		entry.ActorKind = string(acc.Kind)
		entry.Action = "auth.logout"
		entry.ResourceType = "account"
		entry.ResourceID = acc.ID
		entry.Outcome = audit.OutcomeSuccess
		_ = s.recorder.Record(ctx, &entry)
	}
	return nil
}

func (s *Service) mint(ctx context.Context, acc *identity.Account) (TokenPair, error) {
	now := s.now().UTC()
	accessExp := now.Add(s.accessTTL)

	claims := Claims{
		Kind:       string(acc.Kind),
		Tier:       string(acc.Tier()),
		TokenType:  "access",
		Restricted: acc.MustChangePassword,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   acc.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        ids.New(),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign token: %w", err)
	}

	refreshString, record, err := s.generateRefreshToken(acc.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.tokens.CreateRefreshToken(ctx, record); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshString,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

func (s *Service) parseAccess(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }), jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != "access" {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) generateRefreshToken(accountID string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.New()
	sum := sha256.Sum256([]byte(secret))
	record := &RefreshToken{
		ID:        tokenID,
		AccountID: accountID,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}
	return tokenID + "." + secret, record, nil
}

func (s *Service) recordLogin(ctx context.Context, acc *identity.Account, meta audit.Entry, outcome string) {
	if s.recorder == nil {
		return
	}
	entry := meta
	entry.ActorID = acc.ID
	entry.ActorKind = string(acc.Kind)
	entry.Action = "auth.login"
	entry.ResourceType = "account"
	entry.ResourceID = acc.ID
	entry.Outcome = outcome
	_ = s.recorder.Record(ctx, &entry)
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
