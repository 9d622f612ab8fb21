package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"aurex.org/internal/audit"
	"aurex.org/internal/authz"
	"aurex.org/internal/identity"
	"aurex.org/internal/session"
)

const (
	authHeaderName = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/register",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// restrictedPaths are the only operations a must-change-password session may
// perform.
var restrictedPaths = []string{
	"/v1/auth/password",
	"/v1/auth/logout",
}

const ctxKeyPrincipal ctxKey = 1

type principal struct {
	account *identity.Account
	claims  *session.Claims
}

func contextWithPrincipal(ctx context.Context, acc *identity.Account, claims *session.Claims) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, principal{account: acc, claims: claims})
}

func principalFromContext(ctx context.Context) (*identity.Account, *session.Claims, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(principal)
	if !ok || p.account == nil {
		return nil, nil, false
	}
	return p.account, p.claims, true
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.sessions == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get(authHeaderName)
		if header == "" && allowsAnonymous(r) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(header)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "authentication failed")
			return
		}

		acc, claims, err := a.sessions.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, session.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "authentication failed")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		if claims.Restricted && !isRestrictedPath(r.URL.Path) {
			writeError(w, r, http.StatusForbidden, "credential change required before any other operation")
			return
		}

		ctx := contextWithPrincipal(r.Context(), acc, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission resolves the principal and gates it on perm. Denials are
// recorded in the audit trail with the permission that was missing.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) (*identity.Account, bool) {
	acc, _, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
		return nil, false
	}
	if err := authz.Require(acc, perm); err != nil {
		a.recordDenied(r, acc, perm)
		writeError(w, r, http.StatusForbidden, err.Error())
		return nil, false
	}
	return acc, true
}

func (a *API) recordDenied(r *http.Request, acc *identity.Account, perm string) {
	if a.recorder == nil {
		return
	}
	entry := requestMeta(r)
	entry.ActorID = acc.ID
	entry.ActorKind = string(acc.Kind)
	entry.Action = "authz.deny"
	entry.ResourceType = "permission"
	entry.ResourceID = perm
	entry.Outcome = audit.OutcomeDenied
	_ = a.recorder.Record(r.Context(), &entry)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func isRestrictedPath(path string) bool {
	for _, p := range restrictedPaths {
		if path == p {
			return true
		}
	}
	return false
}

// allowsAnonymous marks the one route that accepts both anonymous and
// authenticated callers: admin self-registration lands pending, while a
// privileged creator activates the account immediately.
func allowsAnonymous(r *http.Request) bool {
	return r.Method == http.MethodPost && r.URL.Path == "/v1/admins"
}
