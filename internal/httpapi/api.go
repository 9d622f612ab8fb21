package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aurex.org/internal/approval"
	"aurex.org/internal/audit"
	"aurex.org/internal/authz"
	"aurex.org/internal/identity"
	"aurex.org/internal/obs"
	"aurex.org/internal/session"
)

// ReadyProbe is the readiness check behind /readyz (database ping when wired).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the wired services the API serves.
type Config struct {
	Probe    ReadyProbe
	Version  string
	Sessions *session.Service
	Accounts *identity.Service
	Workflow *approval.Workflow
	AuditLog audit.Reader
	Recorder *audit.Recorder
	Limiter  *RateLimiter
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	sessions *session.Service
	accounts *identity.Service
	workflow *approval.Workflow
	auditLog audit.Reader
	recorder *audit.Recorder
	limiter  *RateLimiter
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.Probe,
		version:    cfg.Version,
		sessions:   cfg.Sessions,
		accounts:   cfg.Accounts,
		workflow:   cfg.Workflow,
		auditLog:   cfg.AuditLog,
		recorder:   cfg.Recorder,
		limiter:    cfg.Limiter,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/password", a.handleChangePassword)

	// account management
	a.mux.HandleFunc("/v1/register", a.handleRegister)
	a.mux.HandleFunc("/v1/admins", a.handleAdminsCollection)
	a.mux.HandleFunc("/v1/admins/", a.handleAdminResource)
	a.mux.HandleFunc("/v1/admin/capacity", a.handleCapacity)
	a.mux.HandleFunc("/v1/staff", a.handleStaffCollection)

	// audit trail
	a.mux.HandleFunc("/v1/audit", a.handleAuditList)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the composed http.Handler: metrics around request id,
// logging, headers, body cap, rate limit and bearer auth, in that order.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	if a.limiter != nil {
		h = a.limiter.Middleware(h)
	}
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = withRequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "aurex-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "aurex-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("value must be between %d and %d", min, max)
	}
	return val, nil
}

// requestMeta captures the caller-facing context carried into audit entries.
func requestMeta(r *http.Request) audit.Entry {
	return audit.Entry{
		IP:     clientIP(r),
		Method: r.Method,
	}
}

// handleDomainError maps service errors onto the wire contract. Authentication
// failures stay deliberately generic; authorization failures name the missing
// permission because the caller already proved who they are.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *authz.PermissionError
	switch {
	case errors.Is(err, identity.ErrAuthenticationFailed), errors.Is(err, session.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "authentication failed")
	case errors.As(err, &perr):
		writeError(w, r, http.StatusForbidden, perr.Error())
	case errors.Is(err, approval.ErrPrivilege):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrDuplicateIdentity),
		errors.Is(err, identity.ErrInvalidStateTransition),
		errors.Is(err, identity.ErrCapacityExceeded):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
