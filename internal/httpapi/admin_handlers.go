package httpapi

import (
	"net/http"
	"strings"

	"aurex.org/internal/approval"
	"aurex.org/internal/authz"
	"aurex.org/internal/identity"
)

type createAdminRequest struct {
	Email              string   `json:"email"`
	Phone              string   `json:"phone"`
	Secret             string   `json:"secret"`
	Tier               string   `json:"tier"`
	Department         string   `json:"department"`
	PermissionOverride []string `json:"permission_override"`
}

type createStaffRequest struct {
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Secret     string `json:"secret"`
	EmployeeID string `json:"employee_id"`
	Position   string `json:"position"`
	Department string `json:"department"`
}

type changeTierRequest struct {
	Tier string `json:"tier"`
}

type listAdminsResponse struct {
	Items  []*identity.Account `json:"items"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

func (a *API) handleAdminsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAdmin(w, r)
	case http.MethodGet:
		a.listAdmins(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// createAdmin serves both self-registration (no principal, account lands
// pending) and creation by a privileged actor (requires admin:create, account
// may activate immediately).
func (a *API) createAdmin(w http.ResponseWriter, r *http.Request) {
	actor, _, authenticated := principalFromContext(r.Context())
	if authenticated {
		if _, ok := a.ensurePermission(w, r, authz.PermAdminCreate); !ok {
			return
		}
	}
	var req createAdminRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.workflow.CreateAdmin(r.Context(), actor, approval.CreateAdminInput{
		Email:              req.Email,
		Phone:              req.Phone,
		Secret:             req.Secret,
		Tier:               identity.RoleTier(req.Tier),
		Department:         req.Department,
		PermissionOverride: req.PermissionOverride,
	}, requestMeta(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/admins/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) listAdmins(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.PermAdminRead); !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 200)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parsePositiveInt(r.URL.Query().Get("offset"), 0, 0, 1<<20)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := a.accounts.ListAdmins(r.Context(), identity.AdminFilter{
		Status: identity.Status(r.URL.Query().Get("status")),
		Tier:   identity.RoleTier(r.URL.Query().Get("tier")),
		Query:  r.URL.Query().Get("q"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []*identity.Account{}
	}
	writeJSON(w, http.StatusOK, listAdminsResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (a *API) handleAdminResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/admins/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAdmin(w, r, parts[0])
	case 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.adminAction(w, r, parts[0], parts[1])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getAdmin(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := a.ensurePermission(w, r, authz.PermAdminRead); !ok {
		return
	}
	acc, err := a.accounts.GetAccount(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if acc.Kind != identity.KindAdmin {
		writeError(w, r, http.StatusNotFound, "administrator not found")
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) adminAction(w http.ResponseWriter, r *http.Request, id, action string) {
	perm := authz.PermAdminUpdate
	if action == "promote" || action == "demote" {
		perm = authz.PermAdminPermission
	}
	actor, ok := a.ensurePermission(w, r, perm)
	if !ok {
		return
	}
	meta := requestMeta(r)

	switch action {
	case "approve":
		acc, err := a.workflow.Approve(r.Context(), actor, id, meta)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, acc)
	case "reject":
		if err := a.workflow.Reject(r.Context(), actor, id, meta); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "suspend":
		acc, err := a.workflow.Suspend(r.Context(), actor, id, meta)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, acc)
	case "activate":
		acc, err := a.workflow.Activate(r.Context(), actor, id, meta)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, acc)
	case "promote", "demote":
		var req changeTierRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		tier := identity.RoleTier(req.Tier)
		var acc *identity.Account
		var err error
		if action == "promote" {
			acc, err = a.workflow.Promote(r.Context(), actor, id, tier, meta)
		} else {
			acc, err = a.workflow.Demote(r.Context(), actor, id, tier, meta)
		}
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, acc)
	case "reset-password":
		temp, err := a.workflow.ResetCredential(r.Context(), actor, id, meta)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"temporary_secret":     temp,
			"must_change_password": true,
		})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, authz.PermAdminRead); !ok {
		return
	}
	cap, err := a.workflow.Capacity(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cap)
}

func (a *API) handleStaffCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := a.ensurePermission(w, r, authz.PermUserCreate)
	if !ok {
		return
	}
	var req createStaffRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.workflow.CreateStaff(r.Context(), actor, approval.CreateStaffInput{
		Email:      req.Email,
		Phone:      req.Phone,
		Secret:     req.Secret,
		EmployeeID: req.EmployeeID,
		Position:   req.Position,
		Department: req.Department,
	}, requestMeta(r))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}
