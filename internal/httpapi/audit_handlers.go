package httpapi

import (
	"net/http"
	"strings"
	"time"

	"aurex.org/internal/audit"
	"aurex.org/internal/authz"
)

type listAuditResponse struct {
	Items  []audit.Entry `json:"items"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
	AsOf   time.Time     `json:"as_of"`
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, authz.PermAuditRead); !ok {
		return
	}

	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parsePositiveInt(q.Get("offset"), 0, 0, 1<<20)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f := audit.Filter{
		ActorID:      strings.TrimSpace(q.Get("actor")),
		Action:       strings.TrimSpace(q.Get("action")),
		ResourceType: strings.TrimSpace(q.Get("resource_type")),
		ResourceID:   strings.TrimSpace(q.Get("resource_id")),
		Limit:        limit,
		Offset:       offset,
	}
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		f.From = ts
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		f.To = ts
	}

	items, total, err := a.auditLog.List(r.Context(), f)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if items == nil {
		items = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
		AsOf:   time.Now().UTC(),
	})
}
