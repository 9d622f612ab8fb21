package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"aurex.org/internal/approval"
	"aurex.org/internal/audit"
	"aurex.org/internal/identity"
	"aurex.org/internal/session"
)

const strongSecret = "Sup3r!Secure#Pass"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) (*apiClient, *memStore) {
	t.Helper()

	store := newMemStore()
	recorder, err := audit.NewRecorder(store, store)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	sessions, err := session.NewService(store, store, recorder, "test-secret")
	if err != nil {
		t.Fatalf("session.NewService: %v", err)
	}
	accounts, err := identity.NewService(store)
	if err != nil {
		t.Fatalf("identity.NewService: %v", err)
	}
	workflow, err := approval.New(store)
	if err != nil {
		t.Fatalf("approval.New: %v", err)
	}

	api := New(Config{
		Probe:    ReadyProbe{},
		Version:  "test",
		Sessions: sessions,
		Accounts: accounts,
		Workflow: workflow,
		AuditLog: store,
		Recorder: recorder,
		Limiter:  NewRateLimiter(1000, 1000),
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}, store
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) createAdmin(token, email, tier string) map[string]any {
	c.t.Helper()
	headers := map[string]string(nil)
	if token != "" {
		headers = authHeader(token)
	}
	resp := c.post("/v1/admins", map[string]any{
		"email":  email,
		"secret": strongSecret,
		"tier":   tier,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create admin %s: unexpected status %d", email, resp.StatusCode)
	}
	return decode[map[string]any](c.t, resp)
}

func (c *apiClient) login(identifier, secret string) map[string]any {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{
		"identifier": identifier,
		"secret":     secret,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login %s: unexpected status %d", identifier, resp.StatusCode)
	}
	return decode[map[string]any](c.t, resp)
}

// bootstrapSuperAdmin creates the first administrator (active immediately) and
// returns its access token and account id.
func (c *apiClient) bootstrapSuperAdmin() (string, string) {
	c.t.Helper()
	acc := c.createAdmin("", "root@aurex.org", "super_admin")
	if acc["status"] != "active" {
		c.t.Fatalf("bootstrap admin should be active, got %v", acc["status"])
	}
	payload := c.login("root@aurex.org", strongSecret)
	return payload["access_token"].(string), acc["id"].(string)
}

func TestHealthAndInfo(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
	body := decode[map[string]any](t, resp)
	if body["service"] != "aurex-api" {
		t.Fatalf("unexpected service name: %v", body["service"])
	}

	resp = api.get("/v1/info", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBootstrapAndAdminLifecycle(t *testing.T) {
	api, _ := newTestAPI(t)
	rootToken, _ := api.bootstrapSuperAdmin()

	created := api.createAdmin(rootToken, "ops@aurex.org", "admin")
	if created["status"] != "active" {
		t.Fatalf("admin created by super_admin should be active, got %v", created["status"])
	}
	opsID := created["id"].(string)

	resp := api.get("/v1/admins", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list admins: unexpected status %d", resp.StatusCode)
	}
	listing := decode[listAdminsResponse](t, resp)
	if listing.Total != 2 {
		t.Fatalf("expected 2 admins, got %d", listing.Total)
	}

	// suspend then activate
	resp = api.post("/v1/admins/"+opsID+"/suspend", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend: unexpected status %d", resp.StatusCode)
	}
	suspended := decode[map[string]any](t, resp)
	if suspended["status"] != "suspended" {
		t.Fatalf("expected suspended, got %v", suspended["status"])
	}

	resp = api.post("/v1/admins/"+opsID+"/activate", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// a second suspend of the same target from a stale state view is refused
	resp = api.post("/v1/admins/"+opsID+"/suspend", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("re-suspend: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = api.post("/v1/admins/"+opsID+"/suspend", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double suspend should conflict, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAuthorizationNamesMissingPermission(t *testing.T) {
	api, _ := newTestAPI(t)
	rootToken, _ := api.bootstrapSuperAdmin()

	api.createAdmin(rootToken, "viewer@aurex.org", "viewer")
	payload := api.login("viewer@aurex.org", strongSecret)
	viewerToken := payload["access_token"].(string)

	resp := api.get("/v1/admins", nil, authHeader(viewerToken))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if !strings.Contains(body["error"].(string), "admin:read") {
		t.Fatalf("authorization error should name the permission, got %v", body["error"])
	}
}

func TestAuthenticationFailuresAreGeneric(t *testing.T) {
	api, _ := newTestAPI(t)
	api.bootstrapSuperAdmin()

	unknown := api.post("/v1/auth/login", map[string]any{
		"identifier": "ghost@aurex.org",
		"secret":     strongSecret,
	}, nil)
	wrongSecret := api.post("/v1/auth/login", map[string]any{
		"identifier": "root@aurex.org",
		"secret":     "Wr0ng!Secret#Here",
	}, nil)

	for _, resp := range []*http.Response{unknown, wrongSecret} {
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		body := decode[map[string]any](t, resp)
		if body["error"] != "authentication failed" {
			t.Fatalf("authentication error must stay generic, got %v", body["error"])
		}
	}
}

func TestSelfRegistrationPendingAndApproval(t *testing.T) {
	api, _ := newTestAPI(t)
	rootToken, rootID := api.bootstrapSuperAdmin()

	pending := api.createAdmin("", "newcomer@aurex.org", "support")
	if pending["status"] != "pending" || pending["needs_approval"] != true {
		t.Fatalf("self-registered admin should be pending, got %v", pending)
	}
	pendingID := pending["id"].(string)

	// a pending account cannot authenticate
	resp := api.post("/v1/auth/login", map[string]any{
		"identifier": "newcomer@aurex.org",
		"secret":     strongSecret,
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pending login should fail with 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/admins/"+pendingID+"/approve", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: unexpected status %d", resp.StatusCode)
	}
	approved := decode[map[string]any](t, resp)
	if approved["status"] != "active" || approved["approved_by"] != rootID {
		t.Fatalf("unexpected approved account: %v", approved)
	}

	// double approval conflicts
	resp = api.post("/v1/admins/"+pendingID+"/approve", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double approve should conflict, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRejectDeletesAccount(t *testing.T) {
	api, _ := newTestAPI(t)
	rootToken, _ := api.bootstrapSuperAdmin()

	pending := api.createAdmin("", "reject-me@aurex.org", "viewer")
	pendingID := pending["id"].(string)

	resp := api.post("/v1/admins/"+pendingID+"/reject", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reject: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/admins/"+pendingID, nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("rejected account should be gone, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestChiefCeiling(t *testing.T) {
	api, _ := newTestAPI(t)
	rootToken, _ := api.bootstrapSuperAdmin()

	var chiefIDs []string
	for _, email := range []string{"c1@aurex.org", "c2@aurex.org", "c3@aurex.org"} {
		acc := api.createAdmin(rootToken, email, "chief")
		if acc["status"] != "active" {
			t.Fatalf("chief %s should be active", email)
		}
		chiefIDs = append(chiefIDs, acc["id"].(string))
	}

	resp := api.post("/v1/admins", map[string]any{
		"email":  "c4@aurex.org",
		"secret": strongSecret,
		"tier":   "chief",
	}, authHeader(rootToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("fourth active chief should conflict, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/admin/capacity", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capacity: unexpected status %d", resp.StatusCode)
	}
	cap := decode[identity.Capacity](t, resp)
	if cap.ActiveChiefs != 3 || cap.ChiefsAvailable != 0 {
		t.Fatalf("unexpected capacity: %+v", cap)
	}

	// a self-registered chief lands pending, and approving it counts against
	// the ceiling too
	pending := api.createAdmin("", "c5@aurex.org", "chief")
	if pending["status"] != "pending" {
		t.Fatalf("self-registered chief should be pending, got %v", pending["status"])
	}
	pendingID := pending["id"].(string)
	resp = api.post("/v1/admins/"+pendingID+"/approve", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("approving a fourth chief should conflict, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// with a seat freed the approval goes through, after which reactivating
	// the suspended chief conflicts in turn
	resp = api.post("/v1/admins/"+chiefIDs[0]+"/suspend", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("suspend chief: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = api.post("/v1/admins/"+pendingID+"/approve", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve with free seat: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = api.post("/v1/admins/"+chiefIDs[0]+"/activate", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("reactivating a fourth chief should conflict, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPromoteAndDemote(t *testing.T) {
	api, _ := newTestAPI(t)
	rootToken, _ := api.bootstrapSuperAdmin()

	acc := api.createAdmin(rootToken, "ops@aurex.org", "admin")
	id := acc["id"].(string)

	resp := api.post("/v1/admins/"+id+"/promote", map[string]any{"tier": "chief"}, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("promote: unexpected status %d", resp.StatusCode)
	}
	promoted := decode[map[string]any](t, resp)
	profile := promoted["admin_profile"].(map[string]any)
	if profile["tier"] != "chief" {
		t.Fatalf("expected chief tier, got %v", profile["tier"])
	}

	// a promotion that lowers the tier is a state error
	resp = api.post("/v1/admins/"+id+"/promote", map[string]any{"tier": "viewer"}, authHeader(rootToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("downward promote should conflict, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/admins/"+id+"/demote", map[string]any{"tier": "support"}, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("demote: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestLoginLockout(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.post("/v1/register", map[string]any{
		"email":  "trader@aurex.org",
		"secret": strongSecret,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	for i := 0; i < 5; i++ {
		resp := api.post("/v1/auth/login", map[string]any{
			"identifier": "trader@aurex.org",
			"secret":     "Wr0ng!Secret#Here",
		}, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}

	// correct secret is refused after the lockout threshold
	resp = api.post("/v1/auth/login", map[string]any{
		"identifier": "trader@aurex.org",
		"secret":     strongSecret,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("locked account should not authenticate, got %d", resp.StatusCode)
	}
}

func TestRestrictedSessionAfterReset(t *testing.T) {
	api, _ := newTestAPI(t)
	rootToken, _ := api.bootstrapSuperAdmin()

	acc := api.createAdmin(rootToken, "chief@aurex.org", "chief")
	id := acc["id"].(string)

	resp := api.post("/v1/admins/"+id+"/reset-password", nil, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset-password: unexpected status %d", resp.StatusCode)
	}
	reset := decode[map[string]any](t, resp)
	temp := reset["temporary_secret"].(string)
	if temp == "" {
		t.Fatalf("expected one-time temporary secret")
	}

	payload := api.login("chief@aurex.org", temp)
	restrictedToken := payload["access_token"].(string)

	// the restricted session may not touch anything but the credential
	resp = api.get("/v1/admins", nil, authHeader(restrictedToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("restricted session should be blocked, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/auth/password", map[string]any{
		"current_secret": temp,
		"new_secret":     "N3w!Chief#Secret9",
	}, authHeader(restrictedToken))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("password change: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	payload = api.login("chief@aurex.org", "N3w!Chief#Secret9")
	freshToken := payload["access_token"].(string)
	resp = api.get("/v1/admins", nil, authHeader(freshToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fresh session should be unrestricted, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRefreshRotationAndLogout(t *testing.T) {
	api, _ := newTestAPI(t)
	_, _ = api.bootstrapSuperAdmin()
	payload := api.login("root@aurex.org", strongSecret)
	refresh := payload["refresh_token"].(string)

	resp := api.post("/v1/auth/refresh", map[string]any{"refresh_token": refresh}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: unexpected status %d", resp.StatusCode)
	}
	rotated := decode[map[string]any](t, resp)
	newRefresh := rotated["refresh_token"].(string)
	if newRefresh == refresh {
		t.Fatalf("refresh token was not rotated")
	}

	// the consumed token is dead
	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": refresh}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed refresh should fail, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	access := rotated["access_token"].(string)
	resp = api.post("/v1/auth/logout", nil, authHeader(access))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/auth/refresh", map[string]any{"refresh_token": newRefresh}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh after logout should fail, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCustomerCannotAccessAdminAPI(t *testing.T) {
	api, _ := newTestAPI(t)
	api.bootstrapSuperAdmin()

	resp := api.post("/v1/register", map[string]any{
		"email":  "trader@aurex.org",
		"secret": strongSecret,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: unexpected status %d", resp.StatusCode)
	}
	customer := decode[map[string]any](t, resp)
	if customer["kind"] != "customer" || customer["status"] != "active" {
		t.Fatalf("unexpected customer account: %v", customer)
	}
	profile := customer["customer_profile"].(map[string]any)
	if profile["risk_tier"] != "low" {
		t.Fatalf("expected low default risk tier, got %v", profile["risk_tier"])
	}

	payload := api.login("trader@aurex.org", strongSecret)
	token := payload["access_token"].(string)
	resp = api.get("/v1/admins", nil, authHeader(token))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("customer should be denied, got %d", resp.StatusCode)
	}
}

func TestAuditTrailEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	rootToken, rootID := api.bootstrapSuperAdmin()
	api.createAdmin(rootToken, "ops@aurex.org", "admin")

	resp := api.get("/v1/audit", url.Values{"action": []string{"admin.create"}}, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit list: unexpected status %d", resp.StatusCode)
	}
	listing := decode[listAuditResponse](t, resp)
	if listing.Total != 2 {
		t.Fatalf("expected 2 admin.create entries, got %d", listing.Total)
	}

	resp = api.get("/v1/audit", url.Values{"actor": []string{rootID}, "action": []string{"auth.login"}}, authHeader(rootToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit list: unexpected status %d", resp.StatusCode)
	}
	logins := decode[listAuditResponse](t, resp)
	if logins.Total == 0 {
		t.Fatalf("expected login entries for the root account")
	}
	for _, e := range logins.Items {
		if e.Outcome != audit.OutcomeSuccess {
			t.Fatalf("unexpected outcome: %s", e.Outcome)
		}
	}
}

func TestValidationErrors(t *testing.T) {
	api, _ := newTestAPI(t)

	resp := api.post("/v1/register", map[string]any{
		"email":  "weak@aurex.org",
		"secret": "short",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("weak secret should fail validation, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/register", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body should fail, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	if !limiter.Allow("10.0.0.1") || !limiter.Allow("10.0.0.1") {
		t.Fatalf("burst requests should be allowed")
	}
	if limiter.Allow("10.0.0.1") {
		t.Fatalf("request over burst should be refused")
	}
	if !limiter.Allow("10.0.0.2") {
		t.Fatalf("another client should have its own bucket")
	}
}
