package permissions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/caregrid/caregrid/pkg/audit"
	"github.com/caregrid/caregrid/pkg/auth"
	"github.com/caregrid/caregrid/pkg/contextkeys"
)

type handlerFixture struct {
	router   *mux.Router
	store    *Store
	resolver *Resolver
	adminID  int64
}

func setupHandlers(t *testing.T) *handlerFixture {
	t.Helper()

	db := setupTestDB(t)
	store := NewStore(db)
	resolver := NewResolver(store, NewMemoryCache(64, 0))
	handlers := NewHandlers(store, resolver, audit.NopLogger{})

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)

	adminID := createTestUser(t, db, auth.RoleAdmin, true)

	return &handlerFixture{
		router:   router,
		store:    store,
		resolver: resolver,
		adminID:  adminID,
	}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	r := httptest.NewRequest(method, path, &buf)
	authCtx := &auth.AuthContext{User: &auth.User{ID: f.adminID, Role: auth.RoleAdmin, IsActive: true}}
	r = r.WithContext(contextkeys.WithAuth(r.Context(), authCtx))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, r)
	return rec
}

func TestHandlers_CreateAndListPermissions(t *testing.T) {
	f := setupHandlers(t)

	rec := f.do(t, "POST", "/permissions", map[string]interface{}{
		"name":     "patients.read",
		"resource": "patients",
		"action":   "read",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Duplicate is a conflict
	rec = f.do(t, "POST", "/permissions", map[string]interface{}{
		"name":     "patients.read",
		"resource": "patients",
		"action":   "read",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", rec.Code)
	}

	// Missing fields rejected
	rec = f.do(t, "POST", "/permissions", map[string]interface{}{"name": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d, want 400", rec.Code)
	}

	rec = f.do(t, "GET", "/permissions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Error("expected success envelope")
	}
}

func TestHandlers_GrantInvalidatesCache(t *testing.T) {
	f := setupHandlers(t)
	ctx := httptest.NewRequest("GET", "/", nil).Context()

	userID := createTestUser(t, f.store.db, auth.RoleStaff, true)
	perm := createTestPermission(t, f.store, ResourceTreatments, ActionWrite)

	check := Check{UserID: userID, Resource: ResourceTreatments, Action: ActionWrite}
	allowed, err := f.resolver.HasPermission(ctx, check)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("staff should start denied")
	}

	rec := f.do(t, "POST", fmt.Sprintf("/users/%d/permissions", userID), map[string]interface{}{
		"permission_id": perm.ID,
		"reason":        "covering surgery rotation",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("grant status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// No manual invalidation: the handler must have cleared the snapshot
	allowed, err = f.resolver.HasPermission(ctx, check)
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Error("grant through the API should be visible immediately")
	}
}

func TestHandlers_RevokeEndpoint(t *testing.T) {
	f := setupHandlers(t)
	ctx := httptest.NewRequest("GET", "/", nil).Context()

	userID := createTestUser(t, f.store.db, auth.RoleDoctor, true)
	perm := createTestPermission(t, f.store, ResourcePatients, ActionWrite)

	rec := f.do(t, "POST", fmt.Sprintf("/users/%d/permissions/revoke", userID), map[string]interface{}{
		"permission_id": perm.ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("revoke status = %d, body = %s", rec.Code, rec.Body.String())
	}

	allowed, err := f.resolver.HasPermission(ctx, Check{UserID: userID, Resource: ResourcePatients, Action: ActionWrite})
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("revoke should beat the doctor default")
	}
}

func TestHandlers_GrantRejectsPastExpiry(t *testing.T) {
	f := setupHandlers(t)

	userID := createTestUser(t, f.store.db, auth.RoleStaff, true)
	perm := createTestPermission(t, f.store, ResourceVisits, ActionWrite)

	rec := f.do(t, "POST", fmt.Sprintf("/users/%d/permissions", userID), map[string]interface{}{
		"permission_id": perm.ID,
		"expires_at":    "2001-01-01T00:00:00Z",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandlers_RoleLifecycle(t *testing.T) {
	f := setupHandlers(t)

	p1 := createTestPermission(t, f.store, ResourcePatients, ActionRead)
	p2 := createTestPermission(t, f.store, ResourceVisits, ActionWrite)

	rec := f.do(t, "POST", "/roles", map[string]interface{}{
		"name":           "ward-clerk",
		"display_name":   "Ward Clerk",
		"permission_ids": []int64{p1.ID},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create role status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var created struct {
		Data Role `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	roleID := created.Data.ID

	rec = f.do(t, "PUT", fmt.Sprintf("/roles/%d/permissions", roleID), map[string]interface{}{
		"permissions": []map[string]interface{}{
			{"permission_id": p2.ID, "granted": true},
			{"permission_id": p1.ID, "granted": false},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update role permissions status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "GET", fmt.Sprintf("/roles/%d/permissions", roleID), nil)
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Code)
	}
	var got struct {
		Data []RolePermission `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Data) != 2 {
		t.Errorf("got %d entries, want 2", len(got.Data))
	}

	rec = f.do(t, "GET", "/roles", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("list roles status = %d", rec.Code)
	}
}

func TestHandlers_AssignRoleAndEffectivePermissions(t *testing.T) {
	f := setupHandlers(t)

	userID := createTestUser(t, f.store.db, auth.RoleStaff, true)
	perm := createTestPermission(t, f.store, ResourceTests, ActionWrite)

	role := &Role{Name: "lab", DisplayName: "Lab", IsActive: true}
	if err := f.store.CreateRole(httptest.NewRequest("GET", "/", nil).Context(), role, []int64{perm.ID}); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, "PUT", fmt.Sprintf("/users/%d/role", userID), map[string]interface{}{
		"role_id": role.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "GET", fmt.Sprintf("/users/%d/permissions", userID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("effective status = %d", rec.Code)
	}
	var got struct {
		Data Snapshot `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if granted := got.Data.RoleGrants[perm.Key()]; !granted {
		t.Errorf("role grant missing from snapshot: %+v", got.Data.RoleGrants)
	}
}

func TestHandlers_History(t *testing.T) {
	f := setupHandlers(t)

	userID := createTestUser(t, f.store.db, auth.RoleStaff, true)
	perm := createTestPermission(t, f.store, ResourceReports, ActionRead)

	grantOverride(t, f.store, userID, perm.ID, nil, nil)
	revokeOverride(t, f.store, userID, perm.ID, nil)

	rec := f.do(t, "GET", fmt.Sprintf("/users/%d/permissions/history", userID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Data []UserPermission `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Data) != 2 {
		t.Errorf("history length = %d, want 2", len(got.Data))
	}
}

func TestHandlers_CheckEndpoint(t *testing.T) {
	f := setupHandlers(t)

	userID := createTestUser(t, f.store.db, auth.RoleDoctor, true)

	rec := f.do(t, "POST", "/check", map[string]interface{}{
		"user_id":  userID,
		"resource": "patients",
		"action":   "write",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Data CheckResult `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got.Data.Allowed || got.Data.Decision != DecisionRoleDefault {
		t.Errorf("result = %+v", got.Data)
	}

	rec = f.do(t, "POST", "/check", map[string]interface{}{"resource": "patients"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete check status = %d, want 400", rec.Code)
	}
}

func TestHandlers_CheckBatch(t *testing.T) {
	f := setupHandlers(t)

	userID := createTestUser(t, f.store.db, auth.RoleStaff, true)

	rec := f.do(t, "POST", "/check/batch", map[string]interface{}{
		"user_id": userID,
		"checks": []map[string]interface{}{
			{"resource": "patients", "action": "read"},
			{"resource": "patients", "action": "write"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Data []CheckResult `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Data) != 2 {
		t.Fatalf("result count = %d, want 2", len(got.Data))
	}
	if !got.Data[0].Allowed {
		t.Error("staff should read patients")
	}
	if got.Data[1].Allowed {
		t.Error("staff should not write patients")
	}
}

// Batch responses are positional: the same resource/action pair checked
// against two hospitals must produce two results.
func TestHandlers_CheckBatchHospitalScopes(t *testing.T) {
	f := setupHandlers(t)

	userID := createTestUser(t, f.store.db, auth.RoleStaff, true)
	perm := createTestPermission(t, f.store, ResourceTests, ActionWrite)
	grantOverride(t, f.store, userID, perm.ID, strptr("h1"), nil)

	rec := f.do(t, "POST", "/check/batch", map[string]interface{}{
		"user_id": userID,
		"checks": []map[string]interface{}{
			{"resource": "tests", "action": "write", "hospital_id": "h1"},
			{"resource": "tests", "action": "write", "hospital_id": "h2"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Data []CheckResult `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Data) != 2 {
		t.Fatalf("result count = %d, want 2", len(got.Data))
	}
	if !got.Data[0].Allowed {
		t.Error("hospital-scoped grant should allow tests:write at h1")
	}
	if got.Data[1].Allowed {
		t.Error("grant scoped to h1 should not allow tests:write at h2")
	}
}

func TestHandlers_NotFoundPaths(t *testing.T) {
	f := setupHandlers(t)

	rec := f.do(t, "GET", "/permissions/4040", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing permission status = %d, want 404", rec.Code)
	}

	rec = f.do(t, "GET", "/roles/4040", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing role status = %d, want 404", rec.Code)
	}

	rec = f.do(t, "GET", "/users/4040/permissions", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing user status = %d, want 404", rec.Code)
	}
}
