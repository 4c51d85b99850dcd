package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"proposal-workflows/internal/config"
	"proposal-workflows/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct{}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

// MockTenantStore satisfies repository.TenantStore
type MockTenantStore struct {
	mock.Mock
}

func (m *MockTenantStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	args := m.Called(ctx, domain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Tenant), args.Error(1)
}

func (m *MockTenantStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	args := m.Called(ctx, tenant)
	return args.Error(0)
}

const testIssuer = "https://test-issuer.com"

func fakeToken(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	base := map[string]interface{}{
		"iss": testIssuer,
		"aud": "test-client",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Add(-1 * time.Minute).Unix(),
	}
	for k, v := range claims {
		base[k] = v
	}
	headerBytes, err := json.Marshal(map[string]interface{}{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	require.NoError(t, err)
	payload, err := json.Marshal(base)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(headerBytes) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func testVerifier() *oidc.IDTokenVerifier {
	return oidc.NewVerifier(testIssuer, &MockKeySet{}, &oidc.Config{
		ClientID:          "test-client",
		SkipClientIDCheck: true,
	})
}

func TestRequireAuth_BearerToken_ExtractsTenantAndActor(t *testing.T) {
	store := new(MockTenantStore)
	store.On("GetTenantByDomain", mock.Anything, "acme.com").Return(&models.Tenant{
		ID:     "tenant-123",
		Name:   "acme.com",
		Domain: "acme.com",
	}, nil)

	a := &Auth{
		apiVerifier: testVerifier(),
		repo:        store,
		rolesClaim:  "groups",
		adminRole:   "space-admins",
	}

	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, map[string]interface{}{
		"sub":    "user-42",
		"email":  "user@acme.com",
		"groups": []string{"reviewers", "space-admins"},
	}))
	rec := httptest.NewRecorder()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := TenantID(r.Context())
		assert.True(t, ok, "tenant should be in context")
		assert.Equal(t, "tenant-123", tenantID)

		actor, ok := ActorFrom(r.Context())
		assert.True(t, ok, "actor should be in context")
		assert.Equal(t, "user-42", actor.UserID)
		assert.Equal(t, []string{"reviewers", "space-admins"}, actor.RoleIDs)
		assert.True(t, actor.IsMember)
		assert.True(t, actor.IsAdmin)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Logf("Response Body: %s", rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	store.AssertExpectations(t)
}

func TestRequireAuth_SingleRoleClaim(t *testing.T) {
	store := new(MockTenantStore)
	store.On("GetTenantByDomain", mock.Anything, "acme.com").Return(&models.Tenant{ID: "t1", Domain: "acme.com"}, nil)

	a := &Auth{apiVerifier: testVerifier(), repo: store, rolesClaim: "role"}

	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, map[string]interface{}{
		"email": "user@acme.com",
		"role":  "reviewers",
	}))
	rec := httptest.NewRecorder()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		assert.True(t, ok)
		// no subject claim: the email identifies the user
		assert.Equal(t, "user@acme.com", actor.UserID)
		assert.Equal(t, []string{"reviewers"}, actor.RoleIDs)
		assert.False(t, actor.IsAdmin)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuth_InvalidBearerToken(t *testing.T) {
	store := new(MockTenantStore)
	a := &Auth{apiVerifier: testVerifier(), repo: store}

	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()

	called := false
	a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	store.AssertNotCalled(t, "GetTenantByDomain", mock.Anything, mock.Anything)
}

func TestRequireAuth_MissingCookieRedirectsToLogin(t *testing.T) {
	a := &Auth{verifier: testVerifier(), repo: new(MockTenantStore)}

	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	rec := httptest.NewRecorder()
	a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestRequireAuth_BypassMode(t *testing.T) {
	store := new(MockTenantStore)
	// dev@localhost provisions the "localhost" tenant
	store.On("GetTenantByDomain", mock.Anything, "localhost").Return(nil, fmt.Errorf("not found"))
	store.On("CreateTenant", mock.Anything, mock.MatchedBy(func(tenant *models.Tenant) bool {
		return tenant.Domain == "localhost"
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*models.Tenant).ID = "dev-tenant-id"
	}).Return(nil)

	cfg := &config.Config{
		Environment:   "development",
		DevModeBypass: true,
	}
	a, err := New(context.Background(), cfg, store, &NoOpLogger{})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	rec := httptest.NewRecorder()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := TenantID(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "dev-tenant-id", tenantID)

		actor, ok := ActorFrom(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "dev@localhost", actor.UserID)
		assert.True(t, actor.IsAdmin)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	store.AssertExpectations(t)
}

func TestRequireAuth_BypassModeDevHeaders(t *testing.T) {
	store := new(MockTenantStore)
	store.On("GetTenantByDomain", mock.Anything, "localhost").Return(&models.Tenant{ID: "dev-tenant-id"}, nil)

	cfg := &config.Config{Environment: "DEV", DevModeBypass: true}
	cfg.Auth.AdminRole = "space-admins"
	a, err := New(context.Background(), cfg, store, &NoOpLogger{})
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	req.Header.Set(HeaderDevUser, "reviewer-1")
	req.Header.Set(HeaderDevRoles, "reviewers, panel ")
	rec := httptest.NewRecorder()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "reviewer-1", actor.UserID)
		assert.Equal(t, []string{"reviewers", "panel"}, actor.RoleIDs)
		assert.False(t, actor.IsAdmin)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_IncompleteConfigOutsideBypass(t *testing.T) {
	cfg := &config.Config{Environment: "production", DevModeBypass: true}
	_, err := New(context.Background(), cfg, new(MockTenantStore), &NoOpLogger{})
	assert.Error(t, err)
}

func TestRequireAuth_AutoProvisionTenant(t *testing.T) {
	store := new(MockTenantStore)
	store.On("GetTenantByDomain", mock.Anything, "startup.io").Return(nil, fmt.Errorf("not found"))
	store.On("CreateTenant", mock.Anything, mock.MatchedBy(func(tenant *models.Tenant) bool {
		return tenant.Domain == "startup.io" && tenant.Name == "startup.io"
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*models.Tenant).ID = "new-tenant-id"
	}).Return(nil)

	a := &Auth{apiVerifier: testVerifier(), repo: store, rolesClaim: "groups"}
	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, map[string]interface{}{
		"sub":   "test-founder",
		"email": "founder@startup.io",
	}))
	rec := httptest.NewRecorder()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := TenantID(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "new-tenant-id", tenantID)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Logf("Response Body: %s", rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	store.AssertExpectations(t)
}
