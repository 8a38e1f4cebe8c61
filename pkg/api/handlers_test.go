package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/sessiond/pkg/authority"
	"github.com/hirewire/sessiond/pkg/principal"
	"github.com/hirewire/sessiond/pkg/session"
	"github.com/hirewire/sessiond/pkg/store"
)

// stubAuthority implements session.AuthorityClient with fixed behavior.
type stubAuthority struct {
	kind      principal.Kind
	loginErr  error
	validates atomic.Int64
}

func (a *stubAuthority) Login(_ context.Context, email, _ string) (string, *principal.Principal, error) {
	if a.loginErr != nil {
		return "", nil, a.loginErr
	}
	return "tok-" + string(a.kind), &principal.Principal{Email: email, Role: string(a.kind)}, nil
}

func (a *stubAuthority) Signup(_ context.Context, _ authority.SignupRequest) (string, error) {
	return "verification email sent", nil
}

func (a *stubAuthority) Validate(_ context.Context, _ string) (*authority.ValidationResult, error) {
	a.validates.Add(1)
	return &authority.ValidationResult{
		Valid:     true,
		Principal: &principal.Principal{Email: "stub@example.com", Role: string(a.kind)},
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
	}, nil
}

func (a *stubAuthority) Refresh(_ context.Context, _ string) (string, error) {
	return "tok-" + string(a.kind) + "-2", nil
}

type testHarness struct {
	server      *Server
	kv          *store.MemoryKV
	userAuth    *stubAuthority
	companyAuth *stubAuthority
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	kv := store.NewMemoryKV()
	userAuth := &stubAuthority{kind: principal.KindUser}
	companyAuth := &stubAuthority{kind: principal.KindCompany}

	newMgr := func(kind principal.Kind, auth *stubAuthority) *session.Manager {
		m, err := session.NewManager(session.ManagerConfig{
			Kind:          kind,
			Authority:     auth,
			Store:         kv,
			RenewInterval: time.Hour,
		})
		require.NoError(t, err)
		t.Cleanup(m.Close)
		return m
	}

	agg := session.NewAggregator(
		newMgr(principal.KindUser, userAuth),
		newMgr(principal.KindCompany, companyAuth),
	)
	agg.Bootstrap(context.Background())

	return &testHarness{
		server:      NewServer(Config{Sessions: agg}),
		kv:          kv,
		userAuth:    userAuth,
		companyAuth: companyAuth,
	}
}

func (h *testHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGetSession_Unauthenticated(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"authenticated":false`)
	assert.Contains(t, rec.Body.String(), `"loading":false`)
}

func TestLogin_RoundTrip(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/user/login", `{"email":"jo@example.com","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/v1/session", "")
	assert.Contains(t, rec.Body.String(), `"authenticated":true`)
	assert.Contains(t, rec.Body.String(), `"active_kind":"user"`)
}

func TestLogin_ValidationErrors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"unknown kind", "/v1/martian/login", `{"email":"a@b.c","password":"x"}`},
		{"missing email", "/v1/user/login", `{"password":"x"}`},
		{"missing password", "/v1/user/login", `{"email":"a@b.c"}`},
		{"garbage body", "/v1/user/login", `{not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestLogin_RejectionMapsTo401(t *testing.T) {
	h := newHarness(t)
	h.userAuth.loginErr = &authority.RejectedError{Op: authority.OpLogin, Message: "bad credentials"}

	rec := h.do(t, http.MethodPost, "/v1/user/login", `{"email":"jo@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_TransportFailureMapsTo502(t *testing.T) {
	h := newHarness(t)
	h.userAuth.loginErr = &authority.TransportError{Op: authority.OpLogin, Err: errors.New("connection refused")}

	rec := h.do(t, http.MethodPost, "/v1/user/login", `{"email":"jo@example.com","password":"hunter2"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCompanyPriorityInSessionView(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/user/login", `{"email":"jo@example.com","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/company/login", `{"email":"hiring@acme.example.com","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/session", "")
	assert.Contains(t, rec.Body.String(), `"active_kind":"company"`)
}

func TestSignup_IsStateless(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/user/signup", `{"name":"Jo","email":"jo@example.com","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "verification email sent")

	rec = h.do(t, http.MethodGet, "/v1/session", "")
	assert.Contains(t, rec.Body.String(), `"authenticated":false`)
}

func TestRefresh_RotatesToken(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/user/login", `{"email":"jo@example.com","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/user/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	record, err := store.ReadRecord(context.Background(), h.kv, principal.KindUser)
	require.NoError(t, err)
	assert.Equal(t, "tok-user-2", record.Token)
}

func TestLogout_ClearsEverything(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/user/login", `{"email":"jo@example.com","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/logout", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, h.kv.Len())

	// Idempotent.
	rec = h.do(t, http.MethodPost, "/v1/logout", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestValidate_UnavailableWhileBootstrapping(t *testing.T) {
	kv := store.NewMemoryKV()
	newMgr := func(kind principal.Kind) *session.Manager {
		m, err := session.NewManager(session.ManagerConfig{
			Kind:          kind,
			Authority:     &stubAuthority{kind: kind},
			Store:         kv,
			RenewInterval: time.Hour,
		})
		require.NoError(t, err)
		t.Cleanup(m.Close)
		return m
	}

	// No Bootstrap call: both managers are still loading.
	agg := session.NewAggregator(newMgr(principal.KindUser), newMgr(principal.KindCompany))
	server := NewServer(Config{Sessions: agg})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/validate", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestValidate_NoActiveSession(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/validate", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestValidate_MemoizesAnswers(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/user/login", `{"email":"jo@example.com","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	baseline := h.userAuth.validates.Load()

	rec = h.do(t, http.MethodGet, "/v1/validate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	afterFirst := h.userAuth.validates.Load()
	assert.Greater(t, afterFirst, baseline)

	// Second call is served from the cache.
	rec = h.do(t, http.MethodGet, "/v1/validate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cached":true`)
	assert.Equal(t, afterFirst, h.userAuth.validates.Load())

	// refresh=true bypasses the cache.
	rec = h.do(t, http.MethodGet, "/v1/validate?refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Greater(t, h.userAuth.validates.Load(), afterFirst)
}
