package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/sessiond/pkg/authority"
	"github.com/hirewire/sessiond/pkg/principal"
	"github.com/hirewire/sessiond/pkg/store"
)

func newTestAggregator(t *testing.T, kv store.KV, userAuth, companyAuth *fakeAuthority) *Aggregator {
	t.Helper()
	user := newTestManager(t, principal.KindUser, userAuth, kv)
	company := newTestManager(t, principal.KindCompany, companyAuth, kv)
	agg := NewAggregator(user, company)
	t.Cleanup(agg.Close)
	return agg
}

func loginBoth(t *testing.T, agg *Aggregator) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, agg.Manager(principal.KindUser).Login(ctx, "jo@example.com", "hunter2"))
	require.NoError(t, agg.Manager(principal.KindCompany).Login(ctx, "hiring@acme.example.com", "hunter2"))
}

func scriptedLoginAuthority(kind principal.Kind) *fakeAuthority {
	role := "candidate"
	if kind == principal.KindCompany {
		role = "company"
	}
	return &fakeAuthority{
		loginFn: func(email, password string) (string, *principal.Principal, error) {
			return "tok-" + string(kind), &principal.Principal{Email: email, Role: role}, nil
		},
		validateFn: validFor(&principal.Principal{Role: role}, testNow.Add(time.Hour).UnixMilli()),
	}
}

func TestAggregator_CompanyPriority(t *testing.T) {
	kv := store.NewMemoryKV()
	agg := newTestAggregator(t, kv,
		scriptedLoginAuthority(principal.KindUser),
		scriptedLoginAuthority(principal.KindCompany))

	_, ok := agg.ActiveKind()
	assert.False(t, ok)
	assert.False(t, agg.IsAuthenticated())

	loginBoth(t, agg)

	kind, ok := agg.ActiveKind()
	require.True(t, ok)
	assert.Equal(t, principal.KindCompany, kind, "company wins when both sessions are live")

	active, ok := agg.Active()
	require.True(t, ok)
	assert.Equal(t, principal.KindCompany, active.Kind())

	// With the company gone, the user session surfaces.
	agg.Manager(principal.KindCompany).Logout(context.Background())
	kind, ok = agg.ActiveKind()
	require.True(t, ok)
	assert.Equal(t, principal.KindUser, kind)
}

func TestAggregator_Bootstrap(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	userAuth := &fakeAuthority{}
	companyAuth := &fakeAuthority{
		validateFn: validFor(&principal.Principal{Email: "hiring@acme.example.com", Role: "company"}, testNow.Add(time.Hour).UnixMilli()),
	}
	require.NoError(t, store.WriteRecord(ctx, kv, principal.KindCompany, &store.Record{
		Token:     "ctok-1",
		Principal: &principal.Principal{Email: "hiring@acme.example.com", Role: "company"},
		ExpiresAt: testNow.Add(time.Hour).UnixMilli(),
	}))

	agg := newTestAggregator(t, kv, userAuth, companyAuth)
	assert.True(t, agg.IsLoading())

	agg.Bootstrap(ctx)

	assert.False(t, agg.IsLoading())
	assert.True(t, agg.IsAuthenticated())
	kind, ok := agg.ActiveKind()
	require.True(t, ok)
	assert.Equal(t, principal.KindCompany, kind)
}

// slowReadKV stalls the first read of one key until released, and releases
// it once the watched key is deleted. It forces the interleaving where the
// company bootstrap finishes (and purges) before the user bootstrap reads.
type slowReadKV struct {
	store.KV

	stallKey  string
	watchKey  string
	gate      chan struct{}
	gateOnce  sync.Once
	stallOnce sync.Once
}

func newSlowReadKV(inner store.KV, stallKey, watchKey string) *slowReadKV {
	return &slowReadKV{KV: inner, stallKey: stallKey, watchKey: watchKey, gate: make(chan struct{})}
}

func (s *slowReadKV) Get(ctx context.Context, key string) (string, bool, error) {
	if key == s.stallKey {
		stalled := false
		s.stallOnce.Do(func() { stalled = true })
		if stalled {
			<-s.gate
		}
	}
	return s.KV.Get(ctx, key)
}

func (s *slowReadKV) Delete(ctx context.Context, keys ...string) error {
	err := s.KV.Delete(ctx, keys...)
	for _, key := range keys {
		if key == s.watchKey {
			s.gateOnce.Do(func() { close(s.gate) })
		}
	}
	return err
}

func TestAggregator_Bootstrap_GuardSeesCompanyCredentialPurgedConcurrently(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemoryKV()
	kv := newSlowReadKV(inner, "token", "companyToken")

	seedRecord(t, kv, principal.KindUser, "tok-1", testNow.Add(time.Hour).UnixMilli())
	require.NoError(t, store.WriteRecord(ctx, kv, principal.KindCompany, &store.Record{
		Token:     "ctok-1",
		Principal: &principal.Principal{Email: "hiring@acme.example.com", Role: "company"},
		ExpiresAt: testNow.Add(time.Hour).UnixMilli(),
	}))

	userAuth := &fakeAuthority{
		validateFn: validFor(&principal.Principal{Email: "jo@example.com", Role: "candidate"}, testNow.Add(time.Hour).UnixMilli()),
	}
	// The company credential is authoritatively rejected, so the company
	// bootstrap purges its keys before the user bootstrap gets to read.
	companyAuth := &fakeAuthority{
		validateFn: func(string) (*authority.ValidationResult, error) {
			return &authority.ValidationResult{Valid: false}, nil
		},
		refreshFn: func(string) (string, error) {
			return "", &authority.RejectedError{Op: authority.OpRefresh, Message: "revoked"}
		},
	}

	agg := NewAggregator(
		newTestManager(t, principal.KindUser, userAuth, kv),
		newTestManager(t, principal.KindCompany, companyAuth, kv),
	)
	t.Cleanup(agg.Close)

	agg.Bootstrap(ctx)

	// A company credential existed when bootstrap started, so the user
	// manager must stay suppressed even though the credential is gone now.
	assert.False(t, agg.Manager(principal.KindCompany).IsAuthenticated())
	assert.False(t, agg.Manager(principal.KindUser).IsAuthenticated(),
		"user must not authenticate when a company credential existed at bootstrap start")

	// Suppression leaves the user keys in place for a later run.
	_, ok, err := kv.Get(ctx, "user")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAggregator_LogoutClearsBothKinds(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryKV()
	agg := newTestAggregator(t, kv,
		scriptedLoginAuthority(principal.KindUser),
		scriptedLoginAuthority(principal.KindCompany))
	loginBoth(t, agg)

	// A residual stray key from an older install is cleared too.
	require.NoError(t, kv.Set(ctx, "entityType", "user"))

	agg.Logout(ctx)

	assert.False(t, agg.IsAuthenticated())
	assert.Equal(t, 0, kv.Len(), "logout leaves no persisted session keys behind")
}

func TestAggregator_Snapshot(t *testing.T) {
	kv := store.NewMemoryKV()
	agg := newTestAggregator(t, kv,
		scriptedLoginAuthority(principal.KindUser),
		scriptedLoginAuthority(principal.KindCompany))
	require.NoError(t, agg.Manager(principal.KindUser).Login(context.Background(), "jo@example.com", "hunter2"))

	snap := agg.Snapshot()
	assert.True(t, snap[principal.KindUser].Authenticated)
	assert.False(t, snap[principal.KindCompany].Authenticated)
}
