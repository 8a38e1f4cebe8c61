package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hirewire/sessiond/pkg/async"
	"github.com/hirewire/sessiond/pkg/authority"
	"github.com/hirewire/sessiond/pkg/observability"
	"github.com/hirewire/sessiond/pkg/principal"
	"github.com/hirewire/sessiond/pkg/store"
)

// Defaults for the renewal scheduler and login fallback expiry.
const (
	DefaultRenewInterval  = 60 * time.Second
	DefaultRenewThreshold = 5 * time.Minute
	DefaultSessionTTL     = 24 * time.Hour

	backgroundResyncTimeout = 30 * time.Second
)

// AuthorityClient is the slice of the authority API the manager needs.
// *authority.Client satisfies it; tests substitute fakes.
type AuthorityClient interface {
	Login(ctx context.Context, email, password string) (string, *principal.Principal, error)
	Signup(ctx context.Context, req authority.SignupRequest) (string, error)
	Validate(ctx context.Context, token string) (*authority.ValidationResult, error)
	Refresh(ctx context.Context, oldToken string) (string, error)
}

// State is a read-only snapshot of a manager's session.
type State struct {
	Kind          principal.Kind       `json:"kind"`
	Authenticated bool                 `json:"authenticated"`
	Loading       bool                 `json:"loading"`
	Principal     *principal.Principal `json:"principal,omitempty"`
	Token         string               `json:"-"`
	ExpiresAt     int64                `json:"expires_at,omitempty"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Kind      principal.Kind
	Authority AuthorityClient
	Store     store.KV

	RenewInterval  time.Duration
	RenewThreshold time.Duration
	SessionTTL     time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// Now overrides the clock. Used in tests.
	Now func() time.Time
}

// Manager owns the session of one principal kind. All state mutations are
// atomic under mu; the renewal scheduler and foreground calls serialize on
// it so a tick and a concurrent logout can never interleave a token write
// with a principal purge.
type Manager struct {
	kind      principal.Kind
	authority AuthorityClient
	kv        store.KV
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	renewInterval  time.Duration
	renewThreshold time.Duration
	sessionTTL     time.Duration

	mu            sync.Mutex
	token         string
	principal     *principal.Principal
	expiresAt     int64
	authenticated bool
	loading       bool
	scheduler     *cron.Cron

	// Cross-kind guard snapshot, taken before a concurrent bootstrap starts
	// so the guard observes the store as it was at process start.
	guardProbed  bool
	guardPresent bool
	guardErr     error

	bootstrapOnce sync.Once
}

// NewManager creates a manager for one principal kind. The loading flag
// starts true and stays true until Bootstrap resolves, so dependents can
// suspend until persisted state has been reconciled.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("invalid principal kind: %q", cfg.Kind)
	}
	if cfg.Authority == nil {
		return nil, fmt.Errorf("authority client is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		kind:           cfg.Kind,
		authority:      cfg.Authority,
		kv:             cfg.Store,
		logger:         logger.WithField("kind", string(cfg.Kind)),
		metrics:        cfg.Metrics,
		now:            now,
		renewInterval:  cfg.RenewInterval,
		renewThreshold: cfg.RenewThreshold,
		sessionTTL:     cfg.SessionTTL,
		loading:        true,
	}
	if m.renewInterval <= 0 {
		m.renewInterval = DefaultRenewInterval
	}
	if m.renewThreshold <= 0 {
		m.renewThreshold = DefaultRenewThreshold
	}
	if m.sessionTTL <= 0 {
		m.sessionTTL = DefaultSessionTTL
	}
	return m, nil
}

// Kind returns the principal kind this manager serves.
func (m *Manager) Kind() principal.Kind {
	return m.kind
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Kind:          m.kind,
		Authenticated: m.authenticated,
		Loading:       m.loading,
		Principal:     m.principal.Clone(),
		Token:         m.token,
		ExpiresAt:     m.expiresAt,
	}
}

// IsAuthenticated reports whether a session is live.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// IsLoading reports whether bootstrap is still in flight.
func (m *Manager) IsLoading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// Bootstrap reconciles persisted session state against the authority. It
// runs at most once per manager; later calls are no-ops. The loading flag is
// cleared on every exit path, panics included.
func (m *Manager) Bootstrap(ctx context.Context) {
	m.bootstrapOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.WithField("panic", r).Error("bootstrap panicked")
			}
			m.mu.Lock()
			m.loading = false
			m.mu.Unlock()
		}()

		outcome := m.reconcile(ctx)
		m.logger.WithField("outcome", outcome).Info("bootstrap finished")
		if m.metrics != nil {
			m.metrics.BootstrapOutcomesTotal.WithLabelValues(string(m.kind), outcome).Inc()
		}
	})
}

// reconcile is the bootstrap state machine. It returns an outcome label for
// logging and metrics.
func (m *Manager) reconcile(ctx context.Context) string {
	record, err := store.ReadRecord(ctx, m.kv, m.kind)
	if err != nil {
		if errors.Is(err, store.ErrMalformed) {
			m.logger.WithError(err).Warn("purging malformed persisted session")
			m.purge(ctx)
			return "malformed_purged"
		}
		// The store itself failed; leave it alone and start unauthenticated.
		m.logger.WithError(err).Error("could not read persisted session")
		return "store_error"
	}
	if record == nil {
		return "no_credential"
	}

	// Company presence suppresses user bootstrap entirely for this run,
	// even when a valid user credential is also stored. Legacy policy,
	// preserved as-is; the company manager has no symmetric guard.
	if m.kind == principal.KindUser {
		present, guardErr := m.companyCredentialPresent(ctx)
		if guardErr != nil {
			m.logger.WithError(guardErr).Error("cross-kind guard probe failed")
			return "store_error"
		}
		if present {
			m.logger.Info("company credential present, suppressing user bootstrap")
			return "suppressed_by_company"
		}
	}

	result, err := m.authority.Validate(ctx, record.Token)
	switch {
	case err != nil && authority.IsTransport(err):
		return m.reconcileOffline(ctx, record)
	case err != nil:
		// A non-transport validate failure is an authoritative no.
		return m.reconcileRejected(ctx, record)
	case result.Valid:
		merged := principal.Merge(record.Principal, result.Principal)
		expiresAt := result.ExpiresAt
		if expiresAt == 0 {
			expiresAt = record.ExpiresAt
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.installLocked(ctx, record.Token, merged, expiresAt)
		return "validated"
	default:
		return m.reconcileRejected(ctx, record)
	}
}

// snapshotCrossKindGuard probes the company credential ahead of a concurrent
// bootstrap. The guard must answer for the store as it was at process start:
// when both managers bootstrap in parallel, the company manager may purge a
// rejected credential before the user manager's guard would otherwise read
// it, and a credential that was present at start still suppresses the user.
// No-op for the company kind.
func (m *Manager) snapshotCrossKindGuard(ctx context.Context) {
	if m.kind != principal.KindUser {
		return
	}
	present, err := store.HasCompanyCredential(ctx, m.kv)
	m.mu.Lock()
	m.guardProbed = true
	m.guardPresent = present
	m.guardErr = err
	m.mu.Unlock()
}

// companyCredentialPresent answers the cross-kind guard from the snapshot
// when one was taken, and from a live probe otherwise (standalone bootstrap).
func (m *Manager) companyCredentialPresent(ctx context.Context) (bool, error) {
	m.mu.Lock()
	probed, present, err := m.guardProbed, m.guardPresent, m.guardErr
	m.mu.Unlock()
	if probed {
		return present, err
	}
	return store.HasCompanyCredential(ctx, m.kv)
}

// reconcileOffline handles the authority-unreachable path: a future local
// expiry is accepted provisionally with the cached principal, plus one
// best-effort background refresh to resynchronize. Without a live local
// expiry, one refresh cycle is attempted before the keys are purged.
func (m *Manager) reconcileOffline(ctx context.Context, record *store.Record) string {
	if record.ExpiresAt > 0 && time.UnixMilli(record.ExpiresAt).After(m.now()) {
		m.mu.Lock()
		m.installLocked(ctx, record.Token, record.Principal, record.ExpiresAt)
		m.mu.Unlock()

		token := record.Token
		async.SafeGo(context.Background(), backgroundResyncTimeout, "bootstrap resync refresh", m.logger,
			func(bgCtx context.Context) error {
				return m.backgroundResync(bgCtx, token)
			})
		m.logger.Info("authority unreachable, accepted session from local expiry")
		return "provisional"
	}

	if m.tryRefreshCycle(ctx, record) {
		return "refreshed"
	}
	m.purge(ctx)
	return "expired_purged"
}

// reconcileRejected handles an authoritative valid:false: one refresh cycle,
// then purge.
func (m *Manager) reconcileRejected(ctx context.Context, record *store.Record) string {
	if m.tryRefreshCycle(ctx, record) {
		return "refreshed"
	}
	m.purge(ctx)
	return "rejected_purged"
}

// tryRefreshCycle runs refresh → validate-new-token → install. Any failure
// leaves state untouched and returns false.
func (m *Manager) tryRefreshCycle(ctx context.Context, record *store.Record) bool {
	token, merged, expiresAt, err := m.refreshCycle(ctx, record.Token, record.Principal)
	if err != nil {
		m.logger.WithError(err).Debug("refresh cycle failed")
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installLocked(ctx, token, merged, expiresAt)
	return true
}

// refreshCycle exchanges oldToken and re-validates the replacement before it
// may be trusted: a refreshed token with an unresolvable principal is not
// authenticated state.
func (m *Manager) refreshCycle(ctx context.Context, oldToken string, known *principal.Principal) (string, *principal.Principal, int64, error) {
	newToken, err := m.authority.Refresh(ctx, oldToken)
	if err != nil {
		return "", nil, 0, err
	}

	result, err := m.authority.Validate(ctx, newToken)
	if err != nil {
		return "", nil, 0, err
	}
	if !result.Valid {
		return "", nil, 0, &authority.RejectedError{Op: authority.OpRefresh, Message: "refreshed token did not validate"}
	}

	merged := principal.Merge(known, result.Principal)
	if !merged.Usable() {
		return "", nil, 0, &authority.IncompletePayloadError{Op: authority.OpRefresh, Missing: []string{"email"}}
	}
	return newToken, merged, result.ExpiresAt, nil
}

// backgroundResync is the best-effort refresh fired after a provisional
// offline acceptance. Its result applies only while the manager still holds
// the token it started from; failure never disturbs the acceptance.
func (m *Manager) backgroundResync(ctx context.Context, startToken string) error {
	m.mu.Lock()
	known := m.principal.Clone()
	m.mu.Unlock()

	token, merged, expiresAt, err := m.refreshCycle(ctx, startToken, known)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != startToken || !m.authenticated {
		return nil // a logout or foreground refresh won the race
	}
	m.installLocked(ctx, token, merged, expiresAt)
	return nil
}

// Login round-trips credentials, fetches expiry best-effort via the
// validator, and installs the session. The authority client has already
// refused tokens without a resolvable identity by the time this succeeds.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	token, p, err := m.authority.Login(ctx, email, password)
	if err != nil {
		if m.metrics != nil {
			m.metrics.LoginsTotal.WithLabelValues(string(m.kind), "failure").Inc()
		}
		return err
	}

	expiresAt := int64(0)
	if result, verr := m.authority.Validate(ctx, token); verr == nil && result.Valid {
		p = principal.Merge(p, result.Principal)
		expiresAt = result.ExpiresAt
	} else if verr != nil {
		m.logger.WithError(verr).Debug("post-login expiry fetch failed, installing default expiry")
	}
	if expiresAt == 0 {
		expiresAt = m.now().Add(m.sessionTTL).UnixMilli()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.installLocked(ctx, token, p, expiresAt)
	if m.metrics != nil {
		m.metrics.LoginsTotal.WithLabelValues(string(m.kind), "success").Inc()
	}
	m.logger.WithField("email", p.Email).Info("login succeeded")
	return nil
}

// Signup forwards a registration to the authority. Stateless: session state
// is never touched.
func (m *Manager) Signup(ctx context.Context, req authority.SignupRequest) (string, error) {
	return m.authority.Signup(ctx, req)
}

// Logout tears the session down: scheduler cancelled, state cleared, all
// persisted keys of this kind purged. Idempotent and never fails.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logoutLocked(ctx)
}

// RefreshToken runs one foreground refresh cycle and installs the result.
func (m *Manager) RefreshToken(ctx context.Context) error {
	m.mu.Lock()
	if !m.authenticated {
		m.mu.Unlock()
		return fmt.Errorf("no active %s session", m.kind)
	}
	startToken := m.token
	known := m.principal.Clone()
	m.mu.Unlock()

	token, merged, expiresAt, err := m.refreshCycle(ctx, startToken, known)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != startToken || !m.authenticated {
		return nil // session changed underneath; discard the stale result
	}
	if err != nil {
		if m.metrics != nil {
			m.metrics.RenewalsTotal.WithLabelValues(string(m.kind), "failure").Inc()
		}
		return err
	}
	m.installLocked(ctx, token, merged, expiresAt)
	if m.metrics != nil {
		m.metrics.RenewalsTotal.WithLabelValues(string(m.kind), "success").Inc()
	}
	return nil
}

// Revalidate asks the authority about the current token and merges the
// answer. An authoritative valid:false triggers the refresh path; if that
// also fails deterministically the session is torn down.
func (m *Manager) Revalidate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if !m.authenticated {
		m.mu.Unlock()
		return false, nil
	}
	startToken := m.token
	known := m.principal.Clone()
	expiresAt := m.expiresAt
	m.mu.Unlock()

	result, err := m.authority.Validate(ctx, startToken)
	if err != nil {
		return false, err
	}

	if result.Valid {
		merged := principal.Merge(known, result.Principal)
		newExpiry := result.ExpiresAt
		if newExpiry == 0 {
			newExpiry = expiresAt
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.token != startToken || !m.authenticated {
			return false, nil
		}
		m.installLocked(ctx, startToken, merged, newExpiry)
		return true, nil
	}

	// valid:false is authoritative: never a silent no-op.
	token, merged, newExpiry, refreshErr := m.refreshCycle(ctx, startToken, known)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != startToken || !m.authenticated {
		return m.authenticated, nil
	}
	if refreshErr != nil {
		if authority.IsTransport(refreshErr) {
			return true, refreshErr // keep the session on a transport blip
		}
		m.forceLogoutLocked(ctx, "revalidate_rejected")
		return false, refreshErr
	}
	m.installLocked(ctx, token, merged, newExpiry)
	return true, nil
}

// Close stops the renewal scheduler without touching session state or the
// store. Used at daemon teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopSchedulerLocked()
}

// installLocked atomically replaces the in-memory session, mirrors it to the
// store, and (re)starts the renewal scheduler. Callers hold mu.
func (m *Manager) installLocked(ctx context.Context, token string, p *principal.Principal, expiresAt int64) {
	m.token = token
	m.principal = p.Clone()
	m.expiresAt = expiresAt
	m.authenticated = true

	record := &store.Record{Token: token, Principal: p, ExpiresAt: expiresAt}
	if err := store.WriteRecord(ctx, m.kv, m.kind, record); err != nil {
		// The in-memory session stays live; persistence catches up on the
		// next successful operation.
		m.logger.WithError(err).Error("failed to persist session record")
		if m.metrics != nil {
			m.metrics.StoreErrorsTotal.WithLabelValues("write_record").Inc()
		}
	}

	m.startSchedulerLocked()
	if m.metrics != nil {
		m.metrics.SetSessionActive(string(m.kind), true)
	}
}

// logoutLocked clears state, purges persisted keys, and cancels the
// scheduler. Callers hold mu.
func (m *Manager) logoutLocked(ctx context.Context) {
	m.stopSchedulerLocked()
	m.token = ""
	m.principal = nil
	m.expiresAt = 0
	m.authenticated = false
	m.purge(ctx)
	if m.metrics != nil {
		m.metrics.SetSessionActive(string(m.kind), false)
	}
}

func (m *Manager) forceLogoutLocked(ctx context.Context, reason string) {
	m.logger.WithField("reason", reason).Warn("forcing logout")
	if m.metrics != nil {
		m.metrics.ForcedLogoutsTotal.WithLabelValues(string(m.kind), reason).Inc()
	}
	m.logoutLocked(ctx)
}

// purge removes the persisted keys of this kind. Logout must never fail, so
// store errors are logged and swallowed.
func (m *Manager) purge(ctx context.Context) {
	if err := store.Purge(ctx, m.kv, m.kind); err != nil {
		m.logger.WithError(err).Error("failed to purge persisted session keys")
		if m.metrics != nil {
			m.metrics.StoreErrorsTotal.WithLabelValues("purge").Inc()
		}
	}
}

// startSchedulerLocked starts the renewal scheduler, cancelling any previous
// instance first. Exactly one scheduler is live per manager. Callers hold mu.
func (m *Manager) startSchedulerLocked() {
	m.stopSchedulerLocked()

	c := cron.New()
	schedule := fmt.Sprintf("@every %s", m.renewInterval)
	if _, err := c.AddFunc(schedule, func() {
		m.renewTick(context.Background())
	}); err != nil {
		// Only a malformed schedule can land here, and this one is built
		// from a validated duration.
		m.logger.WithError(err).Error("failed to schedule renewal")
		return
	}
	c.Start()
	m.scheduler = c
}

func (m *Manager) stopSchedulerLocked() {
	if m.scheduler != nil {
		m.scheduler.Stop()
		m.scheduler = nil
	}
}

// renewTick is one scheduler pass. Outside the renewal window it does
// nothing, which also makes a redundant tick during an in-flight refresh
// harmless: the first refresh pushed the expiry out, so the second tick
// declines. Transport failures are swallowed (next tick retries); an
// authoritative rejection forces logout only once the local expiry has also
// passed.
func (m *Manager) renewTick(ctx context.Context) {
	m.mu.Lock()
	if !m.authenticated {
		m.mu.Unlock()
		return
	}
	startToken := m.token
	known := m.principal.Clone()
	expiresAt := m.expiresAt
	m.mu.Unlock()

	if expiresAt > 0 {
		remaining := time.UnixMilli(expiresAt).Sub(m.now())
		if remaining > m.renewThreshold {
			return
		}
	}

	token, merged, newExpiry, err := m.refreshCycle(ctx, startToken, known)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token != startToken || !m.authenticated {
		return // logged out or refreshed elsewhere while we were on the wire
	}

	if err != nil {
		if m.metrics != nil {
			m.metrics.RenewalsTotal.WithLabelValues(string(m.kind), "failure").Inc()
		}
		if authority.IsTransport(err) {
			m.logger.WithError(err).Debug("renewal skipped, authority unreachable")
			return
		}
		// Deterministic rejection. Local and server evidence must agree
		// before the session is torn down.
		if expiresAt > 0 && time.UnixMilli(expiresAt).After(m.now()) {
			m.logger.WithError(err).Warn("renewal rejected but token not yet expired locally, keeping session")
			return
		}
		m.forceLogoutLocked(ctx, "renewal_rejected")
		return
	}

	m.installLocked(ctx, token, merged, newExpiry)
	if m.metrics != nil {
		m.metrics.RenewalsTotal.WithLabelValues(string(m.kind), "success").Inc()
	}
	m.logger.Debug("token renewed")
}
