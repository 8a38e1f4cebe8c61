package session

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hirewire/sessiond/pkg/principal"
)

// Aggregator composes the user and company managers into one combined view.
// Company takes priority when both kinds hold a live session.
type Aggregator struct {
	user    *Manager
	company *Manager
}

// NewAggregator composes a user manager and a company manager.
func NewAggregator(user, company *Manager) *Aggregator {
	return &Aggregator{user: user, company: company}
}

// Bootstrap runs both managers' bootstrap concurrently and returns once both
// have resolved. The user manager's cross-kind guard is snapshotted first so
// it sees the store as it was before the company bootstrap could mutate it.
func (a *Aggregator) Bootstrap(ctx context.Context) {
	a.user.snapshotCrossKindGuard(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.user.Bootstrap(gctx)
		return nil
	})
	g.Go(func() error {
		a.company.Bootstrap(gctx)
		return nil
	})
	g.Wait() //nolint:errcheck // bootstrap never returns an error
}

// IsAuthenticated reports whether either kind holds a live session.
func (a *Aggregator) IsAuthenticated() bool {
	return a.user.IsAuthenticated() || a.company.IsAuthenticated()
}

// IsLoading reports whether either manager is still bootstrapping.
func (a *Aggregator) IsLoading() bool {
	return a.user.IsLoading() || a.company.IsLoading()
}

// ActiveKind returns the kind whose session is live, company first when both
// are. The boolean is false when nothing is authenticated.
func (a *Aggregator) ActiveKind() (principal.Kind, bool) {
	if a.company.IsAuthenticated() {
		return principal.KindCompany, true
	}
	if a.user.IsAuthenticated() {
		return principal.KindUser, true
	}
	return "", false
}

// Manager returns the manager for one kind.
func (a *Aggregator) Manager(kind principal.Kind) *Manager {
	if kind == principal.KindCompany {
		return a.company
	}
	return a.user
}

// Active returns the manager holding the active session, company first.
func (a *Aggregator) Active() (*Manager, bool) {
	kind, ok := a.ActiveKind()
	if !ok {
		return nil, false
	}
	return a.Manager(kind), true
}

// Snapshot returns both kinds' session states.
func (a *Aggregator) Snapshot() map[principal.Kind]State {
	return map[principal.Kind]State{
		principal.KindUser:    a.user.Snapshot(),
		principal.KindCompany: a.company.Snapshot(),
	}
}

// Logout tears down both sessions unconditionally. Running it against both
// managers regardless of which is live also clears any residual persisted
// keys of the inactive kind.
func (a *Aggregator) Logout(ctx context.Context) {
	a.user.Logout(ctx)
	a.company.Logout(ctx)
}

// Close stops both managers' renewal schedulers.
func (a *Aggregator) Close() {
	a.user.Close()
	a.company.Close()
}
