package api

import (
	"errors"
	"net/http"

	"github.com/hirewire/sessiond/pkg/authority"
	"github.com/hirewire/sessiond/pkg/httputil"
	"github.com/hirewire/sessiond/pkg/observability"
	"github.com/hirewire/sessiond/pkg/principal"
	"github.com/hirewire/sessiond/pkg/session"
	"github.com/hirewire/sessiond/pkg/store"
)

// sessionResponse is the combined view returned by GET /v1/session.
type sessionResponse struct {
	Authenticated bool                            `json:"authenticated"`
	Loading       bool                            `json:"loading"`
	ActiveKind    string                          `json:"active_kind,omitempty"`
	Sessions      map[principal.Kind]session.State `json:"sessions"`
}

// loginRequest is the payload for POST /v1/{kind}/login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// getSession handles GET /v1/session
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{
		Authenticated: s.sessions.IsAuthenticated(),
		Loading:       s.sessions.IsLoading(),
		Sessions:      s.sessions.Snapshot(),
	}
	if kind, ok := s.sessions.ActiveKind(); ok {
		resp.ActiveKind = string(kind)
	}
	httputil.WriteSuccess(w, resp)
}

// validateSession handles GET /v1/validate. Answers are memoized per token
// for a short TTL; pass refresh=true to bypass the cache.
func (s *Server) validateSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions.IsLoading() {
		httputil.WriteServiceUnavailable(w, "session state is still loading")
		return
	}

	mgr, ok := s.sessions.Active()
	if !ok {
		httputil.WriteUnauthorized(w, "no active session")
		return
	}

	state := mgr.Snapshot()
	cacheKey := string(state.Kind) + ":" + state.Token

	if r.URL.Query().Get("refresh") != "true" {
		if valid, hit := s.validateCache.Get(cacheKey); hit {
			httputil.WriteSuccess(w, map[string]interface{}{
				"valid":  valid,
				"kind":   state.Kind,
				"cached": true,
			})
			return
		}
	}

	valid, err := mgr.Revalidate(r.Context())
	if err != nil && authority.IsTransport(err) {
		// An unreachable authority is not a verdict; the session stands.
		httputil.WriteSuccess(w, map[string]interface{}{
			"valid":       mgr.IsAuthenticated(),
			"kind":        state.Kind,
			"provisional": true,
		})
		return
	}

	s.validateCache.Add(cacheKey, valid)
	httputil.WriteSuccess(w, map[string]interface{}{
		"valid": valid,
		"kind":  state.Kind,
	})
}

// login handles POST /v1/{kind}/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.managerFromPath(w, r)
	if !ok {
		return
	}

	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	if err := mgr.Login(r.Context(), req.Email, req.Password); err != nil {
		s.writeAuthorityError(w, r, err)
		return
	}

	s.invalidateCacheFor(mgr)
	httputil.WriteSuccess(w, mgr.Snapshot())
}

// signup handles POST /v1/{kind}/signup
func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.managerFromPath(w, r)
	if !ok {
		return
	}

	var req authority.SignupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	message, err := mgr.Signup(r.Context(), req)
	if err != nil {
		s.writeAuthorityError(w, r, err)
		return
	}
	httputil.WriteSuccessMessage(w, message, nil)
}

// refresh handles POST /v1/{kind}/refresh
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.managerFromPath(w, r)
	if !ok {
		return
	}

	if err := mgr.RefreshToken(r.Context()); err != nil {
		s.writeAuthorityError(w, r, err)
		return
	}

	s.invalidateCacheFor(mgr)
	httputil.WriteSuccess(w, mgr.Snapshot())
}

// logout handles POST /v1/logout: both kinds, unconditionally.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Logout(r.Context())
	s.validateCache.Purge()
	httputil.WriteNoContent(w)
}

// logoutKind handles POST /v1/{kind}/logout
func (s *Server) logoutKind(w http.ResponseWriter, r *http.Request) {
	mgr, ok := s.managerFromPath(w, r)
	if !ok {
		return
	}
	mgr.Logout(r.Context())
	s.validateCache.Purge()
	httputil.WriteNoContent(w)
}

// managerFromPath resolves the {kind} path parameter to a session manager.
func (s *Server) managerFromPath(w http.ResponseWriter, r *http.Request) (*session.Manager, bool) {
	raw, ok := httputil.ParsePathStringOrError(w, r, "kind")
	if !ok {
		return nil, false
	}
	kind, err := principal.ParseKind(raw)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return nil, false
	}
	return s.sessions.Manager(kind), true
}

// invalidateCacheFor drops memoized validate answers after a token rotation.
// The cache is small, so a full purge is simpler than tracking old tokens.
func (s *Server) invalidateCacheFor(*session.Manager) {
	s.validateCache.Purge()
}

// writeAuthorityError maps the authority error taxonomy onto HTTP statuses:
// an authoritative rejection is the caller's problem (401), everything
// upstream-shaped is a gateway failure (502).
func (s *Server) writeAuthorityError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.FromContext(r.Context())
	switch {
	case authority.IsRejected(err):
		logger.WithError(err).Debug("authority rejected operation")
		httputil.WriteUnauthorized(w, err.Error())
	case authority.IsIncompletePayload(err), authority.IsTransport(err):
		logger.WithError(err).Warn("authority failure")
		httputil.WriteBadGateway(w, err.Error())
	case errors.Is(err, store.ErrMalformed):
		logger.WithError(err).Error("persisted session state is malformed")
		httputil.WriteInternalError(w, err)
	default:
		logger.WithError(err).Error("session operation failed")
		httputil.WriteInternalError(w, err)
	}
}
