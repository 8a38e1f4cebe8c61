// Package api exposes the daemon's local control API over HTTP: session
// inspection, login/signup/logout, forced refresh, and a memoized validate
// endpoint for sidecar consumers.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hirewire/sessiond/pkg/httputil"
	"github.com/hirewire/sessiond/pkg/observability"
	"github.com/hirewire/sessiond/pkg/session"
)

// Server represents the control API server
type Server struct {
	sessions *session.Aggregator
	router   *mux.Router
	logger   *observability.Logger

	// validateCache memoizes answers of the read-only validate endpoint so a
	// burst of sidecar checks does not fan out into authority round trips.
	validateCache *expirable.LRU[string, bool]
}

// Config holds control API configuration.
type Config struct {
	Sessions *session.Aggregator
	Logger   *observability.Logger

	// ValidateCacheSize and ValidateCacheTTL tune the validate memoization.
	ValidateCacheSize int
	ValidateCacheTTL  time.Duration
}

// NewServer creates a new control API server
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	cacheSize := cfg.ValidateCacheSize
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cacheTTL := cfg.ValidateCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	s := &Server{
		sessions:      cfg.Sessions,
		router:        mux.NewRouter(),
		logger:        logger,
		validateCache: expirable.NewLRU[string, bool](cacheSize, nil, cacheTTL),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/v1/session", s.getSession).Methods("GET")
	s.router.HandleFunc("/v1/validate", s.validateSession).Methods("GET")
	s.router.HandleFunc("/v1/logout", s.logout).Methods("POST")

	// Per-kind operations
	s.router.HandleFunc("/v1/{kind}/login", s.login).Methods("POST")
	s.router.HandleFunc("/v1/{kind}/signup", s.signup).Methods("POST")
	s.router.HandleFunc("/v1/{kind}/refresh", s.refresh).Methods("POST")
	s.router.HandleFunc("/v1/{kind}/logout", s.logoutKind).Methods("POST")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	return httputil.Chain(
		httputil.RequestIDMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(1<<20),
	)(s.router)
}
