// Package api is the HTTP boundary of the instancer. Team routes identify the
// caller through the shared session store; admin routes are gated by a bearer
// token. Every response is a JSON envelope with a machine-readable status.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/acmcyber/instancer/internal/catalog"
	"github.com/acmcyber/instancer/internal/engine"
	"github.com/acmcyber/instancer/internal/state"
)

// Response statuses. Clients branch on these, not on HTTP codes alone.
const (
	StatusOK                     = "ok"
	StatusUnauthorized           = "unauthorized"
	StatusForbidden              = "forbidden"
	StatusInvalidChallengeID     = "invalid_chall_id"
	StatusChallengeNotFound      = "chall_not_found"
	StatusTemporarilyUnavailable = "temporarily_unavailable"
	StatusDuplicateChallengeID   = "duplicate_challenge_id"
	StatusInvalidConfig          = "invalid_config"
	StatusInvalidRequest         = "invalid_request"
	StatusInternalError          = "internal_error"
)

// sessionCookie is the cookie carrying the session token written by the auth
// collaborator.
const sessionCookie = "token"

// Config wires the server's dependencies. Catalog, Engine and State are
// required; an empty AdminToken disables the admin routes.
type Config struct {
	Catalog *catalog.Catalog
	Engine  *engine.Engine
	State   *state.Store
	Log     *slog.Logger

	// AdminToken authorizes the admin API via "Authorization: Bearer <token>".
	AdminToken string
	// ChallengeHost is the public hostname reported for NodePort mappings.
	ChallengeHost string

	// Clock is the time source, overridable in tests. Nil means time.Now.
	Clock func() time.Time
}

// Server serves the instancer HTTP API.
type Server struct {
	catalog       *catalog.Catalog
	engine        *engine.Engine
	state         *state.Store
	log           *slog.Logger
	adminToken    string
	challengeHost string
	clock         func() time.Time
}

// New returns a Server over the given dependencies.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{
		catalog:       cfg.Catalog,
		engine:        cfg.Engine,
		state:         cfg.State,
		log:           cfg.Log,
		adminToken:    cfg.AdminToken,
		challengeHost: cfg.ChallengeHost,
		clock:         cfg.Clock,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/challenges", s.withTeam(s.handleList))
	mux.HandleFunc("GET /api/challenge/{id}", s.withTeam(s.handleInfo))
	mux.HandleFunc("POST /api/challenge/{id}/deploy", s.withTeam(s.handleDeploy))
	mux.HandleFunc("GET /api/challenge/{id}/deployment", s.withTeam(s.handleDeploymentStatus))
	mux.HandleFunc("DELETE /api/challenge/{id}/deployment", s.withTeam(s.handleTerminate))

	mux.HandleFunc("POST /api/admin/challenges/create", s.withAdmin(s.handleAdminCreate))
	mux.HandleFunc("GET /api/admin/challenges/{id}", s.withAdmin(s.handleAdminGet))
	mux.HandleFunc("PUT /api/admin/challenges/{id}", s.withAdmin(s.handleAdminUpdate))
	mux.HandleFunc("DELETE /api/admin/challenges/{id}", s.withAdmin(s.handleAdminDelete))

	return mux
}

// teamHandler is a handler with the caller's team already resolved.
type teamHandler func(w http.ResponseWriter, r *http.Request, teamID string)

// withTeam resolves the caller's team from the session cookie. Requests
// without a valid session get 401 and never reach the handler.
func (s *Server) withTeam(next teamHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil || cookie.Value == "" {
			s.writeStatus(w, http.StatusUnauthorized, StatusUnauthorized, "not logged in")
			return
		}
		teamID, ok, err := s.state.SessionTeam(r.Context(), cookie.Value)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		if !ok {
			s.writeStatus(w, http.StatusUnauthorized, StatusUnauthorized, "invalid or expired session")
			return
		}
		next(w, r, teamID)
	}
}

// withAdmin gates a handler behind the configured bearer token. An empty
// configured token disables the admin API entirely.
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			s.writeStatus(w, http.StatusForbidden, StatusForbidden, "admin API is disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token != s.adminToken {
			s.writeStatus(w, http.StatusUnauthorized, StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, r)
	}
}

// writeJSON writes any JSON payload with the given HTTP code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("could not write response", "error", err)
	}
}

// writeStatus writes a bare status envelope.
func (s *Server) writeStatus(w http.ResponseWriter, code int, status, msg string) {
	s.writeJSON(w, code, map[string]any{"status": status, "msg": msg})
}

// internalError logs the error and answers with a generic envelope; internals
// never leak to clients.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	s.writeStatus(w, http.StatusInternalServerError, StatusInternalError, "internal error")
}
