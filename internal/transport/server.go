// Package transport exposes the Voxa server's two wire surfaces: a JSON
// REST API and a WebSocket endpoint for interactive clients. It is the only
// package that parses and emits wire formats; everything behind it works
// with plain records.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxa-ai/voxa/internal/gateway"
	"github.com/voxa-ai/voxa/internal/health"
	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/internal/memory"
	"github.com/voxa-ai/voxa/internal/observe"
	"github.com/voxa-ai/voxa/internal/orchestrator"
	"github.com/voxa-ai/voxa/internal/plugin"
	"github.com/voxa-ai/voxa/internal/ratelimit"
)

// Assistant is the query pipeline behind both wire surfaces. Queries run in
// two phases: Submit admits the request and records the user turn, Complete
// produces the reply. Keeping Submit on the caller's goroutine preserves the
// arrival order of turns within a session.
type Assistant interface {
	Submit(ctx context.Context, user identity.User, sessionID, text string) (*orchestrator.Submission, error)
	Complete(ctx context.Context, sub *orchestrator.Submission) (*orchestrator.Reply, error)
	History(ctx context.Context, userID string, limit int) ([]memory.Turn, error)
	DeleteUserData(ctx context.Context, userID string) error
}

// Auth is the slice of [identity.Service] the transport needs.
type Auth interface {
	Register(ctx context.Context, email, password string) (string, error)
	Authenticate(ctx context.Context, email, password string) (token, userID string, err error)
	Resume(ctx context.Context, token string) (*identity.User, error)
	Revoke(ctx context.Context, token string) error
	ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error
	DeleteAccount(ctx context.Context, userID string) error
}

// Plugins is the per-user plugin surface.
type Plugins interface {
	Discover() []plugin.Descriptor
	Enabled(ctx context.Context, userID string, tier identity.Tier) (map[string]bool, error)
	Enable(ctx context.Context, userID, name string) error
	Disable(ctx context.Context, userID, name string) error
}

// Server wires the REST and WebSocket handlers onto one mux.
type Server struct {
	auth      Assistant
	identSvc  Auth
	plugins   Plugins
	metrics   *observe.Metrics
	healthH   *health.Handler
	cors      []string
	grace     time.Duration
	historyN  int
	heartbeat time.Duration
	idle      time.Duration
	readLimit int64
	taskWait  time.Duration
	version   string
	startedAt time.Time
}

// Option configures a [Server].
type Option func(*Server)

// WithCORSOrigins sets the allowed browser origins. Empty disables CORS
// headers entirely.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.cors = origins }
}

// WithReconnectGrace sets how long in-flight WebSocket queries survive an
// abrupt disconnect before being cancelled. Default 60s.
func WithReconnectGrace(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithHealth installs liveness and readiness probes on the mux.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.healthH = h }
}

// WithHeartbeat overrides the WebSocket ping interval and idle cutoff,
// mainly for tests.
func WithHeartbeat(ping, idle time.Duration) Option {
	return func(s *Server) {
		if ping > 0 {
			s.heartbeat = ping
		}
		if idle > 0 {
			s.idle = idle
		}
	}
}

// WithTaskTimeout sets the deadline applied to each query, measured from
// admission. Default 60s.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.taskWait = d
		}
	}
}

// WithVersion sets the version string reported by GET /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds the transport in front of the given pipeline.
func NewServer(assistant Assistant, auth Auth, plugins Plugins, metrics *observe.Metrics, opts ...Option) *Server {
	s := &Server{
		auth:      assistant,
		identSvc:  auth,
		plugins:   plugins,
		metrics:   metrics,
		grace:     60 * time.Second,
		historyN:  50,
		heartbeat: 30 * time.Second,
		idle:      120 * time.Second,
		readLimit: 64 << 10,
		taskWait:  60 * time.Second,
		startedAt: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the fully routed HTTP handler, wrapped in the CORS and
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.healthH != nil {
		s.healthH.Register(mux)
	}

	// Authenticated endpoints.
	mux.Handle("POST /logout", s.authenticated(s.handleLogout))
	mux.Handle("POST /api/ai_query", s.authenticated(s.handleQuery))
	mux.Handle("POST /api/get_user_history", s.authenticated(s.handleHistory))
	mux.Handle("POST /api/change_password", s.authenticated(s.handleChangePassword))
	mux.Handle("POST /api/delete_account", s.authenticated(s.handleDeleteAccount))
	mux.Handle("GET /plugins", s.authenticated(s.handlePluginList))
	mux.Handle("POST /plugins/{name}/enable", s.authenticated(s.handlePluginEnable))
	mux.Handle("POST /plugins/{name}/disable", s.authenticated(s.handlePluginDisable))

	mux.Handle("GET /ws/{client_id}", s.authenticated(s.handleWebSocket))

	var h http.Handler = mux
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	return s.corsMiddleware(h)
}

// authContext carries the resolved caller through a request.
type authContext struct {
	user      identity.User
	token     string
	sessionID string
}

type authKey struct{}

// authenticated resolves the bearer token and injects the caller into the
// request context. Missing or invalid tokens end the request with 401.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
			return
		}
		user, err := s.identSvc.Resume(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrUnknownSession) || errors.Is(err, identity.ErrSessionExpired) {
				writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired session")
				return
			}
			writeError(w, http.StatusInternalServerError, "Internal", "authentication backend unavailable")
			return
		}
		ac := authContext{user: *user, token: token, sessionID: identity.SessionID(token)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey{}, ac)))
	})
}

// caller returns the authenticated caller stored by the middleware.
func caller(r *http.Request) authContext {
	ac, _ := r.Context().Value(authKey{}).(authContext)
	return ac
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// corsMiddleware adds CORS headers for configured origins and answers
// preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	if len(s.cors) == 0 {
		return next
	}
	allowed := make(map[string]bool, len(s.cors))
	wildcard := false
	for _, o := range s.cors {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorBody is the JSON error envelope shared by all endpoints.
type errorBody struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeDomainError maps pipeline errors onto HTTP status codes: quota
// exhaustion to 429 with Retry-After, gateway saturation to 503, everything
// else to 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var limited *ratelimit.RateLimited
	switch {
	case errors.As(err, &limited):
		secs := int64(limited.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:             "RateLimited",
			Message:           limited.Error(),
			RetryAfterSeconds: secs,
		})
	case errors.Is(err, gateway.ErrOverloaded):
		writeError(w, http.StatusServiceUnavailable, "Overloaded", "server is at capacity, retry later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Canceled", "request was cancelled")
	default:
		slog.Error("query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal", "internal server error")
	}
}
