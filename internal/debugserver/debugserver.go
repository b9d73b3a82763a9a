// Package debugserver implements ARCANOS's loopback HTTP debug transport
// (spec.md §6): a local-only control surface for inspecting and driving a
// running daemon without going through the backend.
//
// Grounded on daemon-python/arcanos/debug_server.py: the three-way auth
// policy (secret header match / loopback bypass when no token is
// configured and AllowUnauthenticated is set / reject), the read-only
// endpoints that always bypass auth (/debug/health, /debug/ready), and the
// endpoint set (status, instance-id, chat-log, help, audit, ask, run, see)
// are all ported. This server has no /debug/metrics route; Prometheus
// metrics are served at /metrics by internal/observability on its own
// listener. The stdlib BaseHTTPRequestHandler dispatch becomes a
// go-chi/chi/v5 router (the teacher's internal/operator/server.go used
// chi for its own local control socket before deletion); per-source-
// address rate limiting uses golang.org/x/time/rate, the same package
// jordigilh-kubernaut uses for outbound throttling.
package debugserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StatusProvider reports the daemon's current status snapshot.
type StatusProvider func() map[string]any

// ActivityReader returns recent activity-log entries, optionally filtered
// by kind, newest-first unless ascending is requested.
type ActivityReader func(limit int, filterKind string, ascending bool) []map[string]any

// AskHandler processes a debug-originated chat turn.
type AskHandler func(ctx context.Context, message, routeOverride string) (map[string]any, error)

// RunHandler executes a debug-originated shell command.
type RunHandler func(ctx context.Context, command string) (map[string]any, error)

// SeeHandler captures and analyzes an image, optionally from the camera.
type SeeHandler func(ctx context.Context, useCamera bool) (map[string]any, error)

// ChatLogReader returns recent conversation turns in debug-display shape.
type ChatLogReader func(limit int) []map[string]any

// Config controls auth and endpoint wiring for the debug server.
type Config struct {
	Addr                 string
	Token                string
	AllowUnauthenticated bool
	RateLimitPerMinute   int
}

// Server is ARCANOS's loopback debug HTTP transport.
type Server struct {
	cfg    Config
	logger *zap.Logger

	status     StatusProvider
	activity   ActivityReader
	chatLog    ChatLogReader
	ask        AskHandler
	run        RunHandler
	see        SeeHandler
	instanceID func() string

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs a Server. Any handler may be nil, in which case its
// endpoint responds 501.
func New(cfg Config, logger *zap.Logger, status StatusProvider, activity ActivityReader, chatLog ChatLogReader, ask AskHandler, run RunHandler, see SeeHandler, instanceID func() string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
	return &Server{
		cfg: cfg, logger: logger,
		status: status, activity: activity, chatLog: chatLog,
		ask: ask, run: run, see: see, instanceID: instanceID,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Router builds the chi router for this server.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.rateLimit)

	r.Get("/debug/health", s.handleHealth)
	r.Get("/debug/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/debug/status", s.handleStatus)
		r.Get("/debug/instance-id", s.handleInstanceID)
		r.Get("/debug/chat-log", s.handleChatLog)
		r.Get("/debug/help", s.handleHelp)
		r.Get("/debug/audit", s.handleAudit)
		r.Post("/debug/ask", s.handleAsk)
		r.Post("/debug/run", s.handleRun)
		r.Post("/debug/see", s.handleSee)
	})

	return r
}

// ListenAndServe starts the server on cfg.Addr, bound loopback-only by
// convention of the caller-supplied address.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// rateLimit applies a per-source-address token bucket, ported from the
// teacher's request-address keying idiom used for its operator socket.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiterFor(host).Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(addr string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	lim, ok := s.limiters[addr]
	if !ok {
		perSecond := rate.Limit(float64(s.cfg.RateLimitPerMinute) / 60.0)
		lim = rate.NewLimiter(perSecond, s.cfg.RateLimitPerMinute)
		s.limiters[addr] = lim
	}
	return lim
}

// requireAuth implements debug_server.py's _check_authentication: a
// matching token (Authorization: Bearer or X-Debug-Token) always passes;
// with no token configured, access is allowed only when AllowUnauthenticated
// is set AND the request originates from loopback.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"ok": false, "error": "authentication required: provide a token via Authorization: Bearer <token> or X-Debug-Token",
		})
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		if !s.cfg.AllowUnauthenticated {
			return false
		}
		return isLoopback(r.RemoteAddr)
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if strings.TrimSpace(auth[len("Bearer "):]) == s.cfg.Token {
			return true
		}
	}
	if strings.TrimSpace(r.Header.Get("X-Debug-Token")) == s.cfg.Token {
		return true
	}
	return false
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeJSON(w http.ResponseWriter, status int, data map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"ok": false, "error": "not implemented"})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleInstanceID(w http.ResponseWriter, r *http.Request) {
	id := ""
	if s.instanceID != nil {
		id = s.instanceID()
	}
	writeJSON(w, http.StatusOK, map[string]any{"instanceId": id})
}

func (s *Server) handleChatLog(w http.ResponseWriter, r *http.Request) {
	if s.chatLog == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"ok": false, "error": "not implemented"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_log": s.chatLog(10)})
}

// helpText mirrors debug_server.py's get_help content, describing the
// operator-facing terminal commands rather than this HTTP surface itself.
const helpText = `# ARCANOS Commands

### Conversation
- Just type naturally to chat with ARCANOS
- help - Show this help message
- exit / quit - Exit ARCANOS
- deep <prompt> / backend <prompt> - Force backend routing
- deep: / backend: - Prefix for backend routing in hybrid mode

### Vision
- see - Analyze screenshot
- see camera - Analyze webcam image

### Terminal
- run <command> - Execute a shell command

### System
- stats - Show usage statistics
- clear - Clear conversation history
`

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"help_text": helpText})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"ok": false, "error": "not implemented"})
		return
	}
	q := r.URL.Query()
	limit := 50
	filterKind := strings.ToLower(q.Get("filter"))
	ascending := strings.ToLower(q.Get("order")) == "asc"

	entries := s.activity(limit, filterKind, ascending)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "returned": len(entries), "limit": limit})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.ask == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"ok": false, "error": "not implemented"})
		return
	}
	var body struct {
		Message       string `json:"message"`
		RouteOverride string `json:"route_override"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing 'message' in request body"})
		return
	}
	result, err := s.ask(r.Context(), body.Message, body.RouteOverride)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.run == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"ok": false, "error": "not implemented"})
		return
	}
	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing 'command' in request body"})
		return
	}
	result, err := s.run(r.Context(), body.Command)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSee(w http.ResponseWriter, r *http.Request) {
	if s.see == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"ok": false, "error": "not implemented"})
		return
	}
	var body struct {
		UseCamera bool `json:"use_camera"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body) // empty body is valid for /debug/see

	result, err := s.see(r.Context(), body.UseCamera)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
