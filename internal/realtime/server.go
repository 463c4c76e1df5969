package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"santinel/internal/ai"
	"santinel/internal/protocol"
	"santinel/internal/session"
	"santinel/internal/shellexec"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	// Frames are keystrokes and resizes; pastes stay well below this.
	maxFrameSize = 1 << 20
	sendBuffer   = 256
)

// Options wires a Server to its collaborators.
type Options struct {
	Sessions *session.Manager
	Exec     *shellexec.Store
	Engine   *ai.Engine
	Logger   *slog.Logger

	// AuthToken gates the privileged surface: the terminal channel, the
	// command endpoint, session administration and setup. Without it the
	// terminal and administration are loopback-only and the command
	// endpoint is disabled.
	AuthToken       string
	AllowedOrigins  []string
	MinAPIKeyLength int
	Shell           string
	InitialCols     uint16
	InitialRows     uint16
	MaxSessions     int
	Version         string
}

// Server serves the terminal channel and the HTTP API.
type Server struct {
	sessions *session.Manager
	exec     *shellexec.Store
	engine   *ai.Engine
	logger   *slog.Logger

	authToken       string
	allowedOrigins  []string
	minAPIKeyLength int
	shell           string
	initialCols     uint16
	initialRows     uint16
	maxSessions     int
	version         string

	upgrader     websocket.Upgrader
	setupLimiter *ipLimiter
}

// New creates a server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MinAPIKeyLength <= 0 {
		opts.MinAPIKeyLength = 10
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		sessions:        opts.Sessions,
		exec:            opts.Exec,
		engine:          opts.Engine,
		logger:          opts.Logger,
		authToken:       opts.AuthToken,
		allowedOrigins:  opts.AllowedOrigins,
		minAPIKeyLength: opts.MinAPIKeyLength,
		shell:           opts.Shell,
		initialCols:     opts.InitialCols,
		initialRows:     opts.InitialRows,
		maxSessions:     opts.MaxSessions,
		version:         opts.Version,
		// Five setup attempts, then one every 12 seconds.
		setupLimiter: newIPLimiter(rate.Every(12*time.Second), 5),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin.
			return origin == "" || originAllowed(s.allowedOrigins, origin)
		},
	}
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Terminal channel.
	mux.HandleFunc("GET /ws/terminal", s.handleTerminal)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("POST /api/config/setup",
		chain(http.HandlerFunc(s.handleSetup), s.setupLimiter.middleware(s.logger), s.requireToken(false)))

	mux.Handle("POST /api/terminal", chain(http.HandlerFunc(s.handleExec), s.requireExec()))

	admin := s.requireToken(true)
	mux.Handle("GET /api/sessions", admin(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /api/sessions/{id}", admin(http.HandlerFunc(s.handleGetSession)))
	mux.Handle("GET /api/sessions/{id}/scrollback", admin(http.HandlerFunc(s.handleScrollback)))
	mux.Handle("DELETE /api/sessions/{id}", admin(http.HandlerFunc(s.handleDeleteSession)))

	mux.HandleFunc("POST /api/ai/radicalization", s.handleRadicalization)
	mux.HandleFunc("POST /api/ai/osint-summary", s.handleOsintSummary)
	mux.HandleFunc("POST /api/ai/osint-tool", s.handleOsintTool)

	return chain(mux,
		recoverMiddleware(s.logger),
		auditMiddleware(s.logger),
		corsMiddleware(s.allowedOrigins),
	)
}

// authorized decides access to the privileged surface. loopbackFallback
// admits local peers when no token is configured.
func (s *Server) authorized(r *http.Request, loopbackFallback bool) bool {
	if s.authToken == "" {
		return !loopbackFallback || isLoopback(r)
	}
	return validToken(requestToken(r), s.authToken)
}

func (s *Server) requireToken(loopbackFallback bool) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.authorized(r, loopbackFallback) {
				s.logger.Warn("auth denied", "remote", clientIP(r), "path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireExec hides the command endpoint unless a token is configured,
// then requires it.
func (s *Server) requireExec() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.authToken == "" || s.exec == nil {
				writeError(w, http.StatusNotFound, "command endpoint disabled")
				return
			}
			if !validToken(requestToken(r), s.authToken) {
				s.logger.Warn("auth denied", "remote", clientIP(r), "path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}
