// Package server provides the HTTP and WebSocket transport front that
// routes browser and subprocess sockets to the bridge, and exposes the REST
// surface for session and cron CRUD.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/bridge-server/internal/auth"
	"github.com/workspace/bridge-server/internal/bridge"
	"github.com/workspace/bridge-server/internal/config"
	"github.com/workspace/bridge-server/internal/cron"
	"github.com/workspace/bridge-server/internal/launcher"
	"github.com/workspace/bridge-server/internal/tlscert"
	"github.com/workspace/bridge-server/internal/webhook"
)

// Server is the HTTP/WebSocket transport front.
type Server struct {
	config       *config.Config
	httpServer   *http.Server
	jwtValidator *auth.JWTValidator
	launcher     *launcher.Launcher
	bridge       *bridge.Bridge
	scheduler    *cron.Scheduler
	webhook      *webhook.Client
	certPath     string
	keyPath      string
}

// New wires a Server around its already-constructed collaborators. Pass a
// nil jwtValidator when cfg.TestMode bypasses auth entirely.
func New(cfg *config.Config, jwtValidator *auth.JWTValidator, l *launcher.Launcher, b *bridge.Bridge, sched *cron.Scheduler, wh *webhook.Client) (*Server, error) {
	s := &Server{
		config:       cfg,
		jwtValidator: jwtValidator,
		launcher:     l,
		bridge:       b,
		scheduler:    sched,
		webhook:      wh,
	}

	if !cfg.TestMode {
		certPath, keyPath, err := tlscert.EnsureSelfSigned(cfg.CertDir)
		if err != nil {
			return nil, fmt.Errorf("server: ensure TLS cert: %w", err)
		}
		s.certPath, s.keyPath = certPath, keyPath
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	gate := auth.Gate(jwtValidator, cfg.TestMode)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      corsMiddleware(gate(mux), cfg.AllowedOrigins),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Start begins serving. It blocks until Stop shuts the server down, at
// which point it returns http.ErrServerClosed.
func (s *Server) Start() error {
	if s.config.TestMode {
		slog.Info("server: listening (test mode, no TLS)", "addr", s.httpServer.Addr)
		return s.httpServer.ListenAndServe()
	}
	slog.Info("server: listening (TLS)", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServeTLS(s.certPath, s.keyPath)
}

// Stop gracefully shuts down the HTTP server, waiting for in-flight
// requests to finish or ctx to expire. Upgraded WebSocket connections are
// hijacked from the HTTP server, so Stop neither closes nor waits for them.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /ws/sub/{id}", s.handleSubprocessWS)
	mux.HandleFunc("GET /ws/browser/{id}", s.handleBrowserWS)

	mux.HandleFunc("POST /sessions/create", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/kill", s.handleKillSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/resume", s.handleResumeSession)
	mux.HandleFunc("PATCH /sessions/{id}/name", s.handleRenameSession)

	mux.HandleFunc("GET /cron/jobs", s.handleListCronJobs)
	mux.HandleFunc("POST /cron/jobs", s.handleCreateCronJob)
	mux.HandleFunc("GET /cron/jobs/{id}", s.handleGetCronJob)
	mux.HandleFunc("DELETE /cron/jobs/{id}", s.handleDeleteCronJob)
	mux.HandleFunc("POST /cron/jobs/{id}/trigger", s.handleTriggerCronJob)
	mux.HandleFunc("POST /cron/jobs/{id}/reset", s.handleResetCronJob)
	mux.HandleFunc("GET /cron/jobs/{id}/runs", s.handleListCronRuns)

	mux.HandleFunc("GET /fs/list", s.handleFsList)
	mux.HandleFunc("GET /fs/home", s.handleFsHome)
}

// corsMiddleware adds CORS headers, supporting exact matches, "*", and
// wildcard-subdomain patterns like "https://*.example.com".
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isOriginAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*") && matchWildcardOrigin(origin, a) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin matches patterns like "https://*.example.com" against
// an Origin header value.
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"sessions":  len(s.launcher.ListSessions()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
