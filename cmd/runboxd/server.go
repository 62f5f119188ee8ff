package main

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/api"
	"github.com/runbox-sh/runbox/internal/auth"
	"github.com/runbox-sh/runbox/internal/config"
	"github.com/runbox-sh/runbox/internal/gateway"
	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/runner"
	"github.com/runbox-sh/runbox/internal/spawn"
	"github.com/runbox-sh/runbox/internal/term"
	"github.com/runbox-sh/runbox/internal/terminate"
	"github.com/runbox-sh/runbox/internal/ws"
)

// Server wires the execution engine to its HTTP surfaces.
type Server struct {
	cfg config.Config
	log *zap.Logger

	reg      *proc.Registry
	runner   *runner.Runner
	gateway  *gateway.Gateway
	terms    *term.Manager
	wsRouter *ws.Router
	auth     *auth.Middleware
	mcp      *mcpHandler
}

func NewServer(cfg config.Config, log *zap.Logger) *Server {
	reg := proc.NewRegistry(log)
	ctrl := terminate.NewController(reg, cfg.TerminationTimeout, cfg.PollInterval, cfg.KillGrace, log)
	run := runner.New(&spawn.Local{Shell: cfg.Shell}, reg, ctrl, runner.Options{
		WorkDir:       cfg.WorkDir,
		EventBuffer:   cfg.EventBuffer,
		Retention:     cfg.Retention,
		SweepInterval: cfg.SweepInterval,
	}, log)
	gw := gateway.New(reg, ctrl, log)
	terms := term.NewManager(cfg.Shell, cfg.WorkDir, log)

	return &Server{
		cfg:      cfg,
		log:      log,
		reg:      reg,
		runner:   run,
		gateway:  gw,
		terms:    terms,
		wsRouter: ws.NewRouter(run, terms, cfg.AllowedOrigins, log),
		auth:     auth.NewMiddleware(cfg.AuthToken, log),
		mcp:      newMCPHandler(run, gw, cfg.SessionTTL, cfg.AllowedOrigins, log),
	}
}

// Handler builds the route table. Everything except the health check sits
// behind the auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/exec/sync", s.handleExecSync)
	mux.HandleFunc("POST /api/exec/background", s.handleExecBackground)

	mux.HandleFunc("GET /api/processes", s.handleListProcesses)
	mux.HandleFunc("GET /api/processes/{requestId}", s.handleGetProcess)
	mux.HandleFunc("POST /api/processes/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/processes/{pid}/terminate", s.handleTerminate)
	mux.HandleFunc("GET /api/processes/{requestId}/ws", s.wsRouter.HandleProcessSocket)

	mux.HandleFunc("POST /api/terminals", s.handleCreateTerminal)
	mux.HandleFunc("GET /api/terminals", s.handleListTerminals)
	mux.HandleFunc("DELETE /api/terminals/{terminalId}", s.handleDeleteTerminal)
	mux.HandleFunc("GET /api/terminals/{terminalId}/ws", s.wsRouter.HandleTerminalSocket)

	mux.Handle("/mcp", s.mcp)

	outer := http.NewServeMux()
	outer.HandleFunc("GET /health", s.handleHealth)
	outer.Handle("/", s.auth.RequireAuth(mux))
	return outer
}

// Close tears down everything the server started: running processes first,
// then terminals and MCP sessions.
func (s *Server) Close() {
	s.runner.Shutdown()
	s.terms.Shutdown()
	s.mcp.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}
