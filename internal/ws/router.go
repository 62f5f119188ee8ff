// Package ws exposes two WebSocket surfaces: live event feeds for tracked
// processes and raw byte bridges to interactive terminals.
package ws

import (
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/runner"
	"github.com/runbox-sh/runbox/internal/term"
)

// Router upgrades HTTP requests and connects them to hubs.
type Router struct {
	runner   *runner.Runner
	terms    *term.Manager
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewRouter creates a router. allowedOrigins lists acceptable Origin header
// values; an empty list allows any origin, which is for local development
// only.
func NewRouter(r *runner.Runner, terms *term.Manager, allowedOrigins []string, log *zap.Logger) *Router {
	if len(allowedOrigins) == 0 {
		log.Warn("no allowed origins configured, accepting websocket connections from any origin")
	}
	return &Router{
		runner: r,
		terms:  terms,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker accepts same-origin requests, requests without an Origin
// header (non-browser clients), and origins on the allow list.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Host == r.Host {
			return true
		}
		for _, a := range allowed {
			if origin == a {
				return true
			}
		}
		return false
	}
}

// HandleProcessSocket streams a background process's event sequence to the
// client as JSON messages, starting with a replay of everything seen so far.
// The socket closes after the final event.
func (rt *Router) HandleProcessSocket(w http.ResponseWriter, req *http.Request) {
	requestID := req.PathValue("requestId")

	hub, err := rt.runner.Hub(requestID)
	if err != nil {
		http.Error(w, "process not found", http.StatusNotFound)
		return
	}

	conn, err := rt.upgrader.Upgrade(w, req, nil)
	if err != nil {
		rt.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newProcessClient(conn, hub, rt.log)
	go c.readPump()
	go c.writePump()
}

// HandleTerminalSocket bridges raw terminal bytes in both directions.
func (rt *Router) HandleTerminalSocket(w http.ResponseWriter, req *http.Request) {
	terminalID := req.PathValue("terminalId")

	session, err := rt.terms.Get(terminalID)
	if err != nil {
		http.Error(w, "terminal not found", http.StatusNotFound)
		return
	}

	conn, err := rt.upgrader.Upgrade(w, req, nil)
	if err != nil {
		rt.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newTerminalClient(conn, session, rt.log)
	go c.readPump()
	go c.writePump()
}
