package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/gateway"
	"github.com/runbox-sh/runbox/internal/runner"
	"github.com/runbox-sh/runbox/internal/stream"
)

const (
	mcpProtocolVersion = "2025-03-26"
	serverName         = "runboxd"
	serverVersion      = "1.0.0"

	sessionHeader = "Mcp-Session-Id"
)

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

func resultResponse(id json.RawMessage, result any) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, msg string) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: msg}}
}

// toolContent is one content block of a tool result.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func textResult(v any) toolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return toolResult{Content: []toolContent{{Type: "text", Text: string(data)}}}
}

func errorToolResult(msg string) toolResult {
	return toolResult{Content: []toolContent{{Type: "text", Text: msg}}, IsError: true}
}

// mcpHandler implements the Streamable HTTP transport on /mcp: JSON-RPC over
// POST, sessions identified by the Mcp-Session-Id header, and SSE streaming
// for synchronous command execution.
type mcpHandler struct {
	runner  *runner.Runner
	gateway *gateway.Gateway
	ttl     time.Duration
	origins []string
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func newMCPHandler(r *runner.Runner, g *gateway.Gateway, ttl time.Duration, origins []string, log *zap.Logger) *mcpHandler {
	h := &mcpHandler{
		runner:   r,
		gateway:  g,
		ttl:      ttl,
		origins:  origins,
		log:      log,
		sessions: make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	go h.expireLoop()
	return h
}

func (h *mcpHandler) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *mcpHandler) expireLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			h.mu.Lock()
			for id, last := range h.sessions {
				if now.Sub(last) > h.ttl {
					delete(h.sessions, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *mcpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.originAllowed(r) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// originAllowed mirrors the WebSocket origin policy: no Origin header or an
// empty allow list passes, otherwise the origin must be listed.
func (h *mcpHandler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, a := range h.origins {
		if origin == a {
			return true
		}
	}
	return false
}

func (h *mcpHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *mcpHandler) validSession(r *http.Request) bool {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[id]; !ok {
		return false
	}
	h.sessions[id] = time.Now()
	return true
}

func (h *mcpHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req jsonrpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, -32700, "parse error: "+err.Error()))
		return
	}

	if req.Method == "initialize" {
		h.handleInitialize(w, req)
		return
	}

	if !h.validSession(r) {
		writeJSON(w, http.StatusNotFound, errorResponse(req.ID, -32001, "session not found, initialize first"))
		return
	}

	switch req.Method {
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)

	case "notifications/cancelled":
		h.handleCancelled(req)
		w.WriteHeader(http.StatusAccepted)

	case "ping":
		writeJSON(w, http.StatusOK, resultResponse(req.ID, map[string]any{}))

	case "tools/list":
		writeJSON(w, http.StatusOK, resultResponse(req.ID, map[string]any{"tools": toolDefinitions()}))

	case "tools/call":
		h.handleToolCall(w, r, req)

	default:
		writeJSON(w, http.StatusOK, errorResponse(req.ID, -32601, "method not found: "+req.Method))
	}
}

func (h *mcpHandler) handleInitialize(w http.ResponseWriter, req jsonrpcRequest) {
	id := uuid.NewString()
	h.mu.Lock()
	h.sessions[id] = time.Now()
	h.mu.Unlock()

	h.log.Info("mcp session initialized", zap.String("session_id", id))
	w.Header().Set(sessionHeader, id)
	writeJSON(w, http.StatusOK, resultResponse(req.ID, map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
	}))
}

// handleCancelled routes a protocol-level cancellation to the gateway. The
// cancelled request id names the tools/call whose command should die; an id
// for work that already finished is dropped silently.
func (h *mcpHandler) handleCancelled(req jsonrpcRequest) {
	var params struct {
		RequestID json.RawMessage `json:"requestId"`
		Reason    string          `json:"reason"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.log.Warn("malformed cancellation notification", zap.Error(err))
		return
	}

	requestID := idString(params.RequestID)
	if requestID == "" {
		return
	}
	if err := h.gateway.CancelByRequestID(requestID, params.Reason); err != nil {
		h.log.Error("cancellation failed",
			zap.String("request_id", requestID), zap.Error(err))
	}
}

// idString renders a JSON-RPC id (string or number) as the registry key.
func idString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *mcpHandler) handleToolCall(w http.ResponseWriter, r *http.Request, req jsonrpcRequest) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, -32602, "invalid params: "+err.Error()))
		return
	}

	switch params.Name {
	case "execute_shell_command":
		h.callExecute(w, r, req, params)
	case "execute_background_shell_command":
		h.callExecuteBackground(w, req, params)
	case "list_processes":
		writeJSON(w, http.StatusOK, resultResponse(req.ID, textResult(h.runner.List())))
	case "get_process":
		h.callGetProcess(w, req, params)
	case "terminate_process":
		h.callTerminate(w, req, params)
	default:
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult("unknown tool: "+params.Name)))
	}
}

func stringArg(params toolCallParams, key string) string {
	v, _ := params.Arguments[key].(string)
	return v
}

// callExecute runs the command synchronously. Clients that accept SSE get
// incremental output as logging notifications followed by the final response;
// others get a single JSON response once the command exits. Either way the
// run is tracked under the JSON-RPC id, so notifications/cancelled with the
// same id kills it.
func (h *mcpHandler) callExecute(w http.ResponseWriter, r *http.Request, req jsonrpcRequest, params toolCallParams) {
	command := stringArg(params, "command")
	if command == "" {
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult("command is required")))
		return
	}
	requestID := idString(req.ID)

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.streamExecute(w, r, req, requestID, command)
		return
	}

	res, err := h.runner.RunSync(r.Context(), requestID, command)
	if err != nil {
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult(err.Error())))
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(req.ID, textResult(res)))
}

// streamExecute delivers the run over SSE: one logging notification per
// output chunk, then the tool result as the final event.
func (h *mcpHandler) streamExecute(w http.ResponseWriter, r *http.Request, req jsonrpcRequest, requestID, command string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, errorResponse(req.ID, -32603, "streaming unsupported"))
		return
	}

	id, _, err := h.runner.StartBackground(requestID, command)
	if err != nil {
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult(err.Error())))
		return
	}
	hub, err := h.runner.Hub(id)
	if err != nil {
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult(err.Error())))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// A client that drops the stream loses interest in the run.
	done := r.Context().Done()
	disconnected := false

	replay, events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	for _, ev := range replay {
		h.writeSSEEvent(w, flusher, ev)
	}
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !disconnected {
				h.writeSSEEvent(w, flusher, ev)
			}
		case <-done:
			done = nil
			disconnected = true
			go h.gateway.CancelByRequestID(id, "client disconnected")
		}
	}

	res, err := h.runner.Snapshot(id)
	h.runner.Release(id)
	if disconnected {
		return
	}

	var final jsonrpcResponse
	if err != nil {
		final = resultResponse(req.ID, errorToolResult(err.Error()))
	} else {
		final = resultResponse(req.ID, textResult(res))
	}
	h.writeSSE(w, flusher, final)
}

// writeSSEEvent forwards one output chunk as a logging notification. Started
// and exited markers are skipped; the final result carries the verdict.
func (h *mcpHandler) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev stream.Event) {
	var logger string
	switch ev.Kind {
	case stream.EventStdout:
		logger = "stdout"
	case stream.EventStderr:
		logger = "stderr"
	default:
		return
	}
	h.writeSSE(w, flusher, map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/message",
		"params": map[string]any{
			"level":  "info",
			"logger": logger,
			"data":   string(ev.Chunk),
		},
	})
}

func (h *mcpHandler) writeSSE(w http.ResponseWriter, flusher http.Flusher, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
	flusher.Flush()
}

func (h *mcpHandler) callExecuteBackground(w http.ResponseWriter, req jsonrpcRequest, params toolCallParams) {
	command := stringArg(params, "command")
	if command == "" {
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult("command is required")))
		return
	}

	id, pid, err := h.runner.StartBackground("", command)
	if err != nil {
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult(err.Error())))
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(req.ID, textResult(map[string]any{
		"request_id": id,
		"pid":        pid,
		"status":     "running",
	})))
}

func (h *mcpHandler) callGetProcess(w http.ResponseWriter, req jsonrpcRequest, params toolCallParams) {
	requestID := stringArg(params, "request_id")
	if requestID == "" {
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult("request_id is required")))
		return
	}

	res, err := h.runner.Snapshot(requestID)
	if err != nil {
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult(err.Error())))
		return
	}
	writeJSON(w, http.StatusOK, resultResponse(req.ID, textResult(res)))
}

func (h *mcpHandler) callTerminate(w http.ResponseWriter, req jsonrpcRequest, params toolCallParams) {
	pidArg, ok := params.Arguments["pid"].(float64)
	if !ok {
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult("pid is required")))
		return
	}

	res, err := h.gateway.CancelByPID(int(pidArg))
	if err != nil {
		writeJSON(w, http.StatusOK, resultResponse(req.ID, errorToolResult(err.Error())))
		return
	}
	h.runner.Release(res.RequestID)
	writeJSON(w, http.StatusOK, resultResponse(req.ID, textResult(res)))
}

func toolDefinitions() []map[string]any {
	return []map[string]any{
		{
			"name":        "execute_shell_command",
			"description": "Execute a shell command and wait for it to finish, returning its output and exit code.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Shell command to execute"},
				},
				"required": []string{"command"},
			},
		},
		{
			"name":        "execute_background_shell_command",
			"description": "Start a shell command in the background and return its request id and pid immediately.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Shell command to execute"},
				},
				"required": []string{"command"},
			},
		},
		{
			"name":        "list_processes",
			"description": "List all tracked processes with their status.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			"name":        "get_process",
			"description": "Get the status and accumulated output of a background process.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"request_id": map[string]any{"type": "string", "description": "Request id returned when the process started"},
				},
				"required": []string{"request_id"},
			},
		},
		{
			"name":        "terminate_process",
			"description": "Terminate a running process by pid, escalating to SIGKILL if it ignores SIGTERM.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pid": map[string]any{"type": "number", "description": "Process id to terminate"},
				},
				"required": []string{"pid"},
			},
		},
	}
}
