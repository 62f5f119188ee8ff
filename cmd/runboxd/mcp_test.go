package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox-sh/runbox/internal/proc"
)

func mcpPost(t *testing.T, ts *httptest.Server, sessionID string, req jsonrpcRequest) *http.Response {
	t.Helper()

	req.JSONRPC = "2.0"
	data, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", bytes.NewReader(data))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		httpReq.Header.Set(sessionHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	return resp
}

func initSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()

	resp := mcpPost(t, ts, "", jsonrpcRequest{ID: json.RawMessage(`1`), Method: "initialize"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sessionID := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, sessionID)

	var rpc jsonrpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	require.Nil(t, rpc.Error)
	result := rpc.Result.(map[string]any)
	assert.Equal(t, mcpProtocolVersion, result["protocolVersion"])
	return sessionID
}

func TestMCPInitializeCreatesSession(t *testing.T) {
	_, ts := newTestServer(t, "")
	initSession(t, ts)
}

func TestMCPRequiresSession(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp := mcpPost(t, ts, "", jsonrpcRequest{ID: json.RawMessage(`2`), Method: "tools/list"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMCPToolsList(t *testing.T) {
	_, ts := newTestServer(t, "")
	sessionID := initSession(t, ts)

	resp := mcpPost(t, ts, sessionID, jsonrpcRequest{ID: json.RawMessage(`2`), Method: "tools/list"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpc jsonrpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	require.Nil(t, rpc.Error)

	tools := rpc.Result.(map[string]any)["tools"].([]any)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	assert.ElementsMatch(t, []string{
		"execute_shell_command",
		"execute_background_shell_command",
		"list_processes",
		"get_process",
		"terminate_process",
	}, names)
}

func TestMCPExecuteTool(t *testing.T) {
	_, ts := newTestServer(t, "")
	sessionID := initSession(t, ts)

	params, _ := json.Marshal(toolCallParams{
		Name:      "execute_shell_command",
		Arguments: map[string]any{"command": "echo via-mcp"},
	})
	resp := mcpPost(t, ts, sessionID, jsonrpcRequest{
		ID: json.RawMessage(`"call-1"`), Method: "tools/call", Params: params,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpc jsonrpcResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	require.Nil(t, rpc.Error)

	content := rpc.Result.(map[string]any)["content"].([]any)
	require.NotEmpty(t, content)
	text := content[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "via-mcp")
	assert.Contains(t, text, `"return_code": 0`)
}

func TestMCPCancelledNotificationTerminatesRun(t *testing.T) {
	srv, ts := newTestServer(t, "")
	sessionID := initSession(t, ts)

	// Start the long run under its JSON-RPC id, then cancel that id.
	_, _, err := srv.runner.StartBackground("call-9", "sleep 60")
	require.NoError(t, err)

	params := json.RawMessage(`{"requestId": "call-9", "reason": "user changed their mind"}`)
	resp := mcpPost(t, ts, sessionID, jsonrpcRequest{Method: "notifications/cancelled", Params: params})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		h, err := srv.reg.GetByRequestID("call-9")
		return err == nil && h.Status == proc.StatusTerminated
	}, 15*time.Second, 100*time.Millisecond)
}

func TestMCPCancelledForFinishedRunIsAccepted(t *testing.T) {
	_, ts := newTestServer(t, "")
	sessionID := initSession(t, ts)

	params := json.RawMessage(`{"requestId": "long-gone"}`)
	resp := mcpPost(t, ts, sessionID, jsonrpcRequest{Method: "notifications/cancelled", Params: params})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestMCPDeleteSession(t *testing.T) {
	_, ts := newTestServer(t, "")
	sessionID := initSession(t, ts)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(sessionHeader, sessionID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The session is gone; subsequent calls must re-initialize.
	resp2 := mcpPost(t, ts, sessionID, jsonrpcRequest{ID: json.RawMessage(`3`), Method: "tools/list"})
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}
