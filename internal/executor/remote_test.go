package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox-sh/runbox/internal/api"
	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/runner"
)

func TestRemoteExecSync(t *testing.T) {
	code := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/exec/sync", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		var req api.ExecRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "echo hi", req.Command)

		json.NewEncoder(w).Encode(runner.Result{
			RequestID: "req-9",
			Command:   req.Command,
			PID:       4321,
			Stdout:    "hi\n",
			ExitCode:  &code,
			Status:    proc.StatusCompleted,
		})
	}))
	defer srv.Close()

	e := NewRemote(srv.URL, "s3cret")
	res, err := e.ExecSync(context.Background(), "", "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "req-9", res.RequestID)
	assert.Equal(t, "hi\n", res.Stdout)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
}

func TestRemoteExecBackground(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/exec/background", r.URL.Path)
		json.NewEncoder(w).Encode(api.BackgroundResponse{RequestID: "req-bg", PID: 777, Status: "running"})
	}))
	defer srv.Close()

	id, pid, err := NewRemote(srv.URL, "").ExecBackground("", "sleep 60")
	require.NoError(t, err)
	assert.Equal(t, "req-bg", id)
	assert.Equal(t, 777, pid)
}

func TestRemoteTerminateNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/processes/999/terminate", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, "").Terminate(context.Background(), 999)
	assert.ErrorIs(t, err, proc.ErrNotFound)
}

func TestRemoteCancelAlwaysSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/processes/cancel", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	assert.NoError(t, NewRemote(srv.URL, "").Cancel(context.Background(), "whatever", ""))
}

func TestRemoteServerErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "spawn failed: /bin/sh: not found"})
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, "").ExecSync(context.Background(), "", "true")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawn failed")
}
