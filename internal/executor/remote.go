package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/runbox-sh/runbox/internal/api"
	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/runner"
	"github.com/runbox-sh/runbox/internal/terminate"
)

// Remote proxies execution to a runboxd instance over its HTTP API. The
// client carries no global timeout; synchronous runs last as long as the
// command does, bounded only by the caller's context.
type Remote struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewRemote(baseURL, token string) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

func (e *Remote) ExecSync(ctx context.Context, requestID, command string) (runner.Result, error) {
	var res runner.Result
	err := e.do(ctx, http.MethodPost, "/api/exec/sync",
		api.ExecRequest{Command: command, RequestID: requestID}, &res)
	return res, err
}

func (e *Remote) ExecBackground(requestID, command string) (string, int, error) {
	var res api.BackgroundResponse
	err := e.do(context.Background(), http.MethodPost, "/api/exec/background",
		api.ExecRequest{Command: command, RequestID: requestID}, &res)
	if err != nil {
		return "", 0, err
	}
	return res.RequestID, res.PID, nil
}

func (e *Remote) List(ctx context.Context) ([]proc.Handle, error) {
	var handles []proc.Handle
	err := e.do(ctx, http.MethodGet, "/api/processes", nil, &handles)
	return handles, err
}

func (e *Remote) Get(ctx context.Context, requestID string) (runner.Result, error) {
	var res runner.Result
	err := e.do(ctx, http.MethodGet, "/api/processes/"+requestID, nil, &res)
	return res, err
}

func (e *Remote) Terminate(ctx context.Context, pid int) (terminate.Result, error) {
	var res terminate.Result
	err := e.do(ctx, http.MethodPost, "/api/processes/"+strconv.Itoa(pid)+"/terminate", nil, &res)
	return res, err
}

func (e *Remote) Cancel(ctx context.Context, requestID, reason string) error {
	return e.do(ctx, http.MethodPost, "/api/processes/cancel",
		api.CancelRequest{RequestID: requestID, Reason: reason}, nil)
}

// do sends one API request and decodes the response into out when non-nil.
// 404 maps to proc.ErrNotFound so callers can branch on it the same way they
// would against a local registry.
func (e *Remote) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("runbox server request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, proc.ErrNotFound)
	case resp.StatusCode >= 400:
		var apiErr api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("runbox server: %s", apiErr.Error)
		}
		return fmt.Errorf("runbox server: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
