package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/api"
	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/runner"
)

func decodeExec(w http.ResponseWriter, r *http.Request) (api.ExecRequest, bool) {
	var req api.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return req, false
	}
	return req, true
}

// handleExecSync runs the command and responds with the aggregated result.
// The request context is the cancellation path: a client that hangs up mid
// run gets its process terminated.
func (s *Server) handleExecSync(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeExec(w, r)
	if !ok {
		return
	}

	res, err := s.runner.RunSync(r.Context(), req.RequestID, req.Command)
	if err != nil {
		s.writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExecBackground(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeExec(w, r)
	if !ok {
		return
	}

	id, pid, err := s.runner.StartBackground(req.RequestID, req.Command)
	if err != nil {
		s.writeExecError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, api.BackgroundResponse{
		RequestID: id,
		PID:       pid,
		Status:    string(proc.StatusRunning),
	})
}

func (s *Server) writeExecError(w http.ResponseWriter, err error) {
	if errors.Is(err, proc.ErrDuplicateRequestID) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.List())
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")

	res, err := s.runner.Snapshot(requestID)
	if err != nil {
		if errors.Is(err, runner.ErrNotBackground) {
			writeError(w, http.StatusNotFound, "process not found: "+requestID)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleCancel is the benign intake: it takes either a request id or a pid
// and acknowledges with no content whether or not a live process was found.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req api.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch {
	case req.RequestID != "":
		if err := s.gateway.CancelByRequestID(req.RequestID, req.Reason); err != nil {
			s.log.Error("cancellation failed",
				zap.String("request_id", req.RequestID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case req.PID != 0:
		res, err := s.gateway.CancelByPID(req.PID)
		if err != nil {
			// The pid was gone by the time cancellation arrived; that race is
			// expected here, unlike on the explicit terminate route.
			s.log.Info("cancellation for unknown pid ignored",
				zap.Int("pid", req.PID), zap.Error(err))
		} else {
			s.runner.Release(res.RequestID)
		}
	default:
		writeError(w, http.StatusBadRequest, "request_id or pid is required")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTerminate is the explicit path: an unknown pid is the caller's
// mistake and surfaces as 404. The run's record is released once the
// termination result is delivered.
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(r.PathValue("pid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}

	res, err := s.gateway.CancelByPID(pid)
	if err != nil {
		if errors.Is(err, proc.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no tracked process with pid "+strconv.Itoa(pid))
			return
		}
		if errors.Is(err, proc.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "process already finished")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.runner.Release(res.RequestID)
	writeJSON(w, http.StatusOK, res)
}
