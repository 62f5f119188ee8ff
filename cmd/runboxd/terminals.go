package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/runbox-sh/runbox/internal/term"
)

type createTerminalRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type terminalResponse struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

func (s *Server) handleCreateTerminal(w http.ResponseWriter, r *http.Request) {
	req := createTerminalRequest{Cols: 80, Rows: 24}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.Cols == 0 {
		req.Cols = 80
	}
	if req.Rows == 0 {
		req.Rows = 24
	}

	session, err := s.terms.Create(req.Cols, req.Rows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, terminalResponse{ID: session.ID, PID: session.Term.PID()})
}

func (s *Server) handleListTerminals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"terminals": s.terms.List()})
}

func (s *Server) handleDeleteTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("terminalId")
	if err := s.terms.Close(id); err != nil {
		if errors.Is(err, term.ErrTerminalNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
