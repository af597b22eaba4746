// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kiosknet/lockerd/internal/commands"
	"github.com/kiosknet/lockerd/internal/fault"
	"github.com/kiosknet/lockerd/internal/heartbeat"
	xlog "github.com/kiosknet/lockerd/internal/log"
)

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	ctx := xlog.ContextWithKioskID(r.Context(), kioskID)

	var req heartbeat.BeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Validationf("body", "invalid JSON: %v", err))
		return
	}
	req.KioskID = kioskID

	resp, err := s.heartbeat.Beat(ctx, req)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListKiosks(w http.ResponseWriter, r *http.Request) {
	kiosks, err := s.heartbeat.List(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kiosks": kiosks})
}

func (s *Server) handlePollCommands(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	ctx := xlog.ContextWithKioskID(r.Context(), kioskID)

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	cmds, err := s.queue.FetchPending(ctx, kioskID, limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	if cmds == nil {
		cmds = []commands.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

type enqueueRequest struct {
	Type       commands.Type   `json:"command_type"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries *int            `json:"max_retries"`
}

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	ctx := xlog.ContextWithKioskID(r.Context(), kioskID)

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Validationf("body", "invalid JSON: %v", err))
		return
	}
	maxRetries := commands.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	cmd, err := s.queue.Enqueue(ctx, kioskID, req.Type, req.Payload, maxRetries)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleClaimCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	ctx := xlog.ContextWithCommandID(r.Context(), commandID)

	ok, err := s.queue.MarkExecuting(ctx, commandID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeConflict(w, "command already claimed or terminal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "executing"})
}

type ackRequest struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	ctx := xlog.ContextWithCommandID(r.Context(), commandID)

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Validationf("body", "invalid JSON: %v", err))
		return
	}

	var (
		ok  bool
		err error
	)
	switch req.Outcome {
	case "success":
		ok, err = s.queue.MarkCompleted(ctx, commandID)
	case "failure":
		ok, err = s.queue.MarkFailed(ctx, commandID, req.Error)
	default:
		writeFault(w, fault.Validationf("outcome", "must be success or failure"))
		return
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeConflict(w, "command not in executing state")
		return
	}

	cmd, err := s.queue.Get(ctx, commandID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")
	ctx := xlog.ContextWithCommandID(r.Context(), commandID)

	ok, err := s.queue.Cancel(ctx, commandID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeConflict(w, "command already terminal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
