// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kiosknet/lockerd/internal/fault"
	"github.com/kiosknet/lockerd/internal/locker"
	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/ratelimit"
	"github.com/kiosknet/lockerd/internal/zones"
)

func lockerParams(r *http.Request) (string, int, error) {
	kioskID := chi.URLParam(r, "kioskID")
	id, err := strconv.Atoi(chi.URLParam(r, "lockerID"))
	if err != nil || id < 1 {
		return "", 0, fault.Validationf("locker_id", "must be a positive integer")
	}
	return kioskID, id, nil
}

func (s *Server) handleListLockers(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockers, err := s.machine.Store().List(r.Context(), kioskID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if lockers == nil {
		lockers = []locker.Locker{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lockers": lockers})
}

func (s *Server) handleGetLocker(w http.ResponseWriter, r *http.Request) {
	kioskID, id, err := lockerParams(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	l, err := s.machine.Store().Get(r.Context(), kioskID, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type assignRequest struct {
	OwnerType locker.OwnerType `json:"owner_type"`
	OwnerKey  string           `json:"owner_key"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	kioskID, id, err := lockerParams(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	ctx := xlog.ContextWithKioskID(r.Context(), kioskID)

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Validationf("body", "invalid JSON: %v", err))
		return
	}

	ip := clientIP(r)
	lockerKey := kioskID + ":" + strconv.Itoa(id)
	switch req.OwnerType {
	case locker.OwnerQRDevice:
		result, dim, err := s.limiter.CheckQR(ctx, ip, lockerKey, req.OwnerKey)
		if err != nil {
			writeFault(w, err)
			return
		}
		if !result.Allowed {
			writeFault(w, result.Err(dim))
			return
		}
	default:
		for _, gate := range []struct {
			dim     ratelimit.Dimension
			subject string
		}{
			{ratelimit.DimensionIP, ip},
			{ratelimit.DimensionCard, req.OwnerKey},
			{ratelimit.DimensionLocker, lockerKey},
		} {
			result, err := s.limiter.Check(ctx, gate.dim, gate.subject)
			if err != nil {
				writeFault(w, err)
				return
			}
			if !result.Allowed {
				writeFault(w, result.Err(gate.dim))
				return
			}
		}
	}

	ok, err := s.machine.Assign(ctx, kioskID, id, req.OwnerType, req.OwnerKey)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeConflict(w, "locker not assignable")
		return
	}
	s.respondLocker(w, r, kioskID, id)
}

type confirmRequest struct {
	OwnerKey string `json:"owner_key"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	kioskID, id, err := lockerParams(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	ctx := xlog.ContextWithKioskID(r.Context(), kioskID)

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Validationf("body", "invalid JSON: %v", err))
		return
	}

	ok, err := s.machine.Confirm(ctx, kioskID, id, req.OwnerKey)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeConflict(w, "locker not confirmable by this owner")
		return
	}
	s.respondLocker(w, r, kioskID, id)
}

type releaseRequest struct {
	OwnerKey  string `json:"owner_key,omitempty"`
	StaffUser string `json:"staff_user,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	kioskID, id, err := lockerParams(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	ctx := xlog.ContextWithKioskID(r.Context(), kioskID)

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Validationf("body", "invalid JSON: %v", err))
		return
	}

	ok, err := s.machine.Release(ctx, kioskID, id, req.OwnerKey, req.StaffUser)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeConflict(w, "locker not releasable by this owner")
		return
	}
	s.respondLocker(w, r, kioskID, id)
}

type staffRequest struct {
	StaffUser string `json:"staff_user"`
	Reason    string `json:"reason,omitempty"`
}

type staffOp func(ctx context.Context, kioskID string, id int, staffUser, reason string) (bool, error)

func (s *Server) staffAction(w http.ResponseWriter, r *http.Request, op staffOp) {
	kioskID, id, err := lockerParams(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	ctx := xlog.ContextWithKioskID(r.Context(), kioskID)

	var req staffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Validationf("body", "invalid JSON: %v", err))
		return
	}

	ok, err := op(ctx, kioskID, id, req.StaffUser, req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeConflict(w, "locker not in the expected state")
		return
	}
	s.respondLocker(w, r, kioskID, id)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	s.staffAction(w, r, s.machine.Block)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.staffAction(w, r, s.machine.Unblock)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.staffAction(w, r, s.machine.Resolve)
}

type forceRequest struct {
	ToStatus  locker.Status `json:"to_status"`
	StaffUser string        `json:"staff_user"`
	Reason    string        `json:"reason,omitempty"`
}

func (s *Server) handleForceTransition(w http.ResponseWriter, r *http.Request) {
	kioskID, id, err := lockerParams(r)
	if err != nil {
		writeFault(w, err)
		return
	}
	ctx := xlog.ContextWithKioskID(r.Context(), kioskID)

	var req forceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Validationf("body", "invalid JSON: %v", err))
		return
	}

	ok, err := s.machine.ForceTransition(ctx, kioskID, id, req.ToStatus, req.StaffUser, req.Reason)
	if err != nil {
		writeFault(w, err)
		return
	}
	if !ok {
		writeConflict(w, "forced transition lost a concurrent update")
		return
	}
	s.respondLocker(w, r, kioskID, id)
}

// handleMapping resolves a locker to its relay coil, the contract consumed
// by the hardware I/O layer.
func (s *Server) handleMapping(w http.ResponseWriter, r *http.Request) {
	_, id, err := lockerParams(r)
	if err != nil {
		writeFault(w, err)
		return
	}

	cfg := s.cfg.Get()
	var m zones.Mapping
	if cfg.Features.ZonesEnabled {
		m, err = zones.Map(id, cfg.Zones)
	} else {
		m, err = zones.LegacyMap(id)
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) respondLocker(w http.ResponseWriter, r *http.Request, kioskID string, id int) {
	l, err := s.machine.Store().Get(r.Context(), kioskID, id)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}
