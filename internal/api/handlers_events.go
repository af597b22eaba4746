// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kiosknet/lockerd/internal/eventlog"
	"github.com/kiosknet/lockerd/internal/fault"
	"github.com/kiosknet/lockerd/internal/ratelimit"
)

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := eventlog.Filter{
		KioskID: q.Get("kiosk_id"),
		Type:    eventlog.Type(q.Get("type")),
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeFault(w, fault.Validationf("since", "must be RFC 3339: %v", err))
			return
		}
		f.Since = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeFault(w, fault.Validationf("until", "must be RFC 3339: %v", err))
			return
		}
		f.Until = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeFault(w, fault.Validationf("limit", "must be a positive integer"))
			return
		}
		f.Limit = n
	}

	events, err := s.events.Query(r.Context(), f)
	if err != nil {
		writeFault(w, err)
		return
	}
	if events == nil {
		events = []eventlog.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type rateLimitResetRequest struct {
	Dimension ratelimit.Dimension `json:"dimension"`
	Subject   string              `json:"subject"`
	StaffUser string              `json:"staff_user"`
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	var req rateLimitResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.Validationf("body", "invalid JSON: %v", err))
		return
	}

	if err := s.limiter.Reset(r.Context(), req.Dimension, req.Subject, req.StaffUser); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleStream pushes locker state deltas over Server-Sent Events. Slow
// consumers lose the oldest buffered updates, never the connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFault(w, fault.Validationf("stream", "streaming unsupported by connection"))
		return
	}

	sub := s.notifier.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload, open := <-sub.C():
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "event: locker\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
