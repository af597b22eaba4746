// SPDX-License-Identifier: MIT

// Package api exposes the control-plane HTTP surface: kiosk heartbeats and
// command polling, user locker flows, staff operations, event queries and a
// live update stream.
package api

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kiosknet/lockerd/internal/commands"
	"github.com/kiosknet/lockerd/internal/config"
	"github.com/kiosknet/lockerd/internal/eventlog"
	"github.com/kiosknet/lockerd/internal/heartbeat"
	"github.com/kiosknet/lockerd/internal/locker"
	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/notify"
	"github.com/kiosknet/lockerd/internal/ratelimit"
)

// Server bundles the handlers' collaborators.
type Server struct {
	cfg       *config.Holder
	machine   *locker.Machine
	queue     *commands.Queue
	heartbeat *heartbeat.Manager
	limiter   *ratelimit.Limiter
	events    *eventlog.Log
	notifier  *notify.Broadcaster
	logger    zerolog.Logger
}

// NewServer wires the HTTP surface to the core components.
func NewServer(cfg *config.Holder, machine *locker.Machine, queue *commands.Queue,
	hb *heartbeat.Manager, limiter *ratelimit.Limiter, events *eventlog.Log,
	notifier *notify.Broadcaster) *Server {
	return &Server{
		cfg:       cfg,
		machine:   machine,
		queue:     queue,
		heartbeat: hb,
		limiter:   limiter,
		events:    events,
		notifier:  notifier,
		logger:    xlog.WithComponent("api"),
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(recoverer)
	r.Use(requestID)
	r.Use(s.requestLogger)
	r.Use(httprate.Limit(300, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/kiosks", func(r chi.Router) {
			r.Post("/{kioskID}/heartbeat", s.handleHeartbeat)
			r.Get("/{kioskID}/commands", s.handlePollCommands)
			r.Post("/{kioskID}/commands", s.handleEnqueueCommand)
			r.Get("/{kioskID}/lockers", s.handleListLockers)
			r.Get("/{kioskID}/lockers/{lockerID}", s.handleGetLocker)
			r.Post("/{kioskID}/lockers/{lockerID}/assign", s.handleAssign)
			r.Post("/{kioskID}/lockers/{lockerID}/confirm", s.handleConfirm)
			r.Post("/{kioskID}/lockers/{lockerID}/release", s.handleRelease)
			r.Post("/{kioskID}/lockers/{lockerID}/block", s.handleBlock)
			r.Post("/{kioskID}/lockers/{lockerID}/unblock", s.handleUnblock)
			r.Post("/{kioskID}/lockers/{lockerID}/resolve", s.handleResolve)
			r.Post("/{kioskID}/lockers/{lockerID}/force", s.handleForceTransition)
			r.Get("/{kioskID}/lockers/{lockerID}/mapping", s.handleMapping)
		})
		r.Get("/kiosks", s.handleListKiosks)

		r.Route("/commands", func(r chi.Router) {
			r.Post("/{commandID}/claim", s.handleClaimCommand)
			r.Post("/{commandID}/ack", s.handleAckCommand)
			r.Post("/{commandID}/cancel", s.handleCancelCommand)
		})

		r.Get("/events", s.handleQueryEvents)
		r.Post("/ratelimit/reset", s.handleRateLimitReset)
		r.Get("/stream", s.handleStream)
	})

	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(xlog.ContextWithRequestID(r.Context(), id)))
	})
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := xlog.WithComponent("api")
				logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Str("event", "api.panic").
					Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError,
					errorBody{Error: "internal error", Category: "internal"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger := xlog.WithContext(r.Context(), s.logger)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Str("event", "api.request").
			Msg("request handled")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientIP strips the port off RemoteAddr for rate-limit keying.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
