// SPDX-License-Identifier: MIT

// Package ratelimit is the in-memory multi-dimensional throttle gating all
// external calls. Buckets and violation state are per-process and rebuild
// within one refill window after a restart.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kiosknet/lockerd/internal/eventlog"
	"github.com/kiosknet/lockerd/internal/fault"
	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/metrics"
)

// Dimension selects which bucket family a subject is throttled in.
type Dimension string

const (
	DimensionIP     Dimension = "ip"
	DimensionCard   Dimension = "rfid_card"
	DimensionLocker Dimension = "locker"
	DimensionDevice Dimension = "qr_device"
)

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionIP, DimensionCard, DimensionLocker, DimensionDevice:
		return true
	}
	return false
}

// Limit describes one dimension's bucket and its block escalation.
type Limit struct {
	Burst          int        // bucket capacity
	Rate           rate.Limit // refill, tokens per second
	BlockThreshold int        // consecutive rejections before a block
	BlockDuration  time.Duration
}

// Config holds the per-dimension limits and the GC interval.
type Config struct {
	Limits          map[Dimension]Limit
	CleanupInterval time.Duration
}

// DefaultConfig returns the stock limits for kiosk traffic.
func DefaultConfig() Config {
	return Config{
		Limits: map[Dimension]Limit{
			DimensionIP:     {Burst: 30, Rate: 30.0 / 60.0, BlockThreshold: 10, BlockDuration: 5 * time.Minute},
			DimensionCard:   {Burst: 60, Rate: 60.0 / 60.0, BlockThreshold: 20, BlockDuration: 5 * time.Minute},
			DimensionLocker: {Burst: 6, Rate: 6.0 / 60.0, BlockThreshold: 10, BlockDuration: 10 * time.Minute},
			DimensionDevice: {Burst: 1, Rate: 1.0 / 20.0, BlockThreshold: 5, BlockDuration: 20 * time.Minute},
		},
		CleanupInterval: 60 * time.Minute,
	}
}

// AuditSink receives administrative and escalation events. *eventlog.Log
// satisfies it.
type AuditSink interface {
	Append(ctx context.Context, ev eventlog.Event) error
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Blocked    bool
	RetryAfter time.Duration
	Remaining  float64
}

// Err converts a rejection into a throttled error; nil when allowed.
func (r Result) Err(dim Dimension) error {
	if r.Allowed {
		return nil
	}
	return &fault.ThrottledError{
		Dimension:  string(dim),
		RetryAfter: r.RetryAfter,
		Blocked:    r.Blocked,
	}
}

type entry struct {
	lim          *rate.Limiter
	violations   int
	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter is the bucket store. Safe for concurrent use; no lock is ever held
// across I/O.
type Limiter struct {
	mu          sync.Mutex
	cfg         Config
	entries     map[string]*entry
	lastCleanup time.Time

	audit  AuditSink
	logger zerolog.Logger
	now    func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithAuditSink wires escalation and reset events into the event log.
func WithAuditSink(sink AuditSink) Option {
	return func(l *Limiter) { l.audit = sink }
}

// New creates a limiter with the given config.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		entries: make(map[string]*entry),
		logger:  xlog.WithComponent("ratelimit"),
		now:     time.Now,
	}
	l.lastCleanup = l.now()
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check consumes one token for subject in the given dimension, or rejects
// with a retry-after hint. Consecutive rejections escalate into a timed block.
func (l *Limiter) Check(ctx context.Context, dim Dimension, subject string) (Result, error) {
	limit, ok := l.cfg.Limits[dim]
	if !ok {
		return Result{}, fault.Validationf("dimension", "unknown rate limit dimension %q", dim)
	}
	if subject == "" {
		return Result{}, fault.Validationf("subject", "required")
	}

	l.mu.Lock()
	now := l.now()
	e := l.getEntry(dim, subject, limit, now)

	if res, blocked := l.checkBlocked(e, now); blocked {
		l.mu.Unlock()
		metrics.RateLimitRejectedTotal.WithLabelValues(string(dim), "blocked").Inc()
		return res, nil
	}

	tokens := e.lim.TokensAt(now)
	if tokens >= 1 {
		e.lim.AllowN(now, 1)
		e.violations = 0
		l.maybeCleanupLocked(now)
		l.mu.Unlock()
		return Result{Allowed: true, Remaining: tokens - 1}, nil
	}

	res := rejectResult(tokens, limit.Rate)
	escalated := l.recordViolationLocked(e, limit, now)
	l.mu.Unlock()

	metrics.RateLimitRejectedTotal.WithLabelValues(string(dim), "exhausted").Inc()
	if escalated {
		l.emitBlocked(ctx, dim, subject, limit.BlockDuration)
	}
	return res, nil
}

// CheckQR runs the composite gate for QR access: ip, locker, then qr_device.
// The first failure short-circuits; tokens are consumed only when all three
// dimensions pass.
func (l *Limiter) CheckQR(ctx context.Context, ip, lockerKey, deviceKey string) (Result, Dimension, error) {
	gates := []struct {
		dim     Dimension
		subject string
	}{
		{DimensionIP, ip},
		{DimensionLocker, lockerKey},
		{DimensionDevice, deviceKey},
	}

	type blockedEmit struct {
		dim     Dimension
		subject string
		dur     time.Duration
	}
	var emit *blockedEmit

	l.mu.Lock()
	now := l.now()

	for _, g := range gates {
		limit, ok := l.cfg.Limits[g.dim]
		if !ok {
			l.mu.Unlock()
			return Result{}, g.dim, fault.Validationf("dimension", "unknown rate limit dimension %q", g.dim)
		}
		if g.subject == "" {
			l.mu.Unlock()
			return Result{}, g.dim, fault.Validationf("subject", "required")
		}
		e := l.getEntry(g.dim, g.subject, limit, now)

		if res, blocked := l.checkBlocked(e, now); blocked {
			l.mu.Unlock()
			metrics.RateLimitRejectedTotal.WithLabelValues(string(g.dim), "blocked").Inc()
			return res, g.dim, nil
		}

		if tokens := e.lim.TokensAt(now); tokens < 1 {
			res := rejectResult(tokens, limit.Rate)
			if l.recordViolationLocked(e, limit, now) {
				emit = &blockedEmit{g.dim, g.subject, limit.BlockDuration}
			}
			l.mu.Unlock()
			metrics.RateLimitRejectedTotal.WithLabelValues(string(g.dim), "exhausted").Inc()
			if emit != nil {
				l.emitBlocked(ctx, emit.dim, emit.subject, emit.dur)
			}
			return res, g.dim, nil
		}
	}

	// All gates pass: consume one token from each.
	var remaining float64 = math.MaxFloat64
	for _, g := range gates {
		e := l.entries[key(g.dim, g.subject)]
		tokens := e.lim.TokensAt(now)
		e.lim.AllowN(now, 1)
		e.violations = 0
		if tokens-1 < remaining {
			remaining = tokens - 1
		}
	}
	l.maybeCleanupLocked(now)
	l.mu.Unlock()

	return Result{Allowed: true, Remaining: remaining}, "", nil
}

// Reset clears bucket and violation state for the key and writes an audit
// event carrying the admin identity.
func (l *Limiter) Reset(ctx context.Context, dim Dimension, subject, admin string) error {
	if admin == "" {
		return fault.Validationf("admin", "required")
	}
	if _, ok := l.cfg.Limits[dim]; !ok {
		return fault.Validationf("dimension", "unknown rate limit dimension %q", dim)
	}

	l.mu.Lock()
	delete(l.entries, key(dim, subject))
	l.mu.Unlock()

	l.logger.Info().
		Str("event", "ratelimit.reset").
		Str("dimension", string(dim)).
		Str("subject", subject).
		Str("admin", admin).
		Msg("rate limit state reset")

	if l.audit != nil {
		return l.audit.Append(ctx, eventlog.Event{
			KioskID:   "gateway",
			StaffUser: admin,
			Payload: eventlog.RateLimitResetDetails{
				Dimension: string(dim),
				Subject:   subject,
			},
		})
	}
	return nil
}

func key(dim Dimension, subject string) string {
	return string(dim) + "|" + subject
}

// getEntry returns the bucket for (dim, subject), creating it full.
// Callers hold l.mu.
func (l *Limiter) getEntry(dim Dimension, subject string, limit Limit, now time.Time) *entry {
	k := key(dim, subject)
	e, ok := l.entries[k]
	if !ok {
		e = &entry{lim: rate.NewLimiter(limit.Rate, limit.Burst)}
		l.entries[k] = e
	}
	e.lastSeen = now
	return e
}

// checkBlocked short-circuits keys under an active block. Callers hold l.mu.
func (l *Limiter) checkBlocked(e *entry, now time.Time) (Result, bool) {
	if e.blockedUntil.IsZero() || !now.Before(e.blockedUntil) {
		return Result{}, false
	}
	return Result{
		Allowed:    false,
		Blocked:    true,
		RetryAfter: e.blockedUntil.Sub(now).Round(time.Second),
	}, true
}

// recordViolationLocked bumps the consecutive rejection counter and reports
// whether this rejection crossed the block threshold. Callers hold l.mu.
func (l *Limiter) recordViolationLocked(e *entry, limit Limit, now time.Time) bool {
	e.violations++
	if limit.BlockThreshold > 0 && e.violations >= limit.BlockThreshold && e.blockedUntil.Before(now) {
		e.blockedUntil = now.Add(limit.BlockDuration)
		e.violations = 0
		return true
	}
	return false
}

func rejectResult(tokens float64, r rate.Limit) Result {
	retry := time.Duration(math.Ceil((1-tokens)/float64(r))) * time.Second
	return Result{Allowed: false, RetryAfter: retry}
}

func (l *Limiter) emitBlocked(ctx context.Context, dim Dimension, subject string, dur time.Duration) {
	l.logger.Warn().
		Str("event", "ratelimit.blocked").
		Str("dimension", string(dim)).
		Str("subject", subject).
		Dur("duration", dur).
		Msg("key blocked after repeated violations")

	if l.audit == nil {
		return
	}
	err := l.audit.Append(ctx, eventlog.Event{
		KioskID: "gateway",
		Payload: eventlog.RateLimitBlockedDetails{
			Dimension:    string(dim),
			Subject:      subject,
			BlockSeconds: int(dur / time.Second),
		},
	})
	if err != nil {
		l.logger.Error().Err(err).Str("event", "ratelimit.audit_failed").
			Msg("failed to record block event")
	}
}

// maybeCleanupLocked drops entries idle past the cleanup interval whose
// blocks have expired. Callers hold l.mu.
func (l *Limiter) maybeCleanupLocked(now time.Time) {
	interval := l.cfg.CleanupInterval
	if interval <= 0 {
		interval = 60 * time.Minute
	}
	if now.Sub(l.lastCleanup) < interval {
		return
	}
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) >= interval && !now.Before(e.blockedUntil) {
			delete(l.entries, k)
		}
	}
	l.lastCleanup = now
}
