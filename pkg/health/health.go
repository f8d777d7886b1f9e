// Package health serves Kubernetes-style liveness and readiness probes.
//
// Checks are evaluated when a probe request arrives, each under its own
// timeout. Readiness additionally gates on an explicit ready flag so a
// service can refuse traffic during startup and graceful shutdown.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	name    string
	timeout time.Duration
	fn      CheckFunc
}

// Health holds the registered probes for a service.
type Health struct {
	ready atomic.Bool

	mu        sync.RWMutex
	liveness  []check
	readiness []check
}

// New returns a Health with no checks, in the not-ready state. Call
// SetReady(true) once initialization is done.
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a probe for /livez. Liveness answers "is the
// process functional", e.g. a goroutine leak detector.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, check{name: name, timeout: timeout, fn: fn})
}

// AddReadinessCheck registers a probe for /readyz. Readiness answers "can the
// service take traffic", e.g. database connectivity.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, check{name: name, timeout: timeout, fn: fn})
}

// SetReady flips the readiness gate. Set false during shutdown so load
// balancers drain the instance before connections close.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the ready gate is open.
func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// LiveEndpoint handles /livez: 200 while every liveness check passes,
// 503 with a failure map otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := append([]check(nil), h.liveness...)
	h.mu.RUnlock()

	writeProbe(w, evaluate(r.Context(), checks))
}

// ReadyEndpoint handles /readyz: 200 when the ready gate is open and every
// readiness check passes.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checks := append([]check(nil), h.readiness...)
	h.mu.RUnlock()

	failures := evaluate(r.Context(), checks)
	if !h.ready.Load() {
		failures = append(failures, failure{name: "startup", message: "service is not ready"})
	}
	writeProbe(w, failures)
}

type failure struct {
	name    string
	message string
}

func evaluate(ctx context.Context, checks []check) []failure {
	var failures []failure
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.fn(checkCtx)
		cancel()
		if err != nil {
			failures = append(failures, failure{name: c.name, message: err.Error()})
		}
	}
	return failures
}

func writeProbe(w http.ResponseWriter, failures []failure) {
	w.Header().Set("Content-Type", "application/json")

	var e jx.Encoder
	if len(failures) == 0 {
		e.Obj(func(e *jx.Encoder) {
			e.Field("status", func(e *jx.Encoder) { e.Str("ok") })
		})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(e.Bytes())
		return
	}

	e.Obj(func(e *jx.Encoder) {
		e.Field("status", func(e *jx.Encoder) { e.Str("unhealthy") })
		e.Field("checks", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				for _, f := range failures {
					e.Field(f.name, func(e *jx.Encoder) { e.Str(f.message) })
				}
			})
		})
	})
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(e.Bytes())
}
