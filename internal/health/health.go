// Package health serves the orchestration-facing probes of the Voxa server.
//
// GET /healthz answers 200 whenever the process can serve HTTP at all.
// GET /readyz answers 200 only while every registered [Checker] passes;
// the app wires checkers for the LLM provider and, when configured, the
// Postgres store. Bodies are JSON with a "status" of "ok" or "fail" plus a
// per-check "checks" map, so a failing dependency can be named from the
// probe output alone.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds each readiness check so one slow dependency cannot
// stall the probe past the orchestrator's own timeout.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil while the dependency can
// serve traffic and must honor ctx.
type Checker struct {
	// Name keys the check in the /readyz body, e.g. "provider" or
	// "database".
	Name string

	Check func(ctx context.Context) error
}

type probeBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the two probe routes. The checker list is copied at
// construction and never mutated, so the handler needs no locking.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] over the given checkers. /readyz runs them
// sequentially in this order.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always reports ok; reaching the handler is the liveness signal.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, probeBody{Status: "ok"})
}

// Readyz runs every checker under a [checkTimeout] deadline and reports 503
// as soon as any of them fails. All checkers run even after a failure so the
// body names every broken dependency, not just the first.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	failed := false

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			failed = true
			continue
		}
		checks[c.Name] = "ok"
	}

	body := probeBody{Status: "ok", Checks: checks}
	status := http.StatusOK
	if failed {
		body.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
