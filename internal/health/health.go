// Package health serves the liveness and readiness probes of the voice
// server.
//
//   - /healthz — liveness; a process that answers HTTP is alive.
//   - /readyz  — readiness; 200 only when every registered provider check
//     passes. Checks probe the configured speech backends, so a server whose
//     synthesis provider is down reports not-ready instead of accepting
//     sessions it cannot serve.
//
// Responses are JSON: a top-level "status" ("ok" or "fail") and a "checks"
// map with the outcome and duration of each named probe.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultCheckTimeout bounds a single readiness probe. Speech backends are
// remote services; a hung probe must not hang the endpoint.
const defaultCheckTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// can serve and an error describing the failure otherwise.
type Checker struct {
	// Name labels the probe in the JSON response (e.g. "tts", "stt").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// checkResult is one probe's entry in the readiness response.
type checkResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// response is the JSON body of both endpoints.
type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// HandlerOption is a functional option for configuring a Handler.
type HandlerOption func(*Handler)

// WithCheckTimeout overrides the per-probe timeout.
func WithCheckTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.timeout = d }
}

// New creates a Handler that runs the given probes on each /readyz request.
// Probes run concurrently; the endpoint's latency is that of the slowest
// probe, not their sum.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  defaultCheckTimeout,
	}
}

// NewWithOptions creates a Handler with options applied.
func NewWithOptions(checkers []Checker, opts ...HandlerOption) *Handler {
	h := New(checkers...)
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every probe and reports 200 only when all pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var mu sync.Mutex
	checks := make(map[string]checkResult, len(h.checkers))
	allOK := true

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(probeCtx)
			elapsed := time.Since(start).Round(time.Millisecond)

			res := checkResult{Status: "ok", Duration: elapsed.String()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			checks[c.Name] = res
			if err != nil {
				allOK = false
			}
			mu.Unlock()
			// Probe failures are reported in the body, not as a group error;
			// every probe must run even when one fails.
			return nil
		})
	}
	g.Wait()

	res := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
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
