// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz answers 200
// only when every [Checker] passes and shutdown has not begun, so a load
// balancer stops routing webhooks to a draining instance. Both bodies are
// JSON:
//
//	{"status":"ok","checks":{"archive":"ok"},"load":{"pending_sessions":2}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// probeTimeout bounds a whole /readyz evaluation; checkers run concurrently.
const probeTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when it is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type body struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Load   map[string]int    `json:"load,omitempty"`
}

// Handler serves /healthz and /readyz. Checkers are fixed at construction;
// gauges may be added with [Handler.Report] before serving starts.
type Handler struct {
	checkers []Checker
	gauges   map[string]func() int
	draining atomic.Bool
}

// New returns a Handler evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		gauges:   make(map[string]func() int),
	}
}

// Report adds a figure shown under "load" in both probe bodies, such as the
// number of sessions holding unflushed audio.
func (h *Handler) Report(name string, fn func() int) {
	h.gauges[name] = fn
}

// SetDraining makes /readyz fail from now on.
func (h *Handler) SetDraining() {
	h.draining.Store(true)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, body{Status: "ok", Load: h.load()})
}

// Readyz runs every checker concurrently and answers 503 if any fails or the
// process is draining.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := h.runChecks(ctx)
	if h.draining.Load() {
		checks["shutdown"] = "fail: draining"
	}

	res := body{Status: "ok", Checks: checks, Load: h.load()}
	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			res.Status, status = "fail", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

func (h *Handler) runChecks(ctx context.Context) map[string]string {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.checkers)+1)
	)
	for _, c := range h.checkers {
		wg.Go(func() {
			v := "ok"
			if err := c.Check(ctx); err != nil {
				v = "fail: " + err.Error()
			}
			mu.Lock()
			checks[c.Name] = v
			mu.Unlock()
		})
	}
	wg.Wait()
	return checks
}

func (h *Handler) load() map[string]int {
	if len(h.gauges) == 0 {
		return nil
	}
	out := make(map[string]int, len(h.gauges))
	for name, fn := range h.gauges {
		out[name] = fn()
	}
	return out
}

// Register mounts both probes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
