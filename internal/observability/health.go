package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds every dependency check of one readiness request.
const checkTimeout = 2 * time.Second

// HealthChecker backs /healthz (liveness) and /readyz (readiness). The
// service is ready once recovery has replayed the log, the core accepts
// commands and every registered dependency check passes.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	sequence  atomic.Pointer[func() int64]

	mu     sync.RWMutex
	checks map[string]func(context.Context) error
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]func(context.Context) error),
	}
}

func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// ReportSequence makes readiness responses include the value of fn.
func (h *HealthChecker) ReportSequence(fn func() int64) {
	h.sequence.Store(&fn)
}

// AddCheck registers a dependency check, e.g. a database ping. A failing
// check makes the service not ready.
func (h *HealthChecker) AddCheck(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

// runChecks returns the error of every failing check by name.
func (h *HealthChecker) runChecks(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]func(context.Context) error, len(names))
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	failed := make(map[string]string)
	for i, check := range checks {
		if err := check(ctx); err != nil {
			failed[names[i]] = err.Error()
		}
	}
	return failed
}

// LivenessHandler always answers 200 while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler answers 200 when ready, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{"status": "not_ready"}
	code := http.StatusServiceUnavailable

	failed := h.runChecks(r.Context())
	if len(failed) > 0 {
		body["failed_checks"] = failed
	}
	if h.ready.Load() && len(failed) == 0 {
		body["status"] = "ready"
		code = http.StatusOK
	}
	if fn := h.sequence.Load(); fn != nil {
		body["sequence"] = (*fn)()
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
