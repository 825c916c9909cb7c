package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/grokgate/grokgate/internal/metrics"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
)

// ErrDegraded marks a check failure that should not take the service out of
// rotation. Wrap it to report "degraded" instead of "unhealthy".
var ErrDegraded = errors.New("degraded")

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProbeResponse is the body of the /health/{live,ready,startup} probes.
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	version  string
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		version:  version,
	}
}

// RegisterChecker adds or replaces the checker stored under name.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// runChecks runs every checker concurrently. A checker still running when ctx
// expires is reported as "timeout".
func (hm *HealthManager) runChecks(ctx context.Context) map[string]string {
	hm.mu.RLock()
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, c := range hm.checkers {
		checkers[name] = c
	}
	hm.mu.RUnlock()

	type result struct {
		name   string
		status string
	}
	results := make(chan result, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker HealthChecker) {
			start := time.Now()
			status := classifyCheck(checker.CheckHealth(ctx))
			metrics.RecordHealthCheck(name, status, time.Since(start))
			results <- result{name: name, status: status}
		}(name, checker)
	}

	checks := make(map[string]string, len(checkers))
	for range checkers {
		select {
		case r := <-results:
			checks[r.name] = r.status
		case <-ctx.Done():
			for name := range checkers {
				if _, done := checks[name]; !done {
					checks[name] = statusTimeout
				}
			}
			return checks
		}
	}
	return checks
}

func classifyCheck(err error) string {
	switch {
	case err == nil:
		return statusHealthy
	case errors.Is(err, ErrDegraded):
		return statusDegraded
	default:
		return statusUnhealthy
	}
}

// determineOverallStatus is unhealthy if any check is, degraded if any check
// is degraded or timed out, healthy otherwise.
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := statusHealthy
	for _, status := range checks {
		switch status {
		case statusUnhealthy:
			return statusUnhealthy
		case statusDegraded, statusTimeout:
			overall = statusDegraded
		}
	}
	return overall
}

// probe runs the checks under timeout and answers 503 when the aggregate is
// unhealthy, or anything but healthy when strict is set. It returns the
// aggregate and the individual results otherwise.
func (hm *HealthManager) probe(w http.ResponseWriter, r *http.Request, name string, timeout time.Duration, strict bool) (string, map[string]string, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	checks := hm.runChecks(ctx)
	status := hm.determineOverallStatus(checks)
	if status == statusUnhealthy || (strict && status != statusHealthy) {
		message := name + " probe failed"
		if name == "aggregate" {
			message = "aggregate health check failed"
		}
		envelope := gferrors.NewErrorEnvelope("SERVICE_UNAVAILABLE", message)
		respondWithError(w, r, enrichHealthEnvelope(envelope, name, status, checks))
		return status, checks, false
	}
	return status, checks, true
}

// HealthHandler reports every check by name.
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, checks, ok := hm.probe(w, r, "aggregate", 5*time.Second, false)
	if !ok {
		return
	}
	writeJSON(w, HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

// LivenessHandler answers as long as the process can serve HTTP. Checks are
// not consulted: an empty cookie directory must not get the process restarted.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ProbeResponse{Status: statusHealthy, Timestamp: time.Now().UTC()})
}

// ReadinessHandler fails on degraded checks too; without a cookie every chat
// request would be rejected.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if status, _, ok := hm.probe(w, r, "ready", 5*time.Second, true); ok {
		writeJSON(w, ProbeResponse{Status: status, Timestamp: time.Now().UTC()})
	}
}

func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	if status, _, ok := hm.probe(w, r, "startup", 3*time.Second, false); ok {
		writeJSON(w, ProbeResponse{Status: status, Timestamp: time.Now().UTC()})
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

func enrichHealthEnvelope(envelope *gferrors.ErrorEnvelope, probe, status string, checks map[string]string) *gferrors.ErrorEnvelope {
	details := map[string]interface{}{"status": status, "probe": probe}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	envelope = envelope.WithDetails(details)

	var failing []string
	for name, result := range checks {
		if result != statusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	ctxData := map[string]interface{}{"status": status, "probe": probe}
	if len(failing) > 0 {
		ctxData["unhealthy_checks"] = failing
	}
	envelope, _ = envelope.WithContext(ctxData)
	return envelope
}

var globalHealthManager *HealthManager

// InitHealthManager replaces the manager used by the package-level handlers.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

func GetHealthManager() *HealthManager {
	return globalHealthManager
}

// withGlobalManager adapts a manager method to a plain handler. Requests
// before InitHealthManager get 503.
func withGlobalManager(probe string, h func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hm := globalHealthManager; hm != nil {
			h(hm, w, r)
			return
		}
		envelope := gferrors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health manager not initialized")
		respondWithError(w, r, enrichHealthEnvelope(envelope, probe, "unknown", nil))
	}
}

var (
	HealthHandler    = withGlobalManager("aggregate", (*HealthManager).HealthHandler)
	LivenessHandler  = withGlobalManager("live", (*HealthManager).LivenessHandler)
	ReadinessHandler = withGlobalManager("ready", (*HealthManager).ReadinessHandler)
	StartupHandler   = withGlobalManager("startup", (*HealthManager).StartupHandler)
)
