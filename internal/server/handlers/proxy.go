package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/grokgate/grokgate/internal/dispatch"
	"github.com/grokgate/grokgate/internal/quota"
)

// PoolSnapshotter exposes the quota state of every cookie.
type PoolSnapshotter interface {
	Snapshot() []quota.Status
}

// PoolStatusResponse is the body of GET /v1/cookies. Secrets are never
// included.
type PoolStatusResponse struct {
	Total     int            `json:"total"`
	Available int            `json:"available"`
	Cookies   []quota.Status `json:"cookies"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewModelsHandler serves the OpenAI model list with the single backend model.
func NewModelsHandler(model string) http.HandlerFunc {
	body, _ := json.Marshal(dispatch.NewModelList(model))
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

// NewPoolStatusHandler serves the quota snapshot.
func NewPoolStatusHandler(pool PoolSnapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := pool.Snapshot()
		available := 0
		for _, st := range snapshot {
			if st.Remaining > 0 {
				available++
			}
		}

		response := PoolStatusResponse{
			Total:     len(snapshot),
			Available: available,
			Cookies:   snapshot,
			Timestamp: time.Now().UTC(),
		}
		if response.Cookies == nil {
			response.Cookies = []quota.Status{}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// CredentialCounter reports how many cookies are loaded.
type CredentialCounter interface {
	Len() int
}

// CredentialPoolChecker reports degraded while no cookie is loaded; the
// watcher may still pick one up.
type CredentialPoolChecker struct {
	Credentials CredentialCounter
}

// CheckHealth implements HealthChecker.
func (c CredentialPoolChecker) CheckHealth(ctx context.Context) error {
	if c.Credentials == nil {
		return fmt.Errorf("credential store not initialized")
	}
	if c.Credentials.Len() == 0 {
		return fmt.Errorf("no cookies loaded: %w", ErrDegraded)
	}
	return nil
}
