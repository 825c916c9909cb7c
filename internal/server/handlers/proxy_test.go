package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grokgate/grokgate/internal/quota"
)

type fixedPool []quota.Status

func (p fixedPool) Snapshot() []quota.Status { return p }

type fixedCount int

func (c fixedCount) Len() int { return int(c) }

func TestModelsHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewModelsHandler("grok-3")(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"object":"list","data":[{"id":"grok-3","object":"model","owned_by":"xai"}]}`, rec.Body.String())
}

func TestPoolStatusHandler(t *testing.T) {
	recovers := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pool := fixedPool{
		{Name: "alice", Remaining: 0, Max: 15, Recovering: true, RecoversAt: recovers},
		{Name: "bob", Remaining: 15, Max: 15},
	}

	rec := httptest.NewRecorder()
	NewPoolStatusHandler(pool)(rec, httptest.NewRequest(http.MethodGet, "/v1/cookies", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PoolStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Available)
	require.Len(t, resp.Cookies, 2)
	assert.Equal(t, "alice", resp.Cookies[0].Name)
	assert.True(t, resp.Cookies[0].Recovering)
	assert.True(t, recovers.Equal(resp.Cookies[0].RecoversAt))
}

func TestPoolStatusHandlerEmptyPool(t *testing.T) {
	rec := httptest.NewRecorder()
	NewPoolStatusHandler(fixedPool(nil))(rec, httptest.NewRequest(http.MethodGet, "/v1/cookies", nil))

	assert.Contains(t, rec.Body.String(), `"cookies":[]`)
}

func TestCredentialPoolChecker(t *testing.T) {
	assert.Error(t, CredentialPoolChecker{}.CheckHealth(context.Background()))
	err := CredentialPoolChecker{Credentials: fixedCount(0)}.CheckHealth(context.Background())
	assert.ErrorIs(t, err, ErrDegraded)
	assert.NoError(t, CredentialPoolChecker{Credentials: fixedCount(2)}.CheckHealth(context.Background()))
}

func TestReadinessFailsWithoutCookies(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("credential_pool", CredentialPoolChecker{Credentials: fixedCount(0)})

	rec := httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
