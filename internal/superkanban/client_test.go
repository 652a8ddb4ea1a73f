package superkanban

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openclaw/sksync/internal/backoff"
	"github.com/openclaw/sksync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAuthHeader_ScopePreference(t *testing.T) {
	c := New(Config{BaseURL: "https://sk.example.com/api", BearerToken: "bt", APIKey: "ak"})

	name, value, err := c.resolveAuthHeader(ScopeRead)
	require.NoError(t, err)
	assert.Equal(t, "Authorization", name)
	assert.Equal(t, "Bearer bt", value)

	name, value, err = c.resolveAuthHeader(ScopeWrite)
	require.NoError(t, err)
	assert.Equal(t, "X-Api-Key", name)
	assert.Equal(t, "ak", value)
}

func TestResolveAuthHeader_PerScopeOverrideWins(t *testing.T) {
	c := New(Config{
		BaseURL:     "https://sk.example.com/api",
		BearerToken: "bt",
		ReadHeader:  "X-Custom-Read: rv",
	})
	name, value, err := c.resolveAuthHeader(ScopeRead)
	require.NoError(t, err)
	assert.Equal(t, "X-Custom-Read", name)
	assert.Equal(t, "rv", value)
}

func TestResolveAuthHeader_MissingReturnsErrAuthMissing(t *testing.T) {
	c := New(Config{BaseURL: "https://sk.example.com/api"})
	_, _, err := c.resolveAuthHeader(ScopeRead)
	assert.ErrorIs(t, err, ErrAuthMissing)
}

func TestNormalizeBaseURL_StripsKnownSuffixes(t *testing.T) {
	assert.Equal(t, "https://sk.example.com/api", normalizeBaseURL("https://sk.example.com/api/"))
	assert.Equal(t, "https://sk.example.com/api", normalizeBaseURL("https://sk.example.com/api/integrations/openclaw"))
	assert.Equal(t, "https://sk.example.com/api", normalizeBaseURL("https://sk.example.com"))
}

func TestDo_NonSuccessStatusReturnsTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BearerToken: "bt"})
	_, err := c.UpsertProject(context.Background(), UpsertRequest{ExternalID: "project:p1"})
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "boom", apiErr.Body)
}

func TestDo_RetriesOn5xxThenSucceeds(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"p-1"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BearerToken: "bt", RetryPolicy: backoff.BackoffPolicy{InitialMs: 1, MaxMs: 5, Factor: 1, Jitter: 0}})
	resp, err := c.UpsertProject(context.Background(), UpsertRequest{ExternalID: "project:p1"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", resp.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&requests))
}

func TestDo_WriteRateLimitSpacesOutRequests(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"p-1"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BearerToken: "bt", WriteRatePerSec: 5})
	require.NotNil(t, c.writeLimiter)
	require.Nil(t, c.readLimiter)

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := c.UpsertProject(context.Background(), UpsertRequest{ExternalID: "project:p1"})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestDo_NoRateLimitWhenUnconfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"p-1"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BearerToken: "bt"})
	assert.Nil(t, c.writeLimiter)
	assert.Nil(t, c.readLimiter)
}

func TestDo_DoesNotRetry4xx(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("locked"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BearerToken: "bt", RetryPolicy: backoff.BackoffPolicy{InitialMs: 1, MaxMs: 5, Factor: 1, Jitter: 0}})
	_, err := c.UpsertProject(context.Background(), UpsertRequest{ExternalID: "project:p1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests), "a 4xx must not be retried")
}

func TestUpsertProject_UnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/integrations/openclaw/projects/upsert", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "proj-1"}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "ak"})
	resp, err := c.UpsertProject(context.Background(), UpsertRequest{ExternalID: "project:p1"})
	require.NoError(t, err)
	assert.Equal(t, "proj-1", resp.ID)
}

func TestResolveSession_404ReturnsNilNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BearerToken: "bt"})
	binding, err := c.ResolveSession(context.Background(), "session-key-1")
	require.NoError(t, err)
	assert.Nil(t, binding)
}

func TestResolveSession_FoundReturnsBinding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sessionKey=session-key-1", r.URL.RawQuery)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": models.SessionBinding{
			SessionKey:       "session-key-1",
			EntityType:       models.EntityTask,
			EntityExternalID: "task:p1:wi1:t1",
		}})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BearerToken: "bt"})
	binding, err := c.ResolveSession(context.Background(), "session-key-1")
	require.NoError(t, err)
	require.NotNil(t, binding)
	assert.Equal(t, models.EntityTask, binding.EntityType)
}

func TestLockTask_ConflictStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BearerToken: "bt"})
	result, err := c.LockTask(context.Background(), "task-1", "owner-1", 3600)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Conflict)
	assert.False(t, result.Locked)
}

func TestAttach_RequiresEntityIdentifier(t *testing.T) {
	c := New(Config{BaseURL: "https://sk.example.com", BearerToken: "bt"})
	err := c.Attach(context.Background(), AttachRequest{SessionKey: "sk1", State: "active"})
	assert.Error(t, err)
}
