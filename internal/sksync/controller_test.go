package sksync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/sksync/internal/hooks"
	"github.com/openclaw/sksync/internal/superkanban"
	"github.com/openclaw/sksync/pkg/models"
)

// fakeSK is a minimal Super-Kanban stand-in. idCounter assigns sequential ids
// to upserts; lockConflict forces every /lock call to answer 409.
type fakeSK struct {
	mu           sync.Mutex
	calls        []string
	idCounter    int
	lockConflict bool
	sessions     []map[string]any // canned ListSessionsForEntity response
}

func (f *fakeSK) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case strings.HasSuffix(r.URL.Path, "/upsert"):
			f.mu.Lock()
			f.idCounter++
			id := f.idCounter
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"data":{"id":"id-` + itoa(id) + `"}}`))
		case strings.HasSuffix(r.URL.Path, "/lock"):
			if f.lockConflict {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"error":"locked"}`))
				return
			}
			_, _ = w.Write([]byte(`{"data":{}}`))
		case strings.HasSuffix(r.URL.Path, "/sessions") && r.Method == http.MethodGet:
			data, _ := json.Marshal(f.sessions)
			_, _ = w.Write([]byte(`{"data":` + string(data) + `}`))
		default:
			_, _ = w.Write([]byte(`{"data":{}}`))
		}
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func (f *fakeSK) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSK) hasCall(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func newTestController(t *testing.T, sk *fakeSK, spawn SessionsSpawn, send SessionsSend, wake GatewaySendAgent, reg *hooks.Registry) (*Controller, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(sk.handler())
	client := superkanban.New(superkanban.Config{BaseURL: ts.URL, APIKey: "k"})
	c := New(Config{}, client, spawn, send, wake, reg, nil)
	return c, ts
}

func TestController_WorkerSpawn_LockConflictReturnsStructuredResult(t *testing.T) {
	sk := &fakeSK{lockConflict: true}
	spawnCalled := false
	spawn := func(ctx context.Context, p SpawnParams) (SpawnOutcome, error) {
		spawnCalled = true
		return SpawnOutcome{Accepted: true, SessionKey: "child", RunID: "run-1"}, nil
	}
	c, ts := newTestController(t, sk, spawn, nil, nil, nil)
	defer ts.Close()

	result, err := c.Spawn(context.Background(), SpawnRequest{
		Level: models.LevelWorker, Task: "do it", RequesterSessionKey: "parent-1",
		ProjectKey: "p1", WorkItemKey: "wi1", TaskKey: "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, result.Status)
	assert.Equal(t, "task_locked", result.Reason)
	assert.Equal(t, "TASK", result.EntityType)
	assert.False(t, spawnCalled, "spawn must not be attempted when the lock conflicts")
}

func TestController_WorkerSpawn_SucceedsAndTracksRun(t *testing.T) {
	sk := &fakeSK{}
	spawn := func(ctx context.Context, p SpawnParams) (SpawnOutcome, error) {
		return SpawnOutcome{Accepted: true, SessionKey: "child-sess", RunID: "run-42"}, nil
	}
	c, ts := newTestController(t, sk, spawn, nil, nil, nil)
	defer ts.Close()

	result, err := c.Spawn(context.Background(), SpawnRequest{
		Level: models.LevelWorker, Task: "do it", RequesterSessionKey: "parent-1",
		ProjectKey: "p1", WorkItemKey: "wi1", TaskKey: "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSpawned, result.Status)
	assert.Equal(t, "child-sess", result.SessionKey)
	assert.Equal(t, "run-42", result.RunID)
	assert.True(t, sk.hasCall("POST /api/sessions/attach"))

	c.mu.Lock()
	tr := c.runsByID["run-42"]
	c.mu.Unlock()
	require.NotNil(t, tr)
	assert.Equal(t, "parent-1", tr.ParentSessionKey)
	assert.True(t, tr.WakeParentOnEnd)
}

func TestController_OrionSpawn_ReusesRunningSession(t *testing.T) {
	sk := &fakeSK{sessions: []map[string]any{
		{"sessionKey": "old-session", "state": "RUNNING"},
	}}
	spawnCalled := false
	spawn := func(ctx context.Context, p SpawnParams) (SpawnOutcome, error) {
		spawnCalled = true
		return SpawnOutcome{Accepted: true, SessionKey: "new", RunID: "run-x"}, nil
	}
	var sentTask string
	send := func(ctx context.Context, sessionKey, task string) error {
		sentTask = task
		return nil
	}
	c, ts := newTestController(t, sk, spawn, send, nil, nil)
	defer ts.Close()

	result, err := c.Spawn(context.Background(), SpawnRequest{
		Level: models.LevelOrion, Task: "follow up", RequesterSessionKey: "requester",
		ProjectKey: "p1", ProjectName: "Project One",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReused, result.Status)
	assert.Equal(t, "old-session", result.SessionKey)
	assert.False(t, spawnCalled, "a running session must be reused, not spawned")
	assert.Equal(t, "follow up", sentTask)
}

func TestController_OrionSpawn_SpawnsWhenNoSessionExists(t *testing.T) {
	sk := &fakeSK{}
	var gotParams SpawnParams
	spawn := func(ctx context.Context, p SpawnParams) (SpawnOutcome, error) {
		gotParams = p
		return SpawnOutcome{Accepted: true, SessionKey: "fresh", RunID: "run-y"}, nil
	}
	c, ts := newTestController(t, sk, spawn, nil, nil, nil)
	defer ts.Close()

	result, err := c.Spawn(context.Background(), SpawnRequest{
		Level: models.LevelOrion, Task: "start project", RequesterSessionKey: "requester",
		ProjectKey: "p2", ProjectName: "Project Two",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSpawned, result.Status)
	assert.Equal(t, "run", gotParams.Mode)
	assert.Equal(t, "keep", gotParams.Cleanup)
	assert.Equal(t, "fresh", result.SessionKey)
}

func TestController_SpawnNew_NotAcceptedUnlocksWorkerTask(t *testing.T) {
	sk := &fakeSK{}
	spawn := func(ctx context.Context, p SpawnParams) (SpawnOutcome, error) {
		return SpawnOutcome{Accepted: false}, nil
	}
	c, ts := newTestController(t, sk, spawn, nil, nil, nil)
	defer ts.Close()

	_, err := c.Spawn(context.Background(), SpawnRequest{
		Level: models.LevelWorker, Task: "do it", RequesterSessionKey: "parent-1",
		ProjectKey: "p1", WorkItemKey: "wi1", TaskKey: "t1",
	})
	assert.Error(t, err)
	assert.True(t, sk.hasCall("/unlock"))
}
