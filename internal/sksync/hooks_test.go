package sksync

import (
	"context"
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

type recordingSK struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSK) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{}}`))
	}
}

func (s *recordingSK) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func newControllerWithRun(t *testing.T, sk *recordingSK, wake GatewaySendAgent) (*Controller, *hooks.Registry, *httptest.Server, string) {
	t.Helper()
	ts := httptest.NewServer(sk.handler())
	client := superkanban.New(superkanban.Config{BaseURL: ts.URL, APIKey: "k"})
	reg := hooks.NewRegistry(nil)
	runID := "run-1"
	spawn := func(ctx context.Context, p SpawnParams) (SpawnOutcome, error) {
		return SpawnOutcome{Accepted: true, SessionKey: "child-1", RunID: runID}, nil
	}
	c := New(Config{}, client, spawn, nil, wake, reg, nil)

	_, err := c.Spawn(context.Background(), SpawnRequest{
		Level: models.LevelWorker, Task: "work", RequesterSessionKey: "parent-1",
		ProjectKey: "p1", WorkItemKey: "wi1", TaskKey: "t1",
	})
	require.NoError(t, err)
	return c, reg, ts, runID
}

func TestHooks_AgentEnd_ClosesTrackedRunAndPatchesTaskDone(t *testing.T) {
	sk := &recordingSK{}
	c, reg, ts, runID := newControllerWithRun(t, sk, nil)
	defer ts.Close()

	err := reg.Trigger(context.Background(), &hooks.Event{
		Type: hooks.EventAgentEnd, RunID: runID, ChildSessionKey: "child-1", Outcome: hooks.OutcomeOK,
	})
	require.NoError(t, err)

	c.mu.Lock()
	tr := c.runsByID[runID]
	c.mu.Unlock()
	require.NotNil(t, tr)
	assert.True(t, tr.Closed)
	assert.True(t, sk.count("/tasks/") > 0)
}

func TestHooks_SubagentEnded_FiresWakeExactlyOnce(t *testing.T) {
	sk := &recordingSK{}
	var wakeCalls int
	var mu sync.Mutex
	wake := func(ctx context.Context, req WakeRequest) error {
		mu.Lock()
		wakeCalls++
		mu.Unlock()
		assert.Equal(t, "parent-1", req.SessionKey)
		assert.Equal(t, "sk-sync-wake", req.Lane)
		assert.False(t, req.Deliver)
		assert.NotEmpty(t, req.IdempotencyKey)
		// newControllerWithRun always assigns runID "run-1".
		assert.Equal(t, "status=DONE outcome=ok child=child-1 run=run-1", req.Text)
		return nil
	}
	c, reg, ts, runID := newControllerWithRun(t, sk, wake)
	defer ts.Close()

	event := &hooks.Event{Type: hooks.EventSubagentEnded, RunID: runID, ChildSessionKey: "child-1", ParentSessionKey: "parent-1", Outcome: hooks.OutcomeOK}
	require.NoError(t, reg.Trigger(context.Background(), event))
	// A second delivery of the same terminal event (at-least-once redelivery)
	// must not wake the parent again: the tracked run was already removed.
	require.NoError(t, reg.Trigger(context.Background(), event))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, wakeCalls)

	c.mu.Lock()
	_, stillTracked := c.runsByID[runID]
	c.mu.Unlock()
	assert.False(t, stillTracked)
}

func TestHooks_TerminalReplay_ReappliesTaskPatchAndUnlockButNotAttach(t *testing.T) {
	sk := &recordingSK{}
	c, reg, ts, runID := newControllerWithRun(t, sk, nil)
	defer ts.Close()

	event := &hooks.Event{Type: hooks.EventAgentEnd, RunID: runID, ChildSessionKey: "child-1", Outcome: hooks.OutcomeOK}
	require.NoError(t, reg.Trigger(context.Background(), event))
	attachCallsAfterFirst := sk.count("/sessions/attach")

	require.NoError(t, reg.Trigger(context.Background(), event))
	attachCallsAfterSecond := sk.count("/sessions/attach")

	assert.Equal(t, attachCallsAfterFirst, attachCallsAfterSecond, "attach must not repeat on terminal-state replay")

	c.mu.Lock()
	tr := c.runsByID[runID]
	c.mu.Unlock()
	require.NotNil(t, tr)
	assert.True(t, tr.Closed)
}

func TestOutcomeMapping_CoversEveryOutcome(t *testing.T) {
	cases := []struct {
		outcome      hooks.Outcome
		sessionState string
		taskStatus   string
	}{
		{hooks.OutcomeOK, "DONE", "DONE"},
		{hooks.OutcomeTimeout, "FAILED", "BLOCKED"},
		{hooks.OutcomeError, "FAILED", "BLOCKED"},
		{hooks.OutcomeKilled, "CANCELLED", "CANCELLED"},
		{hooks.OutcomeReset, "CANCELLED", "CANCELLED"},
		{hooks.OutcomeDeleted, "CANCELLED", "CANCELLED"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.sessionState, outcomeToSessionState(tc.outcome), "session state for %s", tc.outcome)
		assert.Equal(t, tc.taskStatus, outcomeToTaskStatus(tc.outcome), "task status for %s", tc.outcome)
	}
}
