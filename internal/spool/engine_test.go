package spool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/sksync/internal/redact"
	"github.com/openclaw/sksync/internal/sessionfile"
	"github.com/openclaw/sksync/internal/superkanban"
	"github.com/openclaw/sksync/pkg/models"
)

type recordingServer struct {
	mu       sync.Mutex
	requests []string
	failNext bool
}

func (s *recordingServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		fail := s.failNext
		s.failNext = false
		s.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{}}`))
	}
}

func (s *recordingServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestEngine(t *testing.T, srv *httptest.Server) (*Engine, string) {
	t.Helper()
	stateDir := t.TempDir()
	pluginDir := filepath.Join(stateDir, "plugin")

	client := superkanban.New(superkanban.Config{BaseURL: srv.URL, APIKey: "k", RetryMaxAttempts: 1})
	binder := sessionfile.NewBinder(sessionfile.NewIndex(stateDir), nil)
	redactor := redact.New(redact.ModeOff, redact.DefaultBudgets())

	cfg := Config{StateDir: stateDir, PluginDir: pluginDir, Backfill: true}
	engine := NewEngine(cfg, client, binder, redactor, nil, nil)
	return engine, stateDir
}

func TestEngine_EnsureAttached_IsIdempotentAcrossCalls(t *testing.T) {
	srv := &recordingServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	engine, _ := newTestEngine(t, ts)
	ctx := context.Background()

	require.NoError(t, engine.EnsureAttached(ctx, "sess1", models.EntityTask, "task:p1:wi1:t1"))
	require.NoError(t, engine.EnsureAttached(ctx, "sess1", models.EntityTask, "task:p1:wi1:t1"))

	assert.Equal(t, 1, srv.count())
	assert.True(t, engine.meta.AttachedSessions["sess1"])
}

func TestEngine_EnsureAttached_MissingExternalIDIsDroppedNotRetried(t *testing.T) {
	srv := &recordingServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	engine, _ := newTestEngine(t, ts)
	require.NoError(t, engine.EnsureAttached(context.Background(), "sess1", models.EntityTask, ""))

	assert.Equal(t, 0, srv.count())
	assert.False(t, engine.meta.AttachedSessions["sess1"])
}

func TestEngine_FlushThenProcessSpool_SendsQueuedMessage(t *testing.T) {
	srv := &recordingServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	engine, _ := newTestEngine(t, ts)
	ctx := context.Background()

	req := models.SkRecordMessageRequest{
		SessionKey:       "sess1",
		EntityType:       models.EntityTask,
		EntityExternalID: "task:p1:wi1:t1",
		MessageKey:       "sess1:m1",
		Role:             models.RoleUser,
		Text:             "hello",
	}
	ev, err := models.MarshalMessageEvent(req)
	require.NoError(t, err)
	engine.EnqueueEvents([]models.SpoolEvent{ev})
	require.NoError(t, engine.Flush(ctx))

	require.NoError(t, engine.ProcessSpool(ctx))

	// one attach + one record-message
	assert.Equal(t, 2, srv.count())
	assert.Equal(t, 0, engine.meta.ConsecutiveFailures)
}

func TestEngine_ProcessSpool_TruncatesOnDrain(t *testing.T) {
	srv := &recordingServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	engine, _ := newTestEngine(t, ts)
	ctx := context.Background()

	req := models.SkRecordMessageRequest{
		SessionKey:       "sess1",
		EntityType:       models.EntityTask,
		EntityExternalID: "task:p1:wi1:t1",
		MessageKey:       "sess1:m1",
		Role:             models.RoleUser,
		Text:             "hi",
	}
	ev, err := models.MarshalMessageEvent(req)
	require.NoError(t, err)
	engine.EnqueueEvents([]models.SpoolEvent{ev})
	require.NoError(t, engine.Flush(ctx))
	require.NoError(t, engine.ProcessSpool(ctx))

	// Offset now equals file size; the next tick truncates the spool file.
	require.NoError(t, engine.ProcessSpool(ctx))

	info, err := os.Stat(engine.spoolPath())
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
	assert.Equal(t, int64(0), engine.meta.SpoolOffset)
}

func TestEngine_ProcessSpool_TransportFailureSetsBackoff(t *testing.T) {
	srv := &recordingServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	engine, _ := newTestEngine(t, ts)
	ctx := context.Background()

	// Pre-attach so the failing call is the RecordMessage, not the attach.
	require.NoError(t, engine.EnsureAttached(ctx, "sess1", models.EntityTask, "task:p1:wi1:t1"))

	req := models.SkRecordMessageRequest{
		SessionKey:       "sess1",
		EntityType:       models.EntityTask,
		EntityExternalID: "task:p1:wi1:t1",
		MessageKey:       "sess1:m1",
		Role:             models.RoleUser,
		Text:             "hi",
	}
	ev, err := models.MarshalMessageEvent(req)
	require.NoError(t, err)
	engine.EnqueueEvents([]models.SpoolEvent{ev})
	require.NoError(t, engine.Flush(ctx))

	srv.mu.Lock()
	srv.failNext = true
	srv.mu.Unlock()

	err = engine.ProcessSpool(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, engine.meta.ConsecutiveFailures)
	require.NotNil(t, engine.meta.NextSendAtMs)
	assert.Equal(t, int64(0), engine.meta.SpoolOffset) // offset unchanged on failure
}

func TestEngine_ProcessSpool_MalformedLineSkipsWithoutRetry(t *testing.T) {
	srv := &recordingServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	engine, _ := newTestEngine(t, ts)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(engine.cfg.PluginDir, 0o755))
	require.NoError(t, os.WriteFile(engine.spoolPath(), []byte("not json at all\n"), 0o644))

	require.NoError(t, engine.ProcessSpool(ctx))
	assert.Equal(t, int64(len("not json at all\n")), engine.meta.SpoolOffset)
	assert.Equal(t, 0, srv.count())
}

func TestEngine_TailTick_UnboundSessionAdvancesCursorButEmitsNothing(t *testing.T) {
	srv := &recordingServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	engine, stateDir := newTestEngine(t, ts)
	ctx := context.Background()

	path := writeTranscript(t, stateDir, "agent1", "sess1",
		`{"type":"message","id":"m1","timestamp":1000,"message":{"role":"user","content":"hi"}}`+"\n")

	require.NoError(t, engine.TailTick(ctx))

	cursor := engine.meta.FileCursors[path]
	assert.Greater(t, cursor.Offset, int64(0))
	assert.Empty(t, engine.pending)
}

func TestEngine_TailTick_BoundSessionEnqueuesMessage(t *testing.T) {
	srv := &recordingServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	engine, stateDir := newTestEngine(t, ts)
	ctx := context.Background()

	sessDir := filepath.Join(stateDir, "agents", "agent1", "sessions")
	require.NoError(t, os.MkdirAll(sessDir, 0o755))
	idx := map[string]map[string]string{
		"sess1": {"sessionId": "sess1", "label": "SK:TASK:task:p1:wi1:t1"},
	}
	data, err := json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sessDir, "sessions.json"), data, 0o644))

	writeTranscript(t, stateDir, "agent1", "sess1",
		`{"type":"message","id":"m1","timestamp":1000,"message":{"role":"user","content":"hi"}}`+"\n")

	require.NoError(t, engine.TailTick(ctx))
	assert.Len(t, engine.pending, 1)
	assert.Equal(t, models.SpoolEventMessage, engine.pending[0].Kind)
}
